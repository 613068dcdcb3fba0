package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type Producer struct {
	client streamAdder
	stream string
	maxLen int64
}

func NewProducer(client streamAdder, stream string, maxLen int64) *Producer {
	return &Producer{client: client, stream: stream, maxLen: maxLen}
}

func (p *Producer) Enqueue(ctx context.Context, job Job) error {
	values, err := job.Encode()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// DeadLetters records jobs that will never be retried again.
type DeadLetters struct {
	client streamAdder
	stream string
}

func NewDeadLetters(client streamAdder, stream string) *DeadLetters {
	return &DeadLetters{client: client, stream: stream}
}

func (d *DeadLetters) Put(ctx context.Context, delivery Delivery, reason error) error {
	values, err := delivery.Job.Encode()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return d.put(ctx, delivery.MessageID, delivery.Attempt, values, reason)
}

func (d *DeadLetters) put(ctx context.Context, sourceID string, attempt int, values map[string]any, reason error) error {
	if d == nil || d.stream == "" {
		return nil
	}
	out := make(map[string]any, len(values)+3)
	for k, v := range values {
		out[k] = v
	}
	out["source_id"] = sourceID
	out["attempt"] = attempt
	if reason != nil {
		out["reason"] = reason.Error()
	}
	if err := d.client.XAdd(ctx, &redis.XAddArgs{Stream: d.stream, Values: out}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", d.stream, err)
	}
	return nil
}
