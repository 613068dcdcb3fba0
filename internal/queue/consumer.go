package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"katasu/internal/config"
)

type Handler interface {
	Handle(ctx context.Context, d Delivery) Outcome
}

// Stream is the subset of *redis.Client the consumer needs.
type Stream interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XClaimJustID(ctx context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type Consumer struct {
	client  Stream
	cfg     config.QueueConfig
	logger  zerolog.Logger
	handler Handler
	dead    *DeadLetters
}

func NewConsumer(client Stream, cfg config.QueueConfig, logger zerolog.Logger, handler Handler) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 10 * time.Second
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = 30 * time.Second
	}
	return &Consumer{
		client:  client,
		cfg:     cfg,
		logger:  logger.With().Str("stream", cfg.Stream).Str("consumer", cfg.Consumer).Logger(),
		handler: handler,
		dead:    NewDeadLetters(client, cfg.DeadLetter),
	}
}

func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", c.cfg.Group, err)
	}
	return nil
}

func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := c.read(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("stream read error")
				sleep(ctx, 2*time.Second)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.claimStalled(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("claim stalled failed")
			}
		default:
		}
	}
}

type delivery struct {
	msg     redis.XMessage
	attempt int
}

func (c *Consumer) read(ctx context.Context) error {
	result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    int64(c.cfg.BatchSize),
		Block:    c.cfg.Block,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	var batch []delivery
	for _, stream := range result {
		for _, msg := range stream.Messages {
			batch = append(batch, delivery{msg: msg, attempt: 1})
		}
	}
	c.dispatch(ctx, batch)
	return nil
}

// claimStalled takes over deliveries that were left pending (retried or
// abandoned by a crashed worker) for longer than the redelivery delay.
func (c *Consumer) claimStalled(ctx context.Context) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.RedeliveryDelay,
		Start:  "-",
		End:    "+",
		Count:  int64(c.cfg.BatchSize),
	}).Result()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	attempts := make(map[string]int, len(pending))
	ids := make([]string, 0, len(pending))
	for _, entry := range pending {
		attempts[entry.ID] = int(entry.RetryCount) + 1
		ids = append(ids, entry.ID)
	}

	msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.RedeliveryDelay,
		Messages: ids,
	}).Result()
	if err != nil {
		return err
	}

	batch := make([]delivery, 0, len(msgs))
	for _, msg := range msgs {
		batch = append(batch, delivery{msg: msg, attempt: attempts[msg.ID]})
	}
	c.dispatch(ctx, batch)
	return nil
}

// dispatch runs a batch on a pool sized to the batch and settles every
// message. Jobs are independent, so there is no ordering between them.
func (c *Consumer) dispatch(ctx context.Context, batch []delivery) {
	if len(batch) == 0 {
		return
	}
	running := newInflight(batch)
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go c.heartbeat(hbCtx, running)

	var g errgroup.Group
	g.SetLimit(len(batch))
	for _, d := range batch {
		d := d
		g.Go(func() error {
			outcome := c.handle(ctx, d)
			running.done(d.msg.ID)
			c.settle(ctx, d, outcome)
			return nil
		})
	}
	_ = g.Wait()
}

// heartbeat re-claims running deliveries for this consumer so their idle
// time never reaches the redelivery delay. XCLAIM with JUSTID does not
// increment the delivery count, so a slow job keeps its attempt number and
// other consumers only take over deliveries whose worker is gone.
func (c *Consumer) heartbeat(ctx context.Context, running *inflight) {
	ticker := time.NewTicker(c.cfg.RedeliveryDelay / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids := running.ids()
		if len(ids) == 0 {
			return
		}
		err := c.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Messages: ids,
		}).Err()
		if err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Int("count", len(ids)).Msg("heartbeat claim failed")
		}
	}
}

type inflight struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func newInflight(batch []delivery) *inflight {
	set := make(map[string]struct{}, len(batch))
	for _, d := range batch {
		set[d.msg.ID] = struct{}{}
	}
	return &inflight{set: set}
}

func (f *inflight) done(id string) {
	f.mu.Lock()
	delete(f.set, id)
	f.mu.Unlock()
}

func (f *inflight) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.set))
	for id := range f.set {
		out = append(out, id)
	}
	return out
}

func (c *Consumer) handle(ctx context.Context, d delivery) (outcome Outcome) {
	log := c.logger.With().Str("message_id", d.msg.ID).Int("attempt", d.attempt).Logger()

	job, err := DecodeJob(d.msg.Values)
	if err != nil {
		log.Error().Err(err).Msg("undecodable job, dead-lettering")
		c.deadLetter(ctx, d, err)
		return Ack
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("image_id", job.ImageID).Msg("job handler panicked")
			outcome = Retry
			if d.attempt >= c.cfg.MaxAttempts {
				c.deadLetter(ctx, d, fmt.Errorf("handler panic: %v", r))
				outcome = Ack
			}
		}
	}()

	return c.handler.Handle(ctx, Delivery{MessageID: d.msg.ID, Attempt: d.attempt, Job: job})
}

func (c *Consumer) settle(ctx context.Context, d delivery, outcome Outcome) {
	if outcome != Ack {
		c.logger.Debug().Str("message_id", d.msg.ID).Int("attempt", d.attempt).Msg("left pending for redelivery")
		return
	}
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, d.msg.ID).Err(); err != nil {
		c.logger.Error().Err(err).Str("message_id", d.msg.ID).Msg("ack failed")
	}
}

func (c *Consumer) deadLetter(ctx context.Context, d delivery, reason error) {
	if err := c.dead.put(ctx, d.msg.ID, d.attempt, d.msg.Values, reason); err != nil {
		c.logger.Error().Err(err).Str("message_id", d.msg.ID).Msg("dead-letter failed")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
