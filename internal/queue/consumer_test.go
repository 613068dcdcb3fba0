package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"katasu/internal/config"
)

type fakeStream struct {
	mu       sync.Mutex
	reads    []redis.XStream
	pending  []redis.XPendingExt
	claimed  []redis.XMessage
	acked    []string
	added    []*redis.XAddArgs
	renewed  [][]string
	groupErr error
}

func (f *fakeStream) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", f.groupErr)
}

func (f *fakeStream) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	out := f.reads
	f.reads = nil
	return redis.NewXStreamSliceCmdResult(out, nil)
}

func (f *fakeStream) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStream) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	cmd := redis.NewXPendingExtCmd(ctx)
	cmd.SetVal(f.pending)
	return cmd
}

func (f *fakeStream) XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd {
	return redis.NewXMessageSliceCmdResult(f.claimed, nil)
}

func (f *fakeStream) XClaimJustID(ctx context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed = append(f.renewed, append([]string(nil), a.Messages...))
	return redis.NewStringSliceResult(a.Messages, nil)
}

func (f *fakeStream) renewals() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.renewed...)
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, a)
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeStream) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type handlerFunc func(ctx context.Context, d Delivery) Outcome

func (h handlerFunc) Handle(ctx context.Context, d Delivery) Outcome { return h(ctx, d) }

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Stream:          "images:moderation",
		Group:           "moderation-workers",
		Consumer:        "test",
		DeadLetter:      "images:moderation:dead",
		BatchSize:       10,
		ClaimInterval:   time.Second,
		RedeliveryDelay: time.Second,
		MaxAttempts:     3,
	}
}

func message(t *testing.T, id string, job Job) redis.XMessage {
	t.Helper()
	values, err := job.Encode()
	require.NoError(t, err)
	return redis.XMessage{ID: id, Values: values}
}

func TestReadAcksOnlyAckedDeliveries(t *testing.T) {
	stream := &fakeStream{reads: []redis.XStream{{
		Stream: "images:moderation",
		Messages: []redis.XMessage{
			message(t, "1-0", Job{ImageID: "img-a", UserID: "u1"}),
			message(t, "2-0", Job{ImageID: "img-b", UserID: "u1"}),
		},
	}}}

	var mu sync.Mutex
	seen := map[string]int{}
	c := NewConsumer(stream, testQueueConfig(), zerolog.Nop(), handlerFunc(func(ctx context.Context, d Delivery) Outcome {
		mu.Lock()
		seen[d.Job.ImageID] = d.Attempt
		mu.Unlock()
		if d.Job.ImageID == "img-b" {
			return Retry
		}
		return Ack
	}))

	require.NoError(t, c.read(context.Background()))
	require.Equal(t, map[string]int{"img-a": 1, "img-b": 1}, seen)
	require.Equal(t, []string{"1-0"}, stream.ackedIDs())
}

func TestReadTreatsNilAsEmpty(t *testing.T) {
	stream := &fakeStream{}
	c := NewConsumer(stream, testQueueConfig(), zerolog.Nop(), handlerFunc(func(ctx context.Context, d Delivery) Outcome {
		t.Fatal("handler must not run")
		return Ack
	}))
	require.NoError(t, c.read(context.Background()))
}

func TestClaimStalledReportsDeliveryCount(t *testing.T) {
	stream := &fakeStream{
		pending: []redis.XPendingExt{{ID: "5-0", Consumer: "gone", Idle: time.Minute, RetryCount: 2}},
		claimed: []redis.XMessage{message(t, "5-0", Job{ImageID: "img-c", UserID: "u2"})},
	}

	var attempt int
	c := NewConsumer(stream, testQueueConfig(), zerolog.Nop(), handlerFunc(func(ctx context.Context, d Delivery) Outcome {
		attempt = d.Attempt
		return Ack
	}))

	require.NoError(t, c.claimStalled(context.Background()))
	require.Equal(t, 3, attempt)
	require.Equal(t, []string{"5-0"}, stream.ackedIDs())
}

func TestUndecodableJobIsDeadLetteredAndAcked(t *testing.T) {
	stream := &fakeStream{reads: []redis.XStream{{
		Stream:   "images:moderation",
		Messages: []redis.XMessage{{ID: "9-0", Values: map[string]any{"payload": "{not json"}}},
	}}}
	c := NewConsumer(stream, testQueueConfig(), zerolog.Nop(), handlerFunc(func(ctx context.Context, d Delivery) Outcome {
		t.Fatal("handler must not run")
		return Ack
	}))

	require.NoError(t, c.read(context.Background()))
	require.Equal(t, []string{"9-0"}, stream.ackedIDs())
	require.Len(t, stream.added, 1)
	require.Equal(t, "images:moderation:dead", stream.added[0].Stream)
	values := stream.added[0].Values.(map[string]any)
	require.Equal(t, "9-0", values["source_id"])
}

func TestHandlerPanicRetriesUntilLastAttempt(t *testing.T) {
	stream := &fakeStream{}
	c := NewConsumer(stream, testQueueConfig(), zerolog.Nop(), handlerFunc(func(ctx context.Context, d Delivery) Outcome {
		panic("boom")
	}))

	first := delivery{msg: message(t, "1-0", Job{ImageID: "img", UserID: "u"}), attempt: 1}
	require.Equal(t, Retry, c.handle(context.Background(), first))
	require.Empty(t, stream.added)

	last := delivery{msg: first.msg, attempt: 3}
	require.Equal(t, Ack, c.handle(context.Background(), last))
	require.Len(t, stream.added, 1)
}

func TestEnsureGroupIgnoresBusyGroup(t *testing.T) {
	stream := &fakeStream{groupErr: errors.New("BUSYGROUP Consumer Group name already exists")}
	c := NewConsumer(stream, testQueueConfig(), zerolog.Nop(), handlerFunc(func(ctx context.Context, d Delivery) Outcome { return Ack }))
	require.NoError(t, c.EnsureGroup(context.Background()))

	stream.groupErr = errors.New("WRONGTYPE")
	require.Error(t, c.EnsureGroup(context.Background()))
}

func TestDecodeJobRequiresIDs(t *testing.T) {
	_, err := DecodeJob(map[string]any{"payload": `{"imageId":"a"}`})
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodeJob(map[string]any{})
	require.ErrorIs(t, err, ErrInvalidPayload)

	job, err := DecodeJob(map[string]any{"payload": `{"imageId":"a","userId":"b"}`})
	require.NoError(t, err)
	require.Equal(t, Job{ImageID: "a", UserID: "b"}, job)
}

func TestProducerBoundsStream(t *testing.T) {
	stream := &fakeStream{}
	p := NewProducer(stream, "images:moderation", 1000)
	require.NoError(t, p.Enqueue(context.Background(), Job{ImageID: "a", UserID: "b"}))
	require.Len(t, stream.added, 1)
	require.Equal(t, int64(1000), stream.added[0].MaxLen)
	require.True(t, stream.added[0].Approx)
	values := stream.added[0].Values.(map[string]any)
	require.JSONEq(t, `{"imageId":"a","userId":"b"}`, values["payload"].(string))
}

func TestSlowDeliveryKeepsItsClaim(t *testing.T) {
	stream := &fakeStream{reads: []redis.XStream{{
		Stream: "images:moderation",
		Messages: []redis.XMessage{
			message(t, "1-0", Job{ImageID: "slow", UserID: "u1"}),
			message(t, "2-0", Job{ImageID: "fast", UserID: "u1"}),
		},
	}}}
	cfg := testQueueConfig()
	cfg.RedeliveryDelay = 30 * time.Millisecond

	c := NewConsumer(stream, cfg, zerolog.Nop(), handlerFunc(func(ctx context.Context, d Delivery) Outcome {
		if d.Job.ImageID == "slow" {
			time.Sleep(120 * time.Millisecond)
		}
		return Ack
	}))

	require.NoError(t, c.read(context.Background()))

	renewals := stream.renewals()
	require.NotEmpty(t, renewals)
	for _, ids := range renewals {
		require.Contains(t, ids, "1-0")
	}
	require.Equal(t, []string{"1-0"}, renewals[len(renewals)-1])
	require.ElementsMatch(t, []string{"1-0", "2-0"}, stream.ackedIDs())
}

func TestHeartbeatStopsWhenBatchIsDone(t *testing.T) {
	stream := &fakeStream{reads: []redis.XStream{{
		Stream:   "images:moderation",
		Messages: []redis.XMessage{message(t, "1-0", Job{ImageID: "quick", UserID: "u1"})},
	}}}
	cfg := testQueueConfig()
	cfg.RedeliveryDelay = 30 * time.Millisecond

	c := NewConsumer(stream, cfg, zerolog.Nop(), handlerFunc(func(ctx context.Context, d Delivery) Outcome {
		return Ack
	}))
	require.NoError(t, c.read(context.Background()))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, stream.renewals())
}
