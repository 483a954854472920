package queue

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willyaranda/notification-next/pkg/push"
)

// fakeRedis models one consumer group: XREADGROUP ">" hands out new
// entries and moves them to the pending list, "0" re-reads the pending
// list, XACK removes entries from it.
type fakeRedis struct {
	mu       sync.Mutex
	pingErr  error
	groupErr error
	ackErr   error
	added    []*redis.XAddArgs
	entries  []redis.XMessage
	pending  []redis.XMessage
	acked    []string
	closed   int
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func (f *fakeRedis) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, a)
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeRedis) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", f.groupErr)
}

func (f *fakeRedis) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	var batch []redis.XMessage
	if a.Streams[1] == "0" {
		batch = append(batch, f.pending...)
	} else {
		batch = f.entries
		f.entries = nil
		f.pending = append(f.pending, batch...)
	}
	f.mu.Unlock()

	if a.Streams[1] == "0" {
		return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: batch}}, nil)
	}
	if len(batch) == 0 {
		select {
		case <-ctx.Done():
			return redis.NewXStreamSliceCmdResult(nil, ctx.Err())
		case <-time.After(10 * time.Millisecond):
			return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
		}
	}
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: batch}}, nil)
}

func (f *fakeRedis) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return redis.NewIntResult(0, f.ackErr)
	}
	f.acked = append(f.acked, ids...)
	for _, id := range ids {
		for i, msg := range f.pending {
			if msg.ID == id {
				f.pending = append(f.pending[:i], f.pending[i+1:]...)
				break
			}
		}
	}
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeRedis) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func TestRedisStreamEndpoint_ConnectFails(t *testing.T) {
	client := &fakeRedis{pingErr: errors.New("dial tcp: connection refused")}
	ep, err := NewRedisStreamEndpoint("redis-1", client, time.Second, zerolog.Nop())
	require.NoError(t, err)

	err = ep.Connect(context.Background(), nil)
	assert.ErrorContains(t, err, "connection refused")
}

func TestRedisStreamEndpoint_Publish(t *testing.T) {
	client := &fakeRedis{}
	ep, err := NewRedisStreamEndpoint("redis-1", client, time.Second, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ep.Connect(context.Background(), nil))

	require.NoError(t, ep.Publish(context.Background(), "node-1", []byte(`{"uaid":"ua"}`)))

	require.Len(t, client.added, 1)
	assert.Equal(t, "push:queue:node-1", client.added[0].Stream)
	assert.Equal(t, map[string]interface{}{"data": []byte(`{"uaid":"ua"}`)}, client.added[0].Values)
}

func TestRedisStreamEndpoint_SubscribeAcksOnSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	client := &fakeRedis{
		groupErr: errors.New("BUSYGROUP Consumer Group name already exists"),
		entries: []redis.XMessage{
			{ID: "1-0", Values: map[string]interface{}{"data": `{"app":"a","vs":1}`}},
			{ID: "2-0", Values: map[string]interface{}{"data": `poison`}},
			{ID: "3-0", Values: map[string]interface{}{"other": "x"}},
		},
	}
	ep, err := NewRedisStreamEndpoint("redis-1", client, time.Second, zerolog.Nop())
	require.NoError(t, err)
	ep.retryDelay = time.Hour
	require.NoError(t, ep.Connect(ctx, nil))

	var mu sync.Mutex
	var seen []string
	handler := func(_ context.Context, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(data))
		if string(data) == "poison" {
			return errors.New("cannot decode")
		}
		return nil
	}

	require.NoError(t, ep.Subscribe(ctx, push.NewMessagesQueue, push.DefaultQueueOptions("monitor"), handler))

	assert.Eventually(t, func() bool {
		return len(client.ackedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"1-0", "3-0"}, client.ackedIDs(), "failed entries must stay pending, empty ones are dropped")

	require.NoError(t, ep.Close(ctx))
	require.NoError(t, ep.Close(ctx))
	assert.Equal(t, 1, client.closed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"app":"a","vs":1}`, "poison"}, seen)
}

func TestRedisStreamEndpoint_FailingPendingEntryDoesNotBlockNewEntries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	client := &fakeRedis{
		pending: []redis.XMessage{{ID: "1-0", Values: map[string]interface{}{"data": "poison"}}},
		entries: []redis.XMessage{{ID: "2-0", Values: map[string]interface{}{"data": "good"}}},
	}
	ep, err := NewRedisStreamEndpoint("redis-1", client, time.Second, zerolog.Nop())
	require.NoError(t, err)
	ep.retryDelay = 20 * time.Millisecond

	var mu sync.Mutex
	var seen []string
	handler := func(_ context.Context, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(data))
		if string(data) == "poison" {
			return errors.New("cannot decode")
		}
		return nil
	}
	require.NoError(t, ep.Subscribe(ctx, push.NewMessagesQueue, push.DefaultQueueOptions("monitor"), handler))

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"2-0"}, client.ackedIDs())
	}, 2*time.Second, 10*time.Millisecond, "new entry must be delivered while the pending one keeps failing")

	// The failing entry is still retried afterwards.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, v := range seen {
			if v == "poison" {
				n++
			}
		}
		return n >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ep.Close(ctx))
	assert.Equal(t, []string{"2-0"}, client.ackedIDs())
}

func TestRedisStreamEndpoint_DroppedEntryAckFailureIsLogged(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	client := &fakeRedis{
		ackErr:  errors.New("connection reset"),
		entries: []redis.XMessage{{ID: "1-0", Values: map[string]interface{}{"other": "x"}}},
	}
	logs := &syncBuffer{}
	ep, err := NewRedisStreamEndpoint("redis-1", client, time.Second, zerolog.New(logs))
	require.NoError(t, err)
	ep.retryDelay = time.Hour

	require.NoError(t, ep.Subscribe(ctx, "q", push.DefaultQueueOptions(""), func(context.Context, []byte) error { return nil }))

	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Failed to ack dropped stream entry")
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, ep.Close(ctx))
}

// syncBuffer is a log sink safe for the consumer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRedisStreamEndpoint_GroupCreateFails(t *testing.T) {
	client := &fakeRedis{groupErr: errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")}
	ep, err := NewRedisStreamEndpoint("redis-1", client, time.Second, zerolog.Nop())
	require.NoError(t, err)

	err = ep.Subscribe(context.Background(), "q", push.DefaultQueueOptions(""), func(context.Context, []byte) error { return nil })
	assert.ErrorContains(t, err, "WRONGTYPE")
}

func TestNewRedisStreamEndpoint_NilClient(t *testing.T) {
	_, err := NewRedisStreamEndpoint("redis-1", nil, 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestQueueNameMapping(t *testing.T) {
	assert.Equal(t, "push/queue/Linux_host_12", MQTTTopic("Linux#host+12"))
	assert.Equal(t, "push/queue/a_b", MQTTTopic("a/b"))
	assert.Equal(t, "Linux_host_12", KafkaTopic("Linux#host 12"))
	assert.Equal(t, "monitor.newMessages", KafkaTopic("monitor.newMessages"))
}
