// Package queue contains broker endpoints backed by Redis Streams, MQTT and
// Kafka.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/internal/broker"
	"github.com/willyaranda/notification-next/internal/readiness"
	"github.com/willyaranda/notification-next/pkg/push"
)

const (
	streamKeyPrefix     = "push:queue:"
	defaultConsumerGrp  = "push"
	streamReadBatch     = 16
	streamBlockTimeout  = 2 * time.Second
	streamRetryDelay    = time.Second
	defaultHealthPeriod = 5 * time.Second
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Close() error
}

// RedisStreamEndpoint implements broker.Endpoint on Redis Streams. Each
// queue is a stream; a consumer group per queue gives shared-queue
// delivery and entries stay pending until the handler succeeds.
type RedisStreamEndpoint struct {
	name           string
	client         redisClient
	consumer       string
	healthInterval time.Duration
	retryDelay     time.Duration
	logger         zerolog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ broker.Endpoint = (*RedisStreamEndpoint)(nil)

// NewRedisStreamEndpoint is the constructor for the RedisStreamEndpoint.
func NewRedisStreamEndpoint(name string, client redisClient, healthInterval time.Duration, logger zerolog.Logger) (*RedisStreamEndpoint, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if healthInterval <= 0 {
		healthInterval = defaultHealthPeriod
	}
	return &RedisStreamEndpoint{
		name:           name,
		client:         client,
		consumer:       name + "-" + uuid.NewString(),
		healthInterval: healthInterval,
		retryDelay:     streamRetryDelay,
		logger:         logger.With().Str("component", "RedisStreamEndpoint").Str("endpoint", name).Logger(),
		done:           make(chan struct{}),
	}, nil
}

func (r *RedisStreamEndpoint) Name() string { return r.name }

// Connect pings the server and starts the liveness loop.
func (r *RedisStreamEndpoint) Connect(ctx context.Context, status broker.StatusFunc) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if status == nil {
		return nil
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		readiness.Watch(healthCtx, r.healthInterval, func(ctx context.Context) error {
			return r.client.Ping(ctx).Err()
		}, status)
	}()
	go func() {
		<-r.done
		cancel()
	}()
	return nil
}

// Publish appends data to the queue's stream.
func (r *RedisStreamEndpoint) Publish(ctx context.Context, queue string, data []byte) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(queue),
		Values: map[string]interface{}{"data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to xadd to %s: %w", queue, err)
	}
	return nil
}

// Subscribe creates the consumer group (and stream) if needed and starts a
// consumer loop. The group starts at the beginning of the stream so entries
// published before the first subscriber are not lost.
func (r *RedisStreamEndpoint) Subscribe(ctx context.Context, queue string, opts push.QueueOptions, handler push.MessageHandler) error {
	group := opts.Group
	if group == "" {
		group = defaultConsumerGrp
	}
	stream := streamKey(queue)

	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.consume(consumeCtx, stream, group, queue, handler)
	}()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-consumeCtx.Done():
		}
	}()
	return nil
}

func (r *RedisStreamEndpoint) consume(ctx context.Context, stream, group, queue string, handler push.MessageHandler) {
	log := r.logger.With().Str("queue", queue).Str("group", group).Logger()

	// Pending entries (left over from a failed handler or a previous run)
	// are retried at most once per retryDelay, between reads of new
	// entries, so a failing entry cannot starve the queue.
	hasPending := true
	var nextRetry time.Time

	for ctx.Err() == nil {
		readPending := hasPending && !time.Now().Before(nextRetry)
		id := ">"
		if readPending {
			id = "0"
		}
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: r.consumer,
			Streams:  []string{stream, id},
			Count:    streamReadBatch,
			Block:    streamBlockTimeout,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Failed to read from stream")
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.retryDelay):
			}
			continue
		}

		delivered, failed := r.handleEntries(ctx, log, stream, group, streams, handler)

		switch {
		case failed:
			hasPending = true
			nextRetry = time.Now().Add(r.retryDelay)
		case readPending && delivered == 0:
			hasPending = false
		case readPending:
			// The whole batch succeeded; more pending entries may follow.
			nextRetry = time.Time{}
		}
	}
}

// handleEntries runs handler over every entry, acking successes and entries
// without a payload. Failed entries stay pending.
func (r *RedisStreamEndpoint) handleEntries(ctx context.Context, log zerolog.Logger, stream, group string, streams []redis.XStream, handler push.MessageHandler) (delivered int, failed bool) {
	for _, s := range streams {
		for _, msg := range s.Messages {
			delivered++
			data, ok := streamPayload(msg)
			if !ok {
				log.Warn().Str("entry_id", msg.ID).Msg("Dropping stream entry without payload")
				if err := r.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
					log.Error().Err(err).Str("entry_id", msg.ID).Msg("Failed to ack dropped stream entry")
				}
				continue
			}
			if err := handler(ctx, data); err != nil {
				log.Warn().Err(err).Str("entry_id", msg.ID).Msg("Handler failed, entry stays pending")
				failed = true
				continue
			}
			if err := r.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
				log.Error().Err(err).Str("entry_id", msg.ID).Msg("Failed to ack stream entry")
			}
		}
	}
	return delivered, failed
}

func streamPayload(msg redis.XMessage) ([]byte, bool) {
	switch v := msg.Values["data"].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

// Close stops consumers and the liveness loop, then closes the client.
func (r *RedisStreamEndpoint) Close(_ context.Context) error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}

func streamKey(queue string) string {
	return streamKeyPrefix + queue
}
