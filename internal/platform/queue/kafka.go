package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/willyaranda/notification-next/internal/broker"
	"github.com/willyaranda/notification-next/internal/readiness"
	"github.com/willyaranda/notification-next/pkg/push"
)

const kafkaRetryDelay = time.Second

// KafkaConfig holds the connection settings for a Kafka endpoint.
type KafkaConfig struct {
	Brokers        []string
	HealthInterval time.Duration
}

// KafkaEndpoint implements broker.Endpoint on Kafka: one topic per queue and
// one consumer group per (group, queue), committing offsets only after the
// handler succeeds.
type KafkaEndpoint struct {
	name   string
	cfg    KafkaConfig
	logger zerolog.Logger
	writer *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ broker.Endpoint = (*KafkaEndpoint)(nil)

// NewKafkaEndpoint creates an endpoint for cfg.Brokers.
func NewKafkaEndpoint(name string, cfg KafkaConfig, logger zerolog.Logger) (*KafkaEndpoint, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthPeriod
	}
	return &KafkaEndpoint{
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("component", "KafkaEndpoint").Str("endpoint", name).Logger(),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		done: make(chan struct{}),
	}, nil
}

func (k *KafkaEndpoint) Name() string { return k.name }

// Connect dials the cluster once to check it is reachable and starts the
// liveness loop.
func (k *KafkaEndpoint) Connect(ctx context.Context, status broker.StatusFunc) error {
	if err := k.ping(ctx); err != nil {
		return err
	}
	if status == nil {
		return nil
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		readiness.Watch(healthCtx, k.cfg.HealthInterval, k.ping, status)
	}()
	go func() {
		<-k.done
		cancel()
	}()
	return nil
}

func (k *KafkaEndpoint) ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range k.cfg.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Publish writes data to the queue's topic and waits for all in-sync
// replicas.
func (k *KafkaEndpoint) Publish(ctx context.Context, queue string, data []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{Topic: KafkaTopic(queue), Value: data})
	if err != nil {
		return fmt.Errorf("failed to write to %s: %w", queue, err)
	}
	return nil
}

// Subscribe starts a group reader on the queue's topic.
func (k *KafkaEndpoint) Subscribe(ctx context.Context, queue string, opts push.QueueOptions, handler push.MessageHandler) error {
	group := opts.Group
	if group == "" {
		group = defaultConsumerGrp
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		GroupID:     KafkaTopic(group + "." + queue),
		Topic:       KafkaTopic(queue),
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	k.mu.Lock()
	k.readers = append(k.readers, reader)
	k.mu.Unlock()

	consumeCtx, cancel := context.WithCancel(ctx)
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer cancel()
		k.consume(consumeCtx, reader, queue, handler)
	}()
	go func() {
		select {
		case <-k.done:
			cancel()
		case <-consumeCtx.Done():
		}
	}()
	return nil
}

func (k *KafkaEndpoint) consume(ctx context.Context, reader *kafka.Reader, queue string, handler push.MessageHandler) {
	log := k.logger.With().Str("queue", queue).Logger()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			if !sleepCtx(ctx, kafkaRetryDelay) {
				return
			}
			continue
		}

		// Offsets are committed in order, so a failing message is retried
		// in place before the reader moves on.
		for {
			err := handler(ctx, msg.Value)
			if err == nil {
				break
			}
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Handler failed, retrying message")
			if !sleepCtx(ctx, kafkaRetryDelay) {
				return
			}
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit offset")
		}
	}
}

// Close stops readers and flushes the writer.
func (k *KafkaEndpoint) Close(_ context.Context) error {
	k.closeOnce.Do(func() {
		close(k.done)
		k.wg.Wait()

		k.mu.Lock()
		readers := k.readers
		k.readers = nil
		k.mu.Unlock()

		var errs []error
		for _, r := range readers {
			if err := r.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := k.writer.Close(); err != nil {
			errs = append(errs, err)
		}
		k.closeErr = errors.Join(errs...)
	})
	return k.closeErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// KafkaTopic maps a queue name onto a legal topic name: letters, digits and
// "._-" only.
func KafkaTopic(queue string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, queue)
}
