// Package pubsub contains the Google Cloud Pub/Sub broker endpoint.
package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/willyaranda/notification-next/internal/broker"
	"github.com/willyaranda/notification-next/pkg/push"
)

const receiveRetryDelay = time.Second

// Endpoint maps every queue onto a topic of the same name and one shared
// subscription per consumer group, so competing consumers split the work.
type Endpoint struct {
	name       string
	projectID  string
	clientOpts []option.ClientOption
	logger     zerolog.Logger

	mu         sync.Mutex
	client     *pubsub.Client
	publishers map[string]*pubsub.Publisher
	topics     map[string]bool

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

var _ broker.Endpoint = (*Endpoint)(nil)

// NewEndpoint creates a Pub/Sub endpoint for projectID. Client options are
// passed to pubsub.NewClient (tests pass a pstest connection).
func NewEndpoint(name, projectID string, logger zerolog.Logger, opts ...option.ClientOption) *Endpoint {
	return &Endpoint{
		name:       name,
		projectID:  projectID,
		clientOpts: opts,
		logger:     logger.With().Str("component", "PubsubEndpoint").Str("endpoint", name).Logger(),
		publishers: make(map[string]*pubsub.Publisher),
		topics:     make(map[string]bool),
		done:       make(chan struct{}),
	}
}

func (e *Endpoint) Name() string { return e.name }

// Connect creates the client and checks the project is reachable. The
// gRPC channel reconnects on its own, so status is never reported.
func (e *Endpoint) Connect(ctx context.Context, _ broker.StatusFunc) error {
	// The client outlives the connect call.
	client, err := pubsub.NewClient(context.WithoutCancel(ctx), e.projectID, e.clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create pubsub client: %w", err)
	}

	_, err = client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: e.topicName(push.NewMessagesQueue)})
	if err != nil && status.Code(err) != codes.NotFound {
		_ = client.Close()
		return fmt.Errorf("pubsub project %s unreachable: %w", e.projectID, err)
	}

	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
	return nil
}

// Publish sends data to the topic named after queue, creating it on first use.
func (e *Endpoint) Publish(ctx context.Context, queue string, data []byte) error {
	publisher, err := e.publisher(ctx, queue)
	if err != nil {
		return err
	}
	result := publisher.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", queue, err)
	}
	return nil
}

// Subscribe creates (idempotently) the group's subscription for queue and
// starts receiving in the background until ctx is done or Close is called.
func (e *Endpoint) Subscribe(ctx context.Context, queue string, opts push.QueueOptions, handler push.MessageHandler) error {
	client, err := e.currentClient()
	if err != nil {
		return err
	}
	if err := e.ensureTopic(ctx, queue); err != nil {
		return err
	}

	subName := e.subscriptionName(queue, opts.Group)
	sub := &pubsubpb.Subscription{
		Name:                  subName,
		Topic:                 e.topicName(queue),
		AckDeadlineSeconds:    30,
		EnableMessageOrdering: false,
	}
	if opts.Durable && !opts.AutoDelete {
		// An empty policy never expires.
		sub.ExpirationPolicy = &pubsubpb.ExpirationPolicy{}
	}
	if _, err := client.SubscriptionAdminClient.CreateSubscription(ctx, sub); err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create subscription %s: %w", subName, err)
	}

	recvCtx, cancel := context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.receive(recvCtx, client.Subscriber(subName), queue, handler)
	}()
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-recvCtx.Done():
		}
	}()
	return nil
}

func (e *Endpoint) receive(ctx context.Context, sub *pubsub.Subscriber, queue string, handler push.MessageHandler) {
	for {
		err := sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
			if err := handler(msgCtx, msg.Data); err != nil {
				e.logger.Warn().Err(err).Str("queue", queue).Str("message_id", msg.ID).Msg("Handler failed, message will be redelivered")
				msg.Nack()
				return
			}
			msg.Ack()
		})
		if ctx.Err() != nil {
			return
		}
		e.logger.Error().Err(err).Str("queue", queue).Msg("Receive stopped, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(receiveRetryDelay):
		}
	}
}

// Close stops consumers and flushes publishers. Safe to call more than once.
func (e *Endpoint) Close(_ context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	client := e.client
	publishers := e.publishers
	e.publishers = make(map[string]*pubsub.Publisher)
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
	for _, p := range publishers {
		p.Stop()
	}
	if client == nil {
		return nil
	}
	return client.Close()
}

func (e *Endpoint) currentClient() (*pubsub.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.client == nil {
		return nil, push.ErrNotReady
	}
	return e.client, nil
}

func (e *Endpoint) publisher(ctx context.Context, queue string) (*pubsub.Publisher, error) {
	client, err := e.currentClient()
	if err != nil {
		return nil, err
	}
	if err := e.ensureTopic(ctx, queue); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.publishers[queue]; ok {
		return p, nil
	}
	p := client.Publisher(e.topicName(queue))
	e.publishers[queue] = p
	return p, nil
}

func (e *Endpoint) ensureTopic(ctx context.Context, queue string) error {
	e.mu.Lock()
	known := e.topics[queue]
	client := e.client
	e.mu.Unlock()
	if known {
		return nil
	}
	if client == nil {
		return push.ErrNotReady
	}

	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: e.topicName(queue)})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create topic for %s: %w", queue, err)
	}

	e.mu.Lock()
	e.topics[queue] = true
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) topicName(queue string) string {
	return fmt.Sprintf("projects/%s/topics/%s", e.projectID, ResourceID(queue))
}

func (e *Endpoint) subscriptionName(queue, group string) string {
	id := queue
	if group != "" {
		id = group + "-" + queue
	}
	return fmt.Sprintf("projects/%s/subscriptions/%s", e.projectID, ResourceID(id))
}

// ResourceID turns a queue name into a valid Pub/Sub resource id: it must
// start with a letter, be at least three characters long, and contain only
// letters, digits and "-_.~+%".
func ResourceID(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', strings.ContainsRune("-_.~+%", r):
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	id := b.String()
	if id == "" || !isLetter(id[0]) || strings.HasPrefix(strings.ToLower(id), "goog") {
		id = "q-" + id
	}
	for len(id) < 3 {
		id += "_"
	}
	if len(id) > 255 {
		id = id[:255]
	}
	return id
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
