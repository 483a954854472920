package persistence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/willyaranda/notification-next/internal/readiness"
	"github.com/willyaranda/notification-next/pkg/push"
)

const healthDocument = "_health"

// FirestoreRegistry implements push.RegistryStore using Google Cloud
// Firestore. Every node mutation is a read-modify-write inside a
// transaction, so concurrent writers on the same node are serialized by
// Firestore's optimistic concurrency. The derived "apps" and "pending"
// fields stand in for the application index.
type FirestoreRegistry struct {
	client         *firestore.Client
	healthInterval time.Duration
	logger         zerolog.Logger
	signal         *readiness.Signal
	now            func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ push.RegistryStore = (*FirestoreRegistry)(nil)

// NewFirestoreRegistry is the constructor for the FirestoreRegistry. The
// registry takes ownership of client and closes it on Close.
func NewFirestoreRegistry(client *firestore.Client, healthInterval time.Duration, logger zerolog.Logger) (*FirestoreRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if healthInterval <= 0 {
		healthInterval = 5 * time.Second
	}
	return &FirestoreRegistry{
		client:         client,
		healthInterval: healthInterval,
		logger:         logger.With().Str("component", "FirestoreRegistry").Logger(),
		signal:         readiness.New(),
		now:            func() time.Time { return time.Now().UTC() },
		done:           make(chan struct{}),
	}, nil
}

func (s *FirestoreRegistry) ping(ctx context.Context) error {
	_, err := s.client.Collection(operatorsCollection).Doc(healthDocument).Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

// Open checks that the database answers and starts the liveness loop.
func (s *FirestoreRegistry) Open(ctx context.Context) error {
	if err := s.ping(ctx); err != nil {
		s.signal.SetLost()
		return fmt.Errorf("firestore unreachable: %w", err)
	}
	s.signal.SetReady()

	healthCtx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		readiness.Watch(healthCtx, s.healthInterval, s.ping, func(connected bool, err error) {
			if s.closing.Load() {
				return
			}
			if connected {
				s.logger.Info().Msg("Firestore connection restored")
				s.signal.SetReady()
				return
			}
			s.logger.Error().Err(err).Msg("Firestore connection lost")
			s.signal.SetLost()
		})
	}()
	go func() {
		<-s.done
		cancel()
	}()
	return nil
}

// Ready returns a channel closed once the store is connected.
func (s *FirestoreRegistry) Ready() <-chan struct{} { return s.signal.Ready() }

// Lost returns a channel closed when the connection is lost.
func (s *FirestoreRegistry) Lost() <-chan struct{} { return s.signal.Lost() }

// Close stops the liveness loop and closes the client. Idempotent.
func (s *FirestoreRegistry) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		s.wg.Wait()
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *FirestoreRegistry) ensureReady() error {
	if s.closing.Load() || !s.signal.IsReady() {
		return push.ErrNotReady
	}
	return nil
}

// mutate runs fn on the node inside a transaction. When the node does not
// exist it is created only if create is set; otherwise mutate returns nil.
// fn reports whether it changed the node; unchanged nodes are not written.
func (s *FirestoreRegistry) mutate(ctx context.Context, agentID string, create bool, fn func(n *push.Node) bool) (*push.Node, bool, error) {
	ref := s.client.Collection(nodesCollection).Doc(agentID)

	var result *push.Node
	var changed bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result, changed = nil, false

		snap, err := tx.Get(ref)
		exists := true
		if status.Code(err) == codes.NotFound {
			exists = false
		} else if err != nil {
			return err
		}

		var node push.Node
		switch {
		case exists:
			var doc nodeDoc
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("failed to decode node: %w", err)
			}
			doc.ID = ref.ID
			node = doc.toNode()
		case create:
			node = push.Node{ID: agentID, State: push.Disconnected}
		default:
			return nil
		}

		result = &node
		if !fn(&node) && exists {
			return nil
		}
		changed = true
		node.LastTouched = s.now()
		return tx.Set(ref, toNodeDoc(node))
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

// RegisterNode upserts the node as Connected on servingNodeID.
func (s *FirestoreRegistry) RegisterNode(ctx context.Context, agentID, servingNodeID string, dt push.DeviceData) (*push.Node, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	node, _, err := s.mutate(ctx, agentID, true, func(n *push.Node) bool {
		n.State = push.Connected
		n.ServingNodeID = servingNodeID
		n.DeviceData = dt
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register node %s: %w", agentID, err)
	}
	return node, nil
}

// UnregisterNode moves an existing node to newState.
func (s *FirestoreRegistry) UnregisterNode(ctx context.Context, agentID string, newState push.ConnectionState, servingNodeID string) (*push.Node, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	node, _, err := s.mutate(ctx, agentID, false, func(n *push.Node) bool {
		n.State = newState
		n.ServingNodeID = servingNodeID
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unregister node %s: %w", agentID, err)
	}
	return node, nil
}

// GetNode returns the node or nil when it does not exist.
func (s *FirestoreRegistry) GetNode(ctx context.Context, agentID string) (*push.Node, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	snap, err := s.client.Collection(nodesCollection).Doc(agentID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", agentID, err)
	}
	node, err := decodeNode(snap)
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// SubscribeChannel adds (appToken, channelID) to the node's channel set.
func (s *FirestoreRegistry) SubscribeChannel(ctx context.Context, agentID, appToken, channelID string) (*push.Node, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	node, _, err := s.mutate(ctx, agentID, true, func(n *push.Node) bool {
		n.AddChannel(appToken, channelID)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s to %s: %w", agentID, appToken, err)
	}
	return node, nil
}

// UnsubscribeChannel removes every entry for appToken from the node.
func (s *FirestoreRegistry) UnsubscribeChannel(ctx context.Context, agentID, appToken string) (*push.Node, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	node, _, err := s.mutate(ctx, agentID, false, func(n *push.Node) bool {
		n.RemoveApp(appToken)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unsubscribe %s from %s: %w", agentID, appToken, err)
	}
	return node, nil
}

// SetVersion records version on every node holding (appToken, channelID).
// Each node is updated in its own transaction.
func (s *FirestoreRegistry) SetVersion(ctx context.Context, appToken, channelID string, version int64) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	snaps, err := s.client.Collection(nodesCollection).
		Where("apps", "array-contains", appToken).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to query subscribers of %s: %w", appToken, err)
	}

	var matched int64
	for _, snap := range snaps {
		_, changed, err := s.mutate(ctx, snap.Ref.ID, false, func(n *push.Node) bool {
			return n.SetVersion(appToken, channelID, version)
		})
		if err != nil {
			return matched, fmt.Errorf("failed to set version on %s: %w", snap.Ref.ID, err)
		}
		if changed {
			matched++
		}
	}
	if matched == 0 {
		s.logger.Debug().Str("app", appToken).Int64("version", version).Msg("Set version matched no node")
	}
	return matched, nil
}

// Acknowledge clears the pending flag of the node's channelID entry when
// version covers the stored version.
func (s *FirestoreRegistry) Acknowledge(ctx context.Context, agentID, channelID string, version int64) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	_, changed, err := s.mutate(ctx, agentID, false, func(n *push.Node) bool {
		return n.Acknowledge(channelID, version)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge %s for %s: %w", channelID, agentID, err)
	}
	if !changed {
		return 0, nil
	}
	return 1, nil
}

// ListWakeupCandidates returns UDP nodes holding at least one pending
// channel.
func (s *FirestoreRegistry) ListWakeupCandidates(ctx context.Context) ([]push.Node, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := s.client.Collection(nodesCollection).
		Where("dt.protocol", "==", string(push.TransportUDP)).
		Where("pending", "==", true)
	nodes, err := s.queryNodes(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list wake-up candidates: %w", err)
	}
	return nodes, nil
}

// NodesForApp resolves the subscribers of appToken.
func (s *FirestoreRegistry) NodesForApp(ctx context.Context, appToken string) ([]push.Node, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := s.client.Collection(nodesCollection).Where("apps", "array-contains", appToken)
	nodes, err := s.queryNodes(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve nodes for %s: %w", appToken, err)
	}
	return nodes, nil
}

func (s *FirestoreRegistry) queryNodes(ctx context.Context, query firestore.Query) ([]push.Node, error) {
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	nodes := make([]push.Node, 0, len(snaps))
	for _, snap := range snaps {
		node, err := decodeNode(snap)
		if err != nil {
			s.logger.Error().Err(err).Str("doc_id", snap.Ref.ID).Msg("Failed to decode node, skipping")
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// GetOperator returns the operator of the (mcc, mnc) network or nil.
func (s *FirestoreRegistry) GetOperator(ctx context.Context, mcc, mnc string) (*push.Operator, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id := push.OperatorID(mcc, mnc)
	snap, err := s.client.Collection(operatorsCollection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operator %s: %w", id, err)
	}
	var doc operatorDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode operator %s: %w", id, err)
	}
	doc.ID = snap.Ref.ID
	return doc.toOperator(), nil
}

// RebuildAppIndex recomputes the derived fields of every node and returns
// the number of distinct applications seen.
func (s *FirestoreRegistry) RebuildAppIndex(ctx context.Context) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	snaps, err := s.client.Collection(nodesCollection).Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to scan nodes: %w", err)
	}

	apps := make(map[string]struct{})
	bulkWriter := s.client.BulkWriter(ctx)
	var firstErr error
	for _, snap := range snaps {
		node, err := decodeNode(snap)
		if err != nil {
			s.logger.Error().Err(err).Str("doc_id", snap.Ref.ID).Msg("Failed to decode node, skipping")
			continue
		}
		for _, app := range node.Apps() {
			apps[app] = struct{}{}
		}
		if _, err := bulkWriter.Set(snap.Ref, toNodeDoc(node)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	bulkWriter.End()

	if firstErr != nil {
		return 0, fmt.Errorf("failed to enqueue one or more index updates: %w", firstErr)
	}
	s.logger.Info().Int("apps", len(apps)).Int("nodes", len(snaps)).Msg("Application index rebuilt")
	return len(apps), nil
}

func decodeNode(snap *firestore.DocumentSnapshot) (push.Node, error) {
	var doc nodeDoc
	if err := snap.DataTo(&doc); err != nil {
		return push.Node{}, fmt.Errorf("failed to decode node %s: %w", snap.Ref.ID, err)
	}
	doc.ID = snap.Ref.ID
	return doc.toNode(), nil
}
