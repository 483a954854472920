// Package cache holds the operator lookup cache placed in front of the
// registry. Operator records change rarely and are read on every dormant
// node wake-up.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/pkg/push"
)

// Backend stores operator records by id. Get reports a miss with found=false.
type Backend interface {
	Get(ctx context.Context, id string) (op *push.Operator, found bool, err error)
	Set(ctx context.Context, id string, op push.Operator) error
	Reset(ctx context.Context) error
}

// OperatorCache is a read-through push.OperatorLookup. Unknown networks are
// not cached so a newly provisioned operator is seen on the next lookup.
type OperatorCache struct {
	source  push.OperatorLookup
	backend Backend
	logger  zerolog.Logger
}

var _ push.OperatorLookup = (*OperatorCache)(nil)

// NewOperatorCache wraps source with backend.
func NewOperatorCache(source push.OperatorLookup, backend Backend, logger zerolog.Logger) (*OperatorCache, error) {
	if source == nil {
		return nil, fmt.Errorf("operator source cannot be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("cache backend cannot be nil")
	}
	return &OperatorCache{
		source:  source,
		backend: backend,
		logger:  logger.With().Str("component", "OperatorCache").Logger(),
	}, nil
}

// GetOperator returns the cached record or loads it from the source. A
// failing cache never fails the lookup.
func (c *OperatorCache) GetOperator(ctx context.Context, mcc, mnc string) (*push.Operator, error) {
	id := push.OperatorID(mcc, mnc)

	op, found, err := c.backend.Get(ctx, id)
	if err != nil {
		c.logger.Warn().Err(err).Str("operator_id", id).Msg("Operator cache read failed, falling back to registry")
	} else if found {
		return op, nil
	}

	op, err = c.source.GetOperator(ctx, mcc, mnc)
	if err != nil {
		return nil, fmt.Errorf("failed to load operator %s: %w", id, err)
	}
	if op == nil {
		c.logger.Debug().Str("operator_id", id).Msg("Unknown operator")
		return nil, nil
	}

	if err := c.backend.Set(ctx, id, *op); err != nil {
		c.logger.Warn().Err(err).Str("operator_id", id).Msg("Operator cache write failed")
	}
	return op, nil
}

// Reset drops every cached record.
func (c *OperatorCache) Reset(ctx context.Context) error {
	if err := c.backend.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset operator cache: %w", err)
	}
	c.logger.Info().Msg("Operator cache cleared")
	return nil
}

// MemoryBackend is a process-local Backend with per-entry expiry.
type MemoryBackend struct {
	entries *expirable.LRU[string, push.Operator]
}

// NewMemoryBackend creates a backend whose entries expire after ttl. A zero
// ttl keeps entries until Reset. The operator table is small, so the LRU is
// unbounded.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{entries: expirable.NewLRU[string, push.Operator](0, nil, ttl)}
}

func (m *MemoryBackend) Get(_ context.Context, id string) (*push.Operator, bool, error) {
	op, ok := m.entries.Get(id)
	if !ok {
		return nil, false, nil
	}
	return &op, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, id string, op push.Operator) error {
	m.entries.Add(id, op)
	return nil
}

func (m *MemoryBackend) Reset(context.Context) error {
	m.entries.Purge()
	return nil
}
