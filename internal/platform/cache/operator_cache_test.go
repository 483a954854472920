package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/willyaranda/notification-next/pkg/push"
)

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) GetOperator(ctx context.Context, mcc, mnc string) (*push.Operator, error) {
	args := m.Called(ctx, mcc, mnc)
	op, _ := args.Get(0).(*push.Operator)
	return op, args.Error(1)
}

var movistar = &push.Operator{ID: "214-07", MCC: "214", MNC: "07", Operator: "Movistar", Wakeup: "http://wakeup.example"}

func TestOperatorCache_ReadThrough(t *testing.T) {
	ctx := context.Background()
	source := new(mockLookup)
	source.On("GetOperator", ctx, "214", "7").Return(movistar, nil).Once()

	c, err := NewOperatorCache(source, NewMemoryBackend(time.Minute), zerolog.Nop())
	require.NoError(t, err)

	op, err := c.GetOperator(ctx, "214", "7")
	require.NoError(t, err)
	assert.Equal(t, movistar, op)

	// Second lookup is served from the cache.
	op, err = c.GetOperator(ctx, "214", "7")
	require.NoError(t, err)
	assert.Equal(t, "Movistar", op.Operator)
	source.AssertExpectations(t)
}

func TestOperatorCache_UnknownIsNotCached(t *testing.T) {
	ctx := context.Background()
	source := new(mockLookup)
	source.On("GetOperator", ctx, "999", "99").Return(nil, nil).Twice()

	c, err := NewOperatorCache(source, NewMemoryBackend(0), zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		op, err := c.GetOperator(ctx, "999", "99")
		require.NoError(t, err)
		assert.Nil(t, op)
	}
	source.AssertExpectations(t)
}

func TestOperatorCache_SourceError(t *testing.T) {
	ctx := context.Background()
	source := new(mockLookup)
	source.On("GetOperator", ctx, "214", "07").Return(nil, push.ErrNotReady)

	c, err := NewOperatorCache(source, NewMemoryBackend(0), zerolog.Nop())
	require.NoError(t, err)

	_, err = c.GetOperator(ctx, "214", "07")
	assert.ErrorIs(t, err, push.ErrNotReady)
}

func TestOperatorCache_Reset(t *testing.T) {
	ctx := context.Background()
	source := new(mockLookup)
	source.On("GetOperator", ctx, "214", "07").Return(movistar, nil).Twice()

	c, err := NewOperatorCache(source, NewMemoryBackend(0), zerolog.Nop())
	require.NoError(t, err)

	_, err = c.GetOperator(ctx, "214", "07")
	require.NoError(t, err)
	require.NoError(t, c.Reset(ctx))
	_, err = c.GetOperator(ctx, "214", "07")
	require.NoError(t, err)
	source.AssertExpectations(t)
}

func TestMemoryBackend_Expiry(t *testing.T) {
	b := NewMemoryBackend(50 * time.Millisecond)

	require.NoError(t, b.Set(context.Background(), "214-07", *movistar))
	op, found, err := b.Get(context.Background(), "214-07")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, movistar.Operator, op.Operator)

	assert.Eventually(t, func() bool {
		_, found, _ := b.Get(context.Background(), "214-07")
		return !found
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryBackend_ZeroTTLKeepsUntilReset(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(0)
	require.NoError(t, b.Set(ctx, "214-07", *movistar))

	time.Sleep(20 * time.Millisecond)
	_, found, _ := b.Get(ctx, "214-07")
	assert.True(t, found)

	require.NoError(t, b.Reset(ctx))
	_, found, _ = b.Get(ctx, "214-07")
	assert.False(t, found)
}

func TestNewOperatorCache_Validation(t *testing.T) {
	_, err := NewOperatorCache(nil, NewMemoryBackend(0), zerolog.Nop())
	assert.Error(t, err)
	_, err = NewOperatorCache(new(mockLookup), nil, zerolog.Nop())
	assert.Error(t, err)
}

// fakeRedis is a map-backed redisClient. Scan returns keys in two pages to
// exercise cursor handling.
type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Scan(_ context.Context, cursor uint64, _ string, _ int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.values {
		keys = append(keys, k)
	}
	if cursor == 0 && len(keys) > 1 {
		return redis.NewScanCmdResult(keys[:1], 1, nil)
	}
	if cursor == 1 {
		return redis.NewScanCmdResult(keys, 0, nil)
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.values, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisBackend(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	b, err := NewRedisBackend(client, time.Hour)
	require.NoError(t, err)

	_, found, err := b.Get(ctx, "214-07")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.Set(ctx, "214-07", *movistar))
	require.NoError(t, b.Set(ctx, "214-01", push.Operator{ID: "214-01"}))
	assert.Contains(t, client.values, "operator:214-07")

	op, found, err := b.Get(ctx, "214-07")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, *movistar, *op)

	require.NoError(t, b.Reset(ctx))
	assert.Empty(t, client.values)
}

func TestRedisBackend_Errors(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	b, err := NewRedisBackend(client, 0)
	require.NoError(t, err)

	client.values["operator:bad"] = "{not json"
	_, _, err = b.Get(ctx, "bad")
	assert.Error(t, err)

	client.getErr = errors.New("connection refused")
	_, _, err = b.Get(ctx, "214-07")
	assert.ErrorContains(t, err, "connection refused")

	_, err = NewRedisBackend(nil, 0)
	assert.Error(t, err)
}

func TestOperatorCache_FailingBackendFallsBack(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	client.getErr = errors.New("timeout")
	backend, err := NewRedisBackend(client, 0)
	require.NoError(t, err)

	source := new(mockLookup)
	source.On("GetOperator", ctx, "214", "07").Return(movistar, nil)

	c, err := NewOperatorCache(source, backend, zerolog.Nop())
	require.NoError(t, err)
	op, err := c.GetOperator(ctx, "214", "07")
	require.NoError(t, err)
	assert.Equal(t, movistar, op)
}
