package fakes_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willyaranda/notification-next/internal/test/fakes"
	"github.com/willyaranda/notification-next/internal/test/registrytest"
	"github.com/willyaranda/notification-next/pkg/push"
)

func openRegistry(t *testing.T, useAppIndex bool) *fakes.MemoryRegistry {
	t.Helper()
	reg := fakes.NewMemoryRegistry(useAppIndex, zerolog.Nop())
	require.NoError(t, reg.Open(context.Background()))
	return reg
}

func TestMemoryRegistry_Conformance(t *testing.T) {
	t.Run("direct query", func(t *testing.T) {
		registrytest.Run(t, func(t *testing.T) push.RegistryStore { return openRegistry(t, false) })
	})
	t.Run("application index", func(t *testing.T) {
		registrytest.Run(t, func(t *testing.T) push.RegistryStore { return openRegistry(t, true) })
	})
}

func TestMemoryRegistry_NotReady(t *testing.T) {
	reg := fakes.NewMemoryRegistry(false, zerolog.Nop())
	_, err := reg.GetNode(context.Background(), "ua")
	assert.ErrorIs(t, err, push.ErrNotReady)

	require.NoError(t, reg.Open(context.Background()))
	reg.Disconnect()
	_, err = reg.SetVersion(context.Background(), "app", "ch", 1)
	assert.ErrorIs(t, err, push.ErrNotReady)
}

func TestMemoryRegistry_Operators(t *testing.T) {
	reg := openRegistry(t, false)
	reg.AddOperator(push.Operator{MCC: "214", MNC: "7", Operator: "Movistar", Wakeup: "http://wakeup.example"})

	op, err := reg.GetOperator(context.Background(), "214", "07")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, "214-07", op.ID)
	assert.Equal(t, "http://wakeup.example", op.Wakeup)
}

func TestMemoryRegistry_MissingIndexEntryFallsBackToScan(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, true)
	_, err := reg.SubscribeChannel(ctx, "ua-1", "app-1", "ch-1")
	require.NoError(t, err)
	_, err = reg.SubscribeChannel(ctx, "ua-2", "app-1", "ch-1")
	require.NoError(t, err)

	reg.DropAppIndexEntry("app-1")

	nodes, err := reg.NodesForApp(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "ua-1", nodes[0].ID)
	assert.Equal(t, "ua-2", nodes[1].ID)
}

// The application index must always be derivable from the nodes: after
// any sequence of subscribe and unsubscribe calls, the index path and a
// full scan agree.
func TestMemoryRegistry_IndexMatchesScan(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	// Each step encodes subscribe-or-unsubscribe, one of five agents and
	// one of three applications.
	genStep := gen.IntRange(0, 29)

	properties.Property("index and scan resolve the same subscribers", prop.ForAll(
		func(steps []int) bool {
			ctx := context.Background()
			indexed := fakes.NewMemoryRegistry(true, zerolog.Nop())
			scanned := fakes.NewMemoryRegistry(false, zerolog.Nop())
			_ = indexed.Open(ctx)
			_ = scanned.Open(ctx)

			for _, step := range steps {
				subscribe := step%2 == 0
				agent := string(rune('a' + (step/2)%5))
				app := string(rune('A' + step/10))
				for _, reg := range []*fakes.MemoryRegistry{indexed, scanned} {
					if subscribe {
						_, _ = reg.SubscribeChannel(ctx, agent, app, "ch-"+app)
					} else {
						_, _ = reg.UnsubscribeChannel(ctx, agent, app)
					}
				}
			}

			for _, app := range []string{"A", "B", "C"} {
				a, _ := indexed.NodesForApp(ctx, app)
				b, _ := scanned.NodesForApp(ctx, app)
				if len(a) != len(b) {
					return false
				}
				for i := range a {
					if a[i].ID != b[i].ID {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genStep),
	))

	properties.TestingRun(t)
}
