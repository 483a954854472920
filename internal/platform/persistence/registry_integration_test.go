//go:build integration

package persistence_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/willyaranda/notification-next/internal/platform/persistence"
	"github.com/willyaranda/notification-next/internal/test/registrytest"
	"github.com/willyaranda/notification-next/pkg/push"
)

func TestMongoRegistry_Conformance(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}

	for _, useIndex := range []bool{false, true} {
		name := "direct query"
		if useIndex {
			name = "application index"
		}
		t.Run(name, func(t *testing.T) {
			registrytest.Run(t, func(t *testing.T) push.RegistryStore {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				t.Cleanup(cancel)

				reg, err := persistence.NewMongoRegistry(persistence.MongoConfig{
					URI:         uri,
					Database:    "push_it",
					UseAppIndex: useIndex,
				}, zerolog.Nop())
				require.NoError(t, err)
				require.NoError(t, reg.Open(ctx))
				t.Cleanup(func() { _ = reg.Close(context.Background()) })
				return reg
			})
		})
	}
}

func TestMongoRegistry_MissingIndexEntryFallsBackToScan(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	const database = "push_it_index"
	reg, err := persistence.NewMongoRegistry(persistence.MongoConfig{
		URI:         uri,
		Database:    database,
		UseAppIndex: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, reg.Open(ctx))
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	_, err = reg.SubscribeChannel(ctx, "ua-index", "app-index", "ch-1")
	require.NoError(t, err)

	// Lose the index entry behind the registry's back.
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Database(database).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	_, err = client.Database(database).Collection("apps").DeleteOne(ctx, bson.M{"_id": "app-index"})
	require.NoError(t, err)

	nodes, err := reg.NodesForApp(ctx, "app-index")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "ua-index", nodes[0].ID)
}

func TestMongoRegistry_NotReady(t *testing.T) {
	reg, err := persistence.NewMongoRegistry(persistence.MongoConfig{
		URI:            "mongodb://127.0.0.1:1",
		Database:       "push_it",
		ConnectTimeout: 200 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	require.Error(t, reg.Open(ctx))

	_, err = reg.GetNode(ctx, "ua")
	require.ErrorIs(t, err, push.ErrNotReady)
	select {
	case <-reg.Lost():
	default:
		t.Fatal("a failed open must raise lost")
	}
}

func TestFirestoreRegistry_Conformance(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	const projectID = "test-project-persistence"

	registrytest.Run(t, func(t *testing.T) push.RegistryStore {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		t.Cleanup(cancel)

		// The client outlives the per-test context.
		fsClient, err := firestore.NewClient(context.Background(), projectID)
		require.NoError(t, err)

		reg, err := persistence.NewFirestoreRegistry(fsClient, time.Second, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, reg.Open(ctx))
		t.Cleanup(func() { _ = reg.Close(context.Background()) })
		return reg
	})
}
