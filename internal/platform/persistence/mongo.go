package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/willyaranda/notification-next/internal/readiness"
	"github.com/willyaranda/notification-next/pkg/push"
)

// MongoConfig holds the connection settings for the MongoDB registry.
type MongoConfig struct {
	URI            string
	Database       string
	UseAppIndex    bool
	ConnectTimeout time.Duration
	HealthInterval time.Duration
}

// MongoRegistry implements push.RegistryStore on MongoDB. Channel entries
// live inside the node document; every mutation is a single-document
// atomic update.
type MongoRegistry struct {
	cfg    MongoConfig
	logger zerolog.Logger
	signal *readiness.Signal
	now    func() time.Time

	mu        sync.Mutex
	client    *mongo.Client
	nodes     *mongo.Collection
	apps      *mongo.Collection
	operators *mongo.Collection

	done      chan struct{}
	wg        sync.WaitGroup
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ push.RegistryStore = (*MongoRegistry)(nil)

// NewMongoRegistry is the constructor for the MongoRegistry. Nothing is
// connected until Open.
func NewMongoRegistry(cfg MongoConfig, logger zerolog.Logger) (*MongoRegistry, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo URI cannot be empty")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo database cannot be empty")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	return &MongoRegistry{
		cfg:    cfg,
		logger: logger.With().Str("component", "MongoRegistry").Logger(),
		signal: readiness.New(),
		now:    func() time.Time { return time.Now().UTC() },
		done:   make(chan struct{}),
	}, nil
}

// Open connects, verifies the primary is reachable and ensures indexes.
func (r *MongoRegistry) Open(ctx context.Context) error {
	client, err := mongo.Connect(options.Client().
		ApplyURI(r.cfg.URI).
		SetServerSelectionTimeout(r.cfg.ConnectTimeout))
	if err != nil {
		r.signal.SetLost()
		return fmt.Errorf("error connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		r.signal.SetLost()
		return fmt.Errorf("error pinging mongodb: %w", err)
	}

	db := client.Database(r.cfg.Database)
	r.mu.Lock()
	r.client = client
	r.nodes = db.Collection(nodesCollection)
	r.apps = db.Collection(appsCollection)
	r.operators = db.Collection(operatorsCollection)
	r.mu.Unlock()

	if err := r.ensureIndexes(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to ensure indexes, queries may be slow")
	}

	r.signal.SetReady()
	r.logger.Info().Str("database", r.cfg.Database).Msg("Connected to MongoDB")

	healthCtx, cancel := context.WithCancel(context.Background())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		readiness.Watch(healthCtx, r.cfg.HealthInterval, func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		}, r.onHealth)
	}()
	go func() {
		<-r.done
		cancel()
	}()
	return nil
}

func (r *MongoRegistry) onHealth(connected bool, err error) {
	if r.closing.Load() {
		return
	}
	if connected {
		r.logger.Info().Msg("MongoDB connection restored")
		r.signal.SetReady()
		return
	}
	r.logger.Error().Err(err).Msg("MongoDB connection lost")
	r.signal.SetLost()
}

func (r *MongoRegistry) ensureIndexes(ctx context.Context) error {
	_, err := r.nodes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ch.app", Value: 1}}},
		{Keys: bson.D{{Key: "dt.protocol", Value: 1}, {Key: "ch.new", Value: 1}}},
	})
	return err
}

// Ready returns a channel closed once the store is connected.
func (r *MongoRegistry) Ready() <-chan struct{} { return r.signal.Ready() }

// Lost returns a channel closed when the connection is lost.
func (r *MongoRegistry) Lost() <-chan struct{} { return r.signal.Lost() }

// Close disconnects the client. It is idempotent and never raises Lost.
func (r *MongoRegistry) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		close(r.done)
		r.wg.Wait()

		r.mu.Lock()
		client := r.client
		r.mu.Unlock()
		if client != nil {
			r.closeErr = client.Disconnect(ctx)
		}
	})
	return r.closeErr
}

func (r *MongoRegistry) ensureReady() error {
	if r.closing.Load() || !r.signal.IsReady() {
		return push.ErrNotReady
	}
	return nil
}

func (r *MongoRegistry) findNode(ctx context.Context, filter any, update any, upsert bool) (*push.Node, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(upsert).
		SetReturnDocument(options.After)

	var doc nodeDoc
	err := r.nodes.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	node := doc.toNode()
	return &node, nil
}

// RegisterNode upserts the node as Connected on servingNodeID.
func (r *MongoRegistry) RegisterNode(ctx context.Context, agentID, servingNodeID string, dt push.DeviceData) (*push.Node, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	update := bson.M{
		"$set": bson.M{
			"co": int(push.Connected),
			"dt": toDeviceDataDoc(dt),
			"lt": r.now(),
			"si": servingNodeID,
		},
		"$setOnInsert": bson.M{"ch": []channelDoc{}},
	}
	node, err := r.findNode(ctx, bson.M{"_id": agentID}, update, true)
	if err != nil {
		return nil, fmt.Errorf("failed to register node %s: %w", agentID, err)
	}
	return node, nil
}

// UnregisterNode moves an existing node to newState.
func (r *MongoRegistry) UnregisterNode(ctx context.Context, agentID string, newState push.ConnectionState, servingNodeID string) (*push.Node, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	update := bson.M{"$set": bson.M{
		"co": int(newState),
		"lt": r.now(),
		"si": servingNodeID,
	}}
	node, err := r.findNode(ctx, bson.M{"_id": agentID}, update, false)
	if err != nil {
		return nil, fmt.Errorf("failed to unregister node %s: %w", agentID, err)
	}
	if node == nil {
		r.logger.Debug().Str("uaid", agentID).Msg("Unregister for unknown node")
	}
	return node, nil
}

// GetNode returns the node or nil when it does not exist.
func (r *MongoRegistry) GetNode(ctx context.Context, agentID string) (*push.Node, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	var doc nodeDoc
	err := r.nodes.FindOne(ctx, bson.M{"_id": agentID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", agentID, err)
	}
	node := doc.toNode()
	return &node, nil
}

// SubscribeChannel adds (appToken, channelID) to the node's channel set.
// The entry is pushed only when no entry for the pair exists, so a
// re-subscription keeps its version and pending flag.
func (r *MongoRegistry) SubscribeChannel(ctx context.Context, agentID, appToken, channelID string) (*push.Node, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	now := r.now()
	entry := newChannelDoc(appToken, channelID)
	absent := bson.M{
		"_id": agentID,
		"ch":  bson.M{"$not": bson.M{"$elemMatch": bson.M{"app": appToken, "ch": channelID}}},
	}
	addEntry := bson.M{"$push": bson.M{"ch": entry}, "$set": bson.M{"lt": now}}

	res, err := r.nodes.UpdateOne(ctx, absent, addEntry)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s to %s: %w", agentID, appToken, err)
	}
	if res.MatchedCount == 0 {
		// Either the node does not exist yet or it already holds the entry.
		insert := bson.M{
			"$setOnInsert": bson.M{"co": int(push.Disconnected), "ch": []channelDoc{entry}},
			"$set":         bson.M{"lt": now},
		}
		res, err = r.nodes.UpdateOne(ctx, bson.M{"_id": agentID}, insert, options.UpdateOne().SetUpsert(true))
		if err != nil {
			return nil, fmt.Errorf("failed to upsert node %s: %w", agentID, err)
		}
		if res.UpsertedCount == 0 {
			// A concurrent writer may have created the node without our
			// entry. The guarded push is a no-op when the entry is there.
			if _, err := r.nodes.UpdateOne(ctx, absent, addEntry); err != nil {
				return nil, fmt.Errorf("failed to subscribe %s to %s: %w", agentID, appToken, err)
			}
		}
	}

	if r.cfg.UseAppIndex {
		_, err := r.apps.UpdateOne(ctx, bson.M{"_id": appToken},
			bson.M{"$set": bson.M{"ch": channelID}, "$addToSet": bson.M{"no": agentID}},
			options.UpdateOne().SetUpsert(true))
		if err != nil {
			return nil, fmt.Errorf("failed to index %s under %s: %w", agentID, appToken, err)
		}
	}
	return r.GetNode(ctx, agentID)
}

// UnsubscribeChannel removes every entry for appToken from the node.
func (r *MongoRegistry) UnsubscribeChannel(ctx context.Context, agentID, appToken string) (*push.Node, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	update := bson.M{
		"$pull": bson.M{"ch": bson.M{"app": appToken}},
		"$set":  bson.M{"lt": r.now()},
	}
	node, err := r.findNode(ctx, bson.M{"_id": agentID}, update, false)
	if err != nil {
		return nil, fmt.Errorf("failed to unsubscribe %s from %s: %w", agentID, appToken, err)
	}

	if r.cfg.UseAppIndex {
		if _, err := r.apps.UpdateOne(ctx, bson.M{"_id": appToken}, bson.M{"$pull": bson.M{"no": agentID}}); err != nil {
			r.logger.Error().Err(err).Str("app", appToken).Msg("Failed to update application index")
		} else if _, err := r.apps.DeleteOne(ctx, bson.M{"_id": appToken, "no": bson.M{"$size": 0}}); err != nil {
			r.logger.Error().Err(err).Str("app", appToken).Msg("Failed to drop empty application index entry")
		}
	}
	return node, nil
}

// SetVersion records version on every node holding (appToken, channelID)
// whose stored version is not newer, and marks the entry pending.
func (r *MongoRegistry) SetVersion(ctx context.Context, appToken, channelID string, version int64) (int64, error) {
	if err := r.ensureReady(); err != nil {
		return 0, err
	}
	entry := bson.M{"app": appToken, "ch": channelID, "vs": bson.M{"$lte": version}}
	filter := bson.M{"ch": bson.M{"$elemMatch": entry}}
	update := bson.M{"$set": bson.M{
		"ch.$[e].vs":  version,
		"ch.$[e].new": true,
		"lt":          r.now(),
	}}
	opts := options.UpdateMany().SetArrayFilters([]any{
		bson.M{"e.app": appToken, "e.ch": channelID, "e.vs": bson.M{"$lte": version}},
	})

	res, err := r.nodes.UpdateMany(ctx, filter, update, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to set version for %s: %w", appToken, err)
	}
	if res.MatchedCount == 0 {
		r.logger.Debug().Str("app", appToken).Int64("version", version).Msg("Set version matched no node")
	}
	return res.MatchedCount, nil
}

// Acknowledge clears the pending flag of the node's channelID entry when
// version covers the stored version.
func (r *MongoRegistry) Acknowledge(ctx context.Context, agentID, channelID string, version int64) (int64, error) {
	if err := r.ensureReady(); err != nil {
		return 0, err
	}
	filter := bson.M{
		"_id": agentID,
		"ch":  bson.M{"$elemMatch": bson.M{"ch": channelID, "vs": bson.M{"$lte": version}}},
	}
	update := bson.M{"$set": bson.M{"ch.$[e].new": false, "lt": r.now()}}
	opts := options.UpdateOne().SetArrayFilters([]any{
		bson.M{"e.ch": channelID, "e.vs": bson.M{"$lte": version}},
	})

	res, err := r.nodes.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge %s for %s: %w", channelID, agentID, err)
	}
	return res.MatchedCount, nil
}

// ListWakeupCandidates returns UDP nodes holding at least one pending
// channel.
func (r *MongoRegistry) ListWakeupCandidates(ctx context.Context) ([]push.Node, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	filter := bson.M{
		"dt.protocol": string(push.TransportUDP),
		"ch":          bson.M{"$elemMatch": bson.M{"new": true}},
	}
	nodes, err := r.findNodes(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list wake-up candidates: %w", err)
	}
	return nodes, nil
}

// NodesForApp resolves the subscribers of appToken, through the
// application index when it is enabled. An application missing from the
// index is resolved with a direct query on the node collection.
func (r *MongoRegistry) NodesForApp(ctx context.Context, appToken string) ([]push.Node, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	filter := bson.M{"ch.app": appToken}
	if r.cfg.UseAppIndex {
		var app appDoc
		err := r.apps.FindOne(ctx, bson.M{"_id": appToken}).Decode(&app)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			r.logger.Debug().Str("app", appToken).Msg("Application not indexed, querying nodes")
		case err != nil:
			return nil, fmt.Errorf("failed to read application index for %s: %w", appToken, err)
		default:
			// The index may be stale; the node document stays authoritative.
			filter = bson.M{"_id": bson.M{"$in": app.Nodes}, "ch.app": appToken}
		}
	}
	nodes, err := r.findNodes(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve nodes for %s: %w", appToken, err)
	}
	return nodes, nil
}

func (r *MongoRegistry) findNodes(ctx context.Context, filter any) ([]push.Node, error) {
	cursor, err := r.nodes.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var docs []nodeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	nodes := make([]push.Node, 0, len(docs))
	for _, d := range docs {
		nodes = append(nodes, d.toNode())
	}
	return nodes, nil
}

// GetOperator returns the operator of the (mcc, mnc) network or nil.
func (r *MongoRegistry) GetOperator(ctx context.Context, mcc, mnc string) (*push.Operator, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	id := push.OperatorID(mcc, mnc)
	var doc operatorDoc
	err := r.operators.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operator %s: %w", id, err)
	}
	return doc.toOperator(), nil
}

// RebuildAppIndex replaces the application index with one computed from
// the node collection.
func (r *MongoRegistry) RebuildAppIndex(ctx context.Context) (int, error) {
	if err := r.ensureReady(); err != nil {
		return 0, err
	}
	pipeline := mongo.Pipeline{
		{{Key: "$unwind", Value: "$ch"}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$ch.app"},
			{Key: "ch", Value: bson.D{{Key: "$first", Value: "$ch.ch"}}},
			{Key: "no", Value: bson.D{{Key: "$addToSet", Value: "$_id"}}},
		}}},
		{{Key: "$out", Value: appsCollection}},
	}
	cursor, err := r.nodes.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("failed to rebuild application index: %w", err)
	}
	_ = cursor.Close(ctx)

	count, err := r.apps.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count application index: %w", err)
	}
	r.logger.Info().Int64("apps", count).Msg("Application index rebuilt")
	return int(count), nil
}
