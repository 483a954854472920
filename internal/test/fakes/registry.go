package fakes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/internal/readiness"
	"github.com/willyaranda/notification-next/pkg/push"
)

// MemoryRegistry is an in-memory push.RegistryStore. It keeps an optional
// application index the same way the document stores do, so tests can
// exercise the index path.
type MemoryRegistry struct {
	mu          sync.RWMutex
	nodes       map[string]*push.Node
	operators   map[string]push.Operator
	appIndex    map[string]map[string]struct{}
	useAppIndex bool

	signal *readiness.Signal
	logger zerolog.Logger
	now    func() time.Time
}

var _ push.RegistryStore = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry. It is not ready until Open.
func NewMemoryRegistry(useAppIndex bool, logger zerolog.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		nodes:       make(map[string]*push.Node),
		operators:   make(map[string]push.Operator),
		appIndex:    make(map[string]map[string]struct{}),
		useAppIndex: useAppIndex,
		signal:      readiness.New(),
		logger:      logger.With().Str("component", "MemoryRegistry").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRegistry) Open(context.Context) error {
	r.signal.SetReady()
	return nil
}

func (r *MemoryRegistry) Ready() <-chan struct{} { return r.signal.Ready() }
func (r *MemoryRegistry) Lost() <-chan struct{}  { return r.signal.Lost() }
func (r *MemoryRegistry) Close(context.Context) error {
	return nil
}

// Disconnect simulates losing the store.
func (r *MemoryRegistry) Disconnect() { r.signal.SetLost() }

// AddOperator seeds an operator record.
func (r *MemoryRegistry) AddOperator(op push.Operator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op.ID = push.OperatorID(op.MCC, op.MNC)
	r.operators[op.ID] = op
}

func (r *MemoryRegistry) ready() error {
	if !r.signal.IsReady() {
		return push.ErrNotReady
	}
	return nil
}

func copyNode(n *push.Node) *push.Node {
	c := *n
	c.Channels = append([]push.Channel(nil), n.Channels...)
	return &c
}

func (r *MemoryRegistry) RegisterNode(_ context.Context, agentID, servingNodeID string, dt push.DeviceData) (*push.Node, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[agentID]
	if !ok {
		n = &push.Node{ID: agentID}
		r.nodes[agentID] = n
	}
	n.State = push.Connected
	n.ServingNodeID = servingNodeID
	n.DeviceData = dt
	n.LastTouched = r.now()
	return copyNode(n), nil
}

func (r *MemoryRegistry) UnregisterNode(_ context.Context, agentID string, newState push.ConnectionState, servingNodeID string) (*push.Node, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[agentID]
	if !ok {
		return nil, nil
	}
	n.State = newState
	n.ServingNodeID = servingNodeID
	n.LastTouched = r.now()
	return copyNode(n), nil
}

func (r *MemoryRegistry) GetNode(_ context.Context, agentID string) (*push.Node, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[agentID]
	if !ok {
		return nil, nil
	}
	return copyNode(n), nil
}

// PutNode stores a node as is, bypassing the mutation protocol. Tests use
// it to seed records a real store could hold, including malformed ones.
func (r *MemoryRegistry) PutNode(n push.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.ID] = copyNode(&n)
	for _, app := range n.Apps() {
		r.indexAdd(app, n.ID)
	}
}

func (r *MemoryRegistry) SubscribeChannel(_ context.Context, agentID, appToken, channelID string) (*push.Node, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[agentID]
	if !ok {
		n = &push.Node{ID: agentID, State: push.Disconnected}
		r.nodes[agentID] = n
	}
	n.AddChannel(appToken, channelID)
	n.LastTouched = r.now()
	r.indexAdd(appToken, agentID)
	return copyNode(n), nil
}

func (r *MemoryRegistry) UnsubscribeChannel(_ context.Context, agentID, appToken string) (*push.Node, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[agentID]
	if !ok {
		return nil, nil
	}
	n.RemoveApp(appToken)
	n.LastTouched = r.now()
	if set, ok := r.appIndex[appToken]; ok {
		delete(set, agentID)
		if len(set) == 0 {
			delete(r.appIndex, appToken)
		}
	}
	return copyNode(n), nil
}

func (r *MemoryRegistry) SetVersion(_ context.Context, appToken, channelID string, version int64) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched int64
	for _, n := range r.nodes {
		if n.SetVersion(appToken, channelID, version) {
			n.LastTouched = r.now()
			matched++
		}
	}
	return matched, nil
}

func (r *MemoryRegistry) Acknowledge(_ context.Context, agentID, channelID string, version int64) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[agentID]
	if !ok || !n.Acknowledge(channelID, version) {
		return 0, nil
	}
	n.LastTouched = r.now()
	return 1, nil
}

func (r *MemoryRegistry) ListWakeupCandidates(context.Context) ([]push.Node, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []push.Node
	for _, n := range r.nodes {
		if n.IsWakeupCandidate() {
			out = append(out, *copyNode(n))
		}
	}
	sortNodes(out)
	return out, nil
}

func (r *MemoryRegistry) NodesForApp(_ context.Context, appToken string) ([]push.Node, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []push.Node
	if set, indexed := r.appIndex[appToken]; r.useAppIndex && indexed {
		for id := range set {
			if n, ok := r.nodes[id]; ok && n.HasApp(appToken) {
				out = append(out, *copyNode(n))
			}
		}
	} else {
		for _, n := range r.nodes {
			if n.HasApp(appToken) {
				out = append(out, *copyNode(n))
			}
		}
	}
	sortNodes(out)
	return out, nil
}

func (r *MemoryRegistry) GetOperator(_ context.Context, mcc, mnc string) (*push.Operator, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operators[push.OperatorID(mcc, mnc)]
	if !ok {
		return nil, nil
	}
	return &op, nil
}

func (r *MemoryRegistry) RebuildAppIndex(context.Context) (int, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appIndex = make(map[string]map[string]struct{})
	for id, n := range r.nodes {
		for _, app := range n.Apps() {
			r.indexAdd(app, id)
		}
	}
	return len(r.appIndex), nil
}

// DropAppIndexEntry removes appToken from the application index without
// touching the nodes, as a lost index write would.
func (r *MemoryRegistry) DropAppIndexEntry(appToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.appIndex, appToken)
}

func (r *MemoryRegistry) indexAdd(appToken, agentID string) {
	set, ok := r.appIndex[appToken]
	if !ok {
		set = make(map[string]struct{})
		r.appIndex[appToken] = set
	}
	set[agentID] = struct{}{}
}

func sortNodes(nodes []push.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
