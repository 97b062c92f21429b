package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/lora-analytics/core"
	"github.com/signalsfoundry/lora-analytics/model"
)

// EventType indicates what kind of change happened in the topology.
type EventType int

const (
	EventNodeAdded EventType = iota
)

// Event is emitted to subscribers when the topology changes. Consumers
// use it to invalidate anything derived from the node set, such as a
// cohort assignment.
type Event struct {
	Type EventType
	Node model.Node
}

var (
	ErrDuplicateID = errors.New("id already exists")
	ErrNotFound    = errors.New("not found")
)

// Topology is an in-memory, thread-safe store for the nodes and radio
// profiles of one scenario. Reads return copies; stored state never
// leaks behind the lock.
type Topology struct {
	mu sync.RWMutex

	nodes     map[uint32]model.Node
	byDevAddr map[uint32]uint32
	profiles  map[string]core.RadioProfile

	subs []func(Event)
}

// NewTopology constructs an empty store.
func NewTopology() *Topology {
	return &Topology{
		nodes:     make(map[uint32]model.Node),
		byDevAddr: make(map[uint32]uint32),
		profiles:  make(map[string]core.RadioProfile),
	}
}

// AddProfile validates, normalizes and stores a radio profile. It
// returns an error if the ID is already taken.
func (t *Topology) AddProfile(p *core.RadioProfile) error {
	if p == nil {
		return fmt.Errorf("add profile: nil profile")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	p.Normalize()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.profiles[p.ID]; exists {
		return fmt.Errorf("profile %q: %w", p.ID, ErrDuplicateID)
	}
	t.profiles[p.ID] = *p
	return nil
}

// AddNode stores a node and notifies subscribers. End devices without an
// explicit device address get their node ID as the address, so every
// device is always resolvable. It returns an error on a duplicate node
// ID, a duplicate device address, or an end device referencing an
// unregistered profile.
func (t *Topology) AddNode(n *model.Node) error {
	if n == nil {
		return fmt.Errorf("add node: nil node")
	}

	t.mu.Lock()
	if _, exists := t.nodes[n.ID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("node %d: %w", n.ID, ErrDuplicateID)
	}

	stored := *n
	if stored.Role == model.RoleEndDevice {
		if stored.DevAddr == 0 {
			stored.DevAddr = stored.ID
		}
		if owner, taken := t.byDevAddr[stored.DevAddr]; taken {
			t.mu.Unlock()
			return fmt.Errorf("dev addr %d already mapped to node %d: %w",
				stored.DevAddr, owner, ErrDuplicateID)
		}
		if stored.ProfileID != "" {
			if _, ok := t.profiles[stored.ProfileID]; !ok {
				t.mu.Unlock()
				return fmt.Errorf("node %d: profile %q: %w", stored.ID, stored.ProfileID, ErrNotFound)
			}
		}
		t.byDevAddr[stored.DevAddr] = stored.ID
	}
	t.nodes[stored.ID] = stored

	event := Event{Type: EventNodeAdded, Node: stored}
	subs := append([]func(Event){}, t.subs...)
	t.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Node returns a copy of the node with the given ID.
func (t *Topology) Node(id uint32) (model.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// NodeByDevAddr maps a device address to its owning node ID. Implements
// the resolver the deduplication engine consumes.
func (t *Topology) NodeByDevAddr(devAddr uint32) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byDevAddr[devAddr]
	return id, ok
}

// NodePosition returns the position of the node with the given ID.
func (t *Topology) NodePosition(id uint32) (model.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n.Position, ok
}

// Profile returns a copy of the profile with the given ID.
func (t *Topology) Profile(id string) (*core.RadioProfile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.profiles[id]
	if !ok {
		return nil, false
	}
	return &p, true
}

// ProfileFor resolves nodeID's profile reference.
func (t *Topology) ProfileFor(nodeID uint32) (*core.RadioProfile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[nodeID]
	if !ok {
		return nil, false
	}
	p, ok := t.profiles[n.ProfileID]
	if !ok {
		return nil, false
	}
	return &p, true
}

// EndDevices returns a snapshot of every end device, ascending by ID.
func (t *Topology) EndDevices() []model.Node {
	return t.nodesByRole(model.RoleEndDevice)
}

// Gateways returns a snapshot of every gateway, ascending by ID.
func (t *Topology) Gateways() []model.Node {
	return t.nodesByRole(model.RoleGateway)
}

func (t *Topology) nodesByRole(role model.NodeRole) []model.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res := make([]model.Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if n.Role == role {
			res = append(res, n)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// GatewayIDs returns every gateway ID, ascending.
func (t *Topology) GatewayIDs() []uint32 {
	gws := t.nodesByRole(model.RoleGateway)
	ids := make([]uint32, len(gws))
	for i, gw := range gws {
		ids[i] = gw.ID
	}
	return ids
}

// NearestGateway returns the gateway closest to the given node. Ties
// break to the lowest gateway ID. It returns ErrNotFound when the node
// is unknown or the topology has no gateways.
func (t *Topology) NearestGateway(nodeID uint32) (uint32, error) {
	t.mu.RLock()
	node, ok := t.nodes[nodeID]
	t.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}

	gateways := t.Gateways()
	if len(gateways) == 0 {
		return 0, fmt.Errorf("no gateways for node %d: %w", nodeID, ErrNotFound)
	}

	pos := core.FromPosition(node.Position)
	best := gateways[0].ID
	bestDist := pos.DistanceTo(core.FromPosition(gateways[0].Position))
	for _, gw := range gateways[1:] {
		if d := pos.DistanceTo(core.FromPosition(gw.Position)); d < bestDist {
			best, bestDist = gw.ID, d
		}
	}
	return best, nil
}

// Subscribe registers a callback for topology events. It returns an
// unsubscribe function.
func (t *Topology) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
	idx := len(t.subs) - 1

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if idx < 0 || idx >= len(t.subs) {
			return
		}
		t.subs = append(t.subs[:idx], t.subs[idx+1:]...)
		idx = -1
	}
}
