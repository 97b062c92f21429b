package core

import (
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/lora-analytics/model"
)

// HearingOutcome classifies one gateway-level hearing of an uplink.
type HearingOutcome int

const (
	FirstHearing HearingOutcome = iota
	Duplicate
)

func (o HearingOutcome) String() string {
	switch o {
	case FirstHearing:
		return "FIRST_HEARING"
	case Duplicate:
		return "DUPLICATE"
	default:
		return "UNKNOWN"
	}
}

// ErrUnknownDevice indicates a packet key whose device address is not
// mapped to any node in the topology.
var ErrUnknownDevice = errors.New("device address not mapped to a node")

// DeviceResolver maps device addresses to owning node IDs. The topology
// store implements it.
type DeviceResolver interface {
	NodeByDevAddr(devAddr uint32) (uint32, bool)
}

// DeduplicationEngine is the single source of truth for unique-versus-raw
// reception accounting: it tracks every packet key heard anywhere in the
// network plus per-node and per-gateway hearing breakdowns.
//
// Observe must be called exactly once per (gateway, reception) event.
// Calling it twice for the same physical reception double-counts
// duplicates.
type DeduplicationEngine struct {
	resolver DeviceResolver

	seen map[model.PacketKey]struct{}

	rawByNodeGw    map[uint32]map[uint32]uint64
	uniqueByNodeGw map[uint32]map[uint32]uint64

	totalRaw       uint64
	totalUnique    uint64
	totalDuplicate uint64
}

// NewDeduplicationEngine builds an empty engine bound to a device
// resolver. Each run constructs its own engine; seen-keys never survive a
// run boundary.
func NewDeduplicationEngine(resolver DeviceResolver) *DeduplicationEngine {
	return &DeduplicationEngine{
		resolver:       resolver,
		seen:           make(map[model.PacketKey]struct{}),
		rawByNodeGw:    make(map[uint32]map[uint32]uint64),
		uniqueByNodeGw: make(map[uint32]map[uint32]uint64),
	}
}

// Observe records one gateway hearing of key and classifies it as the
// network-wide first hearing or a duplicate. Exactly one FirstHearing is
// ever returned per key.
//
// When the device half of the key resolves to no node, Observe returns
// ErrUnknownDevice and leaves every counter untouched; the caller decides
// whether to drop the event or fix its topology.
func (e *DeduplicationEngine) Observe(key model.PacketKey, gatewayID uint32) (HearingOutcome, error) {
	nodeID, ok := e.resolver.NodeByDevAddr(key.DevAddr())
	if !ok {
		return Duplicate, fmt.Errorf("%w: devaddr %d", ErrUnknownDevice, key.DevAddr())
	}

	outcome := Duplicate
	if _, dup := e.seen[key]; !dup {
		e.seen[key] = struct{}{}
		outcome = FirstHearing
	}

	e.totalRaw++
	bumpNodeGateway(e.rawByNodeGw, nodeID, gatewayID)
	if outcome == FirstHearing {
		e.totalUnique++
		bumpNodeGateway(e.uniqueByNodeGw, nodeID, gatewayID)
	} else {
		e.totalDuplicate++
	}
	return outcome, nil
}

//
// ---------- Read accessors ----------
//

// TotalRaw returns the count of all gateway hearings.
func (e *DeduplicationEngine) TotalRaw() uint64 { return e.totalRaw }

// TotalUnique returns the count of first hearings.
func (e *DeduplicationEngine) TotalUnique() uint64 { return e.totalUnique }

// TotalDuplicate returns the count of duplicate hearings.
func (e *DeduplicationEngine) TotalDuplicate() uint64 { return e.totalDuplicate }

// DistinctKeys returns how many distinct packet keys have been observed.
func (e *DeduplicationEngine) DistinctKeys() int { return len(e.seen) }

// RawHearings returns every gateway hearing attributed to the node.
func (e *DeduplicationEngine) RawHearings(nodeID uint32) uint64 {
	return sumGatewayCounts(e.rawByNodeGw[nodeID])
}

// UniqueReceptions returns the node's first hearings across all gateways.
func (e *DeduplicationEngine) UniqueReceptions(nodeID uint32) uint64 {
	return sumGatewayCounts(e.uniqueByNodeGw[nodeID])
}

// RawByGateway returns all hearings recorded at one gateway.
func (e *DeduplicationEngine) RawByGateway(gatewayID uint32) uint64 {
	var total uint64
	for _, gws := range e.rawByNodeGw {
		total += gws[gatewayID]
	}
	return total
}

// UniqueByGateway returns the first hearings recorded at one gateway.
func (e *DeduplicationEngine) UniqueByGateway(gatewayID uint32) uint64 {
	var total uint64
	for _, gws := range e.uniqueByNodeGw {
		total += gws[gatewayID]
	}
	return total
}

// UniqueBreakdown returns a copy of the node's first hearings per gateway.
func (e *DeduplicationEngine) UniqueBreakdown(nodeID uint32) map[uint32]uint64 {
	return copyGatewayCounts(e.uniqueByNodeGw[nodeID])
}

// RawBreakdown returns a copy of the node's hearings per gateway.
func (e *DeduplicationEngine) RawBreakdown(nodeID uint32) map[uint32]uint64 {
	return copyGatewayCounts(e.rawByNodeGw[nodeID])
}

// ObservedNodes returns the IDs of every node with at least one hearing,
// in ascending order.
func (e *DeduplicationEngine) ObservedNodes() []uint32 {
	out := make([]uint32, 0, len(e.rawByNodeGw))
	for id := range e.rawByNodeGw {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OwnerGateway returns the gateway holding the most first hearings for the
// node. Ties break to the lowest gateway ID. The second return is false
// when the node has no first hearings at all.
func (e *DeduplicationEngine) OwnerGateway(nodeID uint32) (uint32, bool) {
	counts := e.uniqueByNodeGw[nodeID]
	if len(counts) == 0 {
		return 0, false
	}

	gws := make([]uint32, 0, len(counts))
	for gw := range counts {
		gws = append(gws, gw)
	}
	sort.Slice(gws, func(i, j int) bool { return gws[i] < gws[j] })

	var owner uint32
	var best uint64
	found := false
	for _, gw := range gws {
		if cnt := counts[gw]; cnt > best {
			best = cnt
			owner = gw
			found = true
		}
	}
	return owner, found
}

// Reset clears the seen-set and every counter.
func (e *DeduplicationEngine) Reset() {
	e.seen = make(map[model.PacketKey]struct{})
	e.rawByNodeGw = make(map[uint32]map[uint32]uint64)
	e.uniqueByNodeGw = make(map[uint32]map[uint32]uint64)
	e.totalRaw = 0
	e.totalUnique = 0
	e.totalDuplicate = 0
}

func bumpNodeGateway(m map[uint32]map[uint32]uint64, nodeID, gatewayID uint32) {
	inner, ok := m[nodeID]
	if !ok {
		inner = make(map[uint32]uint64)
		m[nodeID] = inner
	}
	inner[gatewayID]++
}

func sumGatewayCounts(counts map[uint32]uint64) uint64 {
	var total uint64
	for _, c := range counts {
		total += c
	}
	return total
}

func copyGatewayCounts(counts map[uint32]uint64) map[uint32]uint64 {
	out := make(map[uint32]uint64, len(counts))
	for gw, c := range counts {
		out[gw] = c
	}
	return out
}
