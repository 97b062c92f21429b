package core

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// LossCause classifies why the host decided an uplink went unreceived.
type LossCause int

const (
	LossInterference LossCause = iota
	LossUnderSensitivity
)

func (c LossCause) String() string {
	switch c {
	case LossInterference:
		return "INTERFERENCE"
	case LossUnderSensitivity:
		return "UNDER_SENSITIVITY"
	default:
		return "UNKNOWN"
	}
}

// NodeCounters is a read-only snapshot of one node's traffic accounting,
// with rates derived at read time.
type NodeCounters struct {
	Sent               uint64
	RawHearings        uint64
	UniqueReceptions   uint64
	InterferenceLosses uint64
	SensitivityLosses  uint64
	AirtimeMs          float64
	PdrPercent         float64
	DropRatePercent    float64
}

// GatewayLoad is a read-only snapshot of one gateway's share of the raw
// hearing volume.
type GatewayLoad struct {
	RawHearings      uint64
	UniqueReceptions uint64
	LoadPercent      float64
}

// OverallSummary aggregates the whole run. CaptureStrengthPoints is the
// NEAR-minus-FAR PDR delta and stays zero until a cohort assignment is
// attached.
type OverallSummary struct {
	TotalSent             uint64
	TotalRaw              uint64
	TotalUnique           uint64
	TotalDuplicate        uint64
	PdrPercent            float64
	DedupRatePercent      float64
	AvgHearingsPerUplink  float64
	CaptureStrengthPoints float64
	CaptureLevel          CaptureEffectLevel
}

// ValidationIssue names one violated consistency invariant. NodeID is
// zero for aggregate-level issues.
type ValidationIssue struct {
	Invariant string
	NodeID    uint32
	Detail    string
}

func (v ValidationIssue) String() string {
	if v.NodeID == 0 {
		return fmt.Sprintf("%s: %s", v.Invariant, v.Detail)
	}
	return fmt.Sprintf("%s: node %d: %s", v.Invariant, v.NodeID, v.Detail)
}

// Invariant names used by the validation pass.
const (
	InvariantUniqueWithinRaw    = "unique_exceeds_raw"
	InvariantRawWithinCapacity  = "raw_exceeds_send_capacity"
	InvariantSentTotalMatches   = "sent_total_mismatch"
	InvariantUniqueTotalMatches = "unique_total_mismatch"
)

// StatisticsAggregator owns the transmit-side counters of a run (sent,
// losses, air time) and composes the DeduplicationEngine for the
// receive-side ones. Counters only ever increment; every rate is derived
// at read time so the raw counts stay the single source of truth.
type StatisticsAggregator struct {
	dedup *DeduplicationEngine

	sentByNode    map[uint32]uint64
	airtimeByNode map[uint32]float64
	lossesByNode  map[uint32]map[LossCause]uint64

	totalSent      uint64
	totalAirtimeMs float64

	cohorts *CohortAssignment
}

// NewStatisticsAggregator builds an empty aggregator on top of the run's
// deduplication engine.
func NewStatisticsAggregator(dedup *DeduplicationEngine) *StatisticsAggregator {
	return &StatisticsAggregator{
		dedup:         dedup,
		sentByNode:    make(map[uint32]uint64),
		airtimeByNode: make(map[uint32]float64),
		lossesByNode:  make(map[uint32]map[LossCause]uint64),
	}
}

// RecordTransmission counts one uplink sent by nodeID and its channel
// occupancy.
func (s *StatisticsAggregator) RecordTransmission(nodeID uint32, airtimeMs float64) {
	s.sentByNode[nodeID]++
	s.totalSent++
	if airtimeMs > 0 {
		s.airtimeByNode[nodeID] += airtimeMs
		s.totalAirtimeMs += airtimeMs
	}
}

// RecordLoss counts one lost uplink for nodeID with the host-supplied
// cause.
func (s *StatisticsAggregator) RecordLoss(nodeID uint32, cause LossCause) {
	byCause, ok := s.lossesByNode[nodeID]
	if !ok {
		byCause = make(map[LossCause]uint64)
		s.lossesByNode[nodeID] = byCause
	}
	byCause[cause]++
}

// AttachCohorts binds the near/far assignment used for capture-effect
// reporting. Passing nil detaches it.
func (s *StatisticsAggregator) AttachCohorts(a *CohortAssignment) {
	s.cohorts = a
}

// Cohorts returns the attached assignment, or nil.
func (s *StatisticsAggregator) Cohorts() *CohortAssignment {
	return s.cohorts
}

// ---------- Read accessors ----------

// Counters snapshots nodeID's accounting with derived rates.
func (s *StatisticsAggregator) Counters(nodeID uint32) NodeCounters {
	sent := s.sentByNode[nodeID]
	unique := s.dedup.UniqueReceptions(nodeID)

	c := NodeCounters{
		Sent:             sent,
		RawHearings:      s.dedup.RawHearings(nodeID),
		UniqueReceptions: unique,
		AirtimeMs:        s.airtimeByNode[nodeID],
		PdrPercent:       RatePercent(float64(unique), float64(sent)),
	}
	if byCause, ok := s.lossesByNode[nodeID]; ok {
		c.InterferenceLosses = byCause[LossInterference]
		c.SensitivityLosses = byCause[LossUnderSensitivity]
	}
	if sent >= unique {
		c.DropRatePercent = RatePercent(float64(sent-unique), float64(sent))
	}
	return c
}

// Load snapshots gatewayID's share of the raw hearing volume across the
// whole run.
func (s *StatisticsAggregator) Load(gatewayID uint32) GatewayLoad {
	raw := s.dedup.RawByGateway(gatewayID)
	return GatewayLoad{
		RawHearings:      raw,
		UniqueReceptions: s.dedup.UniqueByGateway(gatewayID),
		LoadPercent:      RatePercent(float64(raw), float64(s.dedup.TotalRaw())),
	}
}

// LoadVariance returns the population variance of raw hearing counts over
// the given gateways. Gateways that heard nothing contribute zero, so the
// caller passes the full topology list, not just the active set.
func (s *StatisticsAggregator) LoadVariance(gatewayIDs []uint32) float64 {
	if len(gatewayIDs) == 0 {
		return 0
	}
	counts := make([]float64, len(gatewayIDs))
	for i, gw := range gatewayIDs {
		counts[i] = float64(s.dedup.RawByGateway(gw))
	}
	return stat.PopVariance(counts, nil)
}

// TotalSent returns the run-wide sent counter.
func (s *StatisticsAggregator) TotalSent() uint64 {
	return s.totalSent
}

// TotalAirtimeMs returns the accumulated channel occupancy of every
// recorded transmission.
func (s *StatisticsAggregator) TotalAirtimeMs() float64 {
	return s.totalAirtimeMs
}

// AirtimeMs returns nodeID's accumulated channel occupancy.
func (s *StatisticsAggregator) AirtimeMs(nodeID uint32) float64 {
	return s.airtimeByNode[nodeID]
}

// Nodes returns every node with any recorded activity, ascending. The
// union covers senders that were never heard and heard nodes the host
// never reported a transmission for.
func (s *StatisticsAggregator) Nodes() []uint32 {
	set := make(map[uint32]struct{}, len(s.sentByNode))
	for nodeID := range s.sentByNode {
		set[nodeID] = struct{}{}
	}
	for nodeID := range s.lossesByNode {
		set[nodeID] = struct{}{}
	}
	for _, nodeID := range s.dedup.ObservedNodes() {
		set[nodeID] = struct{}{}
	}
	ids := make([]uint32, 0, len(set))
	for nodeID := range set {
		ids = append(ids, nodeID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CohortPdrPercent returns the aggregate PDR of every node carrying
// label: total unique receptions over total sent, as a percentage. Zero
// when no assignment is attached or the cohort sent nothing.
func (s *StatisticsAggregator) CohortPdrPercent(label CohortLabel) float64 {
	if s.cohorts == nil {
		return 0
	}
	var sent, unique uint64
	for _, nodeID := range s.cohorts.Nodes(label) {
		sent += s.sentByNode[nodeID]
		unique += s.dedup.UniqueReceptions(nodeID)
	}
	return RatePercent(float64(unique), float64(sent))
}

// CaptureStrengthPoints returns the NEAR-minus-FAR PDR delta in
// percentage points, zero without an attached assignment.
func (s *StatisticsAggregator) CaptureStrengthPoints() float64 {
	if s.cohorts == nil {
		return 0
	}
	return s.CohortPdrPercent(CohortNear) - s.CohortPdrPercent(CohortFar)
}

// OverallSummary snapshots the run-wide totals and derived rates.
func (s *StatisticsAggregator) OverallSummary() OverallSummary {
	raw := s.dedup.TotalRaw()
	unique := s.dedup.TotalUnique()
	strength := s.CaptureStrengthPoints()
	return OverallSummary{
		TotalSent:             s.totalSent,
		TotalRaw:              raw,
		TotalUnique:           unique,
		TotalDuplicate:        s.dedup.TotalDuplicate(),
		PdrPercent:            RatePercent(float64(unique), float64(s.totalSent)),
		DedupRatePercent:      RatePercent(float64(s.dedup.TotalDuplicate()), float64(raw)),
		AvgHearingsPerUplink:  safeRatio(float64(raw), float64(s.totalSent)),
		CaptureStrengthPoints: strength,
		CaptureLevel:          CaptureLevelFor(strength),
	}
}

func safeRatio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return num / den
}

// ---------- Validation ----------

// Validate cross-checks the per-node counters against each other and
// against the run totals. It returns one issue per violation, every
// offending node listed, and never aborts; an empty result means the run
// is internally consistent. gatewayCount is the topology's gateway
// count, needed for the raw-hearing capacity bound.
func (s *StatisticsAggregator) Validate(gatewayCount int) []ValidationIssue {
	var issues []ValidationIssue

	var sumSent, sumUnique uint64
	for _, nodeID := range s.Nodes() {
		sent := s.sentByNode[nodeID]
		raw := s.dedup.RawHearings(nodeID)
		unique := s.dedup.UniqueReceptions(nodeID)
		sumSent += sent
		sumUnique += unique

		if unique > raw {
			issues = append(issues, ValidationIssue{
				Invariant: InvariantUniqueWithinRaw,
				NodeID:    nodeID,
				Detail:    fmt.Sprintf("unique %d > raw %d", unique, raw),
			})
		}
		if capacity := sent * uint64(gatewayCount); raw > capacity {
			issues = append(issues, ValidationIssue{
				Invariant: InvariantRawWithinCapacity,
				NodeID:    nodeID,
				Detail:    fmt.Sprintf("raw %d > sent %d x %d gateways", raw, sent, gatewayCount),
			})
		}
	}

	if sumSent != s.totalSent {
		issues = append(issues, ValidationIssue{
			Invariant: InvariantSentTotalMatches,
			Detail:    fmt.Sprintf("per-node sum %d != total %d", sumSent, s.totalSent),
		})
	}
	if sumUnique != s.dedup.TotalUnique() {
		issues = append(issues, ValidationIssue{
			Invariant: InvariantUniqueTotalMatches,
			Detail:    fmt.Sprintf("per-node sum %d != total %d", sumUnique, s.dedup.TotalUnique()),
		})
	}
	return issues
}
