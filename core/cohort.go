package core

import (
	"errors"
	"sort"
)

// CohortLabel splits the device population into relative signal-strength
// halves for capture-effect analysis.
type CohortLabel int

const (
	CohortFar CohortLabel = iota
	CohortNear
)

func (c CohortLabel) String() string {
	switch c {
	case CohortNear:
		return "NEAR"
	case CohortFar:
		return "FAR"
	default:
		return "UNKNOWN"
	}
}

// CaptureEffectLevel is the qualitative bucket for a near-minus-far PDR
// delta, in percentage points.
type CaptureEffectLevel int

const (
	CaptureNone CaptureEffectLevel = iota
	CaptureWeak
	CaptureModerate
	CaptureStrong
)

func (l CaptureEffectLevel) String() string {
	switch l {
	case CaptureWeak:
		return "WEAK"
	case CaptureModerate:
		return "MODERATE"
	case CaptureStrong:
		return "STRONG"
	default:
		return "NONE"
	}
}

// CaptureLevelFor buckets a capture-effect strength value. Boundaries are
// exclusive on the low side, so a delta of exactly 5 points is still NONE.
func CaptureLevelFor(strengthPoints float64) CaptureEffectLevel {
	switch {
	case strengthPoints > 20:
		return CaptureStrong
	case strengthPoints > 10:
		return CaptureModerate
	case strengthPoints > 5:
		return CaptureWeak
	default:
		return CaptureNone
	}
}

// ErrEmptyPopulation indicates a cohort classification attempt with no
// devices to split.
var ErrEmptyPopulation = errors.New("cohort classification requires at least one device")

// CohortAssignment is the frozen result of one near/far split: per-node
// labels, the estimated RSSI each label was derived from, and the median
// threshold that separated them. Topology changes invalidate the
// assignment; callers recompute rather than mutate.
type CohortAssignment struct {
	thresholdDbm float64
	labels       map[uint32]CohortLabel
	rssiDbm      map[uint32]float64
}

// AssignCohorts computes a median-based near/far split over estimated
// per-node RSSI values. The threshold is the population median (midpoint
// of the two central values for even populations); a node is NEAR when
// its estimate is at or above the threshold. The split is relative, so it
// stays balanced regardless of the absolute distance scale.
func AssignCohorts(estRssiByNode map[uint32]float64) (*CohortAssignment, error) {
	if len(estRssiByNode) == 0 {
		return nil, ErrEmptyPopulation
	}

	values := make([]float64, 0, len(estRssiByNode))
	for _, rssi := range estRssiByNode {
		values = append(values, rssi)
	}
	threshold := medianOf(values)

	a := &CohortAssignment{
		thresholdDbm: threshold,
		labels:       make(map[uint32]CohortLabel, len(estRssiByNode)),
		rssiDbm:      make(map[uint32]float64, len(estRssiByNode)),
	}
	for nodeID, rssi := range estRssiByNode {
		label := CohortFar
		if rssi >= threshold {
			label = CohortNear
		}
		a.labels[nodeID] = label
		a.rssiDbm[nodeID] = rssi
	}
	return a, nil
}

// medianOf sorts a copy of values and returns the classic midpoint
// median. values must be non-empty.
func medianOf(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// ThresholdDbm returns the median RSSI threshold the split used.
func (a *CohortAssignment) ThresholdDbm() float64 {
	return a.thresholdDbm
}

// Label returns the cohort of nodeID, reporting false for nodes outside
// the classified population.
func (a *CohortAssignment) Label(nodeID uint32) (CohortLabel, bool) {
	label, ok := a.labels[nodeID]
	return label, ok
}

// EstimatedRssiDbm returns the RSSI estimate nodeID was classified with.
func (a *CohortAssignment) EstimatedRssiDbm(nodeID uint32) (float64, bool) {
	rssi, ok := a.rssiDbm[nodeID]
	return rssi, ok
}

// Count returns the number of nodes carrying label.
func (a *CohortAssignment) Count(label CohortLabel) int {
	n := 0
	for _, l := range a.labels {
		if l == label {
			n++
		}
	}
	return n
}

// Nodes returns the node IDs carrying label in ascending order.
func (a *CohortAssignment) Nodes(label CohortLabel) []uint32 {
	ids := make([]uint32, 0, len(a.labels))
	for nodeID, l := range a.labels {
		if l == label {
			ids = append(ids, nodeID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Size returns the classified population size.
func (a *CohortAssignment) Size() int {
	return len(a.labels)
}
