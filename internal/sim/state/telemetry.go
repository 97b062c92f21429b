// Package state ties the per-run analytics stores together behind the
// AnalyticsRun facade.
package state

import (
	"math"
	"sort"
	"sync"
)

// SignalSummary is a per-node view of the signal quality observed across
// every hearing of that node's uplinks.
type SignalSummary struct {
	// NodeID is the ID of the transmitting node.
	NodeID uint32

	// Samples is the number of hearings folded in so far.
	Samples uint64

	// RSSI statistics, in dBm.
	MeanRssiDbm float64
	StdRssiDb   float64
	MinRssiDbm  float64
	MaxRssiDbm  float64

	// SNR statistics, in dB.
	MeanSnrDb float64
	StdSnrDb  float64
	MinSnrDb  float64
	MaxSnrDb  float64
}

// runningStat tracks mean and variance with Welford's recurrence, so the
// store never has to keep individual samples around.
type runningStat struct {
	n    uint64
	mean float64
	m2   float64
	min  float64
	max  float64
}

func (r *runningStat) push(x float64) {
	r.n++
	if r.n == 1 {
		r.min = x
		r.max = x
	} else {
		if x < r.min {
			r.min = x
		}
		if x > r.max {
			r.max = x
		}
	}
	delta := x - r.mean
	r.mean += delta / float64(r.n)
	r.m2 += delta * (x - r.mean)
}

// std returns the population standard deviation of the pushed samples.
func (r *runningStat) std() float64 {
	if r.n < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.n))
}

// SignalStats is a concurrency-safe store of per-node running RSSI and
// SNR statistics.
type SignalStats struct {
	mu   sync.RWMutex
	rssi map[uint32]*runningStat
	snr  map[uint32]*runningStat
}

// NewSignalStats creates an empty SignalStats store.
func NewSignalStats() *SignalStats {
	return &SignalStats{
		rssi: make(map[uint32]*runningStat),
		snr:  make(map[uint32]*runningStat),
	}
}

// Observe folds one hearing's RSSI and SNR into the node's running stats.
func (s *SignalStats) Observe(nodeID uint32, rssiDbm, snrDb float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rssi[nodeID]
	if !ok {
		rs = &runningStat{}
		s.rssi[nodeID] = rs
	}
	rs.push(rssiDbm)

	ss, ok := s.snr[nodeID]
	if !ok {
		ss = &runningStat{}
		s.snr[nodeID] = ss
	}
	ss.push(snrDb)
}

// Summary returns a copy of the node's accumulated statistics. The second
// return value is false when the node has no samples yet.
func (s *SignalStats) Summary(nodeID uint32) (SignalSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rssi[nodeID]
	if !ok || rs.n == 0 {
		return SignalSummary{}, false
	}
	ss := s.snr[nodeID]

	return SignalSummary{
		NodeID:      nodeID,
		Samples:     rs.n,
		MeanRssiDbm: rs.mean,
		StdRssiDb:   rs.std(),
		MinRssiDbm:  rs.min,
		MaxRssiDbm:  rs.max,
		MeanSnrDb:   ss.mean,
		StdSnrDb:    ss.std(),
		MinSnrDb:    ss.min,
		MaxSnrDb:    ss.max,
	}, true
}

// Nodes lists node IDs with at least one sample, in ascending order.
func (s *SignalStats) Nodes() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]uint32, 0, len(s.rssi))
	for nodeID := range s.rssi {
		out = append(out, nodeID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reset drops every accumulated sample.
func (s *SignalStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rssi = make(map[uint32]*runningStat)
	s.snr = make(map[uint32]*runningStat)
}
