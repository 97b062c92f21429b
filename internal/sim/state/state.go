// internal/sim/state/state.go
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	lora "github.com/signalsfoundry/lora-analytics/core"
	"github.com/signalsfoundry/lora-analytics/internal/logging"
	"github.com/signalsfoundry/lora-analytics/kb"
	"github.com/signalsfoundry/lora-analytics/model"
)

// Re-export sentinel errors so hosts can depend on state.* instead of
// kb.* and core.* directly if they want to.
var (
	// ErrDuplicateID indicates a node or profile ID is already taken.
	ErrDuplicateID = kb.ErrDuplicateID
	// ErrNotFound indicates a requested topology entry was not found.
	ErrNotFound = kb.ErrNotFound
	// ErrUnknownDevice indicates a hearing for an unmapped device address.
	ErrUnknownDevice = lora.ErrUnknownDevice
	// ErrNoDutyCycleBand indicates a frequency outside every registered band.
	ErrNoDutyCycleBand = lora.ErrNoDutyCycleBand
)

// RunListener receives run events as the facade processes them. Dispatch
// is synchronous on the goroutine feeding the run; listeners that need to
// block must hand off to their own goroutine. Hearings of one uplink
// arrive in ascending gateway-ID order.
type RunListener interface {
	OnUplinkSent(ev model.TransmissionEvent)
	OnHearing(rec model.ReceptionRecord)
	OnUplinkLost(nodeID uint32, cause lora.LossCause, at time.Time)
}

// RunMetricsRecorder receives metric updates for run events and gauges.
type RunMetricsRecorder interface {
	RecordUplink()
	RecordHearing(outcome string)
	RecordLoss(cause string)
	ObserveSnrMargin(sf int, marginDb float64)
	SetTopologyCounts(endDevices, gateways int)
	SetCohortCounts(near, far int)
	SetRunRates(pdrPercent, dedupRatePercent float64)
	SetValidationIssues(count int)
}

// AnalyticsRun coordinates the per-run analytics stores: topology, duty
// registry, deduplication engine, statistics aggregator and per-node
// signal telemetry. One value per run; hosts feed events through the
// sink methods and read results through the report accessors.
type AnalyticsRun struct {
	// mu is the coarse run-level lock. Take this before touching the
	// topology store to maintain the lock ordering of AnalyticsRun ->
	// Topology -> SignalStats locks.
	mu sync.RWMutex

	topo       *kb.Topology
	duty       *lora.DutyCycleRegistry
	classifier *lora.ReceptionClassifier
	dedup      *lora.DeduplicationEngine
	stats      *lora.StatisticsAggregator
	signals    *SignalStats
	params     model.ScenarioParams

	// warnedDuty tracks nodes already reported for transmitting outside
	// every registered duty band, so the warning fires once per node.
	warnedDuty map[uint32]struct{}

	listeners []RunListener

	// log carries the run ID on every line.
	log   logging.Logger
	runID string

	// metrics is an optional recorder for Prometheus-friendly series.
	metrics RunMetricsRecorder
}

// RunOption customises AnalyticsRun construction.
type RunOption func(*AnalyticsRun)

// WithMetricsRecorder attaches an optional metrics recorder for run events.
func WithMetricsRecorder(m RunMetricsRecorder) RunOption {
	return func(r *AnalyticsRun) {
		r.metrics = m
	}
}

// WithListener registers a listener at construction time.
func WithListener(l RunListener) RunOption {
	return func(r *AnalyticsRun) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// NewAnalyticsRun wires the per-run stores around a loaded topology.
// A nil duty registry gets the EU868 defaults.
func NewAnalyticsRun(ctx context.Context, topo *kb.Topology, duty *lora.DutyCycleRegistry, params model.ScenarioParams, log logging.Logger, opts ...RunOption) *AnalyticsRun {
	if log == nil {
		log = logging.Noop()
	}
	ctx, runLog := logging.WithRunLogger(ctx, log)
	if duty == nil {
		duty = lora.NewDutyCycleRegistry()
		duty.RegisterEU868Defaults()
	}

	dedup := lora.NewDeduplicationEngine(topo)
	run := &AnalyticsRun{
		topo:       topo,
		duty:       duty,
		classifier: lora.NewReceptionClassifier(params),
		dedup:      dedup,
		stats:      lora.NewStatisticsAggregator(dedup),
		signals:    NewSignalStats(),
		params:     params,
		warnedDuty: make(map[uint32]struct{}),
		log:        runLog,
		runID:      logging.RunIDFromContext(ctx),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(run)
		}
	}
	run.updateMetricsLocked()
	runLog.Info(ctx, "analytics run ready",
		logging.Int("end_devices", len(topo.EndDevices())),
		logging.Int("gateways", len(topo.Gateways())),
	)
	return run
}

// Topology exposes the underlying topology store.
func (r *AnalyticsRun) Topology() *kb.Topology {
	return r.topo
}

// DutyCycle exposes the run's duty cycle registry.
func (r *AnalyticsRun) DutyCycle() *lora.DutyCycleRegistry {
	return r.duty
}

// Params returns the scenario parameters the run was built with.
func (r *AnalyticsRun) Params() model.ScenarioParams {
	return r.params
}

// RunID returns the identifier carried by every log line of this run.
func (r *AnalyticsRun) RunID() string {
	return r.runID
}

// AddListener registers a listener for run events.
func (r *AnalyticsRun) AddListener(l RunListener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// listenersLocked returns a copy of the listener slice so dispatch can
// happen outside the lock. Caller must hold mu.
func (r *AnalyticsRun) listenersLocked() []RunListener {
	if len(r.listeners) == 0 {
		return nil
	}
	out := make([]RunListener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

// ---------- Inbound event sink ----------

// OnTransmit records one uplink transmission. Airtime is charged from the
// sender's radio profile; a transmit frequency outside every registered
// duty band is logged once per offending node.
func (r *AnalyticsRun) OnTransmit(nodeID, seq uint32, sf int, txPowerDbm, freqHz float64, at time.Time) {
	r.mu.Lock()
	airtimeMs := 0.0
	if profile, ok := r.topo.ProfileFor(nodeID); ok {
		airtimeMs = profile.AirtimeMs(r.params)
	}
	r.stats.RecordTransmission(nodeID, airtimeMs)
	if !r.duty.HasBand(freqHz) {
		if _, warned := r.warnedDuty[nodeID]; !warned {
			r.warnedDuty[nodeID] = struct{}{}
			r.log.Warn(context.Background(), "transmit frequency outside registered duty bands",
				logging.Uint32("node_id", nodeID),
				logging.Float64("freq_hz", freqHz),
			)
		}
	}
	if r.metrics != nil {
		r.metrics.RecordUplink()
	}
	listeners := r.listenersLocked()
	r.mu.Unlock()

	if len(listeners) == 0 {
		return
	}
	ev := model.TransmissionEvent{
		NodeID:          nodeID,
		Seq:             seq,
		SpreadingFactor: sf,
		TxPowerDbm:      txPowerDbm,
		FrequencyHz:     freqHz,
		Timestamp:       at,
	}
	for _, l := range listeners {
		l.OnUplinkSent(ev)
	}
}

// OnGatewayReception folds one gateway hearing into the run: the dedup
// engine decides first versus duplicate, the signal store accumulates
// RSSI/SNR and the margin histogram gets the hearing's SNR headroom.
// Hearings for device addresses the topology does not know are dropped
// without touching any counter.
func (r *AnalyticsRun) OnGatewayReception(gatewayID uint32, key model.PacketKey, rssiDbm, snrDb float64, at time.Time) {
	r.mu.Lock()
	outcome, err := r.dedup.Observe(key, gatewayID)
	if err != nil {
		r.mu.Unlock()
		r.log.Warn(context.Background(), "dropping hearing for unmapped device address",
			logging.Uint32("dev_addr", key.DevAddr()),
			logging.Uint32("gateway_id", gatewayID),
		)
		return
	}

	nodeID, _ := r.topo.NodeByDevAddr(key.DevAddr())
	r.signals.Observe(nodeID, rssiDbm, snrDb)
	if r.metrics != nil {
		r.metrics.RecordHearing(outcomeLabel(outcome))
		if profile, ok := r.topo.ProfileFor(nodeID); ok {
			verdict := r.classifier.Classify(snrDb, profile.SpreadingFactor)
			r.metrics.ObserveSnrMargin(profile.SpreadingFactor, verdict.MarginDb)
		}
	}
	listeners := r.listenersLocked()
	r.mu.Unlock()

	if len(listeners) == 0 {
		return
	}
	rec := model.ReceptionRecord{
		Key:          key,
		GatewayID:    gatewayID,
		RssiDbm:      rssiDbm,
		SnrDb:        snrDb,
		FirstHearing: outcome == lora.FirstHearing,
		Timestamp:    at,
	}
	for _, l := range listeners {
		l.OnHearing(rec)
	}
}

// OnUplinkLost records an uplink no gateway could demodulate.
func (r *AnalyticsRun) OnUplinkLost(nodeID uint32, cause lora.LossCause, at time.Time) {
	r.mu.Lock()
	r.stats.RecordLoss(nodeID, cause)
	if r.metrics != nil {
		r.metrics.RecordLoss(cause.String())
	}
	listeners := r.listenersLocked()
	r.mu.Unlock()

	for _, l := range listeners {
		l.OnUplinkLost(nodeID, cause, at)
	}
}

func outcomeLabel(o lora.HearingOutcome) string {
	if o == lora.FirstHearing {
		return "first"
	}
	return "duplicate"
}

// ---------- Cohort classification ----------

// ClassifyCohorts estimates every end device's RSSI at its nearest
// gateway from deterministic path loss (no shadowing) and splits the
// population at the median estimate. The assignment is attached to the
// aggregator so cohort PDR and capture strength become readable.
func (r *AnalyticsRun) ClassifyCohorts() (*lora.CohortAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := r.topo.EndDevices()
	est := make(map[uint32]float64, len(devices))
	for _, dev := range devices {
		gwID, err := r.topo.NearestGateway(dev.ID)
		if err != nil {
			return nil, fmt.Errorf("classify cohorts: node %d: %w", dev.ID, err)
		}
		gwPos, _ := r.topo.NodePosition(gwID)
		txPower := lora.DefaultTxPowerDbm
		if profile, ok := r.topo.ProfileFor(dev.ID); ok {
			txPower = profile.TxPowerDbm
		}
		dist := lora.FromPosition(dev.Position).DistanceTo(lora.FromPosition(gwPos))
		est[dev.ID] = lora.RssiFromDistanceDbm(txPower, dist, r.params.RefLossDb, r.params.PathLossExponent)
	}

	assignment, err := lora.AssignCohorts(est)
	if err != nil {
		return nil, err
	}
	r.stats.AttachCohorts(assignment)
	if r.metrics != nil {
		r.metrics.SetCohortCounts(assignment.Count(lora.CohortNear), assignment.Count(lora.CohortFar))
	}
	return assignment, nil
}

// Cohort returns the label assigned to nodeID, if cohorts were classified.
func (r *AnalyticsRun) Cohort(nodeID uint32) (lora.CohortLabel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cohorts := r.stats.Cohorts()
	if cohorts == nil {
		return 0, false
	}
	return cohorts.Label(nodeID)
}

// ---------- Read accessors ----------

// Counters returns the derived per-node counter view.
func (r *AnalyticsRun) Counters(nodeID uint32) lora.NodeCounters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats.Counters(nodeID)
}

// GatewayLoad returns the derived per-gateway load view.
func (r *AnalyticsRun) GatewayLoad(gatewayID uint32) lora.GatewayLoad {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats.Load(gatewayID)
}

// GatewayLoadVariance returns the population variance of raw hearings
// across every gateway in the topology, silent gateways included.
func (r *AnalyticsRun) GatewayLoadVariance() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats.LoadVariance(r.topo.GatewayIDs())
}

// OwnerGateway returns the gateway holding the most unique receptions
// for the node, lowest gateway ID on ties.
func (r *AnalyticsRun) OwnerGateway(nodeID uint32) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dedup.OwnerGateway(nodeID)
}

// SignalSummary returns the node's accumulated RSSI/SNR statistics.
func (r *AnalyticsRun) SignalSummary(nodeID uint32) (SignalSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.signals.Summary(nodeID)
}

// OverallSummary returns the run-wide totals and derived rates.
func (r *AnalyticsRun) OverallSummary() lora.OverallSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats.OverallSummary()
}

// ChannelUtilizationPercent converts the run's accumulated airtime into
// offered channel load over simSeconds of simulated time.
func (r *AnalyticsRun) ChannelUtilizationPercent(simSeconds float64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	erlangs := lora.OfferedLoadErlangs(r.stats.TotalAirtimeMs(), simSeconds, r.params.Channels)
	return lora.ChannelUtilizationPercent(erlangs)
}

// ---------- Reporting ----------

// NodeReportRow is the per-device block of the run report. Values are
// derived at call time; external sinks format them as they see fit.
type NodeReportRow struct {
	NodeID             uint32
	Cohort             string
	Sent               uint64
	RawHearings        uint64
	UniqueReceptions   uint64
	InterferenceLosses uint64
	SensitivityLosses  uint64
	PdrPercent         float64
	DropRatePercent    float64
	AirtimeMs          float64
	DutyOffTimeS       float64
	OwnerGatewayID     uint32
	MeanRssiDbm        float64
	MeanSnrDb          float64
}

// GatewayReportRow summarises one gateway's share of the run.
type GatewayReportRow struct {
	GatewayID        uint32
	RawHearings      uint64
	UniqueReceptions uint64
	LoadPercent      float64
}

// RunSnapshot captures a consistent view of the run's outputs. All
// slices are fresh copies; callers may retain them.
type RunSnapshot struct {
	RunID              string
	Params             model.ScenarioParams
	Summary            lora.OverallSummary
	HasCohorts         bool
	CohortThresholdDbm float64
	Nodes              []NodeReportRow
	Gateways           []GatewayReportRow
	Issues             []lora.ValidationIssue
}

// NodeReport builds per-node report rows in ascending node-ID order.
func (r *AnalyticsRun) NodeReport() []NodeReportRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodeReportLocked()
}

func (r *AnalyticsRun) nodeReportLocked() []NodeReportRow {
	nodes := r.stats.Nodes()
	cohorts := r.stats.Cohorts()
	rows := make([]NodeReportRow, 0, len(nodes))
	for _, nodeID := range nodes {
		counters := r.stats.Counters(nodeID)
		row := NodeReportRow{
			NodeID:             nodeID,
			Sent:               counters.Sent,
			RawHearings:        counters.RawHearings,
			UniqueReceptions:   counters.UniqueReceptions,
			InterferenceLosses: counters.InterferenceLosses,
			SensitivityLosses:  counters.SensitivityLosses,
			PdrPercent:         counters.PdrPercent,
			DropRatePercent:    counters.DropRatePercent,
			AirtimeMs:          counters.AirtimeMs,
		}
		if cohorts != nil {
			if label, ok := cohorts.Label(nodeID); ok {
				row.Cohort = label.String()
			}
		}
		if owner, ok := r.dedup.OwnerGateway(nodeID); ok {
			row.OwnerGatewayID = owner
		}
		if summary, ok := r.signals.Summary(nodeID); ok {
			row.MeanRssiDbm = summary.MeanRssiDbm
			row.MeanSnrDb = summary.MeanSnrDb
		}
		if profile, ok := r.topo.ProfileFor(nodeID); ok {
			if fraction, err := r.duty.GetDutyFraction(profile.FrequencyHz); err == nil {
				row.DutyOffTimeS = lora.RequiredOffTimeSeconds(counters.AirtimeMs/1000, fraction)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// GatewayReport builds per-gateway rows in ascending gateway-ID order.
func (r *AnalyticsRun) GatewayReport() []GatewayReportRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gatewayReportLocked()
}

func (r *AnalyticsRun) gatewayReportLocked() []GatewayReportRow {
	gatewayIDs := r.topo.GatewayIDs()
	rows := make([]GatewayReportRow, 0, len(gatewayIDs))
	for _, gwID := range gatewayIDs {
		load := r.stats.Load(gwID)
		rows = append(rows, GatewayReportRow{
			GatewayID:        gwID,
			RawHearings:      load.RawHearings,
			UniqueReceptions: load.UniqueReceptions,
			LoadPercent:      load.LoadPercent,
		})
	}
	return rows
}

// Snapshot captures the entire run output under one lock acquisition.
func (r *AnalyticsRun) Snapshot() *RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &RunSnapshot{
		RunID:    r.runID,
		Params:   r.params,
		Summary:  r.stats.OverallSummary(),
		Nodes:    r.nodeReportLocked(),
		Gateways: r.gatewayReportLocked(),
		Issues:   r.stats.Validate(len(r.topo.Gateways())),
	}
	if cohorts := r.stats.Cohorts(); cohorts != nil {
		snap.HasCohorts = true
		snap.CohortThresholdDbm = cohorts.ThresholdDbm()
	}
	return snap
}

// Finalize publishes the end-of-run gauges, runs the validation pass and
// logs the headline numbers. Safe to call more than once.
func (r *AnalyticsRun) Finalize(ctx context.Context) (lora.OverallSummary, []lora.ValidationIssue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := r.stats.OverallSummary()
	issues := r.stats.Validate(len(r.topo.Gateways()))
	if r.metrics != nil {
		r.metrics.SetRunRates(summary.PdrPercent, summary.DedupRatePercent)
		r.metrics.SetValidationIssues(len(issues))
	}
	for _, issue := range issues {
		r.log.Error(ctx, "validation issue", logging.String("issue", issue.String()))
	}
	r.log.Info(ctx, "run finalized",
		logging.Int("total_sent", int(summary.TotalSent)),
		logging.Int("total_unique", int(summary.TotalUnique)),
		logging.Int("total_duplicate", int(summary.TotalDuplicate)),
		logging.Float64("pdr_percent", summary.PdrPercent),
		logging.Float64("dedup_rate_percent", summary.DedupRatePercent),
		logging.Int("validation_issues", len(issues)),
	)
	return summary, issues
}

// Reset clears accumulated run data while keeping the topology, profiles
// and duty bands so the same scenario can be replayed.
func (r *AnalyticsRun) Reset(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dedup.Reset()
	r.stats = lora.NewStatisticsAggregator(r.dedup)
	r.signals.Reset()
	r.warnedDuty = make(map[uint32]struct{})
	r.updateMetricsLocked()
	if r.metrics != nil {
		r.metrics.SetRunRates(0, 0)
		r.metrics.SetValidationIssues(0)
		r.metrics.SetCohortCounts(0, 0)
	}
	r.log.Info(ctx, "run state reset")
}

// updateMetricsLocked refreshes the topology gauges. Caller must hold mu
// or have exclusive access during construction.
func (r *AnalyticsRun) updateMetricsLocked() {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.SetTopologyCounts(len(r.topo.EndDevices()), len(r.topo.Gateways()))
}
