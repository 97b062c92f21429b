package tests

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/lora-analytics/core"
	"github.com/signalsfoundry/lora-analytics/internal/logging"
	"github.com/signalsfoundry/lora-analytics/internal/observability"
	sim "github.com/signalsfoundry/lora-analytics/internal/sim/state"
	"github.com/signalsfoundry/lora-analytics/kb"
	"github.com/signalsfoundry/lora-analytics/model"
	"github.com/signalsfoundry/lora-analytics/timectrl"
)

// Two gateways 800 m apart and three SF10 devices at graded ranges. With
// the default channel model the demodulation cutoff sits near 4.8 km, so
// device 1 is heard by both gateways, device 2 only by gateway 100, and
// device 3 by neither.
const e2eScenarioJSON = `{
  "version": 1,
  "name": "e2e-graded-ranges",
  "params": { "seed": 11, "sim_duration_s": 120 },
  "profiles": [
    {
      "id": "sf10",
      "spreading_factor": 10,
      "tx_power_dbm": 14,
      "frequency_hz": 868100000,
      "bandwidth_hz": 125000,
      "payload_bytes": 51,
      "packet_interval_s": 60
    }
  ],
  "nodes": [
    { "id": 100, "name": "gw-a", "role": "gateway", "position": { "x": 0, "y": 0, "z": 0 } },
    { "id": 101, "name": "gw-b", "role": "gateway", "position": { "x": 800, "y": 0, "z": 0 } },
    { "id": 1, "name": "close", "role": "end_device", "dev_addr": 301, "profile_id": "sf10", "position": { "x": 100, "y": 0, "z": 0 } },
    { "id": 2, "name": "single-coverage", "role": "end_device", "dev_addr": 302, "profile_id": "sf10", "position": { "x": -4200, "y": 0, "z": 0 } },
    { "id": 3, "name": "out-of-range", "role": "end_device", "dev_addr": 303, "profile_id": "sf10", "position": { "x": 6000, "y": 0, "z": 0 } }
  ]
}`

const e2eTicks = 120

type runTestEnv struct {
	ctx       context.Context
	topo      *kb.Topology
	duty      *core.DutyCycleRegistry
	scenario  *core.Scenario
	collector *observability.AnalyticsCollector
	run       *sim.AnalyticsRun
	engine    *core.SimulationEngine
	clock     *timectrl.TimeController
}

func newRunTestEnv(t *testing.T) *runTestEnv {
	t.Helper()

	ctx := context.Background()

	collector, err := observability.NewAnalyticsCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewAnalyticsCollector: %v", err)
	}

	topo := kb.NewTopology()
	duty := core.NewDutyCycleRegistry()
	scenario, err := core.LoadScenario(topo, duty, strings.NewReader(e2eScenarioJSON))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}

	run := sim.NewAnalyticsRun(ctx, topo, duty, scenario.Params, logging.Noop(),
		sim.WithMetricsRecorder(collector),
	)

	engine := core.NewSimulationEngine(topo, run, scenario.Params)
	clock := timectrl.NewTimeController(engine.StartTime, time.Second, timectrl.Accelerated)
	engine.RegisterTickListener(func(int) { clock.Advance() })

	return &runTestEnv{
		ctx:       ctx,
		topo:      topo,
		duty:      duty,
		scenario:  scenario,
		collector: collector,
		run:       run,
		engine:    engine,
		clock:     clock,
	}
}

func (env *runTestEnv) replay(t *testing.T) {
	t.Helper()

	if _, err := env.run.ClassifyCohorts(); err != nil {
		t.Fatalf("ClassifyCohorts: %v", err)
	}
	if err := env.engine.Run(e2eTicks); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestEndToEndReplayProducesRunReport(t *testing.T) {
	env := newRunTestEnv(t)
	env.replay(t)

	summary, issues := env.run.Finalize(env.ctx)
	if len(issues) != 0 {
		t.Fatalf("unexpected validation issues: %v", issues)
	}

	// Three devices on a 60 s interval over 120 s send two uplinks each.
	// Device 1 is heard twice, device 2 once, device 3 never.
	if summary.TotalSent != 6 || summary.TotalRaw != 6 {
		t.Fatalf("sent/raw = %d/%d, want 6/6", summary.TotalSent, summary.TotalRaw)
	}
	if summary.TotalUnique != 4 || summary.TotalDuplicate != 2 {
		t.Fatalf("unique/dup = %d/%d, want 4/2", summary.TotalUnique, summary.TotalDuplicate)
	}
	if math.Abs(summary.PdrPercent-200.0/3.0) > 1e-9 {
		t.Fatalf("PdrPercent = %v, want %v", summary.PdrPercent, 200.0/3.0)
	}
	if math.Abs(summary.DedupRatePercent-100.0/3.0) > 1e-9 {
		t.Fatalf("DedupRatePercent = %v, want %v", summary.DedupRatePercent, 100.0/3.0)
	}
	if math.Abs(summary.AvgHearingsPerUplink-1.0) > 1e-9 {
		t.Fatalf("AvgHearingsPerUplink = %v, want 1", summary.AvgHearingsPerUplink)
	}

	// Both covered devices deliver 100%, the out-of-range device 0%, so
	// the NEAR-minus-FAR delta maxes out.
	if summary.CaptureStrengthPoints != 100 || summary.CaptureLevel != core.CaptureStrong {
		t.Fatalf("capture = %v (%v), want 100 (STRONG)",
			summary.CaptureStrengthPoints, summary.CaptureLevel)
	}

	for _, tc := range []struct {
		nodeID      uint32
		cohort      core.CohortLabel
		raw, unique uint64
		sensitivity uint64
	}{
		{nodeID: 1, cohort: core.CohortNear, raw: 4, unique: 2},
		{nodeID: 2, cohort: core.CohortNear, raw: 2, unique: 2},
		{nodeID: 3, cohort: core.CohortFar, sensitivity: 2},
	} {
		counters := env.run.Counters(tc.nodeID)
		if counters.Sent != 2 {
			t.Errorf("node %d sent = %d, want 2", tc.nodeID, counters.Sent)
		}
		if counters.RawHearings != tc.raw || counters.UniqueReceptions != tc.unique {
			t.Errorf("node %d raw/unique = %d/%d, want %d/%d",
				tc.nodeID, counters.RawHearings, counters.UniqueReceptions, tc.raw, tc.unique)
		}
		if counters.SensitivityLosses != tc.sensitivity {
			t.Errorf("node %d sensitivity losses = %d, want %d",
				tc.nodeID, counters.SensitivityLosses, tc.sensitivity)
		}
		if label, ok := env.run.Cohort(tc.nodeID); !ok || label != tc.cohort {
			t.Errorf("node %d cohort = %v (ok=%v), want %v", tc.nodeID, label, ok, tc.cohort)
		}
	}

	// Hearings arrive in ascending gateway-ID order, so gateway 100 owns
	// every covered device.
	for _, nodeID := range []uint32{1, 2} {
		if owner, ok := env.run.OwnerGateway(nodeID); !ok || owner != 100 {
			t.Errorf("owner of node %d = %d (ok=%v), want 100", nodeID, owner, ok)
		}
	}
	if _, ok := env.run.OwnerGateway(3); ok {
		t.Errorf("node 3 should have no owning gateway")
	}

	loadA := env.run.GatewayLoad(100)
	loadB := env.run.GatewayLoad(101)
	if loadA.RawHearings != 4 || loadB.RawHearings != 2 {
		t.Fatalf("gateway raw = %d/%d, want 4/2", loadA.RawHearings, loadB.RawHearings)
	}
	if loadA.UniqueReceptions != 4 || loadB.UniqueReceptions != 0 {
		t.Fatalf("gateway unique = %d/%d, want 4/0", loadA.UniqueReceptions, loadB.UniqueReceptions)
	}
	if env.run.GatewayLoadVariance() <= 0 {
		t.Fatalf("gateway load variance should be positive for an uneven split")
	}

	profile, ok := env.topo.ProfileFor(1)
	if !ok {
		t.Fatalf("profile for node 1 missing")
	}
	airtimeMs := 6 * profile.AirtimeMs(env.scenario.Params)
	wantUtil := core.ChannelUtilizationPercent(
		core.OfferedLoadErlangs(airtimeMs, e2eTicks, env.scenario.Params.Channels))
	if got := env.run.ChannelUtilizationPercent(e2eTicks); math.Abs(got-wantUtil) > 1e-9 {
		t.Fatalf("channel utilization = %v, want %v", got, wantUtil)
	}

	if got, want := env.clock.Now(), env.engine.StartTime.Add(e2eTicks*time.Second); !got.Equal(want) {
		t.Fatalf("clock after replay = %v, want %v", got, want)
	}

	if got := testutil.ToFloat64(env.collector.UplinksSent); got != 6 {
		t.Errorf("uplinks_sent_total = %v, want 6", got)
	}
	if got := testutil.ToFloat64(env.collector.Hearings.WithLabelValues("first")); got != 4 {
		t.Errorf("first hearings = %v, want 4", got)
	}
	if got := testutil.ToFloat64(env.collector.Hearings.WithLabelValues("duplicate")); got != 2 {
		t.Errorf("duplicate hearings = %v, want 2", got)
	}
	if got := testutil.ToFloat64(env.collector.Losses.WithLabelValues("UNDER_SENSITIVITY")); got != 2 {
		t.Errorf("sensitivity losses = %v, want 2", got)
	}
	if got := testutil.ToFloat64(env.collector.CohortDevices.WithLabelValues("near")); got != 2 {
		t.Errorf("near cohort gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(env.collector.PdrPercent); math.Abs(got-200.0/3.0) > 1e-9 {
		t.Errorf("pdr gauge = %v, want %v", got, 200.0/3.0)
	}

	snap := env.run.Snapshot()
	if snap.RunID == "" {
		t.Fatalf("snapshot run ID empty")
	}
	if len(snap.Nodes) != 3 || len(snap.Gateways) != 2 {
		t.Fatalf("snapshot rows = %d nodes / %d gateways, want 3/2", len(snap.Nodes), len(snap.Gateways))
	}
	if !snap.HasCohorts {
		t.Fatalf("snapshot should carry the cohort threshold")
	}
}

func TestMetricsEndpointExposesRunSeries(t *testing.T) {
	env := newRunTestEnv(t)
	env.replay(t)
	env.run.Finalize(env.ctx)

	srv := httptest.NewServer(env.collector.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)

	for _, want := range []string{
		"uplinks_sent_total 6",
		`gateway_hearings_total{outcome="duplicate"} 2`,
		`gateway_hearings_total{outcome="first"} 4`,
		`uplink_losses_total{cause="UNDER_SENSITIVITY"} 2`,
		`scenario_cohort_devices{cohort="far"} 1`,
		"scenario_end_devices 3",
		"scenario_gateways 2",
		"run_validation_issues 0",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

type streamRecorder struct {
	sent     []model.TransmissionEvent
	hearings []model.ReceptionRecord
	losses   []core.LossCause
}

func (s *streamRecorder) OnUplinkSent(ev model.TransmissionEvent) { s.sent = append(s.sent, ev) }
func (s *streamRecorder) OnHearing(rec model.ReceptionRecord)     { s.hearings = append(s.hearings, rec) }
func (s *streamRecorder) OnUplinkLost(_ uint32, cause core.LossCause, _ time.Time) {
	s.losses = append(s.losses, cause)
}

func TestListenersSeeReplayEventStream(t *testing.T) {
	env := newRunTestEnv(t)
	rec := &streamRecorder{}
	env.run.AddListener(rec)
	env.replay(t)

	if len(rec.sent) != 6 {
		t.Fatalf("sent events = %d, want 6", len(rec.sent))
	}
	if len(rec.hearings) != 6 {
		t.Fatalf("hearing events = %d, want 6", len(rec.hearings))
	}
	if len(rec.losses) != 2 {
		t.Fatalf("loss events = %d, want 2", len(rec.losses))
	}

	first := 0
	for _, h := range rec.hearings {
		if h.FirstHearing {
			first++
		}
	}
	if first != 4 {
		t.Fatalf("first hearings = %d, want 4", first)
	}

	for i := 1; i < len(rec.sent); i++ {
		if rec.sent[i].Timestamp.Before(rec.sent[i-1].Timestamp) {
			t.Fatalf("transmissions out of order at %d: %v before %v",
				i, rec.sent[i].Timestamp, rec.sent[i-1].Timestamp)
		}
	}

	seqs := map[uint32][]uint32{}
	for _, ev := range rec.sent {
		seqs[ev.NodeID] = append(seqs[ev.NodeID], ev.Seq)
	}
	for nodeID, got := range seqs {
		for i, seq := range got {
			if seq != uint32(i) {
				t.Fatalf("node %d seq[%d] = %d, want %d", nodeID, i, seq, i)
			}
		}
	}

	for _, cause := range rec.losses {
		if cause != core.LossUnderSensitivity {
			t.Fatalf("loss cause = %v, want UNDER_SENSITIVITY", cause)
		}
	}
}

func TestResetThenSecondReplayMatches(t *testing.T) {
	env := newRunTestEnv(t)
	env.replay(t)
	firstSummary, _ := env.run.Finalize(env.ctx)

	env.run.Reset(env.ctx)
	after := env.run.OverallSummary()
	if after.TotalSent != 0 || after.TotalRaw != 0 {
		t.Fatalf("counters after reset = %+v, want zeros", after)
	}

	// Same engine, same scenario: the second pass replays identical
	// traffic against cleared state.
	env.replay(t)
	secondSummary, issues := env.run.Finalize(env.ctx)
	if len(issues) != 0 {
		t.Fatalf("second pass issues: %v", issues)
	}
	if secondSummary != firstSummary {
		t.Fatalf("second pass summary = %+v, want %+v", secondSummary, firstSummary)
	}

	// The clock kept following the tick loop across both passes.
	if got, want := env.clock.Now(), env.engine.StartTime.Add(2*e2eTicks*time.Second); !got.Equal(want) {
		t.Fatalf("clock after two passes = %v, want %v", got, want)
	}
}
