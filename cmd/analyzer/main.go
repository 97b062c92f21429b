package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/lora-analytics/core"
	"github.com/signalsfoundry/lora-analytics/internal/logging"
	"github.com/signalsfoundry/lora-analytics/internal/observability"
	sim "github.com/signalsfoundry/lora-analytics/internal/sim/state"
	"github.com/signalsfoundry/lora-analytics/kb"
	"github.com/signalsfoundry/lora-analytics/model"
	"github.com/signalsfoundry/lora-analytics/timectrl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/lora-analytics/cmd/analyzer"

func main() {
	scenarioPath := flag.String("scenario", "configs/scenario.json", "Path to the JSON scenario to replay")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	durationOverride := flag.Duration(
		"duration",
		0,
		"override for the scenario's simulated duration (0 keeps the scenario value)",
	)
	accelerated := flag.Bool("accelerated", true, "run in accelerated mode (vs real-time pacing)")
	hold := flag.Bool("hold", false, "keep serving /metrics after the run until interrupted")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	runMetrics, err := observability.NewAnalyticsCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise run metrics", logging.String("error", err.Error()))
		os.Exit(1)
	}
	engineMetrics, err := observability.NewEngineCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise engine metrics", logging.String("error", err.Error()))
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	tracer := otel.Tracer(tracerName)
	ctx, runSpan := tracer.Start(ctx, "Analyzer/Run")
	defer runSpan.End()

	metricsSrv := serveMetrics(*metricsAddr, runMetrics, log)

	// ==== Scenario load ====

	topo := kb.NewTopology()
	duty := core.NewDutyCycleRegistry()

	_, loadSpan := tracer.Start(ctx, "Analyzer/LoadScenario",
		trace.WithAttributes(attribute.String("scenario.path", *scenarioPath)))
	f, err := os.Open(*scenarioPath)
	if err != nil {
		loadSpan.RecordError(err)
		loadSpan.End()
		log.Error(ctx, "failed to open scenario", logging.String("path", *scenarioPath), logging.String("error", err.Error()))
		os.Exit(1)
	}
	scenario, err := core.LoadScenario(topo, duty, f)
	f.Close()
	if err != nil {
		loadSpan.RecordError(err)
		loadSpan.End()
		log.Error(ctx, "failed to load scenario", logging.String("path", *scenarioPath), logging.String("error", err.Error()))
		os.Exit(1)
	}
	loadSpan.SetAttributes(
		attribute.String("scenario.name", scenario.Name),
		attribute.Int("scenario.nodes", len(scenario.NodeIDs)),
		attribute.Int("scenario.gateways", len(scenario.GatewayIDs)),
	)
	loadSpan.End()

	log.Info(ctx, "scenario loaded",
		logging.String("name", scenario.Name),
		logging.Int("nodes", len(scenario.NodeIDs)),
		logging.Int("gateways", len(scenario.GatewayIDs)),
		logging.Int("profiles", len(scenario.ProfileIDs)),
		logging.Int("bands", scenario.BandCount),
	)

	// ==== Run facade + engine ====

	run := sim.NewAnalyticsRun(ctx, topo, duty, scenario.Params, log,
		sim.WithMetricsRecorder(runMetrics),
	)
	run.AddListener(&airtimeMeter{topo: topo, params: scenario.Params, engine: engineMetrics})

	_, cohortSpan := tracer.Start(ctx, "Analyzer/ClassifyCohorts")
	if assignment, err := run.ClassifyCohorts(); err != nil {
		cohortSpan.RecordError(err)
		log.Warn(ctx, "cohort classification skipped", logging.String("error", err.Error()))
	} else {
		cohortSpan.SetAttributes(
			attribute.Float64("cohort.threshold_dbm", assignment.ThresholdDbm()),
			attribute.Int("cohort.near", assignment.Count(core.CohortNear)),
			attribute.Int("cohort.far", assignment.Count(core.CohortFar)),
		)
		log.Info(ctx, "cohorts assigned",
			logging.Float64("threshold_dbm", assignment.ThresholdDbm()),
			logging.Int("near", assignment.Count(core.CohortNear)),
			logging.Int("far", assignment.Count(core.CohortFar)),
		)
	}
	cohortSpan.End()

	ticks := int(scenario.Params.SimDurationS)
	if *durationOverride > 0 {
		ticks = int(durationOverride.Seconds())
	}
	if ticks <= 0 {
		log.Error(ctx, "nothing to replay", logging.Int("sim_seconds", ticks))
		os.Exit(1)
	}

	engine := core.NewSimulationEngine(topo, run, scenario.Params)

	mode := timectrl.RealTime
	if *accelerated {
		mode = timectrl.Accelerated
	}
	clock := timectrl.NewTimeController(engine.StartTime, time.Second, mode)

	// The engine owns the tick loop; the clock follows it. In real-time
	// mode Advance sleeps one tick of wall time, which paces the loop.
	lastTick := time.Now()
	engine.RegisterTickListener(func(int) {
		now := time.Now()
		engineMetrics.ObserveTick(now.Sub(lastTick))
		lastTick = now
		clock.Advance()
	})

	runDone := make(chan struct{})
	if mode == timectrl.RealTime {
		go reportProgress(ctx, clock, engine.StartTime, time.Duration(ticks)*time.Second, runDone, log)
	}

	// ==== Replay ====

	log.Info(ctx, "replay starting",
		logging.Int("sim_seconds", ticks),
		logging.String("mode", mode.String()),
	)

	began := time.Now()
	_, replaySpan := tracer.Start(ctx, "Analyzer/Replay",
		trace.WithAttributes(
			attribute.Int("sim.seconds", ticks),
			attribute.String("sim.mode", mode.String()),
		))
	if err := engine.Run(ticks); err != nil {
		replaySpan.RecordError(err)
		replaySpan.End()
		log.Error(ctx, "replay failed", logging.String("error", err.Error()))
		os.Exit(1)
	}
	replaySpan.End()
	close(runDone)
	elapsed := time.Since(began)

	engineMetrics.SetChannelUtilization(run.ChannelUtilizationPercent(float64(ticks)))

	finalizeCtx, finalizeSpan := tracer.Start(ctx, "Analyzer/Finalize")
	run.Finalize(finalizeCtx)
	snap := run.Snapshot()
	finalizeSpan.SetAttributes(attribute.Int("validation.issues", len(snap.Issues)))
	finalizeSpan.End()

	printReport(os.Stdout, snap, elapsed, ticks)

	if *hold {
		log.Info(ctx, "holding metrics endpoint open", logging.String("addr", *metricsAddr))
		stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		<-stopCtx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

// airtimeMeter feeds per-uplink airtime into the engine collector as the
// run progresses. Hearings and losses are metered by the run itself.
type airtimeMeter struct {
	topo   *kb.Topology
	params model.ScenarioParams
	engine *observability.EngineCollector
}

func (m *airtimeMeter) OnUplinkSent(ev model.TransmissionEvent) {
	if profile, ok := m.topo.ProfileFor(ev.NodeID); ok {
		m.engine.AddAirtime(profile.AirtimeMs(m.params))
	}
}

func (m *airtimeMeter) OnHearing(model.ReceptionRecord) {}

func (m *airtimeMeter) OnUplinkLost(uint32, core.LossCause, time.Time) {}

func serveMetrics(addr string, collector *observability.AnalyticsCollector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// reportProgress logs how far a paced replay has come, roughly every ten
// wall seconds. Accelerated runs finish before the first report fires,
// so the caller only starts it for real-time runs.
func reportProgress(ctx context.Context, clock timectrl.SimClock, epoch time.Time, total time.Duration, done <-chan struct{}, log logging.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			elapsed := clock.Now().Sub(epoch)
			log.Info(ctx, "replay progress",
				logging.String("simulated", elapsed.String()),
				logging.String("of", total.String()),
			)
		}
	}
}

// printReport writes the operator-facing run report. Prometheus carries
// the same numbers for machines.
func printReport(w io.Writer, snap *sim.RunSnapshot, elapsed time.Duration, simSeconds int) {
	s := snap.Summary
	fmt.Fprintf(w, "Run %s complete: %d simulated seconds in %s\n",
		snap.RunID, simSeconds, elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Uplinks: sent=%d raw=%d unique=%d duplicates=%d\n",
		s.TotalSent, s.TotalRaw, s.TotalUnique, s.TotalDuplicate)
	fmt.Fprintf(w, "PDR=%.1f%% dedup=%.1f%% hearings/uplink=%.2f capture=%s (%.1f pts)\n",
		s.PdrPercent, s.DedupRatePercent, s.AvgHearingsPerUplink, s.CaptureLevel, s.CaptureStrengthPoints)
	if snap.HasCohorts {
		fmt.Fprintf(w, "Cohort threshold: %.1f dBm estimated RSSI\n", snap.CohortThresholdDbm)
	}

	fmt.Fprintf(w, "\n%-6s %-6s %6s %6s %6s %6s %6s %10s %11s %6s %10s %8s\n",
		"NODE", "COHORT", "SENT", "RAW", "UNIQ", "PDR%", "DROP%", "AIRTIME(S)", "OFFTIME(S)", "OWNER", "RSSI(DBM)", "SNR(DB)")
	for _, row := range snap.Nodes {
		cohort := row.Cohort
		if cohort == "" {
			cohort = "-"
		}
		owner := "-"
		if row.OwnerGatewayID != 0 {
			owner = fmt.Sprintf("%d", row.OwnerGatewayID)
		}
		fmt.Fprintf(w, "%-6d %-6s %6d %6d %6d %6.1f %6.1f %10.1f %11.1f %6s %10.1f %8.1f\n",
			row.NodeID, cohort, row.Sent, row.RawHearings, row.UniqueReceptions,
			row.PdrPercent, row.DropRatePercent, row.AirtimeMs/1000, row.DutyOffTimeS,
			owner, row.MeanRssiDbm, row.MeanSnrDb)
	}

	fmt.Fprintf(w, "\n%-8s %8s %8s %6s\n", "GATEWAY", "RAW", "UNIQUE", "LOAD%")
	for _, row := range snap.Gateways {
		fmt.Fprintf(w, "%-8d %8d %8d %6.1f\n", row.GatewayID, row.RawHearings, row.UniqueReceptions, row.LoadPercent)
	}

	if len(snap.Issues) > 0 {
		fmt.Fprintf(w, "\nValidation found %d issue(s):\n", len(snap.Issues))
		for _, issue := range snap.Issues {
			fmt.Fprintf(w, "  - %s\n", issue)
		}
	} else {
		fmt.Fprintf(w, "\nValidation passed.\n")
	}
}
