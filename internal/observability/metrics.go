package observability

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AnalyticsCollector bundles Prometheus metrics for one analytics run and
// provides a ready-to-use /metrics handler.
type AnalyticsCollector struct {
	gatherer prometheus.Gatherer

	UplinksSent prometheus.Counter
	Hearings    *prometheus.CounterVec
	Losses      *prometheus.CounterVec
	SnrMargins  *prometheus.HistogramVec

	ScenarioEndDevices prometheus.Gauge
	ScenarioGateways   prometheus.Gauge
	CohortDevices      *prometheus.GaugeVec

	PdrPercent       prometheus.Gauge
	DedupRatePercent prometheus.Gauge
	ValidationIssues prometheus.Gauge
}

// NewAnalyticsCollector registers run metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewAnalyticsCollector(reg prometheus.Registerer) (*AnalyticsCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	uplinks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uplinks_sent_total",
		Help: "Total number of uplink transmissions recorded for the run.",
	}), "uplinks_sent_total")
	if err != nil {
		return nil, err
	}

	hearings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_hearings_total",
		Help: "Gateway-level packet hearings, labeled first or duplicate.",
	}, []string{"outcome"})
	hearings, err = registerCounterVec(reg, hearings, "gateway_hearings_total")
	if err != nil {
		return nil, err
	}

	losses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "uplink_losses_total",
		Help: "Uplinks that reached no gateway, labeled by loss cause.",
	}, []string{"cause"})
	losses, err = registerCounterVec(reg, losses, "uplink_losses_total")
	if err != nil {
		return nil, err
	}

	margins := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reception_snr_margin_db",
		Help:    "SNR margin of gateway receptions against the per-SF demodulation requirement.",
		Buckets: prometheus.LinearBuckets(-30, 5, 15),
	}, []string{"sf"})
	margins, err = registerHistogramVec(reg, margins, "reception_snr_margin_db")
	if err != nil {
		return nil, err
	}

	endDevices, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scenario_end_devices",
		Help: "Number of end devices in the loaded topology.",
	}), "scenario_end_devices")
	if err != nil {
		return nil, err
	}
	gateways, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scenario_gateways",
		Help: "Number of gateways in the loaded topology.",
	}), "scenario_gateways")
	if err != nil {
		return nil, err
	}

	cohorts := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scenario_cohort_devices",
		Help: "Devices per near/far cohort after classification.",
	}, []string{"cohort"})
	cohorts, err = registerGaugeVec(reg, cohorts, "scenario_cohort_devices")
	if err != nil {
		return nil, err
	}

	pdr, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "run_pdr_percent",
		Help: "Overall packet delivery ratio of the run, in percent.",
	}), "run_pdr_percent")
	if err != nil {
		return nil, err
	}
	dedupRate, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "run_dedup_rate_percent",
		Help: "Share of raw hearings that were duplicates, in percent.",
	}), "run_dedup_rate_percent")
	if err != nil {
		return nil, err
	}
	validation, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "run_validation_issues",
		Help: "Consistency violations found by the post-run validation pass.",
	}), "run_validation_issues")
	if err != nil {
		return nil, err
	}

	return &AnalyticsCollector{
		gatherer:           gatherer,
		UplinksSent:        uplinks,
		Hearings:           hearings,
		Losses:             losses,
		SnrMargins:         margins,
		ScenarioEndDevices: endDevices,
		ScenarioGateways:   gateways,
		CohortDevices:      cohorts,
		PdrPercent:         pdr,
		DedupRatePercent:   dedupRate,
		ValidationIssues:   validation,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *AnalyticsCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *AnalyticsCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// RecordUplink counts one transmission.
func (c *AnalyticsCollector) RecordUplink() {
	if c == nil || c.UplinksSent == nil {
		return
	}
	c.UplinksSent.Inc()
}

// RecordHearing counts one gateway hearing by outcome label.
func (c *AnalyticsCollector) RecordHearing(outcome string) {
	if c == nil || c.Hearings == nil {
		return
	}
	c.Hearings.WithLabelValues(outcome).Inc()
}

// RecordLoss counts one lost uplink by cause label.
func (c *AnalyticsCollector) RecordLoss(cause string) {
	if c == nil || c.Losses == nil {
		return
	}
	c.Losses.WithLabelValues(cause).Inc()
}

// ObserveSnrMargin records a reception's margin against its SF requirement.
func (c *AnalyticsCollector) ObserveSnrMargin(sf int, marginDb float64) {
	if c == nil || c.SnrMargins == nil {
		return
	}
	c.SnrMargins.WithLabelValues(strconv.Itoa(sf)).Observe(marginDb)
}

// SetTopologyCounts satisfies the RunMetricsRecorder interface so the run
// facade can drive gauge values directly from its mutators.
func (c *AnalyticsCollector) SetTopologyCounts(endDevices, gateways int) {
	if c == nil {
		return
	}
	if c.ScenarioEndDevices != nil {
		c.ScenarioEndDevices.Set(float64(endDevices))
	}
	if c.ScenarioGateways != nil {
		c.ScenarioGateways.Set(float64(gateways))
	}
}

// SetCohortCounts updates the per-cohort device gauges.
func (c *AnalyticsCollector) SetCohortCounts(near, far int) {
	if c == nil || c.CohortDevices == nil {
		return
	}
	c.CohortDevices.WithLabelValues("near").Set(float64(near))
	c.CohortDevices.WithLabelValues("far").Set(float64(far))
}

// SetRunRates publishes the run-wide delivery and duplication rates.
func (c *AnalyticsCollector) SetRunRates(pdrPercent, dedupRatePercent float64) {
	if c == nil {
		return
	}
	if c.PdrPercent != nil {
		c.PdrPercent.Set(pdrPercent)
	}
	if c.DedupRatePercent != nil {
		c.DedupRatePercent.Set(dedupRatePercent)
	}
}

// SetValidationIssues publishes the validation pass result.
func (c *AnalyticsCollector) SetValidationIssues(count int) {
	if c == nil || c.ValidationIssues == nil {
		return
	}
	c.ValidationIssues.Set(float64(count))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
