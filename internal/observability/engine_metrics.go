package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineCollector exposes simulation-engine Prometheus metrics.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	TickDuration       prometheus.Histogram
	TicksTotal         prometheus.Counter
	AirtimeSeconds     prometheus.Counter
	ChannelUtilization prometheus.Gauge
}

// NewEngineCollector registers engine metrics against the provided registerer.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tickHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_tick_duration_seconds",
		Help:    "Wall-clock duration of one simulated engine tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
	tickHistogram, err := registerHistogram(reg, tickHistogram, "engine_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	ticks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_ticks_total",
		Help: "Cumulative number of simulated ticks processed by the engine.",
	})
	ticks, err = registerCounter(reg, ticks, "engine_ticks_total")
	if err != nil {
		return nil, err
	}

	airtime := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_airtime_seconds_total",
		Help: "Cumulative transmission airtime accumulated across all end devices.",
	})
	airtime, err = registerCounter(reg, airtime, "engine_airtime_seconds_total")
	if err != nil {
		return nil, err
	}

	utilization := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_channel_utilization_percent",
		Help: "Offered channel load of the run expressed as a percentage.",
	})
	utilization, err = registerGauge(reg, utilization, "engine_channel_utilization_percent")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:           gatherer,
		TickDuration:       tickHistogram,
		TicksTotal:         ticks,
		AirtimeSeconds:     airtime,
		ChannelUtilization: utilization,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTick records the duration of one processed tick.
func (c *EngineCollector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
	if c.TicksTotal != nil {
		c.TicksTotal.Inc()
	}
}

// AddAirtime accumulates transmission airtime, given in milliseconds.
func (c *EngineCollector) AddAirtime(airtimeMs float64) {
	if c == nil || c.AirtimeSeconds == nil {
		return
	}
	if airtimeMs < 0 {
		return
	}
	c.AirtimeSeconds.Add(airtimeMs / 1000)
}

// SetChannelUtilization sets the offered-load gauge, clamped to [0, 100].
func (c *EngineCollector) SetChannelUtilization(percent float64) {
	if c == nil || c.ChannelUtilization == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	c.ChannelUtilization.Set(percent)
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
