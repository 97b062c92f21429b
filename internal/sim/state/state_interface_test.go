package state

import (
	lora "github.com/signalsfoundry/lora-analytics/core"
	"github.com/signalsfoundry/lora-analytics/internal/observability"
	"github.com/signalsfoundry/lora-analytics/kb"
)

// Compile-time checks that the run facade and the topology store slot
// into the engine and metrics seams.
var (
	_ lora.EventSink      = (*AnalyticsRun)(nil)
	_ lora.DeviceResolver = (*kb.Topology)(nil)
	_ lora.TopologyReader = (*kb.Topology)(nil)
	_ RunMetricsRecorder  = (*observability.AnalyticsCollector)(nil)
)
