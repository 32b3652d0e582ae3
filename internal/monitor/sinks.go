package monitor

import "context"

// Event types published by the monitor.
const (
	EventStreamStarted      = "stream_started"
	EventStreamEnded        = "stream_ended"
	EventServiceUnreachable = "service_unreachable"
	EventServiceRecovered   = "service_recovered"
)

// Event is a notable occurrence: a stream starting or ending, or a
// monitored service changing reachability.
type Event struct {
	Type    string
	Subject string // session id, client id, "plex", "snmp"
	Message string
	Details map[string]any
}

// ClientTick is one client's observed and decided state within a tick.
// The streak counters are the allocator's consecutive below-threshold
// poll counts feeding its activity hysteresis.
type ClientTick struct {
	DownloadMbps      float64
	UploadMbps        float64
	DownloadLimitMbps float64
	UploadLimitMbps   float64
	NewDownloadMbps   float64
	NewUploadMbps     float64
	DownloadStreak    int
	UploadStreak      int
	Reason            string
	Applied           bool
	Error             string
}

// TickMetrics is the full observed and decided state of one download
// loop tick. The effective caps are the capacity totals the allocator
// worked from, after temporary overrides and schedule windows.
type TickMetrics struct {
	CorrelationID         string
	ActiveStreams         int
	RawStreamMbps         float64
	StreamCostMbps        float64
	ReservedMbps          float64
	LinkInboundMbps       float64
	LinkOutboundMbps      float64
	EffectiveDownloadMbps float64
	EffectiveUploadMbps   float64
	Clients               map[string]ClientTick
}

// MetricsSink receives one record per download tick.
type MetricsSink interface {
	RecordTick(ctx context.Context, tick TickMetrics) error
}

// EventSink receives monitor events.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}
