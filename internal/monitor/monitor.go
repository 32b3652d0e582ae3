// Package monitor runs the two polling loops that tie the system
// together: the stream loop watches the media server for session
// starts and stops, the download loop measures client throughput and
// applies the allocator's limit decisions.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/speedarr/speedarr/internal/bandwidth"
	"github.com/speedarr/speedarr/internal/client"
	"github.com/speedarr/speedarr/internal/config"
	"github.com/speedarr/speedarr/internal/observability"
	"github.com/speedarr/speedarr/internal/reservation"
	"github.com/speedarr/speedarr/internal/snmp"
	"github.com/speedarr/speedarr/internal/stream"
)

// unreachableThreshold is the number of consecutive poll failures
// before a service is declared unreachable. Below it, cached state is
// reused and only a warning is logged.
const unreachableThreshold = 6

// LinkProbe is the slice of the SNMP probe the download loop needs.
type LinkProbe interface {
	Rate(ctx context.Context) (snmp.Rate, error)
	Close() error
}

// Options wires a Monitor. Probe, Metrics, and Events may be nil.
type Options struct {
	Config       *config.Config
	Source       stream.Source
	Adapters     []client.Adapter
	Probe        LinkProbe
	Reservations *reservation.Table
	Engine       *bandwidth.Engine
	Metrics      MetricsSink
	Events       EventSink
	Logger       *slog.Logger
}

// clientHealth tracks one adapter's consecutive failures.
type clientHealth struct {
	failures int
	warned   bool
}

// Monitor owns the polling loops and the runtime control surface.
type Monitor struct {
	source       stream.Source
	adapters     []client.Adapter
	probe        LinkProbe
	reservations *reservation.Table
	metrics      MetricsSink
	events       EventSink
	logger       *slog.Logger
	cache        *sessionCache

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards everything below, including the engine: Decide and
	// Reconfigure must not interleave.
	mu           sync.Mutex
	cfg          *config.Config
	engine       *bandwidth.Engine
	streams      map[string]stream.Session
	firstPoll    bool
	plexHealth   clientHealth
	snmpHealth   clientHealth
	clientHealth map[string]*clientHealth
	temp         *bandwidth.Override
	paused       bool
	lastTick     *TickMetrics
}

// New creates a Monitor. Start must be called to begin polling.
func New(opts Options) *Monitor {
	m := &Monitor{
		source:       opts.Source,
		adapters:     opts.Adapters,
		probe:        opts.Probe,
		reservations: opts.Reservations,
		metrics:      opts.Metrics,
		events:       opts.Events,
		logger:       observability.WithComponent(opts.Logger, "monitor"),
		cache:        newSessionCache(),
		cfg:          opts.Config,
		engine:       opts.Engine,
		streams:      make(map[string]stream.Session),
		firstPoll:    true,
		clientHealth: make(map[string]*clientHealth),
	}
	for _, a := range opts.Adapters {
		m.clientHealth[a.ID()] = &clientHealth{}
	}
	return m
}

// Start launches both polling loops.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.runLoop(ctx, "stream", m.streamTick)
	go m.runLoop(ctx, "download", m.downloadTick)

	m.logger.Info("monitor started",
		slog.Int("clients", len(m.adapters)),
		slog.Duration("update_frequency", m.interval()))
}

// runLoop ticks immediately, then waits out the configured interval
// between ticks. The interval is re-read each round so a config reload
// takes effect without a restart.
func (m *Monitor) runLoop(ctx context.Context, name string, tick func(ctx context.Context)) {
	defer m.wg.Done()
	logger := m.logger.With(slog.String("loop", name))
	logger.Debug("loop starting")

	for {
		tick(ctx)

		select {
		case <-ctx.Done():
			logger.Debug("loop stopping")
			return
		case <-time.After(m.interval()):
		}
	}
}

func (m *Monitor) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.System.UpdateFrequency
}

// Stop halts the loops, restores client limits when configured to, and
// releases connections.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.reservations.Close()

	m.mu.Lock()
	restoreBudget := m.cfg.System.ShutdownRestore
	m.mu.Unlock()

	if restoreBudget > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), restoreBudget)
		var wg sync.WaitGroup
		for _, a := range m.adapters {
			wg.Add(1)
			go func(a client.Adapter) {
				defer wg.Done()
				if err := a.RestoreLimits(ctx); err != nil {
					observability.WithError(observability.WithClient(m.logger, a.ID()), err).
						Warn("failed to restore limits on shutdown")
				}
			}(a)
		}
		wg.Wait()
		cancel()
	}

	for _, a := range m.adapters {
		if err := a.Close(); err != nil {
			observability.WithError(m.logger, err).Debug("closing adapter")
		}
	}
	if m.probe != nil {
		if err := m.probe.Close(); err != nil {
			observability.WithError(m.logger, err).Debug("closing snmp probe")
		}
	}
	m.logger.Info("monitor stopped")
}

// Pause suspends limit actuation. Polling and metrics continue.
func (m *Monitor) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.logger.Info("limit actuation paused")
}

// Resume re-enables limit actuation.
func (m *Monitor) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.logger.Info("limit actuation resumed")
}

// SetTemporaryLimits installs a manual capacity override until
// expiresAt. It takes effect on the next download tick.
func (m *Monitor) SetTemporaryLimits(download, upload *float64, expiresAt time.Time, source, setBy string) {
	m.mu.Lock()
	m.temp = &bandwidth.Override{
		DownloadMbps: download,
		UploadMbps:   upload,
		ExpiresAt:    expiresAt,
		Source:       source,
		SetBy:        setBy,
	}
	m.mu.Unlock()
	m.logger.Info("temporary limits set",
		slog.Time("expires_at", expiresAt),
		slog.String("source", source))
}

// ClearTemporaryLimits removes any manual override.
func (m *Monitor) ClearTemporaryLimits() {
	m.mu.Lock()
	m.temp = nil
	m.mu.Unlock()
	m.logger.Info("temporary limits cleared")
}

// TemporaryLimits returns the active override, or nil. Expired
// overrides are dropped here rather than by a timer.
func (m *Monitor) TemporaryLimits() *bandwidth.Override {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.temp != nil && !m.temp.Active(time.Now()) {
		m.temp = nil
	}
	return m.temp
}

// Reservations exposes the live departure holds.
func (m *Monitor) Reservations() []reservation.Reservation {
	return m.reservations.Snapshot()
}

// ClearReservation cancels one hold by id.
func (m *Monitor) ClearReservation(id string) bool {
	return m.reservations.CancelByID(id)
}

// Status is a point-in-time snapshot for status output.
type Status struct {
	Paused          bool                      `json:"paused"`
	ActiveStreams   []stream.Session          `json:"active_streams"`
	Reservations    []reservation.Reservation `json:"reservations"`
	TemporaryLimits *bandwidth.Override       `json:"temporary_limits,omitempty"`
	LastTick        *TickMetrics              `json:"last_tick,omitempty"`
}

// Status reports the monitor's current state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	streams := make([]stream.Session, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	st := Status{
		Paused:          m.paused,
		ActiveStreams:   streams,
		TemporaryLimits: m.temp,
		LastTick:        m.lastTick,
	}
	m.mu.Unlock()
	st.Reservations = m.reservations.Snapshot()
	return st
}

// Reload swaps in a validated configuration. Loop intervals, capacity,
// and allocator tuning update on the next tick; client connections are
// not rebuilt.
func (m *Monitor) Reload(cfg *config.Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.engine.Reconfigure(bandwidth.Params{
		OverheadPercent:        cfg.Bandwidth.OverheadPercent,
		SafetyNetPercent:       cfg.Bandwidth.InactiveSafetyNetPercent,
		DownloadReservePercent: cfg.Bandwidth.DownloadReservePercent,
		IncludeLANStreams:      cfg.Plex.IncludeLANStreams,
	})
	m.mu.Unlock()
	m.logger.Info("configuration reloaded")
}

// publish delivers events to the sink outside any lock. Sink errors
// are logged, never propagated.
func (m *Monitor) publish(ctx context.Context, events []Event) {
	if m.events == nil {
		return
	}
	for _, ev := range events {
		if err := m.events.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
			observability.WithError(m.logger, err).Warn("publishing event",
				slog.String("type", ev.Type))
		}
	}
}
