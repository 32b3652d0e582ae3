package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/speedarr/speedarr/internal/bandwidth"
	"github.com/speedarr/speedarr/internal/config"
	"github.com/speedarr/speedarr/internal/observability"
	"github.com/speedarr/speedarr/internal/stream"
)

// streamTick polls the media server once, diffs sessions against the
// previous poll, and converts departures into bandwidth reservations.
func (m *Monitor) streamTick(ctx context.Context) {
	defer observability.TimedOperation(ctx, m.logger, "stream_tick")()

	m.mu.Lock()
	timeout := m.cfg.System.StatsTimeout
	m.mu.Unlock()

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	sessions, err := m.source.ListActive(pollCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		m.handleStreamFailure(ctx, err)
		return
	}

	var events []Event

	m.mu.Lock()
	cfg := m.cfg

	if m.plexHealth.warned {
		events = append(events, Event{
			Type:    EventServiceRecovered,
			Subject: "plex",
			Message: "media server reachable again",
		})
		m.logger.Info("media server recovered",
			slog.Int("failures", m.plexHealth.failures))
	}
	m.plexHealth = clientHealth{}

	current := make(map[string]stream.Session, len(sessions))
	for _, s := range sessions {
		current[s.ID] = s
		m.cache.put(s.ID, bandwidth.StreamCost(streamOf(s), cfg.Bandwidth.OverheadPercent))
	}

	if m.firstPoll {
		// Streams already playing at startup are baseline, not starts.
		m.firstPoll = false
		m.streams = current
		m.mu.Unlock()
		m.logger.Info("initial stream snapshot", slog.Int("sessions", len(current)))
		m.publish(ctx, events)
		return
	}

	for id, old := range m.streams {
		if _, still := current[id]; still {
			continue
		}
		events = append(events, m.streamEnded(cfg, old))
	}
	for id, s := range current {
		if _, known := m.streams[id]; known {
			continue
		}
		freed := m.reservations.CancelMatching(s.UserID, s.PlayerID)
		m.logger.Info("stream started",
			slog.String("session", s.ID),
			slog.String("user", s.UserName),
			slog.String("title", s.MediaTitle),
			slog.Bool("lan", s.LAN),
			slog.Float64("released_mbps", freed))
		events = append(events, Event{
			Type:    EventStreamStarted,
			Subject: s.ID,
			Message: fmt.Sprintf("%s started %s", s.UserName, s.MediaTitle),
			Details: map[string]any{
				"user":          s.UserName,
				"player":        s.PlayerName,
				"quality":       s.Quality,
				"lan":           s.LAN,
				"released_mbps": freed,
			},
		})
	}

	m.streams = current
	m.mu.Unlock()

	m.publish(ctx, events)
}

// streamEnded records a departure and, for counted streams, creates a
// reservation holding the stream's bandwidth for the resume window.
// Callers hold m.mu.
func (m *Monitor) streamEnded(cfg *config.Config, s stream.Session) Event {
	cost, ok := m.cache.get(s.ID)
	if !ok {
		cost = bandwidth.StreamCost(streamOf(s), cfg.Bandwidth.OverheadPercent)
	}
	m.cache.remove(s.ID)

	ev := Event{
		Type:    EventStreamEnded,
		Subject: s.ID,
		Message: fmt.Sprintf("%s stopped %s", s.UserName, s.MediaTitle),
		Details: map[string]any{
			"user":      s.UserName,
			"player":    s.PlayerName,
			"lan":       s.LAN,
			"held_mbps": 0.0,
		},
	}

	if s.LAN && !cfg.Plex.IncludeLANStreams {
		m.logger.Info("lan stream ended, no reservation",
			slog.String("session", s.ID),
			slog.String("user", s.UserName))
		return ev
	}

	delay := cfg.Bandwidth.DelayFor(s.MediaKind)
	if delay <= 0 {
		return ev
	}

	id := m.reservations.Create(cost, delay, s.UserID, s.PlayerID, s.MediaKind)
	ev.Details["held_mbps"] = cost
	ev.Details["reservation_id"] = id
	m.logger.Info("stream ended, holding bandwidth",
		slog.String("session", s.ID),
		slog.String("user", s.UserName),
		slog.Float64("held_mbps", cost),
		slog.Duration("hold", delay))
	return ev
}

// handleStreamFailure applies the unreachable threshold: the cached
// session snapshot stays in force until the media server recovers.
func (m *Monitor) handleStreamFailure(ctx context.Context, err error) {
	var events []Event

	m.mu.Lock()
	m.plexHealth.failures++
	failures := m.plexHealth.failures
	switch {
	case failures == 1:
		observability.WithError(m.logger, err).Warn("media server poll failed, using cached streams")
	case failures >= unreachableThreshold && !m.plexHealth.warned:
		m.plexHealth.warned = true
		observability.WithError(m.logger, err).Error("media server unreachable",
			slog.Int("failures", failures))
		events = append(events, Event{
			Type:    EventServiceUnreachable,
			Subject: "plex",
			Message: fmt.Sprintf("media server unreachable after %d consecutive failures", failures),
		})
	}
	m.mu.Unlock()

	m.publish(ctx, events)
}

func streamOf(s stream.Session) bandwidth.Stream {
	return bandwidth.Stream{
		BitrateMbps: s.BitrateMbps,
		Quality:     s.Quality,
		LAN:         s.LAN,
	}
}
