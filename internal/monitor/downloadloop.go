package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/speedarr/speedarr/internal/bandwidth"
	"github.com/speedarr/speedarr/internal/client"
	"github.com/speedarr/speedarr/internal/observability"
	"github.com/speedarr/speedarr/internal/snmp"
)

// limitEpsilon is the Mbps tolerance when comparing a decided limit
// against the daemon's current one. Within it, no actuation happens.
const limitEpsilon = 0.05

type statsResult struct {
	stats client.Stats
	err   error
}

// downloadTick measures every client, asks the allocator for limits,
// and applies the ones that changed.
func (m *Monitor) downloadTick(ctx context.Context) {
	defer observability.TimedOperation(ctx, m.logger, "download_tick")()

	m.mu.Lock()
	cfg := m.cfg
	paused := m.paused
	if m.temp != nil && !m.temp.Active(time.Now()) {
		m.logger.Info("temporary limits expired")
		m.temp = nil
	}
	temp := m.temp
	streams := make([]bandwidth.Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, streamOf(s))
	}
	activeStreams := len(m.streams)
	m.mu.Unlock()

	results := m.collectStats(ctx, cfg.System.StatsTimeout)
	if ctx.Err() != nil {
		return
	}
	events := m.trackClientHealth(results)

	var rate snmp.Rate
	if m.probe != nil && cfg.SNMP.Enabled {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.System.StatsTimeout)
		r, err := m.probe.Rate(probeCtx)
		cancel()
		if err != nil {
			events = append(events, m.trackSNMPFailure(err)...)
		} else {
			rate = r
			events = append(events, m.trackSNMPRecovery()...)
		}
	}

	input := bandwidth.Input{
		Capacity:           bandwidth.ResolveCapacity(cfg.Bandwidth, temp, time.Now()),
		Streams:            streams,
		ReservedUploadMbps: m.reservations.Total(),
		LinkInboundMbps:    rate.InboundMbps,
	}
	for _, a := range m.adapters {
		res, ok := results[a.ID()]
		if !ok || res.err != nil {
			continue
		}
		input.Clients = append(input.Clients, bandwidth.ClientState{
			ID:             a.ID(),
			Type:           a.Type(),
			SupportsUpload: a.SupportsUpload(),
			DownloadMbps:   res.stats.DownloadMbps,
			UploadMbps:     res.stats.UploadMbps,
		})
	}

	m.mu.Lock()
	decisions := m.engine.Decide(input)
	downStreaks := make(map[string]int, len(input.Clients))
	upStreaks := make(map[string]int, len(input.Clients))
	for _, c := range input.Clients {
		downStreaks[c.ID] = m.engine.DownloadStreak(c.ID)
		upStreaks[c.ID] = m.engine.UploadStreak(c.ID)
	}
	m.mu.Unlock()

	raw, cost := bandwidth.TotalStreamCost(streams, cfg.Plex.IncludeLANStreams, cfg.Bandwidth.OverheadPercent)
	tick := TickMetrics{
		CorrelationID:         uuid.NewString(),
		ActiveStreams:         activeStreams,
		RawStreamMbps:         raw,
		StreamCostMbps:        cost,
		ReservedMbps:          input.ReservedUploadMbps,
		LinkInboundMbps:       rate.InboundMbps,
		LinkOutboundMbps:      rate.OutboundMbps,
		EffectiveDownloadMbps: input.Capacity.DownloadTotal,
		EffectiveUploadMbps:   input.Capacity.UploadTotal,
		Clients:               make(map[string]ClientTick, len(m.adapters)),
	}

	var wg sync.WaitGroup
	var tickMu sync.Mutex
	for _, a := range m.adapters {
		res, ok := results[a.ID()]
		if !ok || res.err != nil {
			continue
		}
		decision, ok := decisions[a.ID()]
		if !ok {
			continue
		}

		ct := ClientTick{
			DownloadMbps:      res.stats.DownloadMbps,
			UploadMbps:        res.stats.UploadMbps,
			DownloadLimitMbps: res.stats.DownloadLimitMbps,
			UploadLimitMbps:   res.stats.UploadLimitMbps,
			NewDownloadMbps:   decision.DownloadMbps,
			NewUploadMbps:     decision.UploadMbps,
			DownloadStreak:    downStreaks[a.ID()],
			UploadStreak:      upStreaks[a.ID()],
			Reason:            decision.Reason,
		}

		if paused || !m.needsActuation(a, res.stats, decision) {
			tickMu.Lock()
			tick.Clients[a.ID()] = ct
			tickMu.Unlock()
			continue
		}

		wg.Add(1)
		go func(a client.Adapter, ct ClientTick, decision bandwidth.Decision) {
			defer wg.Done()
			setCtx, cancel := context.WithTimeout(ctx, cfg.System.ActuationTimeout)
			err := m.applyDecision(setCtx, a, decision)
			cancel()
			if err != nil {
				ct.Error = err.Error()
				observability.WithError(observability.WithClient(m.logger, a.ID()), err).
					Warn("failed to apply limits")
			} else {
				ct.Applied = true
				observability.WithClient(m.logger, a.ID()).Info("limits applied",
					slog.Float64("download_mbps", decision.DownloadMbps),
					slog.Float64("upload_mbps", decision.UploadMbps),
					slog.String("reason", decision.Reason))
			}
			tickMu.Lock()
			tick.Clients[a.ID()] = ct
			tickMu.Unlock()
		}(a, ct, decision)
	}
	wg.Wait()

	m.mu.Lock()
	m.lastTick = &tick
	m.mu.Unlock()

	if m.metrics != nil {
		if err := m.metrics.RecordTick(ctx, tick); err != nil && !errors.Is(err, context.Canceled) {
			observability.WithError(m.logger, err).Warn("recording tick metrics")
		}
	}
	m.publish(ctx, events)
}

// collectStats queries every adapter in parallel under the stats
// timeout.
func (m *Monitor) collectStats(ctx context.Context, timeout time.Duration) map[string]statsResult {
	results := make(map[string]statsResult, len(m.adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range m.adapters {
		wg.Add(1)
		go func(a client.Adapter) {
			defer wg.Done()
			statsCtx, cancel := context.WithTimeout(ctx, timeout)
			stats, err := a.Stats(statsCtx)
			cancel()
			mu.Lock()
			results[a.ID()] = statsResult{stats: stats, err: err}
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return results
}

// trackClientHealth updates per-adapter failure counters and returns
// the reachability events to publish.
func (m *Monitor) trackClientHealth(results map[string]statsResult) []Event {
	var events []Event
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.adapters {
		health := m.clientHealth[a.ID()]
		res, ok := results[a.ID()]
		if !ok {
			continue
		}
		logger := observability.WithClient(m.logger, a.ID())

		if res.err == nil {
			if health.warned {
				events = append(events, Event{
					Type:    EventServiceRecovered,
					Subject: a.ID(),
					Message: fmt.Sprintf("%s reachable again", a.Name()),
				})
				logger.Info("client recovered", slog.Int("failures", health.failures))
			}
			*health = clientHealth{}
			continue
		}

		health.failures++
		switch {
		case health.failures == 1:
			observability.WithError(logger, res.err).Warn("client stats failed")
		case health.failures >= unreachableThreshold && !health.warned:
			health.warned = true
			observability.WithError(logger, res.err).Error("client unreachable",
				slog.Int("failures", health.failures))
			events = append(events, Event{
				Type:    EventServiceUnreachable,
				Subject: a.ID(),
				Message: fmt.Sprintf("%s unreachable after %d consecutive failures", a.Name(), health.failures),
			})
		}
	}
	return events
}

// trackSNMPFailure counts a missed probe reading. ErrNoData after a
// baseline reset counts too; recovery clears on the next good read.
func (m *Monitor) trackSNMPFailure(err error) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snmpHealth.failures++
	switch {
	case m.snmpHealth.failures == 1:
		observability.WithError(m.logger, err).Debug("no link probe reading")
	case m.snmpHealth.failures >= unreachableThreshold && !m.snmpHealth.warned:
		m.snmpHealth.warned = true
		observability.WithError(m.logger, err).Error("link probe unreachable",
			slog.Int("failures", m.snmpHealth.failures))
		return []Event{{
			Type:    EventServiceUnreachable,
			Subject: "snmp",
			Message: fmt.Sprintf("link probe unreachable after %d consecutive failures", m.snmpHealth.failures),
		}}
	}
	return nil
}

func (m *Monitor) trackSNMPRecovery() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []Event
	if m.snmpHealth.warned {
		events = append(events, Event{
			Type:    EventServiceRecovered,
			Subject: "snmp",
			Message: "link probe reachable again",
		})
		m.logger.Info("link probe recovered", slog.Int("failures", m.snmpHealth.failures))
	}
	m.snmpHealth = clientHealth{}
	return events
}

// needsActuation reports whether the decision differs from the limits
// the daemon is already running with.
func (m *Monitor) needsActuation(a client.Adapter, stats client.Stats, d bandwidth.Decision) bool {
	if math.Abs(stats.DownloadLimitMbps-d.DownloadMbps) > limitEpsilon {
		return true
	}
	if a.SupportsUpload() && math.Abs(stats.UploadLimitMbps-d.UploadMbps) > limitEpsilon {
		return true
	}
	return false
}

func (m *Monitor) applyDecision(ctx context.Context, a client.Adapter, d bandwidth.Decision) error {
	download := d.DownloadMbps
	var upload *float64
	if a.SupportsUpload() {
		up := d.UploadMbps
		upload = &up
	}
	return a.SetLimits(ctx, &download, upload)
}
