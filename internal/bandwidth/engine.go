// Package bandwidth implements the pure allocation engine: given the
// current streams, client stats, reservations, and effective capacity,
// it decides per-client download and upload limits in Mbps.
package bandwidth

import (
	"fmt"
	"math"
)

// inactiveBufferPolls is the hysteresis applied to activity
// classification: a client stays "active" until it has been below the
// threshold for this many consecutive polls (~30s at 5s intervals).
const inactiveBufferPolls = 6

// activeThresholdFraction of the per-client equal share; observed speed
// above it marks the client as doing real work.
const activeThresholdFraction = 0.10

// emergencyUploadFraction of upload total granted per upload-capable
// client when stream cost alone exceeds the upload total.
const emergencyUploadFraction = 0.01

// Params is the static allocator tuning, taken from configuration.
type Params struct {
	OverheadPercent        float64
	SafetyNetPercent       float64 // per inactive client, e.g. 5
	DownloadReservePercent float64
	IncludeLANStreams      bool
}

// ClientState is one client's observed state for a tick.
type ClientState struct {
	ID             string
	Type           string
	SupportsUpload bool
	DownloadMbps   float64
	UploadMbps     float64
}

// Input carries everything one Decide call needs beyond Params.
type Input struct {
	Clients              []ClientState
	Streams              []Stream
	Capacity             Capacity
	ReservedUploadMbps   float64 // held by stream-departure reservations
	ReservedDownloadMbps float64
	LinkInboundMbps      float64 // observed WAN inbound, 0 when no probe reading
}

// Decision is the computed limit pair for one client. Zero means
// unlimited at the daemon; adapters translate.
type Decision struct {
	DownloadMbps float64
	UploadMbps   float64
	Reason       string
}

// Engine computes allocation decisions. It is pure except for the
// per-client inactive-streak counters that implement hysteresis.
// Not safe for concurrent use; the download loop is its only caller.
type Engine struct {
	params     Params
	downStreak map[string]int
	upStreak   map[string]int
}

// NewEngine creates an allocation engine.
func NewEngine(params Params) *Engine {
	return &Engine{
		params:     params,
		downStreak: make(map[string]int),
		upStreak:   make(map[string]int),
	}
}

// Reconfigure swaps tuning parameters. Streak counters survive so a
// reload does not reclassify every client.
func (e *Engine) Reconfigure(params Params) {
	e.params = params
}

// Decide produces a limit decision per client id.
func (e *Engine) Decide(in Input) map[string]Decision {
	decisions := make(map[string]Decision, len(in.Clients))
	if len(in.Clients) == 0 {
		return decisions
	}
	e.pruneStreaks(in.Clients)

	raw, cost := TotalStreamCost(in.Streams, e.params.IncludeLANStreams, e.params.OverheadPercent)

	// Download side: hold back reserve for stream ACK/control traffic
	// plus any held download reservations, then other-device inbound.
	reserve := cost*(e.params.DownloadReservePercent/100) + in.ReservedDownloadMbps
	availDown := math.Max(0, in.Capacity.DownloadTotal-reserve)
	if in.LinkInboundMbps > 0 {
		availDown = math.Max(0, availDown-in.LinkInboundMbps)
	}

	// Upload side: streams and departure holds come off the top.
	availUp := math.Max(0, in.Capacity.UploadTotal-cost-in.ReservedUploadMbps)
	emergency := cost > in.Capacity.UploadTotal

	ids := make([]string, len(in.Clients))
	typeOf := make(map[string]string, len(in.Clients))
	uploadCapable := make(map[string]bool, len(in.Clients))
	for i, c := range in.Clients {
		ids[i] = c.ID
		typeOf[c.ID] = c.Type
		uploadCapable[c.ID] = c.SupportsUpload
	}

	activeDown := e.classify(in.Clients, availDown, len(in.Clients), false)
	downAlloc := e.allocate(ids, availDown, activeDown, in.Capacity.DownloadPercents, typeOf)

	var upAlloc map[string]float64
	if emergency {
		upAlloc = make(map[string]float64, len(ids))
		for _, id := range ids {
			if uploadCapable[id] {
				upAlloc[id] = in.Capacity.UploadTotal * emergencyUploadFraction
			}
		}
	} else {
		uploadCount := 0
		for _, c := range in.Clients {
			if c.SupportsUpload {
				uploadCount++
			}
		}
		activeUp := map[string]bool{}
		if uploadCount > 0 {
			activeUp = e.classify(in.Clients, availUp, uploadCount, true)
		}
		upAlloc = e.allocate(ids, availUp, activeUp, in.Capacity.UploadPercents, typeOf)
	}

	reason := buildReason(len(in.Streams), raw, cost, in.ReservedUploadMbps)

	for _, id := range ids {
		up := upAlloc[id]
		if !uploadCapable[id] {
			up = 0
		}
		decisions[id] = Decision{
			DownloadMbps: round2(downAlloc[id]),
			UploadMbps:   round2(up),
			Reason:       reason,
		}
	}
	return decisions
}

// classify returns the set of effectively-active client ids for one
// direction, updating the streak counters. The threshold is a fraction
// of the equal standby share across n participants.
func (e *Engine) classify(clients []ClientState, available float64, n int, upload bool) map[string]bool {
	active := make(map[string]bool, len(clients))
	if n == 0 {
		return active
	}
	threshold := available / float64(n) * activeThresholdFraction

	streaks := e.downStreak
	if upload {
		streaks = e.upStreak
	}

	for _, c := range clients {
		speed := c.DownloadMbps
		if upload {
			if !c.SupportsUpload {
				continue
			}
			speed = c.UploadMbps
		}
		if speed > threshold {
			streaks[c.ID] = 0
			active[c.ID] = true
		} else {
			streaks[c.ID]++
			if streaks[c.ID] < inactiveBufferPolls {
				active[c.ID] = true
			}
		}
	}
	return active
}

// allocate splits available bandwidth across all clients given the set
// of effectively-active ids:
//
//   - nobody active: equal standby split
//   - one active: it dominates, each inactive gets the safety net
//   - several active: inactive get the safety net, the active pool is
//     split by configured per-type percents when every active client
//     has one, otherwise equally
func (e *Engine) allocate(ids []string, available float64, active map[string]bool, percents map[string]float64, typeOf map[string]string) map[string]float64 {
	alloc := make(map[string]float64, len(ids))
	n := len(ids)
	if n == 0 {
		return alloc
	}

	var activeIDs, inactiveIDs []string
	for _, id := range ids {
		if active[id] {
			activeIDs = append(activeIDs, id)
		} else {
			inactiveIDs = append(inactiveIDs, id)
		}
	}

	safetyFrac := e.params.SafetyNetPercent / 100

	switch len(activeIDs) {
	case 0:
		share := available / float64(n)
		for _, id := range ids {
			alloc[id] = share
		}

	case 1:
		activeShare := 1 - float64(len(inactiveIDs))*safetyFrac
		alloc[activeIDs[0]] = available * activeShare
		for _, id := range inactiveIDs {
			alloc[id] = available * safetyFrac
		}

	default:
		for _, id := range inactiveIDs {
			alloc[id] = available * safetyFrac
		}
		pool := available * (1 - float64(len(inactiveIDs))*safetyFrac)

		allConfigured := true
		for _, id := range activeIDs {
			if _, ok := percents[typeOf[id]]; !ok {
				allConfigured = false
				break
			}
		}

		if allConfigured {
			var totalRaw float64
			for _, id := range activeIDs {
				totalRaw += percents[typeOf[id]]
			}
			if totalRaw <= 0 {
				for _, id := range activeIDs {
					alloc[id] = pool / float64(len(activeIDs))
				}
			} else {
				for _, id := range activeIDs {
					alloc[id] = pool * percents[typeOf[id]] / totalRaw
				}
			}
		} else {
			for _, id := range activeIDs {
				alloc[id] = pool / float64(len(activeIDs))
			}
		}
	}

	return alloc
}

// pruneStreaks drops counters for clients no longer configured.
func (e *Engine) pruneStreaks(clients []ClientState) {
	current := make(map[string]bool, len(clients))
	for _, c := range clients {
		current[c.ID] = true
	}
	for id := range e.downStreak {
		if !current[id] {
			delete(e.downStreak, id)
		}
	}
	for id := range e.upStreak {
		if !current[id] {
			delete(e.upStreak, id)
		}
	}
}

// DownloadStreak exposes a client's inactive streak, for status output.
func (e *Engine) DownloadStreak(id string) int { return e.downStreak[id] }

// UploadStreak exposes a client's upload inactive streak.
func (e *Engine) UploadStreak(id string) int { return e.upStreak[id] }

func buildReason(streams int, raw, cost, holding float64) string {
	if streams == 0 {
		if holding > 0 {
			return fmt.Sprintf("No active streams, Holding: %.1f Mbps", holding)
		}
		return "No active streams"
	}
	reason := fmt.Sprintf("Active streams: %d, Stream bandwidth: %.1f Mbps (raw: %.1f), Reserved: %.1f Mbps",
		streams, cost, raw, cost)
	if holding > 0 {
		reason += fmt.Sprintf(", Holding: %.1f Mbps", holding)
	}
	return reason
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
