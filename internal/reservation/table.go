// Package reservation implements timed holds on upload capacity.
// When a stream ends, its estimated bandwidth stays subtracted from the
// allocator's available upload for a grace period, so an episode
// hand-off does not briefly release capacity to downloaders.
package reservation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/speedarr/speedarr/internal/models"
)

// Reservation is a single live hold.
type Reservation struct {
	ID            string    `json:"id"`
	User          string    `json:"user"`
	Player        string    `json:"player"`
	BandwidthMbps float64   `json:"bandwidth_mbps"`
	MediaKind     string    `json:"media_kind"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Table holds the live reservations. Every reservation carries its own
// expiry timer; expiry and cancellation both converge on remove-by-id
// under the table mutex.
type Table struct {
	mu      sync.Mutex
	logger  *slog.Logger
	entries map[string]*entry
	closed  bool
}

type entry struct {
	Reservation
	timer *time.Timer
}

// NewTable creates an empty reservation table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Create adds a hold and schedules its expiry. Returns the reservation id.
func (t *Table) Create(bandwidthMbps float64, duration time.Duration, user, player, mediaKind string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ""
	}

	now := time.Now()
	id := models.NewULID().String()
	e := &entry{
		Reservation: Reservation{
			ID:            id,
			User:          user,
			Player:        player,
			BandwidthMbps: bandwidthMbps,
			MediaKind:     mediaKind,
			CreatedAt:     now,
			ExpiresAt:     now.Add(duration),
		},
	}
	e.timer = time.AfterFunc(duration, func() { t.expire(id) })
	t.entries[id] = e

	t.logger.Info("reservation created",
		slog.String("reservation_id", id),
		slog.String("user", user),
		slog.String("player", player),
		slog.Float64("bandwidth_mbps", bandwidthMbps),
		slog.Duration("duration", duration))
	return id
}

// CancelMatching removes every reservation held for the given
// (user, player) pair and returns the sum of freed bandwidth.
func (t *Table) CancelMatching(user, player string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var freed float64
	for id, e := range t.entries {
		if e.User == user && e.Player == player {
			freed += e.BandwidthMbps
			e.timer.Stop()
			delete(t.entries, id)
			t.logger.Info("reservation cancelled, viewer returned",
				slog.String("reservation_id", id),
				slog.String("user", user),
				slog.String("player", player),
				slog.Float64("freed_mbps", e.BandwidthMbps))
		}
	}
	return freed
}

// CancelByID removes one reservation. Returns false if it is not live.
func (t *Table) CancelByID(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, id)
	t.logger.Info("reservation cancelled", slog.String("reservation_id", id))
	return true
}

// Total returns the sum of held bandwidth in Mbps.
func (t *Table) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sum float64
	for _, e := range t.entries {
		sum += e.BandwidthMbps
	}
	return sum
}

// Snapshot returns a copy of the live reservations.
func (t *Table) Snapshot() []Reservation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Reservation, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.Reservation)
	}
	return out
}

// Close cancels every timer and rejects further creates.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
}

// expire is the timer callback: remove the entry if still present.
func (t *Table) expire(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return
	}
	delete(t.entries, id)
	t.logger.Info("reservation expired",
		slog.String("reservation_id", id),
		slog.String("user", e.User),
		slog.String("player", e.Player),
		slog.Float64("bandwidth_mbps", e.BandwidthMbps))
}
