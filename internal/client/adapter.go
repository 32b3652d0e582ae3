// Package client provides adapters for download clients (torrent and
// Usenet daemons). Adapters normalize every daemon's native units to
// Mbps and expose a uniform limit surface.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Client type identifiers, matching the config "type" field.
const (
	TypeQBittorrent  = "qbittorrent"
	TypeSABnzbd      = "sabnzbd"
	TypeNZBGet       = "nzbget"
	TypeTransmission = "transmission"
	TypeDeluge       = "deluge"
)

var (
	// ErrNotAuthenticated indicates the daemon rejected our credentials
	// or session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrUnsupportedType indicates an unknown client type in config.
	ErrUnsupportedType = errors.New("unsupported client type")
)

// noiseFloorBytes is the measured-rate threshold below which a daemon
// is considered idle. Daemon queue state is never consulted: a stalled
// torrent reports "downloading" while moving nothing.
const noiseFloorBytes = 1024.0

// Stats is a daemon's observed transfer state. Speeds and limits are
// Mbps; a zero limit means unlimited.
type Stats struct {
	DownloadMbps      float64
	UploadMbps        float64
	DownloadLimitMbps float64
	UploadLimitMbps   float64

	// ActiveWork is true when the measured rate exceeds the 1 KB/s
	// noise floor.
	ActiveWork bool
}

// Adapter is the uniform surface over one download client daemon.
type Adapter interface {
	ID() string
	Name() string
	Type() string

	// SupportsUpload reports whether the daemon seeds and accepts an
	// upload limit. Usenet clients return false.
	SupportsUpload() bool

	TestConnection(ctx context.Context) error

	// Stats returns current speeds and limits. The first successful
	// call records the daemon's limits so RestoreLimits can put them
	// back on shutdown.
	Stats(ctx context.Context) (Stats, error)

	// Limits returns the current limits in Mbps, 0 meaning unlimited.
	Limits(ctx context.Context) (download, upload float64, err error)

	// SetLimits applies new limits in Mbps. A nil pointer leaves that
	// direction unchanged; a pointer to 0 removes the limit.
	SetLimits(ctx context.Context, download, upload *float64) error

	// RestoreLimits reapplies the limits recorded before the first
	// throttle. A no-op when Stats never succeeded.
	RestoreLimits(ctx context.Context) error

	Close() error
}

// limits is a recorded download/upload pair in Mbps.
type limits struct {
	download float64
	upload   float64
}

// adapterBase carries the identity fields and original-limit recording
// shared by every adapter.
type adapterBase struct {
	id     string
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	original *limits
}

func (b *adapterBase) ID() string   { return b.id }
func (b *adapterBase) Name() string { return b.name }

// recordOriginal stores the daemon's limits once, before any throttle
// is applied.
func (b *adapterBase) recordOriginal(download, upload float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.original == nil {
		b.original = &limits{download: download, upload: upload}
	}
}

func (b *adapterBase) originalLimits() (limits, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.original == nil {
		return limits{}, false
	}
	return *b.original, true
}

// Unit conversions. Torrent and Usenet daemons report bytes/s with
// binary prefixes; Transmission and Deluge configure limits in KB/s
// with decimal prefixes.

func bytesPerSecToMbps(b float64) float64 {
	return b / 1048576 * 8
}

func mbpsToBytesPerSec(mbps float64) int64 {
	return int64(mbps * 1048576 / 8)
}

func kbPerSecToMbps(kb float64) float64 {
	return kb * 8 / 1000
}

func mbpsToKBPerSec(mbps float64) int64 {
	return int64(mbps * 1000 / 8)
}
