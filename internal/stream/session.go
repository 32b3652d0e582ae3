// Package stream provides the media-server session source. It reports
// the active streaming sessions the allocator must protect.
package stream

import "context"

// Media kinds the reservation grace periods distinguish.
const (
	MediaEpisode = "episode"
	MediaMovie   = "movie"
	MediaOther   = "other"
)

// Session is one active playback session.
type Session struct {
	ID         string  `json:"session_id"`
	UserID     string  `json:"user_id"`
	UserName   string  `json:"user_name"`
	PlayerID   string  `json:"player_id"`
	PlayerName string  `json:"player_name"`
	MediaKind  string  `json:"media_kind"`
	MediaTitle string  `json:"media_title"`
	Quality    string  `json:"quality"` // video resolution, e.g. "4k", "1080"
	// BitrateMbps is the encoded media bitrate.
	BitrateMbps float64 `json:"bitrate_mbps"`
	// ObservedMbps is measured network throughput, 0 when the server
	// does not report it.
	ObservedMbps float64 `json:"observed_mbps"`
	IPAddress    string  `json:"ip_address"`
	LAN          bool    `json:"is_lan"`
	State        string  `json:"state"` // playing, paused, buffering
}

// Source lists active sessions. Implementations must keep Session.ID
// stable for the lifetime of a session.
type Source interface {
	// ListActive returns the current sessions. A transport failure is
	// returned as an error; the caller must keep its previous snapshot
	// and never treat the failure as "no streams".
	ListActive(ctx context.Context) ([]Session, error)

	// TestConnection verifies reachability and credentials.
	TestConnection(ctx context.Context) error
}

// NormalizeMediaKind maps a server-reported media type onto the kinds
// the reservation delays understand.
func NormalizeMediaKind(t string) string {
	switch t {
	case "episode":
		return MediaEpisode
	case "movie":
		return MediaMovie
	default:
		return MediaOther
	}
}
