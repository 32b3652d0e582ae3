package bandwidth

import "strings"

// Quality fallback estimates in Mbps, used when a stream reports no bitrate.
const (
	fallback4K    = 40.0
	fallback1080p = 12.0
	fallback720p  = 6.0
	fallbackSD    = 4.0
)

// Stream is the slice of a media session the allocator needs.
type Stream struct {
	BitrateMbps float64
	Quality     string
	LAN         bool
}

// StreamCost returns the bandwidth a stream is expected to consume,
// in Mbps. Overhead covers transcoding bursts, protocol framing, and
// retransmits; the percent is clamped to [0, 300].
func StreamCost(s Stream, overheadPercent float64) float64 {
	if overheadPercent < 0 {
		overheadPercent = 0
	} else if overheadPercent > 300 {
		overheadPercent = 300
	}

	base := s.BitrateMbps
	if base <= 0 {
		base = qualityFallback(s.Quality)
	}

	cost := base * (1 + overheadPercent/100)
	if cost < 0 {
		return 0
	}
	return cost
}

func qualityFallback(quality string) float64 {
	q := strings.ToLower(quality)
	switch {
	case strings.Contains(q, "4k") || strings.Contains(q, "2160"):
		return fallback4K
	case strings.Contains(q, "1080") || strings.Contains(q, "hd"):
		return fallback1080p
	case strings.Contains(q, "720"):
		return fallback720p
	default:
		return fallbackSD
	}
}

// CountedStreams filters streams for bandwidth accounting. LAN streams
// are excluded unless includeLAN is set.
func CountedStreams(streams []Stream, includeLAN bool) []Stream {
	if includeLAN {
		return streams
	}
	out := make([]Stream, 0, len(streams))
	for _, s := range streams {
		if !s.LAN {
			out = append(out, s)
		}
	}
	return out
}

// TotalStreamCost returns the raw bitrate sum and the overhead-adjusted
// cost sum for the counted streams.
func TotalStreamCost(streams []Stream, includeLAN bool, overheadPercent float64) (raw, cost float64) {
	for _, s := range CountedStreams(streams, includeLAN) {
		raw += s.BitrateMbps
		cost += StreamCost(s, overheadPercent)
	}
	return raw, cost
}
