package bandwidth

import (
	"time"

	"github.com/speedarr/speedarr/internal/config"
)

// Schedule is a wall-clock window carrying an alternate capacity total
// and optional per-type percent overrides.
type Schedule struct {
	Enabled        bool
	Start          config.TimeOfDay
	End            config.TimeOfDay
	TotalMbps      float64
	ClientPercents map[string]float64
}

// ScheduleFromConfig converts a validated config schedule. Unparseable
// times disable the schedule rather than guessing.
func ScheduleFromConfig(sc config.ScheduleConfig) Schedule {
	s := Schedule{
		Enabled:        sc.Enabled,
		TotalMbps:      sc.TotalMbps,
		ClientPercents: sc.ClientPercents,
	}
	if !sc.Enabled {
		return s
	}
	start, err := config.ParseTimeOfDay(sc.Start)
	if err != nil {
		s.Enabled = false
		return s
	}
	end, err := config.ParseTimeOfDay(sc.End)
	if err != nil {
		s.Enabled = false
		return s
	}
	s.Start = start
	s.End = end
	return s
}

// Contains reports whether now falls inside the window. Start <= End is
// a same-day window; Start > End wraps midnight.
func (s Schedule) Contains(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	cur := config.TimeOfDay(now.Hour()*60 + now.Minute())
	if s.Start <= s.End {
		return cur >= s.Start && cur <= s.End
	}
	return cur >= s.Start || cur <= s.End
}

// Override is a temporary manual capacity override. A nil field leaves
// that direction's capacity untouched.
type Override struct {
	DownloadMbps *float64
	UploadMbps   *float64
	ExpiresAt    time.Time
	Source       string
	SetBy        string
}

// Active reports whether the override is still in force at now.
func (o *Override) Active(now time.Time) bool {
	return o != nil && now.Before(o.ExpiresAt)
}

// Capacity is the effective totals and percent maps for one tick.
type Capacity struct {
	DownloadTotal    float64
	UploadTotal      float64
	DownloadPercents map[string]float64
	UploadPercents   map[string]float64
}

// ResolveCapacity selects effective capacity per direction: a live
// temporary override wins, then an in-window schedule alternate, then
// the configured total. Scheduled percent maps apply whenever the
// window is active, independent of the override.
func ResolveCapacity(bw config.BandwidthConfig, temp *Override, now time.Time) Capacity {
	eff := Capacity{
		DownloadTotal:    bw.Download.TotalMbps,
		UploadTotal:      bw.Upload.TotalMbps,
		DownloadPercents: bw.Download.ClientPercents,
		UploadPercents:   bw.Upload.ClientPercents,
	}

	if sched := ScheduleFromConfig(bw.Download.Schedule); sched.Contains(now) {
		if sched.TotalMbps > 0 {
			eff.DownloadTotal = sched.TotalMbps
		}
		if len(sched.ClientPercents) > 0 {
			eff.DownloadPercents = sched.ClientPercents
		}
	}
	if sched := ScheduleFromConfig(bw.Upload.Schedule); sched.Contains(now) {
		if sched.TotalMbps > 0 {
			eff.UploadTotal = sched.TotalMbps
		}
		if len(sched.ClientPercents) > 0 {
			eff.UploadPercents = sched.ClientPercents
		}
	}

	if temp.Active(now) {
		if temp.DownloadMbps != nil {
			eff.DownloadTotal = *temp.DownloadMbps
		}
		if temp.UploadMbps != nil {
			eff.UploadTotal = *temp.UploadMbps
		}
	}

	return eff
}
