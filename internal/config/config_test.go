package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.System.UpdateFrequency)
	assert.Equal(t, 100.0, cfg.Bandwidth.OverheadPercent)
	assert.Equal(t, 5.0, cfg.Bandwidth.InactiveSafetyNetPercent)
	assert.Equal(t, 0.0, cfg.Bandwidth.DownloadReservePercent)
	assert.Equal(t, 10*time.Minute, cfg.Bandwidth.EpisodeEndDelay)
	assert.Equal(t, 30*time.Minute, cfg.Bandwidth.MovieEndDelay)
	assert.Equal(t, "public", cfg.SNMP.Community)
	assert.Equal(t, uint16(161), cfg.SNMP.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
system:
  update_frequency: 30s
bandwidth:
  download:
    total_mbps: 900
    client_percents:
      qbittorrent: 60
      sabnzbd: 40
  upload:
    total_mbps: 40
clients:
  - type: qbittorrent
    name: qbt-main
    enabled: true
    url: http://localhost:8080
    username: admin
    password: secret
  - type: sabnzbd
    enabled: true
    url: http://localhost:8085
    api_key: abc123
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.System.UpdateFrequency)
	assert.Equal(t, 900.0, cfg.Bandwidth.Download.TotalMbps)
	assert.Equal(t, 60.0, cfg.Bandwidth.Download.ClientPercents["qbittorrent"])
	require.Len(t, cfg.Clients, 2)
	assert.Equal(t, "qbittorrent_1", cfg.Clients[0].ID)
	assert.Equal(t, "qbt-main", cfg.Clients[0].Name)
	assert.True(t, cfg.Clients[0].UploadCapable())
	assert.False(t, cfg.Clients[1].UploadCapable())
	assert.Equal(t, "sabnzbd_2", cfg.Clients[1].Name)
}

func TestValidateRaisesUpdateFrequency(t *testing.T) {
	cfg := &Config{
		System:  SystemConfig{UpdateFrequency: time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
	require.NoError(t, cfg.Validate(slog.Default()))
	assert.Equal(t, 5*time.Second, cfg.System.UpdateFrequency)
}

func TestValidateRejectsUnknownClientType(t *testing.T) {
	cfg := &Config{
		System:  SystemConfig{UpdateFrequency: 10 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Clients: []ClientConfig{{Type: "rtorrent", URL: "http://x"}},
	}
	assert.Error(t, cfg.Validate(slog.Default()))
}

func TestValidateRejectsDuplicateClientIDs(t *testing.T) {
	cfg := &Config{
		System:  SystemConfig{UpdateFrequency: 10 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Clients: []ClientConfig{
			{ID: "main", Type: "qbittorrent", URL: "http://a"},
			{ID: "main", Type: "deluge", URL: "http://b"},
		},
	}
	assert.Error(t, cfg.Validate(slog.Default()))
}

func TestValidateAcceptsQuestionableTuning(t *testing.T) {
	// Percent sums above 100 and zero totals are warnings, not errors.
	cfg := &Config{
		System:  SystemConfig{UpdateFrequency: 10 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Bandwidth: BandwidthConfig{
			Download: DirectionConfig{
				ClientPercents: map[string]float64{"qbittorrent": 80, "deluge": 80},
			},
		},
	}
	assert.NoError(t, cfg.Validate(slog.Default()))
}

func TestValidateScheduleTimes(t *testing.T) {
	cfg := &Config{
		System:  SystemConfig{UpdateFrequency: 10 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
	cfg.Bandwidth.Download.Schedule = ScheduleConfig{Enabled: true, Start: "22:00", End: "6:00"}
	assert.NoError(t, cfg.Validate(slog.Default()))

	cfg.Bandwidth.Download.Schedule.End = "25:00"
	assert.Error(t, cfg.Validate(slog.Default()))
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"00:00", 0, false},
		{"22:00", 1320, false},
		{"6:30", 390, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"noon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDelayFor(t *testing.T) {
	b := BandwidthConfig{EpisodeEndDelay: 10 * time.Minute, MovieEndDelay: 30 * time.Minute}
	assert.Equal(t, 10*time.Minute, b.DelayFor("episode"))
	assert.Equal(t, 30*time.Minute, b.DelayFor("movie"))
	assert.Equal(t, 30*time.Minute, b.DelayFor("Movie"))
	assert.Equal(t, 10*time.Minute, b.DelayFor("track"))
	assert.Equal(t, 10*time.Minute, b.DelayFor(""))
}
