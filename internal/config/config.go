// Package config provides configuration management for speedarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultUpdateFrequency      = 10 * time.Second
	minUpdateFrequency          = 5 * time.Second
	defaultOverheadPercent      = 100.0
	defaultSafetyNetPercent     = 5.0
	defaultDownloadReserve      = 0.0
	defaultEpisodeEndDelay      = 10 * time.Minute
	defaultMovieEndDelay        = 30 * time.Minute
	defaultStatsTimeout         = 2 * time.Second
	defaultActuationTimeout     = 5 * time.Second
	defaultShutdownRestoreLimit = 15 * time.Second
	defaultSNMPPort             = 161
	defaultSNMPCommunity        = "public"
	defaultSNMPTimeout          = 2 * time.Second
	defaultSNMPRetries          = 1
	defaultSNMPSampleWindow     = 5 * time.Second
	defaultDatabasePath         = "speedarr.db"
	defaultRetention            = 72 * time.Hour
)

// Config holds all configuration for the application.
type Config struct {
	System    SystemConfig    `mapstructure:"system"`
	Plex      PlexConfig      `mapstructure:"plex"`
	Bandwidth BandwidthConfig `mapstructure:"bandwidth"`
	Clients   []ClientConfig  `mapstructure:"clients"`
	SNMP      SNMPConfig      `mapstructure:"snmp"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SystemConfig holds polling loop configuration.
type SystemConfig struct {
	// UpdateFrequency is the poll interval for both loops. Values below
	// 5s are raised to 5s during validation.
	UpdateFrequency  time.Duration `mapstructure:"update_frequency"`
	StatsTimeout     time.Duration `mapstructure:"stats_timeout"`
	ActuationTimeout time.Duration `mapstructure:"actuation_timeout"`
	ShutdownRestore  time.Duration `mapstructure:"shutdown_restore_timeout"`
}

// PlexConfig holds the media server connection settings.
type PlexConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
	// IncludeLANStreams counts locally-served streams against bandwidth
	// and creates reservations for them when they end.
	IncludeLANStreams bool `mapstructure:"include_lan_streams"`
}

// BandwidthConfig holds capacity totals and allocation tuning.
type BandwidthConfig struct {
	Download DirectionConfig `mapstructure:"download"`
	Upload   DirectionConfig `mapstructure:"upload"`

	// OverheadPercent is protocol/retransmit headroom added to each
	// stream's bitrate, clamped to [0, 300] by the allocator.
	OverheadPercent float64 `mapstructure:"overhead_percent"`

	// InactiveSafetyNetPercent is the minimum share granted to inactive
	// clients while at least one peer is active.
	InactiveSafetyNetPercent float64 `mapstructure:"inactive_safety_net_percent"`

	// DownloadReservePercent holds back a fraction of stream cost from
	// download capacity to protect ACK/control traffic.
	DownloadReservePercent float64 `mapstructure:"download_reserve_percent"`

	EpisodeEndDelay time.Duration `mapstructure:"episode_end_delay"`
	MovieEndDelay   time.Duration `mapstructure:"movie_end_delay"`
}

// DirectionConfig holds one direction's total, per-type percents, and
// optional scheduled alternate.
type DirectionConfig struct {
	TotalMbps      float64            `mapstructure:"total_mbps"`
	ClientPercents map[string]float64 `mapstructure:"client_percents"`
	Schedule       ScheduleConfig     `mapstructure:"schedule"`
}

// ScheduleConfig defines a wall-clock window with an alternate total.
// Start and End are local "HH:MM"; Start > End wraps midnight.
type ScheduleConfig struct {
	Enabled        bool               `mapstructure:"enabled"`
	Start          string             `mapstructure:"start"`
	End            string             `mapstructure:"end"`
	TotalMbps      float64            `mapstructure:"total_mbps"`
	ClientPercents map[string]float64 `mapstructure:"client_percents"`
}

// ClientConfig describes one download client daemon.
type ClientConfig struct {
	ID       string `mapstructure:"id"`
	Type     string `mapstructure:"type"` // qbittorrent, sabnzbd, nzbget, transmission, deluge
	Name     string `mapstructure:"name"`
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	APIKey   string `mapstructure:"api_key"`
	// SupportsUpload defaults per type (torrent clients true, usenet false).
	SupportsUpload *bool `mapstructure:"supports_upload"`
}

// SNMPConfig holds the optional router link probe settings.
type SNMPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         uint16        `mapstructure:"port"`
	Community    string        `mapstructure:"community"`
	WANInterface int           `mapstructure:"wan_interface"` // ifIndex
	Timeout      time.Duration `mapstructure:"timeout"`
	Retries      int           `mapstructure:"retries"`
	SampleWindow time.Duration `mapstructure:"sample_window"`
}

// DatabaseConfig holds the metrics store settings.
type DatabaseConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with SPEEDARR_ and use underscores
// for nesting. Example: SPEEDARR_BANDWIDTH_DOWNLOAD_TOTAL_MBPS=900.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/speedarr")
		v.AddConfigPath("$HOME/.speedarr")
	}

	v.SetEnvPrefix("SPEEDARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(slog.Default()); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("system.update_frequency", defaultUpdateFrequency)
	v.SetDefault("system.stats_timeout", defaultStatsTimeout)
	v.SetDefault("system.actuation_timeout", defaultActuationTimeout)
	v.SetDefault("system.shutdown_restore_timeout", defaultShutdownRestoreLimit)

	v.SetDefault("plex.url", "http://localhost:32400")
	v.SetDefault("plex.token", "")
	v.SetDefault("plex.include_lan_streams", false)

	v.SetDefault("bandwidth.download.total_mbps", 0.0)
	v.SetDefault("bandwidth.upload.total_mbps", 0.0)
	v.SetDefault("bandwidth.overhead_percent", defaultOverheadPercent)
	v.SetDefault("bandwidth.inactive_safety_net_percent", defaultSafetyNetPercent)
	v.SetDefault("bandwidth.download_reserve_percent", defaultDownloadReserve)
	v.SetDefault("bandwidth.episode_end_delay", defaultEpisodeEndDelay)
	v.SetDefault("bandwidth.movie_end_delay", defaultMovieEndDelay)

	v.SetDefault("snmp.enabled", false)
	v.SetDefault("snmp.port", defaultSNMPPort)
	v.SetDefault("snmp.community", defaultSNMPCommunity)
	v.SetDefault("snmp.timeout", defaultSNMPTimeout)
	v.SetDefault("snmp.retries", defaultSNMPRetries)
	v.SetDefault("snmp.sample_window", defaultSNMPSampleWindow)

	v.SetDefault("database.path", defaultDatabasePath)
	v.SetDefault("database.retention", defaultRetention)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration. Hard errors are returned only for
// values the system cannot run with; questionable tuning values (totals
// of zero, percent maps summing past 100) are logged as warnings and
// accepted as given.
func (c *Config) Validate(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if c.System.UpdateFrequency < minUpdateFrequency {
		logger.Warn("update_frequency below minimum, raising",
			slog.Duration("configured", c.System.UpdateFrequency),
			slog.Duration("minimum", minUpdateFrequency))
		c.System.UpdateFrequency = minUpdateFrequency
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Bandwidth.Download.TotalMbps <= 0 {
		logger.Warn("bandwidth.download.total_mbps is not positive; download limits will clamp to zero")
	}
	if c.Bandwidth.Upload.TotalMbps <= 0 {
		logger.Warn("bandwidth.upload.total_mbps is not positive; upload limits will clamp to zero")
	}
	warnPercentSum(logger, "bandwidth.download.client_percents", c.Bandwidth.Download.ClientPercents)
	warnPercentSum(logger, "bandwidth.upload.client_percents", c.Bandwidth.Upload.ClientPercents)

	for _, sched := range []struct {
		name string
		cfg  ScheduleConfig
	}{
		{"bandwidth.download.schedule", c.Bandwidth.Download.Schedule},
		{"bandwidth.upload.schedule", c.Bandwidth.Upload.Schedule},
	} {
		if !sched.cfg.Enabled {
			continue
		}
		if _, err := ParseTimeOfDay(sched.cfg.Start); err != nil {
			return fmt.Errorf("%s.start: %w", sched.name, err)
		}
		if _, err := ParseTimeOfDay(sched.cfg.End); err != nil {
			return fmt.Errorf("%s.end: %w", sched.name, err)
		}
	}

	seen := make(map[string]bool, len(c.Clients))
	for i := range c.Clients {
		cl := &c.Clients[i]
		if !knownClientTypes[cl.Type] {
			return fmt.Errorf("clients[%d].type %q is not supported", i, cl.Type)
		}
		if cl.URL == "" {
			return fmt.Errorf("clients[%d].url is required", i)
		}
		if cl.ID == "" {
			cl.ID = fmt.Sprintf("%s_%d", cl.Type, i+1)
		}
		if seen[cl.ID] {
			return fmt.Errorf("duplicate client id %q", cl.ID)
		}
		seen[cl.ID] = true
		if cl.Name == "" {
			cl.Name = cl.ID
		}
	}

	if c.SNMP.Enabled {
		if c.SNMP.Host == "" {
			return fmt.Errorf("snmp.host is required when snmp.enabled is true")
		}
		if c.SNMP.WANInterface <= 0 {
			logger.Warn("snmp.wan_interface is not set; link probe samples will be skipped")
		}
	}

	return nil
}

// knownClientTypes enumerates the supported download client daemons.
var knownClientTypes = map[string]bool{
	"qbittorrent":  true,
	"sabnzbd":      true,
	"nzbget":       true,
	"transmission": true,
	"deluge":       true,
}

// uploadCapableTypes marks which client types move upload traffic.
// Usenet daemons only download.
var uploadCapableTypes = map[string]bool{
	"qbittorrent":  true,
	"transmission": true,
	"deluge":       true,
}

// UploadCapable reports whether this client participates in upload
// allocation, honoring an explicit supports_upload override.
func (c *ClientConfig) UploadCapable() bool {
	if c.SupportsUpload != nil {
		return *c.SupportsUpload
	}
	return uploadCapableTypes[c.Type]
}

// EnabledClients returns the clients with Enabled set.
func (c *Config) EnabledClients() []ClientConfig {
	out := make([]ClientConfig, 0, len(c.Clients))
	for _, cl := range c.Clients {
		if cl.Enabled {
			out = append(out, cl)
		}
	}
	return out
}

// DelayFor returns the reservation hold duration for a media kind.
// Unknown kinds use the episode delay.
func (c *BandwidthConfig) DelayFor(mediaKind string) time.Duration {
	if strings.EqualFold(mediaKind, "movie") {
		return c.MovieEndDelay
	}
	return c.EpisodeEndDelay
}

func warnPercentSum(logger *slog.Logger, key string, percents map[string]float64) {
	if len(percents) == 0 {
		return
	}
	var sum float64
	for _, p := range percents {
		sum += p
	}
	if sum > 100 {
		logger.Warn("client percents sum above 100, values used as given",
			slog.String("key", key),
			slog.Float64("sum", sum))
	}
}
