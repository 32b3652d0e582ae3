// Package metrics persists per-tick bandwidth measurements, throttle
// decisions, and monitor events to a local SQLite database.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/speedarr/speedarr/internal/config"
	"github.com/speedarr/speedarr/internal/models"
	"github.com/speedarr/speedarr/internal/monitor"
	"github.com/speedarr/speedarr/internal/observability"
)

// Store writes monitor output to SQLite. It implements both
// monitor.MetricsSink and monitor.EventSink.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var (
	_ monitor.MetricsSink = (*Store)(nil)
	_ monitor.EventSink   = (*Store)(nil)
)

// Open connects to the database at cfg.Path and migrates the schema.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening metrics database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.BandwidthMetric{},
		&models.ThrottleDecision{},
		&models.Event{},
	); err != nil {
		return nil, fmt.Errorf("migrating metrics schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: observability.WithComponent(logger, "metrics"),
	}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordTick stores one tick as a metric row plus one decision row per
// client.
func (s *Store) RecordTick(ctx context.Context, tick monitor.TickMetrics) error {
	stats := make(models.ClientStatsMap, len(tick.Clients))
	for id, ct := range tick.Clients {
		stats[id] = models.ClientStat{
			DownloadMbps:      ct.DownloadMbps,
			UploadMbps:        ct.UploadMbps,
			DownloadLimitMbps: ct.DownloadLimitMbps,
			UploadLimitMbps:   ct.UploadLimitMbps,
			NewDownloadMbps:   ct.NewDownloadMbps,
			NewUploadMbps:     ct.NewUploadMbps,
		}
	}

	metric := models.BandwidthMetric{
		CorrelationID:    tick.CorrelationID,
		ActiveStreams:    tick.ActiveStreams,
		RawStreamMbps:    tick.RawStreamMbps,
		StreamCostMbps:   tick.StreamCostMbps,
		ReservedMbps:          tick.ReservedMbps,
		LinkInboundMbps:       tick.LinkInboundMbps,
		LinkOutboundMbps:      tick.LinkOutboundMbps,
		EffectiveDownloadMbps: tick.EffectiveDownloadMbps,
		EffectiveUploadMbps:   tick.EffectiveUploadMbps,
		ClientStats:           stats,
	}
	if err := s.db.WithContext(ctx).Create(&metric).Error; err != nil {
		return fmt.Errorf("recording metric: %w", err)
	}

	for id, ct := range tick.Clients {
		decision := models.ThrottleDecision{
			CorrelationID:     tick.CorrelationID,
			ClientID:          id,
			DownloadLimitMbps: ct.NewDownloadMbps,
			UploadLimitMbps:   ct.NewUploadMbps,
			Reason:            ct.Reason,
			Applied:           ct.Applied,
			Error:             ct.Error,
		}
		if err := s.db.WithContext(ctx).Create(&decision).Error; err != nil {
			return fmt.Errorf("recording decision for %s: %w", id, err)
		}
	}
	return nil
}

// Publish stores a monitor event.
func (s *Store) Publish(ctx context.Context, event monitor.Event) error {
	details := ""
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshaling event details: %w", err)
		}
		details = string(data)
	}

	row := models.Event{
		Type:    event.Type,
		Subject: event.Subject,
		Message: event.Message,
		Details: details,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// Prune deletes rows older than the retention window.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	var pruned int64

	for _, model := range []any{
		&models.BandwidthMetric{},
		&models.ThrottleDecision{},
		&models.Event{},
	} {
		res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(model)
		if res.Error != nil {
			return fmt.Errorf("pruning: %w", res.Error)
		}
		pruned += res.RowsAffected
	}

	if pruned > 0 {
		s.logger.Info("pruned old rows",
			slog.Int64("rows", pruned),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

// RecentMetrics returns the newest metric rows, most recent first.
func (s *Store) RecentMetrics(ctx context.Context, limit int) ([]models.BandwidthMetric, error) {
	var rows []models.BandwidthMetric
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	return rows, nil
}

// RecentEvents returns the newest events, most recent first, optionally
// filtered by type.
func (s *Store) RecentEvents(ctx context.Context, eventType string, limit int) ([]models.Event, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if eventType != "" {
		q = q.Where("type = ?", eventType)
	}
	var rows []models.Event
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	return rows, nil
}

// DecisionsFor returns the decision rows recorded for one tick.
func (s *Store) DecisionsFor(ctx context.Context, correlationID string) ([]models.ThrottleDecision, error) {
	var rows []models.ThrottleDecision
	err := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("client_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	return rows, nil
}
