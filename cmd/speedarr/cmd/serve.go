package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/speedarr/speedarr/internal/bandwidth"
	"github.com/speedarr/speedarr/internal/client"
	"github.com/speedarr/speedarr/internal/config"
	"github.com/speedarr/speedarr/internal/metrics"
	"github.com/speedarr/speedarr/internal/monitor"
	"github.com/speedarr/speedarr/internal/observability"
	"github.com/speedarr/speedarr/internal/reservation"
	"github.com/speedarr/speedarr/internal/snmp"
	"github.com/speedarr/speedarr/internal/stream"
	"github.com/speedarr/speedarr/internal/version"
	"github.com/speedarr/speedarr/pkg/httpclient"
)

// pruneInterval is how often retention is enforced on the metrics
// database.
const pruneInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the speedarr monitor",
	Long: `Start the polling monitor.

Two loops run at the configured update frequency: one watches the media
server for stream starts and stops, the other measures download client
throughput and applies the computed speed limits. SIGHUP reloads the
configuration without restarting; on shutdown each client's original
limits are restored.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger()

	store, err := metrics.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("opening metrics store: %w", err)
	}
	defer store.Close()

	adapters, err := buildAdapters(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}

	source := stream.NewPlex(cfg.Plex, httpclient.New(httpclient.Config{
		Timeout:   cfg.System.StatsTimeout,
		UserAgent: version.UserAgent(),
		Logger:    log,
	}), log)
	if err := source.TestConnection(cmd.Context()); err != nil {
		observability.WithError(log, err).Warn("media server unreachable at startup, polling will retry")
	}

	var probe monitor.LinkProbe
	if cfg.SNMP.Enabled {
		p, err := snmp.NewProbe(cfg.SNMP, log)
		if err != nil {
			return fmt.Errorf("starting snmp probe: %w", err)
		}
		probe = p
	}

	engine := bandwidth.NewEngine(bandwidth.Params{
		OverheadPercent:        cfg.Bandwidth.OverheadPercent,
		SafetyNetPercent:       cfg.Bandwidth.InactiveSafetyNetPercent,
		DownloadReservePercent: cfg.Bandwidth.DownloadReservePercent,
		IncludeLANStreams:      cfg.Plex.IncludeLANStreams,
	})

	m := monitor.New(monitor.Options{
		Config:       cfg,
		Source:       source,
		Adapters:     adapters,
		Probe:        probe,
		Reservations: reservation.NewTable(log),
		Engine:       engine,
		Metrics:      store,
		Events:       store,
		Logger:       log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting speedarr",
		slog.String("version", version.Short()),
		slog.Int("clients", len(adapters)),
		slog.Bool("snmp", cfg.SNMP.Enabled),
		slog.Duration("update_frequency", cfg.System.UpdateFrequency))
	m.Start(ctx)

	go runRetention(ctx, store, cfg.Database.Retention, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			reloaded, err := config.Load(cfgFile)
			if err != nil {
				observability.WithError(log, err).Error("reload failed, keeping current configuration")
				continue
			}
			m.Reload(reloaded)
			continue
		}

		log.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		m.Stop()
		return nil
	}
}

// buildAdapters constructs an adapter per enabled client and verifies
// connectivity. A client that is down at startup is kept; the monitor's
// failure tracking takes over from there.
func buildAdapters(ctx context.Context, cfg *config.Config, log *slog.Logger) ([]client.Adapter, error) {
	enabled := cfg.EnabledClients()
	adapters := make([]client.Adapter, 0, len(enabled))
	for _, cc := range enabled {
		adapter, err := client.New(cc, cfg.System.ActuationTimeout, log)
		if err != nil {
			return nil, fmt.Errorf("configuring client %q: %w", cc.ID, err)
		}

		testCtx, cancel := context.WithTimeout(ctx, cfg.System.StatsTimeout)
		err = adapter.TestConnection(testCtx)
		cancel()
		if err != nil {
			observability.WithError(observability.WithClient(log, cc.ID), err).
				Warn("client unreachable at startup, polling will retry")
		} else {
			observability.WithClient(log, cc.ID).Info("client connected",
				slog.String("type", cc.Type),
				slog.Bool("supports_upload", adapter.SupportsUpload()))
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

// runRetention prunes metric rows past the retention window on a fixed
// interval.
func runRetention(ctx context.Context, store *metrics.Store, retention time.Duration, log *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx, retention); err != nil {
				observability.WithError(log, err).Warn("metrics retention prune failed")
			}
		}
	}
}
