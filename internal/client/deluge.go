package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/speedarr/speedarr/internal/observability"
	"github.com/speedarr/speedarr/pkg/httpclient"
)

// delugeAuthErrorCode is the JSON-RPC error code Deluge returns for an
// expired or missing web session.
const delugeAuthErrorCode = 1

// Deluge talks to the Deluge Web UI JSON-RPC API. The web session is a
// cookie; an "Not authenticated" RPC error triggers one re-login and
// retry. Config limits are KB/s with -1 meaning unlimited.
type Deluge struct {
	adapterBase
	baseURL  string
	password string
	http     *httpclient.Client

	authMu        sync.Mutex
	authenticated bool
	requestID     int
}

// NewDeluge creates a Deluge adapter. The client must carry a cookie
// jar for the web session.
func NewDeluge(id, name, baseURL, password string, hc *httpclient.Client, logger *slog.Logger) *Deluge {
	return &Deluge{
		adapterBase: adapterBase{
			id:     id,
			name:   name,
			logger: observability.WithClient(observability.WithComponent(logger, "deluge"), id),
		},
		baseURL:  strings.TrimRight(baseURL, "/"),
		password: password,
		http:     hc,
	}
}

func (d *Deluge) Type() string         { return TypeDeluge }
func (d *Deluge) SupportsUpload() bool { return true }

type delugeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (d *Deluge) nextID() int {
	d.authMu.Lock()
	defer d.authMu.Unlock()
	d.requestID++
	return d.requestID
}

// rawRPC performs one JSON-RPC call without auth recovery.
func (d *Deluge) rawRPC(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
		"id":     d.nextID(),
	})
	if err != nil {
		return fmt.Errorf("marshaling rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("deluge rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deluge rpc %s: status %s", method, resp.Status)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *delugeError    `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("deluge rpc %s: decoding: %w", method, err)
	}
	if envelope.Error != nil {
		if envelope.Error.Code == delugeAuthErrorCode && strings.Contains(envelope.Error.Message, "Not authenticated") {
			return fmt.Errorf("deluge rpc %s: %s: %w", method, envelope.Error.Message, ErrNotAuthenticated)
		}
		return fmt.Errorf("deluge rpc %s: %d %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("deluge rpc %s: decoding result: %w", method, err)
	}
	return nil
}

// rpc performs a call, re-authenticating once if the session expired.
func (d *Deluge) rpc(ctx context.Context, method string, params []any, out any) error {
	if err := d.ensureAuthenticated(ctx); err != nil {
		return err
	}
	err := d.rawRPC(ctx, method, params, out)
	if errors.Is(err, ErrNotAuthenticated) {
		d.authMu.Lock()
		d.authenticated = false
		d.authMu.Unlock()
		d.logger.Debug("session expired, re-authenticating")
		if err := d.ensureAuthenticated(ctx); err != nil {
			return err
		}
		return d.rawRPC(ctx, method, params, out)
	}
	return err
}

func (d *Deluge) ensureAuthenticated(ctx context.Context) error {
	d.authMu.Lock()
	already := d.authenticated
	d.authMu.Unlock()
	if already {
		return nil
	}

	var ok bool
	if err := d.rawRPC(ctx, "auth.login", []any{d.password}, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("deluge login rejected: %w", ErrNotAuthenticated)
	}

	d.authMu.Lock()
	d.authenticated = true
	d.authMu.Unlock()
	d.logger.Debug("authenticated")

	var connected bool
	if err := d.rawRPC(ctx, "web.connected", nil, &connected); err != nil {
		return fmt.Errorf("checking daemon connection: %w", err)
	}
	if connected {
		return nil
	}

	// Web UI not attached to a daemon yet. Connect to the first
	// configured host.
	var hosts [][]any
	if err := d.rawRPC(ctx, "web.get_hosts", nil, &hosts); err != nil {
		return fmt.Errorf("listing daemons: %w", err)
	}
	if len(hosts) == 0 || len(hosts[0]) == 0 {
		d.logger.Warn("no daemons configured in deluge web ui")
		return nil
	}
	hostID, _ := hosts[0][0].(string)
	if err := d.rawRPC(ctx, "web.connect", []any{hostID}, nil); err != nil {
		d.logger.Warn("failed to connect to deluge daemon",
			slog.String("host_id", hostID),
			slog.String("error", err.Error()))
		return nil
	}
	d.logger.Debug("connected to daemon", slog.String("host_id", hostID))
	return nil
}

func (d *Deluge) TestConnection(ctx context.Context) error {
	return d.ensureAuthenticated(ctx)
}

func (d *Deluge) Stats(ctx context.Context) (Stats, error) {
	var status struct {
		DownloadRate float64 `json:"download_rate"`
		UploadRate   float64 `json:"upload_rate"`
	}
	if err := d.rpc(ctx, "core.get_session_status", []any{[]string{"download_rate", "upload_rate"}}, &status); err != nil {
		return Stats{}, err
	}

	down, up, err := d.Limits(ctx)
	if err != nil {
		return Stats{}, err
	}
	d.recordOriginal(down, up)

	return Stats{
		DownloadMbps:      bytesPerSecToMbps(status.DownloadRate),
		UploadMbps:        bytesPerSecToMbps(status.UploadRate),
		DownloadLimitMbps: down,
		UploadLimitMbps:   up,
		ActiveWork:        status.DownloadRate > noiseFloorBytes || status.UploadRate > noiseFloorBytes,
	}, nil
}

func (d *Deluge) Limits(ctx context.Context) (float64, float64, error) {
	var cfg struct {
		MaxDownloadSpeed float64 `json:"max_download_speed"`
		MaxUploadSpeed   float64 `json:"max_upload_speed"`
	}
	if err := d.rpc(ctx, "core.get_config", nil, &cfg); err != nil {
		return 0, 0, err
	}

	var down, up float64
	if cfg.MaxDownloadSpeed > 0 {
		down = kbPerSecToMbps(cfg.MaxDownloadSpeed)
	}
	if cfg.MaxUploadSpeed > 0 {
		up = kbPerSecToMbps(cfg.MaxUploadSpeed)
	}
	return down, up, nil
}

func (d *Deluge) SetLimits(ctx context.Context, download, upload *float64) error {
	updates := map[string]any{}
	if download != nil {
		updates["max_download_speed"] = delugeLimitKB(*download)
	}
	if upload != nil {
		updates["max_upload_speed"] = delugeLimitKB(*upload)
	}
	if len(updates) == 0 {
		return nil
	}
	if err := d.rpc(ctx, "core.set_config", []any{updates}, nil); err != nil {
		return err
	}
	d.logger.Debug("set limits",
		slog.Any("download_mbps", download),
		slog.Any("upload_mbps", upload))
	return nil
}

// delugeLimitKB converts Mbps to Deluge's KB/s config value, -1 being
// unlimited.
func delugeLimitKB(mbps float64) float64 {
	if mbps <= 0 {
		return -1
	}
	return mbps * 1000 / 8
}

func (d *Deluge) RestoreLimits(ctx context.Context) error {
	orig, ok := d.originalLimits()
	if !ok {
		return nil
	}
	return d.SetLimits(ctx, &orig.download, &orig.upload)
}

func (d *Deluge) Close() error { return nil }

var _ Adapter = (*Deluge)(nil)
