package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/speedarr/speedarr/internal/observability"
	"github.com/speedarr/speedarr/pkg/httpclient"
)

// Transmission talks to the Transmission RPC API. The daemon issues a
// CSRF session id via a 409 response; we capture it and retry once.
// Limits are decimal KB/s paired with enabled flags, where disabled
// means unlimited.
type Transmission struct {
	adapterBase
	baseURL  string
	username string
	password string
	http     *httpclient.Client

	sessionMu sync.Mutex
	sessionID string
}

// NewTransmission creates a Transmission adapter. Credentials are
// optional.
func NewTransmission(id, name, baseURL, username, password string, hc *httpclient.Client, logger *slog.Logger) *Transmission {
	return &Transmission{
		adapterBase: adapterBase{
			id:     id,
			name:   name,
			logger: observability.WithClient(observability.WithComponent(logger, "transmission"), id),
		},
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     hc,
	}
}

func (t *Transmission) Type() string         { return TypeTransmission }
func (t *Transmission) SupportsUpload() bool { return true }

func (t *Transmission) rpc(ctx context.Context, method string, arguments any, out any) error {
	payload, err := json.Marshal(map[string]any{
		"method":    method,
		"arguments": arguments,
	})
	if err != nil {
		return fmt.Errorf("marshaling rpc request: %w", err)
	}

	do := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/transmission/rpc", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("building rpc request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if t.username != "" {
			req.SetBasicAuth(t.username, t.password)
		}
		t.sessionMu.Lock()
		if t.sessionID != "" {
			req.Header.Set("X-Transmission-Session-Id", t.sessionID)
		}
		t.sessionMu.Unlock()
		return t.http.Do(req)
	}

	resp, err := do()
	if err != nil {
		return fmt.Errorf("transmission rpc %s: %w", method, err)
	}
	if resp.StatusCode == http.StatusConflict {
		id := resp.Header.Get("X-Transmission-Session-Id")
		resp.Body.Close()
		t.sessionMu.Lock()
		t.sessionID = id
		t.sessionMu.Unlock()
		resp, err = do()
		if err != nil {
			return fmt.Errorf("transmission rpc %s: %w", method, err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("transmission rpc %s: %w", method, ErrNotAuthenticated)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transmission rpc %s: status %s", method, resp.Status)
	}

	var envelope struct {
		Result    string          `json:"result"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("transmission rpc %s: decoding: %w", method, err)
	}
	if envelope.Result != "success" {
		return fmt.Errorf("transmission rpc %s: %s", method, envelope.Result)
	}
	if out == nil || len(envelope.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Arguments, out); err != nil {
		return fmt.Errorf("transmission rpc %s: decoding arguments: %w", method, err)
	}
	return nil
}

func (t *Transmission) TestConnection(ctx context.Context) error {
	return t.rpc(ctx, "session-get", nil, nil)
}

type transmissionSession struct {
	SpeedLimitDown        float64 `json:"speed-limit-down"`
	SpeedLimitDownEnabled bool    `json:"speed-limit-down-enabled"`
	SpeedLimitUp          float64 `json:"speed-limit-up"`
	SpeedLimitUpEnabled   bool    `json:"speed-limit-up-enabled"`
}

func (t *Transmission) Stats(ctx context.Context) (Stats, error) {
	var stats struct {
		DownloadSpeed float64 `json:"downloadSpeed"`
		UploadSpeed   float64 `json:"uploadSpeed"`
	}
	if err := t.rpc(ctx, "session-stats", nil, &stats); err != nil {
		return Stats{}, err
	}

	down, up, err := t.Limits(ctx)
	if err != nil {
		return Stats{}, err
	}
	t.recordOriginal(down, up)

	return Stats{
		DownloadMbps:      bytesPerSecToMbps(stats.DownloadSpeed),
		UploadMbps:        bytesPerSecToMbps(stats.UploadSpeed),
		DownloadLimitMbps: down,
		UploadLimitMbps:   up,
		ActiveWork:        stats.DownloadSpeed > noiseFloorBytes || stats.UploadSpeed > noiseFloorBytes,
	}, nil
}

func (t *Transmission) Limits(ctx context.Context) (float64, float64, error) {
	var session transmissionSession
	if err := t.rpc(ctx, "session-get", nil, &session); err != nil {
		return 0, 0, err
	}

	var down, up float64
	if session.SpeedLimitDownEnabled && session.SpeedLimitDown > 0 {
		down = kbPerSecToMbps(session.SpeedLimitDown)
	}
	if session.SpeedLimitUpEnabled && session.SpeedLimitUp > 0 {
		up = kbPerSecToMbps(session.SpeedLimitUp)
	}
	return down, up, nil
}

func (t *Transmission) SetLimits(ctx context.Context, download, upload *float64) error {
	arguments := map[string]any{}
	if download != nil {
		kb := mbpsToKBPerSec(*download)
		arguments["speed-limit-down"] = kb
		arguments["speed-limit-down-enabled"] = kb > 0
	}
	if upload != nil {
		kb := mbpsToKBPerSec(*upload)
		arguments["speed-limit-up"] = kb
		arguments["speed-limit-up-enabled"] = kb > 0
	}
	if len(arguments) == 0 {
		return nil
	}
	if err := t.rpc(ctx, "session-set", arguments, nil); err != nil {
		return err
	}
	t.logger.Debug("set limits",
		slog.Any("download_mbps", download),
		slog.Any("upload_mbps", upload))
	return nil
}

func (t *Transmission) RestoreLimits(ctx context.Context) error {
	orig, ok := t.originalLimits()
	if !ok {
		return nil
	}
	return t.SetLimits(ctx, &orig.download, &orig.upload)
}

func (t *Transmission) Close() error { return nil }

var _ Adapter = (*Transmission)(nil)
