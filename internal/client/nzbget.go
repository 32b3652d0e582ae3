package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/speedarr/speedarr/internal/observability"
	"github.com/speedarr/speedarr/pkg/httpclient"
)

// NZBGet talks to the NZBGet JSON-RPC API over HTTP basic auth.
// Download-only; the rate method takes KB/s.
type NZBGet struct {
	adapterBase
	baseURL  string
	username string
	password string
	http     *httpclient.Client
}

// NewNZBGet creates an NZBGet adapter.
func NewNZBGet(id, name, baseURL, username, password string, hc *httpclient.Client, logger *slog.Logger) *NZBGet {
	return &NZBGet{
		adapterBase: adapterBase{
			id:     id,
			name:   name,
			logger: observability.WithClient(observability.WithComponent(logger, "nzbget"), id),
		},
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     hc,
	}
}

func (n *NZBGet) Type() string         { return TypeNZBGet }
func (n *NZBGet) SupportsUpload() bool { return false }

func (n *NZBGet) rpc(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(map[string]any{
		"method":  method,
		"params":  params,
		"id":      1,
		"jsonrpc": "2.0",
	})
	if err != nil {
		return fmt.Errorf("marshaling rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/jsonrpc", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(n.username, n.password)

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("nzbget rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("nzbget rpc %s: %w", method, ErrNotAuthenticated)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nzbget rpc %s: status %s", method, resp.Status)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("nzbget rpc %s: decoding: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("nzbget rpc %s: %d %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("nzbget rpc %s: decoding result: %w", method, err)
	}
	return nil
}

func (n *NZBGet) TestConnection(ctx context.Context) error {
	return n.rpc(ctx, "version", nil, nil)
}

type nzbgetStatus struct {
	DownloadRate  float64 `json:"DownloadRate"`
	DownloadLimit float64 `json:"DownloadLimit"`
}

func (n *NZBGet) Stats(ctx context.Context) (Stats, error) {
	var status nzbgetStatus
	if err := n.rpc(ctx, "status", nil, &status); err != nil {
		return Stats{}, err
	}

	limit := 0.0
	if status.DownloadLimit > 0 {
		limit = bytesPerSecToMbps(status.DownloadLimit)
	}
	n.recordOriginal(limit, 0)

	return Stats{
		DownloadMbps:      bytesPerSecToMbps(status.DownloadRate),
		DownloadLimitMbps: limit,
		ActiveWork:        status.DownloadRate > noiseFloorBytes,
	}, nil
}

func (n *NZBGet) Limits(ctx context.Context) (float64, float64, error) {
	var status nzbgetStatus
	if err := n.rpc(ctx, "status", nil, &status); err != nil {
		return 0, 0, err
	}
	if status.DownloadLimit <= 0 {
		return 0, 0, nil
	}
	return bytesPerSecToMbps(status.DownloadLimit), 0, nil
}

func (n *NZBGet) SetLimits(ctx context.Context, download, upload *float64) error {
	if download == nil {
		return nil
	}
	// 1 Mbps = 125 KB/s; 0 removes the limit.
	rateKB := int64(*download * 125)
	var ok bool
	if err := n.rpc(ctx, "rate", []any{rateKB}, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("nzbget rate call rejected")
	}
	n.logger.Debug("set download limit",
		slog.Float64("download_mbps", *download),
		slog.Int64("rate_kb", rateKB))
	return nil
}

func (n *NZBGet) RestoreLimits(ctx context.Context) error {
	orig, ok := n.originalLimits()
	if !ok {
		return nil
	}
	return n.SetLimits(ctx, &orig.download, nil)
}

func (n *NZBGet) Close() error { return nil }

var _ Adapter = (*NZBGet)(nil)
