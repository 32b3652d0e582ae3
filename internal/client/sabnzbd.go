package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/speedarr/speedarr/internal/observability"
	"github.com/speedarr/speedarr/pkg/httpclient"
)

// SABnzbd talks to the SABnzbd JSON API. Download-only; speed limits
// are written as decimal MB/s with an "M" suffix.
type SABnzbd struct {
	adapterBase
	baseURL string
	apiKey  string
	http    *httpclient.Client
}

// NewSABnzbd creates a SABnzbd adapter.
func NewSABnzbd(id, name, baseURL, apiKey string, hc *httpclient.Client, logger *slog.Logger) *SABnzbd {
	return &SABnzbd{
		adapterBase: adapterBase{
			id:     id,
			name:   name,
			logger: observability.WithClient(observability.WithComponent(logger, "sabnzbd"), id),
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
	}
}

func (s *SABnzbd) Type() string         { return TypeSABnzbd }
func (s *SABnzbd) SupportsUpload() bool { return false }

func (s *SABnzbd) apiCall(ctx context.Context, mode string, extra url.Values, out any) error {
	params := url.Values{
		"apikey": {s.apiKey},
		"mode":   {mode},
		"output": {"json"},
	}
	for k, vs := range extra {
		params[k] = vs
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("sabnzbd api %s: %w", mode, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sabnzbd api %s: status %s", mode, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sabnzbd api %s: decoding: %w", mode, err)
	}
	return nil
}

func (s *SABnzbd) TestConnection(ctx context.Context) error {
	var resp struct {
		Version string `json:"version"`
	}
	if err := s.apiCall(ctx, "version", nil, &resp); err != nil {
		return err
	}
	if resp.Version == "" {
		return fmt.Errorf("sabnzbd version check: empty response: %w", ErrNotAuthenticated)
	}
	return nil
}

// sabQueue is the subset of the queue response we read. SABnzbd
// reports numbers as strings.
type sabQueue struct {
	Queue struct {
		KBPerSec      string `json:"kbpersec"`
		SpeedLimitAbs string `json:"speedlimit_abs"`
	} `json:"queue"`
}

func (s *SABnzbd) queue(ctx context.Context) (speedKB, limitMbps float64, err error) {
	var resp sabQueue
	if err := s.apiCall(ctx, "queue", nil, &resp); err != nil {
		return 0, 0, err
	}

	speedKB = parseSabFloat(resp.Queue.KBPerSec)
	// speedlimit_abs is the effective limit in bytes/s regardless of
	// how it was configured.
	limitBytes := parseSabFloat(resp.Queue.SpeedLimitAbs)
	if limitBytes > 0 {
		limitMbps = bytesPerSecToMbps(limitBytes)
	}
	return speedKB, limitMbps, nil
}

func parseSabFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func (s *SABnzbd) Stats(ctx context.Context) (Stats, error) {
	speedKB, limit, err := s.queue(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.recordOriginal(limit, 0)

	return Stats{
		DownloadMbps:      speedKB / 1024 * 8,
		DownloadLimitMbps: limit,
		ActiveWork:        speedKB > 1,
	}, nil
}

func (s *SABnzbd) Limits(ctx context.Context) (float64, float64, error) {
	_, limit, err := s.queue(ctx)
	return limit, 0, err
}

func (s *SABnzbd) SetLimits(ctx context.Context, download, upload *float64) error {
	if download == nil {
		return nil
	}
	value := "0"
	if *download > 0 {
		value = fmt.Sprintf("%.1fM", *download/8)
	}
	params := url.Values{"name": {"speedlimit"}, "value": {value}}
	if err := s.apiCall(ctx, "config", params, nil); err != nil {
		return err
	}
	s.logger.Debug("set download limit",
		slog.Float64("download_mbps", *download),
		slog.String("value", value))
	return nil
}

// RestoreLimits removes the speed limit entirely. SABnzbd keeps its
// configured percentage-based limit separately, so clearing the
// absolute limit returns control to the daemon's own settings.
func (s *SABnzbd) RestoreLimits(ctx context.Context) error {
	params := url.Values{"name": {"speedlimit"}, "value": {"0"}}
	return s.apiCall(ctx, "config", params, nil)
}

func (s *SABnzbd) Close() error { return nil }

var _ Adapter = (*SABnzbd)(nil)
