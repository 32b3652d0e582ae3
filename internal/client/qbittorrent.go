package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/speedarr/speedarr/internal/observability"
	"github.com/speedarr/speedarr/pkg/httpclient"
)

// QBittorrent talks to the qBittorrent Web API v2. Authentication is a
// cookie session; a 403 on any call triggers one re-login and retry.
type QBittorrent struct {
	adapterBase
	baseURL  string
	username string
	password string
	http     *httpclient.Client

	authMu        sync.Mutex
	authenticated bool
}

// NewQBittorrent creates a qBittorrent adapter.
func NewQBittorrent(id, name, baseURL, username, password string, hc *httpclient.Client, logger *slog.Logger) *QBittorrent {
	return &QBittorrent{
		adapterBase: adapterBase{
			id:     id,
			name:   name,
			logger: observability.WithClient(observability.WithComponent(logger, "qbittorrent"), id),
		},
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     hc,
	}
}

func (q *QBittorrent) Type() string         { return TypeQBittorrent }
func (q *QBittorrent) SupportsUpload() bool { return true }

func (q *QBittorrent) TestConnection(ctx context.Context) error {
	return q.ensureAuthenticated(ctx)
}

func (q *QBittorrent) ensureAuthenticated(ctx context.Context) error {
	q.authMu.Lock()
	defer q.authMu.Unlock()
	if q.authenticated {
		return nil
	}

	form := url.Values{"username": {q.username}, "password": {q.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := q.http.Do(req)
	if err != nil {
		return fmt.Errorf("qbittorrent login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qbittorrent login: status %s: %w", resp.Status, ErrNotAuthenticated)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("qbittorrent login: reading response: %w", err)
	}
	if strings.TrimSpace(string(body)) != "Ok." {
		return fmt.Errorf("qbittorrent login rejected: %w", ErrNotAuthenticated)
	}

	q.authenticated = true
	q.logger.Debug("authenticated")
	return nil
}

// request performs an authenticated call, re-logging-in once on 403.
func (q *QBittorrent) request(ctx context.Context, method, path string, form url.Values) (*http.Response, error) {
	if err := q.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	do := func() (*http.Response, error) {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return q.http.Do(req)
	}

	resp, err := do()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		q.logger.Info("session rejected, re-authenticating")
		q.authMu.Lock()
		q.authenticated = false
		q.authMu.Unlock()
		if err := q.ensureAuthenticated(ctx); err != nil {
			return nil, err
		}
		return do()
	}
	return resp, nil
}

func (q *QBittorrent) Stats(ctx context.Context) (Stats, error) {
	resp, err := q.request(ctx, http.MethodGet, "/api/v2/transfer/info", nil)
	if err != nil {
		return Stats{}, fmt.Errorf("qbittorrent transfer info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("qbittorrent transfer info: status %s", resp.Status)
	}

	var info struct {
		DlSpeed float64 `json:"dl_info_speed"`
		UpSpeed float64 `json:"up_info_speed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Stats{}, fmt.Errorf("qbittorrent transfer info: decoding: %w", err)
	}

	down, up, err := q.Limits(ctx)
	if err != nil {
		return Stats{}, err
	}
	q.recordOriginal(down, up)

	return Stats{
		DownloadMbps:      bytesPerSecToMbps(info.DlSpeed),
		UploadMbps:        bytesPerSecToMbps(info.UpSpeed),
		DownloadLimitMbps: down,
		UploadLimitMbps:   up,
		ActiveWork:        info.DlSpeed > noiseFloorBytes || info.UpSpeed > noiseFloorBytes,
	}, nil
}

func (q *QBittorrent) Limits(ctx context.Context) (float64, float64, error) {
	down, err := q.fetchLimit(ctx, "/api/v2/transfer/downloadLimit")
	if err != nil {
		return 0, 0, err
	}
	up, err := q.fetchLimit(ctx, "/api/v2/transfer/uploadLimit")
	if err != nil {
		return 0, 0, err
	}
	return down, up, nil
}

// fetchLimit reads a plain-text bytes/s limit, 0 meaning unlimited.
func (q *QBittorrent) fetchLimit(ctx context.Context, path string) (float64, error) {
	resp, err := q.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, fmt.Errorf("qbittorrent limit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("qbittorrent limit: status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("qbittorrent limit: reading: %w", err)
	}
	bytes, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("qbittorrent limit: parsing %q: %w", string(body), err)
	}
	if bytes <= 0 {
		return 0, nil
	}
	return bytesPerSecToMbps(float64(bytes)), nil
}

func (q *QBittorrent) SetLimits(ctx context.Context, download, upload *float64) error {
	if download != nil {
		if err := q.setLimit(ctx, "/api/v2/transfer/setDownloadLimit", *download); err != nil {
			return err
		}
	}
	if upload != nil {
		if err := q.setLimit(ctx, "/api/v2/transfer/setUploadLimit", *upload); err != nil {
			return err
		}
	}
	return nil
}

func (q *QBittorrent) setLimit(ctx context.Context, path string, mbps float64) error {
	form := url.Values{"limit": {strconv.FormatInt(mbpsToBytesPerSec(mbps), 10)}}
	resp, err := q.request(ctx, http.MethodPost, path, form)
	if err != nil {
		return fmt.Errorf("qbittorrent set limit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qbittorrent set limit: status %s", resp.Status)
	}
	return nil
}

func (q *QBittorrent) RestoreLimits(ctx context.Context) error {
	orig, ok := q.originalLimits()
	if !ok {
		return nil
	}
	q.logger.Debug("restoring original limits",
		slog.Float64("download_mbps", orig.download),
		slog.Float64("upload_mbps", orig.upload))
	return q.SetLimits(ctx, &orig.download, &orig.upload)
}

func (q *QBittorrent) Close() error { return nil }

var _ Adapter = (*QBittorrent)(nil)
