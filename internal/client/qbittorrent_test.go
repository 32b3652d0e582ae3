package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQBittorrent is a minimal qBittorrent Web API v2.
type fakeQBittorrent struct {
	dlSpeed       float64
	upSpeed       float64
	dlLimitBytes  int64
	upLimitBytes  int64
	loginCount    int
	rejectSession bool // force one 403 on the next API call
}

func (f *fakeQBittorrent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.loginCount++
		if r.PostFormValue("username") != "admin" || r.PostFormValue("password") != "secret" {
			fmt.Fprint(w, "Fails.")
			return
		}
		fmt.Fprint(w, "Ok.")
	})
	authed := func(w http.ResponseWriter) bool {
		if f.rejectSession {
			f.rejectSession = false
			w.WriteHeader(http.StatusForbidden)
			return false
		}
		return true
	}
	mux.HandleFunc("/api/v2/transfer/info", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w) {
			return
		}
		fmt.Fprintf(w, `{"dl_info_speed": %f, "up_info_speed": %f}`, f.dlSpeed, f.upSpeed)
	})
	mux.HandleFunc("/api/v2/transfer/downloadLimit", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w) {
			return
		}
		fmt.Fprintf(w, "%d", f.dlLimitBytes)
	})
	mux.HandleFunc("/api/v2/transfer/uploadLimit", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w) {
			return
		}
		fmt.Fprintf(w, "%d", f.upLimitBytes)
	})
	mux.HandleFunc("/api/v2/transfer/setDownloadLimit", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w) {
			return
		}
		r.ParseForm()
		fmt.Sscanf(r.PostFormValue("limit"), "%d", &f.dlLimitBytes)
	})
	mux.HandleFunc("/api/v2/transfer/setUploadLimit", func(w http.ResponseWriter, r *http.Request) {
		if !authed(w) {
			return
		}
		r.ParseForm()
		fmt.Sscanf(r.PostFormValue("limit"), "%d", &f.upLimitBytes)
	})
	return mux
}

func newFakeQBittorrent(t *testing.T) (*fakeQBittorrent, *QBittorrent) {
	t.Helper()
	fake := &fakeQBittorrent{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	q := NewQBittorrent("q1", "qbt", srv.URL, "admin", "secret", testHTTPClient(t, true), testLogger(t))
	return fake, q
}

func TestQBittorrentStats(t *testing.T) {
	fake, q := newFakeQBittorrent(t)
	fake.dlSpeed = 13107200 // 100 Mbps in bytes/s
	fake.upSpeed = 512
	fake.dlLimitBytes = 65536000 // 500 Mbps

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100.0, stats.DownloadMbps, 0.01)
	assert.InDelta(t, 500.0, stats.DownloadLimitMbps, 0.01)
	assert.Zero(t, stats.UploadLimitMbps)
	assert.True(t, stats.ActiveWork)

	fake.dlSpeed = 0
	fake.upSpeed = 100 // below the noise floor
	stats, err = q.Stats(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.ActiveWork)
}

func TestQBittorrentSetLimits(t *testing.T) {
	fake, q := newFakeQBittorrent(t)

	down := 450.0
	up := 20.0
	require.NoError(t, q.SetLimits(context.Background(), &down, &up))
	assert.Equal(t, int64(58982400), fake.dlLimitBytes)
	assert.Equal(t, int64(2621440), fake.upLimitBytes)

	// nil leaves a direction untouched, zero removes the limit.
	zero := 0.0
	require.NoError(t, q.SetLimits(context.Background(), &zero, nil))
	assert.Equal(t, int64(0), fake.dlLimitBytes)
	assert.Equal(t, int64(2621440), fake.upLimitBytes)
}

func TestQBittorrentReauthOn403(t *testing.T) {
	fake, q := newFakeQBittorrent(t)
	fake.dlLimitBytes = 1048576

	_, _, err := q.Limits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.loginCount)

	fake.rejectSession = true
	down, _, err := q.Limits(context.Background())
	require.NoError(t, err, "single 403 recovers via re-login")
	assert.InDelta(t, 8.0, down, 0.01)
	assert.Equal(t, 2, fake.loginCount)
}

func TestQBittorrentBadCredentials(t *testing.T) {
	fake := &fakeQBittorrent{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	q := NewQBittorrent("q1", "qbt", srv.URL, "admin", "wrong", testHTTPClient(t, true), testLogger(t))
	err := q.TestConnection(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestQBittorrentRestoreLimits(t *testing.T) {
	fake, q := newFakeQBittorrent(t)
	fake.dlLimitBytes = 65536000 // 500 Mbps recorded as original

	_, err := q.Stats(context.Background())
	require.NoError(t, err)

	down := 100.0
	require.NoError(t, q.SetLimits(context.Background(), &down, nil))
	assert.Equal(t, int64(13107200), fake.dlLimitBytes)

	require.NoError(t, q.RestoreLimits(context.Background()))
	assert.Equal(t, int64(65536000), fake.dlLimitBytes)
	assert.Equal(t, int64(0), fake.upLimitBytes, "unlimited original restored as zero")
}

func TestQBittorrentRestoreWithoutStats(t *testing.T) {
	_, q := newFakeQBittorrent(t)
	assert.NoError(t, q.RestoreLimits(context.Background()), "nothing recorded, nothing to do")
}
