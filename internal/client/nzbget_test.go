package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNZBGet struct {
	downloadRate  float64
	downloadLimit float64
	lastRateKB    int64
	requireAuth   bool
}

func (f *fakeNZBGet) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.requireAuth {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "nzbget" || pass != "tegbzn" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "version":
			fmt.Fprint(w, `{"result": "24.3", "error": null}`)
		case "status":
			fmt.Fprintf(w, `{"result": {"DownloadRate": %f, "DownloadLimit": %f}, "error": null}`,
				f.downloadRate, f.downloadLimit)
		case "rate":
			kb, _ := req.Params[0].(float64)
			f.lastRateKB = int64(kb)
			fmt.Fprint(w, `{"result": true, "error": null}`)
		default:
			fmt.Fprint(w, `{"result": null, "error": {"code": 2, "message": "unknown method"}}`)
		}
	})
}

func newFakeNZBGet(t *testing.T, requireAuth bool) (*fakeNZBGet, *NZBGet) {
	t.Helper()
	fake := &fakeNZBGet{requireAuth: requireAuth}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	n := NewNZBGet("n1", "nzb", srv.URL, "nzbget", "tegbzn", testHTTPClient(t, false), testLogger(t))
	return fake, n
}

func TestNZBGetTestConnection(t *testing.T) {
	_, n := newFakeNZBGet(t, true)
	require.NoError(t, n.TestConnection(context.Background()))
}

func TestNZBGetBadCredentials(t *testing.T) {
	fake := &fakeNZBGet{requireAuth: true}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	n := NewNZBGet("n1", "nzb", srv.URL, "nzbget", "wrong", testHTTPClient(t, false), testLogger(t))
	err := n.TestConnection(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestNZBGetStats(t *testing.T) {
	fake, n := newFakeNZBGet(t, false)
	fake.downloadRate = 13107200  // 100 Mbps
	fake.downloadLimit = 58982400 // 450 Mbps

	stats, err := n.Stats(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100.0, stats.DownloadMbps, 0.01)
	assert.InDelta(t, 450.0, stats.DownloadLimitMbps, 0.01)
	assert.Zero(t, stats.UploadMbps)
	assert.True(t, stats.ActiveWork)

	fake.downloadRate = 500
	stats, err = n.Stats(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.ActiveWork)
}

func TestNZBGetSetLimits(t *testing.T) {
	fake, n := newFakeNZBGet(t, false)

	down := 400.0
	require.NoError(t, n.SetLimits(context.Background(), &down, nil))
	assert.Equal(t, int64(50000), fake.lastRateKB, "1 Mbps = 125 KB/s")

	zero := 0.0
	require.NoError(t, n.SetLimits(context.Background(), &zero, nil))
	assert.Equal(t, int64(0), fake.lastRateKB)
}

func TestNZBGetRestoreLimits(t *testing.T) {
	fake, n := newFakeNZBGet(t, false)
	fake.downloadLimit = 12500000 // ~95.4 Mbps original

	_, err := n.Stats(context.Background())
	require.NoError(t, err)

	down := 10.0
	require.NoError(t, n.SetLimits(context.Background(), &down, nil))
	require.NoError(t, n.RestoreLimits(context.Background()))
	// 95.367 Mbps * 125 truncated.
	assert.Equal(t, int64(11920), fake.lastRateKB)
}

func TestNZBGetRPCError(t *testing.T) {
	_, n := newFakeNZBGet(t, false)
	err := n.rpc(context.Background(), "bogus", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown method")
}
