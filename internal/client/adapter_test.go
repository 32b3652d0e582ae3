package client

import (
	"io"
	"log/slog"
	"net/http/cookiejar"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedarr/speedarr/internal/config"
	"github.com/speedarr/speedarr/pkg/httpclient"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHTTPClient(t *testing.T, withJar bool) *httpclient.Client {
	t.Helper()
	cfg := httpclient.Config{
		Timeout:       2 * time.Second,
		RetryAttempts: 0,
		Logger:        testLogger(t),
	}
	if withJar {
		jar, err := cookiejar.New(nil)
		require.NoError(t, err)
		cfg.Jar = jar
	}
	return httpclient.New(cfg)
}

func TestConversions(t *testing.T) {
	// qBittorrent style: bytes/s with binary prefix.
	assert.InDelta(t, 8.0, bytesPerSecToMbps(1048576), 0.0001)
	assert.Equal(t, int64(1048576), mbpsToBytesPerSec(8))
	assert.Equal(t, int64(13107200), mbpsToBytesPerSec(100))

	// Transmission/Deluge style: KB/s with decimal prefix.
	assert.InDelta(t, 8.0, kbPerSecToMbps(1000), 0.0001)
	assert.Equal(t, int64(1000), mbpsToKBPerSec(8))
	assert.Equal(t, int64(12500), mbpsToKBPerSec(100))
}

func TestRecordOriginalOnce(t *testing.T) {
	b := &adapterBase{id: "x", name: "x", logger: testLogger(t)}

	_, ok := b.originalLimits()
	assert.False(t, ok)

	b.recordOriginal(100, 20)
	b.recordOriginal(5, 1)

	orig, ok := b.originalLimits()
	require.True(t, ok)
	assert.Equal(t, 100.0, orig.download, "only the first observation is kept")
	assert.Equal(t, 20.0, orig.upload)
}

func TestFactory(t *testing.T) {
	tests := []struct {
		cfg         config.ClientConfig
		wantType    string
		wantUpload  bool
	}{
		{config.ClientConfig{ID: "q1", Type: "qbittorrent", Name: "q", URL: "http://q"}, TypeQBittorrent, true},
		{config.ClientConfig{ID: "s1", Type: "sabnzbd", Name: "s", URL: "http://s", APIKey: "k"}, TypeSABnzbd, false},
		{config.ClientConfig{ID: "n1", Type: "nzbget", Name: "n", URL: "http://n"}, TypeNZBGet, false},
		{config.ClientConfig{ID: "t1", Type: "transmission", Name: "t", URL: "http://t"}, TypeTransmission, true},
		{config.ClientConfig{ID: "d1", Type: "deluge", Name: "d", URL: "http://d"}, TypeDeluge, true},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Type, func(t *testing.T) {
			a, err := New(tt.cfg, 2*time.Second, testLogger(t))
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.ID, a.ID())
			assert.Equal(t, tt.wantType, a.Type())
			assert.Equal(t, tt.wantUpload, a.SupportsUpload())
			assert.NoError(t, a.Close())
		})
	}

	_, err := New(config.ClientConfig{ID: "x", Type: "rtorrent"}, 2*time.Second, testLogger(t))
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
