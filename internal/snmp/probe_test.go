package snmp

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedarr/speedarr/internal/config"
)

func testProbe() *Probe {
	return &Probe{
		cfg:    config.SNMPConfig{WANInterface: 4},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		use64:  true,
	}
}

func TestRateFromBaselineAndDelta(t *testing.T) {
	p := testProbe()
	now := time.Now()

	_, err := p.rateFrom(1000, 2000, now)
	assert.ErrorIs(t, err, ErrNoData, "first sample only establishes the baseline")

	// 62.5 MB in 5s inbound = 100 Mbps; 1.25 MB = 2 Mbps out.
	rate, err := p.rateFrom(1000+62_500_000, 2000+1_250_000, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.InDelta(t, 100.0, rate.InboundMbps, 0.01)
	assert.InDelta(t, 2.0, rate.OutboundMbps, 0.01)

	// Idle interval.
	rate, err = p.rateFrom(1000+62_500_000, 2000+1_250_000, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Zero(t, rate.InboundMbps)
	assert.Zero(t, rate.OutboundMbps)
}

func TestRateFromRejectsUnreasonable(t *testing.T) {
	p := testProbe()
	now := time.Now()

	_, err := p.rateFrom(0, 0, now)
	assert.ErrorIs(t, err, ErrNoData)

	// 100 GB in 5s is far past 10 Gb/s.
	_, err = p.rateFrom(100e9, 0, now.Add(5*time.Second))
	assert.ErrorIs(t, err, ErrNoData)

	// The rejected sample became the new baseline, so a sane
	// follow-up delta works.
	rate, err := p.rateFrom(100e9+62_500_000, 0, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.InDelta(t, 100.0, rate.InboundMbps, 0.01)
}

func TestRateFromShortInterval(t *testing.T) {
	p := testProbe()
	now := time.Now()

	_, err := p.rateFrom(0, 0, now)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = p.rateFrom(100, 100, now.Add(10*time.Millisecond))
	assert.ErrorIs(t, err, ErrNoData)
}

func TestFoldDelta(t *testing.T) {
	assert.Equal(t, uint64(500), foldDelta(1500, 1000, 64))
	assert.Equal(t, uint64(500), foldDelta(1500, 1000, 32))

	// Single 32-bit wrap.
	prev := uint64(1<<32 - 100)
	assert.Equal(t, uint64(150), foldDelta(50, prev, 32))

	// Single 64-bit wrap via unsigned arithmetic.
	prev64 := uint64(math.MaxUint64 - 99)
	assert.Equal(t, uint64(150), foldDelta(50, prev64, 64))
}

func TestRateMbps(t *testing.T) {
	assert.InDelta(t, 100.0, rateMbps(62_500_000, 5), 0.001)
	assert.Zero(t, rateMbps(0, 5))
}

func TestShouldSkipInterface(t *testing.T) {
	skip := []string{"eth5.20", "switch0", "br0", "lo", "dummy0", "bond0", "tun0", "ifb1", "miireg"}
	for _, name := range skip {
		assert.True(t, shouldSkipInterface(name), name)
	}
	keep := []string{"eth0", "eth4", "igb0", "wan", "pppoe-wan"}
	for _, name := range keep {
		assert.False(t, shouldSkipInterface(name), name)
	}
}

func TestSuggestWAN(t *testing.T) {
	interfaces := []Interface{
		{Index: 1, Name: "eth0", Type: "ethernet", Up: true, InOctets: 5e9},
		{Index: 4, Name: "eth4", Type: "ethernet", Up: true, InOctets: 900e9},
		{Index: 9, Name: "lan1", Type: "ethernet", Up: true, InOctets: 100e9},
		{Index: 24, Name: "lo", Type: "loopback", Up: true, InOctets: 999e9},
		{Index: 7, Name: "eth7", Type: "ethernet", Up: false, InOctets: 950e9},
	}

	got := SuggestWAN(interfaces)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.Index, "traffic dominance plus the UniFi eth4 convention wins")
}

func TestSuggestWANKeyword(t *testing.T) {
	interfaces := []Interface{
		{Index: 1, Name: "igb0", Type: "ethernet", Up: true},
		{Index: 2, Name: "wan0", Type: "ethernet", Up: true},
	}
	got := SuggestWAN(interfaces)
	require.NotNil(t, got)
	assert.Equal(t, "wan0", got.Name)
}

func TestSuggestWANEmpty(t *testing.T) {
	assert.Nil(t, SuggestWAN(nil))
	assert.Nil(t, SuggestWAN([]Interface{{Name: "lo", Type: "loopback", Up: true}}))
}

func TestScoreWAN(t *testing.T) {
	// Dominant traffic + eth4 + eth prefix.
	score := scoreWAN(Interface{Name: "eth4", InOctets: 100}, 100)
	assert.Equal(t, 50+20+5, score)

	// LAN keyword penalty.
	score = scoreWAN(Interface{Name: "lan1", InOctets: 0}, 100)
	assert.Equal(t, -30, score)

	// VLAN suffix penalty stacks with the vlan keyword absence.
	score = scoreWAN(Interface{Name: "eth1.10", InOctets: 0}, 100)
	assert.Equal(t, -15, score)
}
