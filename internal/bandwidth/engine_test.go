package bandwidth

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedarr/speedarr/internal/config"
)

func defaultParams() Params {
	return Params{
		OverheadPercent:        100,
		SafetyNetPercent:       5,
		DownloadReservePercent: 0,
	}
}

func twoClients() []ClientState {
	return []ClientState{
		{ID: "qbittorrent_1", Type: "qbittorrent", SupportsUpload: true},
		{ID: "sabnzbd_1", Type: "sabnzbd"},
	}
}

func TestDecideIdleSteadyState(t *testing.T) {
	e := NewEngine(defaultParams())
	in := Input{
		Clients:  twoClients(),
		Capacity: Capacity{DownloadTotal: 900, UploadTotal: 40},
	}

	// Idle long enough for the activity hysteresis to drain.
	var decisions map[string]Decision
	for i := 0; i < inactiveBufferPolls; i++ {
		decisions = e.Decide(in)
	}

	assert.Equal(t, 450.0, decisions["qbittorrent_1"].DownloadMbps)
	assert.Equal(t, 450.0, decisions["sabnzbd_1"].DownloadMbps)
	assert.Equal(t, 20.0, decisions["qbittorrent_1"].UploadMbps)
	assert.Equal(t, 0.0, decisions["sabnzbd_1"].UploadMbps)
	assert.Equal(t, "No active streams", decisions["qbittorrent_1"].Reason)
}

func TestDecideOne4KStreamBothActive(t *testing.T) {
	params := defaultParams()
	params.DownloadReservePercent = 5
	e := NewEngine(params)

	clients := twoClients()
	clients[0].DownloadMbps = 500
	clients[1].DownloadMbps = 400

	decisions := e.Decide(Input{
		Clients:  clients,
		Streams:  []Stream{{BitrateMbps: 30}},
		Capacity: Capacity{DownloadTotal: 900, UploadTotal: 40},
	})

	// Stream cost 60, reserve 3, available download 897, equal split.
	assert.Equal(t, 448.5, decisions["qbittorrent_1"].DownloadMbps)
	assert.Equal(t, 448.5, decisions["sabnzbd_1"].DownloadMbps)

	// Cost 60 exceeds the 40 Mbps upload total: emergency mode gives
	// each upload-capable client exactly 1% of the upload total.
	assert.Equal(t, 0.4, decisions["qbittorrent_1"].UploadMbps)
	assert.Equal(t, 0.0, decisions["sabnzbd_1"].UploadMbps)
}

func TestDecideScheduledAlternateWithPercents(t *testing.T) {
	e := NewEngine(defaultParams())

	bw := config.BandwidthConfig{
		Download: config.DirectionConfig{
			TotalMbps: 900,
			Schedule: config.ScheduleConfig{
				Enabled:        true,
				Start:          "22:00",
				End:            "06:00",
				TotalMbps:      300,
				ClientPercents: map[string]float64{"qbittorrent": 60, "sabnzbd": 40},
			},
		},
		Upload: config.DirectionConfig{TotalMbps: 40},
	}
	at2300 := time.Date(2026, 8, 24, 23, 0, 0, 0, time.Local)
	eff := ResolveCapacity(bw, nil, at2300)
	require.Equal(t, 300.0, eff.DownloadTotal)

	clients := twoClients()
	clients[0].DownloadMbps = 100
	clients[1].DownloadMbps = 100

	decisions := e.Decide(Input{Clients: clients, Capacity: eff})
	assert.Equal(t, 180.0, decisions["qbittorrent_1"].DownloadMbps)
	assert.Equal(t, 120.0, decisions["sabnzbd_1"].DownloadMbps)
}

func TestDecideSingleActiveDominates(t *testing.T) {
	e := NewEngine(defaultParams())
	clients := []ClientState{
		{ID: "a", Type: "qbittorrent", SupportsUpload: true, DownloadMbps: 300},
		{ID: "b", Type: "deluge", SupportsUpload: true},
		{ID: "c", Type: "sabnzbd"},
	}
	in := Input{Clients: clients, Capacity: Capacity{DownloadTotal: 600, UploadTotal: 60}}

	var decisions map[string]Decision
	for i := 0; i < inactiveBufferPolls; i++ {
		decisions = e.Decide(in)
	}

	// a keeps downloading, b and c drain to the 5% safety net each.
	assert.Equal(t, 540.0, decisions["a"].DownloadMbps) // 600 * (1 - 2*0.05)
	assert.Equal(t, 30.0, decisions["b"].DownloadMbps)
	assert.Equal(t, 30.0, decisions["c"].DownloadMbps)
}

func TestDecideEqualSplitWhenPercentsIncomplete(t *testing.T) {
	e := NewEngine(defaultParams())
	clients := []ClientState{
		{ID: "a", Type: "qbittorrent", DownloadMbps: 200},
		{ID: "b", Type: "nzbget", DownloadMbps: 200},
	}
	decisions := e.Decide(Input{
		Clients: clients,
		Capacity: Capacity{
			DownloadTotal: 400,
			// Only one of the two active types has a percent: fall
			// back to the equal split.
			DownloadPercents: map[string]float64{"qbittorrent": 70},
		},
	})
	assert.Equal(t, 200.0, decisions["a"].DownloadMbps)
	assert.Equal(t, 200.0, decisions["b"].DownloadMbps)
}

func TestDecideReservationsReduceUpload(t *testing.T) {
	e := NewEngine(defaultParams())
	clients := []ClientState{
		{ID: "a", Type: "qbittorrent", SupportsUpload: true, UploadMbps: 10, DownloadMbps: 100},
	}
	decisions := e.Decide(Input{
		Clients:            clients,
		Capacity:           Capacity{DownloadTotal: 900, UploadTotal: 40},
		ReservedUploadMbps: 15,
	})
	// One client, active: gets the whole remaining 25 Mbps.
	assert.Equal(t, 25.0, decisions["a"].UploadMbps)
	assert.Contains(t, decisions["a"].Reason, "Holding: 15.0 Mbps")
}

func TestDecideDownloadHoldAndLinkInbound(t *testing.T) {
	e := NewEngine(defaultParams())
	clients := []ClientState{{ID: "a", Type: "qbittorrent", DownloadMbps: 100}}
	decisions := e.Decide(Input{
		Clients:              clients,
		Capacity:             Capacity{DownloadTotal: 500, UploadTotal: 40},
		ReservedDownloadMbps: 50,
		LinkInboundMbps:      100,
	})
	assert.Equal(t, 350.0, decisions["a"].DownloadMbps)
}

func TestDecideCapacityInvariants(t *testing.T) {
	e := NewEngine(defaultParams())
	clients := []ClientState{
		{ID: "a", Type: "qbittorrent", SupportsUpload: true, DownloadMbps: 400, UploadMbps: 5},
		{ID: "b", Type: "deluge", SupportsUpload: true, DownloadMbps: 10},
		{ID: "c", Type: "sabnzbd", DownloadMbps: 350},
	}
	in := Input{
		Clients:            clients,
		Streams:            []Stream{{BitrateMbps: 10}, {BitrateMbps: 5, LAN: true}},
		Capacity:           Capacity{DownloadTotal: 800, UploadTotal: 50},
		ReservedUploadMbps: 5,
	}

	for tick := 0; tick < 10; tick++ {
		decisions := e.Decide(in)
		var downSum, upSum float64
		for id, d := range decisions {
			downSum += d.DownloadMbps
			upSum += d.UploadMbps
			if id == "c" {
				assert.Zero(t, d.UploadMbps, "non-upload client must get upload 0")
			}
		}
		// Within rounding error of 2 decimals per client.
		assert.LessOrEqual(t, downSum, 800.0+0.01*float64(len(decisions)))
		assert.LessOrEqual(t, upSum, 50.0-20-5+0.01*float64(len(decisions)))
	}
}

func TestDecideStreakResetAndReclassification(t *testing.T) {
	e := NewEngine(defaultParams())
	clients := []ClientState{
		{ID: "a", Type: "qbittorrent", DownloadMbps: 400},
		{ID: "b", Type: "deluge", DownloadMbps: 400},
	}
	in := Input{Clients: clients, Capacity: Capacity{DownloadTotal: 900}}

	e.Decide(in)
	assert.Zero(t, e.DownloadStreak("a"))

	// b stops transferring: active for five more polls, inactive on the sixth.
	in.Clients[1].DownloadMbps = 0
	for i := 1; i < inactiveBufferPolls; i++ {
		decisions := e.Decide(in)
		assert.Equal(t, i, e.DownloadStreak("b"))
		half := round2(900.0 / 2)
		assert.Equal(t, half, decisions["b"].DownloadMbps, "still active within buffer")
	}

	decisions := e.Decide(in)
	assert.Equal(t, inactiveBufferPolls, e.DownloadStreak("b"))
	assert.Equal(t, 45.0, decisions["b"].DownloadMbps, "demoted to safety net")
	assert.Equal(t, 855.0, decisions["a"].DownloadMbps)
}

func TestDecideDeterministic(t *testing.T) {
	e := NewEngine(defaultParams())
	clients := []ClientState{
		{ID: "a", Type: "qbittorrent", SupportsUpload: true, DownloadMbps: 300, UploadMbps: 10},
		{ID: "b", Type: "sabnzbd", DownloadMbps: 200},
	}
	in := Input{
		Clients:  clients,
		Streams:  []Stream{{BitrateMbps: 20}},
		Capacity: Capacity{DownloadTotal: 900, UploadTotal: 100},
	}
	first := e.Decide(in)
	second := e.Decide(in)
	assert.Equal(t, first, second)
}

func TestDecideEmptyClients(t *testing.T) {
	e := NewEngine(defaultParams())
	assert.Empty(t, e.Decide(Input{Capacity: Capacity{DownloadTotal: 100}}))
}

func TestPruneStreaks(t *testing.T) {
	e := NewEngine(defaultParams())
	in := Input{
		Clients:  []ClientState{{ID: "a", Type: "qbittorrent"}, {ID: "b", Type: "deluge"}},
		Capacity: Capacity{DownloadTotal: 100},
	}
	e.Decide(in)
	require.NotZero(t, e.DownloadStreak("b"))

	in.Clients = in.Clients[:1]
	e.Decide(in)
	assert.Zero(t, e.DownloadStreak("b"))
}

func TestBuildReason(t *testing.T) {
	assert.Equal(t, "No active streams", buildReason(0, 0, 0, 0))
	assert.Equal(t, "No active streams, Holding: 12.5 Mbps", buildReason(0, 0, 0, 12.5))
	r := buildReason(2, 35, 70, 0)
	assert.Equal(t, "Active streams: 2, Stream bandwidth: 70.0 Mbps (raw: 35.0), Reserved: 70.0 Mbps", r)
}

func TestRound2(t *testing.T) {
	for _, tc := range []struct{ in, want float64 }{
		{448.504, 448.5},
		{448.505, 448.51},
		{0.399999, 0.4},
	} {
		assert.Equal(t, tc.want, round2(tc.in), fmt.Sprintf("%v", tc.in))
	}
}
