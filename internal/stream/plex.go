package stream

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/speedarr/speedarr/internal/config"
	"github.com/speedarr/speedarr/internal/observability"
	"github.com/speedarr/speedarr/pkg/httpclient"
)

// bandwidthTimespan selects the per-device statistics bucket, in seconds.
const bandwidthTimespan = 4

// Plex reads active sessions from a Plex Media Server. Per-session
// throughput comes from the statistics endpoint when the server exposes
// it (Plex Pass); otherwise ObservedMbps stays 0.
type Plex struct {
	baseURL string
	token   string
	http    *httpclient.Client
	logger  *slog.Logger
}

// NewPlex creates a Plex session source.
func NewPlex(cfg config.PlexConfig, client *httpclient.Client, logger *slog.Logger) *Plex {
	return &Plex{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		http:    client,
		logger:  observability.WithComponent(logger, "plex"),
	}
}

// TestConnection verifies the server is reachable and the token valid.
func (p *Plex) TestConnection(ctx context.Context) error {
	_, err := p.fetchSessions(ctx)
	return err
}

// ListActive returns the playing, paused, and buffering sessions.
func (p *Plex) ListActive(ctx context.Context) ([]Session, error) {
	raw, err := p.fetchSessions(ctx)
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(raw))
	for _, md := range raw {
		state := md.Player.State
		if state != "playing" && state != "paused" && state != "buffering" {
			continue
		}
		sessions = append(sessions, p.normalize(md))
	}

	if len(sessions) > 0 {
		p.fuseBandwidth(ctx, sessions)
	}
	return sessions, nil
}

func (p *Plex) normalize(md sessionMetadata) Session {
	id := md.Session.ID
	if id == "" {
		id = md.SessionKey
	}

	// Bitrate preference: session-level bandwidth, then media bitrate,
	// then transcode target. All reported in kbps.
	kbps := md.Session.Bandwidth
	if kbps <= 0 && len(md.Media) > 0 {
		kbps = md.Media[0].Bitrate
	}
	if kbps <= 0 {
		kbps = md.TranscodeSession.Bitrate
	}

	quality := ""
	if len(md.Media) > 0 {
		quality = md.Media[0].VideoResolution
	}

	title := md.Title
	if md.GrandparentTitle != "" {
		title = md.GrandparentTitle + " - " + md.Title
	}

	ip := md.Player.Address
	if _, err := netip.ParseAddr(md.Session.Location); err == nil {
		ip = md.Session.Location
	}

	return Session{
		ID:          id,
		UserID:      md.User.ID.String(),
		UserName:    md.User.Title,
		PlayerID:    md.Player.MachineIdentifier,
		PlayerName:  md.Player.Title,
		MediaKind:   NormalizeMediaKind(md.Type),
		MediaTitle:  title,
		Quality:     quality,
		BitrateMbps: float64(kbps) / 1000,
		IPAddress:   ip,
		LAN:         isLAN(md.Session, ip),
		State:       md.Player.State,
	}
}

func isLAN(s sessionInfo, ip string) bool {
	if bool(s.Local) || strings.EqualFold(s.Location, "lan") {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback()
}

func (p *Plex) fetchSessions(ctx context.Context) ([]sessionMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/status/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("building sessions request: %w", err)
	}
	req.Header.Set("X-Plex-Token", p.token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching sessions: unexpected status %s", resp.Status)
	}

	var decoded sessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding sessions: %w", err)
	}
	return decoded.MediaContainer.Metadata, nil
}

// fuseBandwidth fills ObservedMbps from the per-device statistics
// endpoint. The endpoint requires Plex Pass, so failure here is never an
// error for the caller.
func (p *Plex) fuseBandwidth(ctx context.Context, sessions []Session) {
	rates, err := p.fetchBandwidth(ctx)
	if err != nil {
		observability.WithError(p.logger, err).Debug("bandwidth statistics unavailable")
		return
	}
	for i := range sessions {
		key := deviceKey{account: sessions[i].UserID, device: sessions[i].PlayerID}
		if mbps, ok := rates[key]; ok {
			sessions[i].ObservedMbps = mbps
		}
	}
}

type deviceKey struct {
	account string
	device  string
}

func (p *Plex) fetchBandwidth(ctx context.Context) (map[deviceKey]float64, error) {
	u := fmt.Sprintf("%s/statistics/bandwidth?timespan=%d", p.baseURL, bandwidthTimespan)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building statistics request: %w", err)
	}
	req.Header.Set("X-Plex-Token", p.token)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching statistics: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusNotFound:
		// No Plex Pass or old server. Sessions still work without it.
		return nil, fmt.Errorf("statistics endpoint: %s", resp.Status)
	default:
		return nil, fmt.Errorf("fetching statistics: unexpected status %s", resp.Status)
	}

	var decoded statisticsContainer
	if err := xml.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding statistics: %w", err)
	}

	rates := make(map[deviceKey]float64)
	newest := make(map[deviceKey]int64)
	for _, s := range decoded.Stats {
		if s.Timespan != bandwidthTimespan || s.Bytes < 0 {
			continue
		}
		key := deviceKey{account: s.AccountID, device: s.DeviceID}
		if s.At < newest[key] {
			continue
		}
		newest[key] = s.At
		rates[key] = float64(s.Bytes) / bandwidthTimespan * 8 / 1e6
	}
	return rates, nil
}

type sessionsResponse struct {
	MediaContainer struct {
		Metadata []sessionMetadata `json:"Metadata"`
	} `json:"MediaContainer"`
}

type sessionMetadata struct {
	SessionKey       string      `json:"sessionKey"`
	Type             string      `json:"type"`
	Title            string      `json:"title"`
	GrandparentTitle string      `json:"grandparentTitle"`
	Media            []mediaInfo `json:"Media"`
	Session          sessionInfo `json:"Session"`
	TranscodeSession struct {
		Bitrate int `json:"bitrate"`
	} `json:"TranscodeSession"`
	User struct {
		ID    flexString `json:"id"`
		Title string     `json:"title"`
	} `json:"User"`
	Player struct {
		MachineIdentifier string `json:"machineIdentifier"`
		Title             string `json:"title"`
		State             string `json:"state"`
		Address           string `json:"address"`
	} `json:"Player"`
}

type mediaInfo struct {
	Bitrate         int    `json:"bitrate"`
	VideoResolution string `json:"videoResolution"`
}

type sessionInfo struct {
	ID        string   `json:"id"`
	Bandwidth int      `json:"bandwidth"`
	Location  string   `json:"location"`
	Local     flexBool `json:"local"`
}

type statisticsContainer struct {
	XMLName xml.Name `xml:"MediaContainer"`
	Stats   []struct {
		AccountID string `xml:"accountID,attr"`
		DeviceID  string `xml:"deviceID,attr"`
		Timespan  int    `xml:"timespan,attr"`
		At        int64  `xml:"at,attr"`
		Bytes     int64  `xml:"bytes,attr"`
	} `xml:"StatisticsBandwidth"`
}

// flexString accepts JSON strings and numbers. Plex reports account IDs
// as numbers in some responses and strings in others.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }

// flexBool accepts JSON booleans and the "0"/"1" strings Plex uses in
// older payloads.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true", `"true"`, "1", `"1"`:
		*f = true
	default:
		*f = false
	}
	return nil
}

var _ Source = (*Plex)(nil)
