package snmp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Interface is a network interface discovered on the SNMP device.
type Interface struct {
	Index     int     `json:"index"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	SpeedMbps int     `json:"speed_mbps"`
	Up        bool    `json:"up"`
	InOctets  uint64  `json:"in_octets"`
	OutOctets uint64  `json:"out_octets"`
	InMbps    float64 `json:"in_mbps"`
	OutMbps   float64 `json:"out_mbps"`
}

// ifType values worth naming; everything else is "other".
var ifTypeNames = map[int]string{
	6:   "ethernet",
	24:  "loopback",
	131: "tunnel",
	136: "l2vlan",
}

// skipKeywords marks interfaces that are never a WAN uplink: switch
// ports, bridges, loopbacks, bonds, tunnels, shaping devices.
var skipKeywords = []string{"switch", "br", "lo", "dummy", "miireg", "bond", "tun", "ifb"}

func shouldSkipInterface(name string) bool {
	// VLAN sub-interfaces look like eth5.20.
	if strings.Contains(name, ".") {
		return true
	}
	lower := strings.ToLower(name)
	for _, kw := range skipKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Interfaces discovers the device's operational interfaces, including
// a current-speed sample over the configured window. Used by setup
// tooling to pick the WAN interface.
func (p *Probe) Interfaces(ctx context.Context) ([]Interface, error) {
	names, err := p.interfaceNames(ctx)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(names))
	for idx, name := range names {
		if shouldSkipInterface(name) {
			p.logger.Debug("skipping interface", slog.Int("index", idx), slog.String("name", name))
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	p.logger.Info("discovered interfaces",
		slog.Int("total", len(names)),
		slog.Int("candidates", len(indices)))

	start := time.Now()
	interfaces := make([]Interface, 0, len(indices))
	for _, idx := range indices {
		iface, err := p.interfaceDetails(ctx, idx, names[idx])
		if err != nil {
			p.logger.Warn("failed to query interface",
				slog.Int("index", idx),
				slog.String("error", err.Error()))
			continue
		}
		if !iface.Up {
			continue
		}
		interfaces = append(interfaces, iface)
	}

	// Second counter read after the sample window gives each
	// interface a current-speed estimate.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.cfg.SampleWindow):
	}
	elapsed := time.Since(start).Seconds()
	for i := range interfaces {
		in, out, err := p.counters(ctx, interfaces[i].Index)
		if err != nil {
			continue
		}
		interfaces[i].InMbps = rateMbps(foldDelta(in, interfaces[i].InOctets, 64), elapsed)
		interfaces[i].OutMbps = rateMbps(foldDelta(out, interfaces[i].OutOctets, 64), elapsed)
	}

	return interfaces, nil
}

// interfaceNames walks ifName, falling back to ifDescr on devices
// without the IF-MIB extension.
func (p *Probe) interfaceNames(ctx context.Context) (map[int]string, error) {
	pdus, err := p.walk(ctx, oidIfName)
	if err != nil || len(pdus) == 0 {
		pdus, err = p.walk(ctx, oidIfDescr)
		if err != nil {
			return nil, fmt.Errorf("walking interface names: %w", err)
		}
	}

	names := make(map[int]string, len(pdus))
	for _, pdu := range pdus {
		parts := strings.Split(pdu.Name, ".")
		idx, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			continue
		}
		names[idx] = pduString(pdu)
	}
	return names, nil
}

func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (p *Probe) interfaceDetails(ctx context.Context, idx int, name string) (Interface, error) {
	pdus, err := p.get(ctx, []string{
		fmt.Sprintf("%s.%d", oidIfType, idx),
		fmt.Sprintf("%s.%d", oidIfSpeed, idx),
		fmt.Sprintf("%s.%d", oidIfHighSpeed, idx),
		fmt.Sprintf("%s.%d", oidIfOperStatus, idx),
		fmt.Sprintf("%s.%d", oidIfHCInOctets, idx),
		fmt.Sprintf("%s.%d", oidIfHCOutOctets, idx),
	})
	if err != nil {
		return Interface{}, err
	}
	if len(pdus) < 6 {
		return Interface{}, fmt.Errorf("short response for interface %d", idx)
	}

	typeID := int(gosnmp.ToBigInt(pdus[0].Value).Int64())
	speedBps := gosnmp.ToBigInt(pdus[1].Value).Uint64()
	highSpeed := gosnmp.ToBigInt(pdus[2].Value).Uint64()
	operStatus := int(gosnmp.ToBigInt(pdus[3].Value).Int64())
	in, _ := counterValue(pdus[4])
	out, _ := counterValue(pdus[5])

	// ifSpeed saturates at 4294967295 for links >= ~4.3 Gb/s;
	// ifHighSpeed reports Mbps directly for those.
	var speedMbps int
	if speedBps >= 4294000000 {
		speedMbps = int(highSpeed)
	} else {
		speedMbps = int(speedBps / 1e6)
	}

	typeName, ok := ifTypeNames[typeID]
	if !ok {
		typeName = "other"
	}

	return Interface{
		Index:     idx,
		Name:      name,
		Type:      typeName,
		SpeedMbps: speedMbps,
		Up:        operStatus == 1,
		InOctets:  in,
		OutOctets: out,
	}, nil
}

// WAN-likelihood keywords.
var (
	wanKeywords     = []string{"wan", "internet", "pppoe", "external", "uplink"}
	excludeKeywords = []string{"loopback", "lo", "local", "management", "lan", "switch", "vlan", "bridge", "br", "dummy"}
)

// SuggestWAN picks the interface most likely to face the internet.
// Inbound traffic dominance is the strongest signal: the WAN port
// receives everything the household downloads.
func SuggestWAN(interfaces []Interface) *Interface {
	candidates := make([]Interface, 0, len(interfaces))
	for _, iface := range interfaces {
		if iface.Up && (iface.Type == "ethernet" || iface.Type == "other") {
			candidates = append(candidates, iface)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var maxIn uint64
	for _, iface := range candidates {
		if iface.InOctets > maxIn {
			maxIn = iface.InOctets
		}
	}

	best := -1
	bestScore := 0
	for i, iface := range candidates {
		score := scoreWAN(iface, maxIn)
		if best == -1 || score > bestScore {
			best, bestScore = i, score
		}
	}
	if bestScore > 0 {
		return &candidates[best]
	}

	// No keyword or traffic signal: fall back to the interface with
	// the most inbound traffic.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].InOctets > candidates[j].InOctets
	})
	return &candidates[0]
}

func scoreWAN(iface Interface, maxIn uint64) int {
	score := 0
	lower := strings.ToLower(iface.Name)

	if maxIn > 0 && iface.InOctets > 0 {
		ratio := float64(iface.InOctets) / float64(maxIn)
		switch {
		case ratio > 0.8:
			score += 50
		case ratio > 0.5:
			score += 30
		case ratio > 0.1:
			score += 10
		}
	}

	for _, kw := range wanKeywords {
		if strings.Contains(lower, kw) {
			score += 25
		}
	}

	// UniFi gateways: eth4 is WAN1, eth8 is WAN2.
	if lower == "eth4" || lower == "eth8" {
		score += 20
	}
	if strings.HasPrefix(lower, "eth") && !strings.Contains(lower, ".") {
		score += 5
	}
	// pfSense/OPNsense port naming.
	if strings.HasPrefix(lower, "igb") || strings.HasPrefix(lower, "em") {
		score += 5
	}

	for _, kw := range excludeKeywords {
		if strings.Contains(lower, kw) {
			score -= 30
		}
	}
	if strings.Contains(iface.Name, ".") {
		score -= 15
	}

	return score
}
