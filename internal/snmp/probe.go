// Package snmp measures WAN link throughput by polling router interface
// counters over SNMP v2c.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/speedarr/speedarr/internal/config"
	"github.com/speedarr/speedarr/internal/observability"
)

// Standard MIB-II and IF-MIB OIDs.
const (
	oidSysDescr = "1.3.6.1.2.1.1.1.0"

	oidIfDescr       = "1.3.6.1.2.1.2.2.1.2"
	oidIfType        = "1.3.6.1.2.1.2.2.1.3"
	oidIfSpeed       = "1.3.6.1.2.1.2.2.1.5"
	oidIfAdminStatus = "1.3.6.1.2.1.2.2.1.7"
	oidIfOperStatus  = "1.3.6.1.2.1.2.2.1.8"

	oidIfName      = "1.3.6.1.2.1.31.1.1.1.1"
	oidIfHighSpeed = "1.3.6.1.2.1.31.1.1.1.15"

	// 64-bit counters, with 32-bit fallbacks for older devices.
	oidIfHCInOctets  = "1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCOutOctets = "1.3.6.1.2.1.31.1.1.1.10"
	oidIfInOctets    = "1.3.6.1.2.1.2.2.1.10"
	oidIfOutOctets   = "1.3.6.1.2.1.2.2.1.16"
)

// maxReasonableMbps rejects readings above 10 Gb/s. Deltas past this
// come from counter discontinuities, not traffic.
const maxReasonableMbps = 10000

// ErrNoData means no rate is available this tick: the baseline was just
// established or had to be dropped. The caller proceeds without the
// link constraint.
var ErrNoData = errors.New("no snmp data")

// Rate is a measured link throughput.
type Rate struct {
	InboundMbps  float64
	OutboundMbps float64
}

type counterSample struct {
	in  uint64
	out uint64
	at  time.Time
}

// Probe measures the configured WAN interface. It keeps the previous
// tick's counters as baseline, so rates cover exactly one poll
// interval.
type Probe struct {
	cfg    config.SNMPConfig
	logger *slog.Logger
	conn   *gosnmp.GoSNMP

	mu       sync.Mutex
	use64    bool
	baseline *counterSample
}

// NewProbe connects to the SNMP device.
func NewProbe(cfg config.SNMPConfig, logger *slog.Logger) (*Probe, error) {
	if cfg.Host == "" {
		return nil, errors.New("snmp host is required")
	}

	gs := &gosnmp.GoSNMP{
		Target:    cfg.Host,
		Port:      cfg.Port,
		Version:   gosnmp.Version2c,
		Community: cfg.Community,
		Timeout:   cfg.Timeout,
		Retries:   cfg.Retries,
	}
	if err := gs.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect: %w", err)
	}

	return &Probe{
		cfg:    cfg,
		logger: observability.WithComponent(logger, "snmp"),
		conn:   gs,
		use64:  true,
	}, nil
}

// Close releases the SNMP connection.
func (p *Probe) Close() error {
	if p.conn == nil || p.conn.Conn == nil {
		return nil
	}
	return p.conn.Conn.Close()
}

// TestConnection queries sysDescr, which every SNMP device answers.
func (p *Probe) TestConnection(ctx context.Context) error {
	_, err := p.get(ctx, []string{oidSysDescr})
	return err
}

// Rate returns throughput over the interval since the previous call.
// The first call after startup or after a dropped baseline returns
// ErrNoData.
func (p *Probe) Rate(ctx context.Context) (Rate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	in, out, err := p.counters(ctx, p.cfg.WANInterface)
	if err != nil && p.use64 {
		// Older devices lack the 64-bit counters. Switch once and
		// drop the baseline so deltas never mix counter widths.
		p.logger.Info("64-bit counters unavailable, falling back to 32-bit")
		p.use64 = false
		p.baseline = nil
		in, out, err = p.counters(ctx, p.cfg.WANInterface)
	}
	if err != nil {
		p.baseline = nil
		return Rate{}, fmt.Errorf("querying counters: %w", err)
	}

	now := time.Now()
	return p.rateFrom(in, out, now)
}

// rateFrom advances the baseline and computes the delta rate. Split
// from Rate so the math is testable without a device.
func (p *Probe) rateFrom(in, out uint64, now time.Time) (Rate, error) {
	sample := counterSample{in: in, out: out, at: now}

	if p.baseline == nil {
		p.baseline = &sample
		p.logger.Debug("baseline established")
		return Rate{}, ErrNoData
	}

	elapsed := now.Sub(p.baseline.at).Seconds()
	if elapsed < 0.1 {
		return Rate{}, fmt.Errorf("poll interval too short: %w", ErrNoData)
	}

	bits := 64
	if !p.use64 {
		bits = 32
	}
	rate := Rate{
		InboundMbps:  rateMbps(foldDelta(in, p.baseline.in, bits), elapsed),
		OutboundMbps: rateMbps(foldDelta(out, p.baseline.out, bits), elapsed),
	}
	p.baseline = &sample

	if rate.InboundMbps > maxReasonableMbps || rate.OutboundMbps > maxReasonableMbps {
		p.logger.Warn("rejecting unreasonable reading",
			slog.Float64("inbound_mbps", rate.InboundMbps),
			slog.Float64("outbound_mbps", rate.OutboundMbps))
		return Rate{}, ErrNoData
	}

	rate.InboundMbps = math.Round(rate.InboundMbps*100) / 100
	rate.OutboundMbps = math.Round(rate.OutboundMbps*100) / 100
	return rate, nil
}

// foldDelta computes cur-prev on a wrapping counter of the given
// width, assuming at most one wrap between samples.
func foldDelta(cur, prev uint64, bits int) uint64 {
	if cur >= prev {
		return cur - prev
	}
	if bits == 32 {
		return cur + (1<<32 - prev)
	}
	// 64-bit: unsigned subtraction wraps mod 2^64 on its own.
	return cur - prev
}

func rateMbps(deltaBytes uint64, seconds float64) float64 {
	return float64(deltaBytes) / seconds * 8 / 1e6
}

// counters reads both octet counters for an interface in one bundled
// Get, so the values come from the same device cache snapshot.
func (p *Probe) counters(ctx context.Context, ifIndex int) (in, out uint64, err error) {
	inOID, outOID := oidIfHCInOctets, oidIfHCOutOctets
	if !p.use64 {
		inOID, outOID = oidIfInOctets, oidIfOutOctets
	}

	pdus, err := p.get(ctx, []string{
		fmt.Sprintf("%s.%d", inOID, ifIndex),
		fmt.Sprintf("%s.%d", outOID, ifIndex),
	})
	if err != nil {
		return 0, 0, err
	}
	if len(pdus) < 2 {
		return 0, 0, errors.New("short snmp response")
	}

	in, err = counterValue(pdus[0])
	if err != nil {
		return 0, 0, err
	}
	out, err = counterValue(pdus[1])
	if err != nil {
		return 0, 0, err
	}
	return in, out, nil
}

func counterValue(pdu gosnmp.SnmpPDU) (uint64, error) {
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.Null:
		return 0, fmt.Errorf("oid %s not available", pdu.Name)
	}
	return gosnmp.ToBigInt(pdu.Value).Uint64(), nil
}

func (p *Probe) get(ctx context.Context, oids []string) ([]gosnmp.SnmpPDU, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	packet, err := p.conn.Get(oids)
	if err != nil {
		return nil, err
	}
	if packet == nil || len(packet.Variables) == 0 {
		return nil, errors.New("empty snmp response")
	}
	return packet.Variables, nil
}

func (p *Probe) walk(ctx context.Context, oid string) ([]gosnmp.SnmpPDU, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var results []gosnmp.SnmpPDU
	err := p.conn.Walk(oid, func(pdu gosnmp.SnmpPDU) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		results = append(results, pdu)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
