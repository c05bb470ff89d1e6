package rewrite

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/go-logr/logr"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/apoxy-dev/dscp-rewrite/pkg/checksum"
)

// EligibleIPv6DSCP is the only IPv6 code point rewritten by default.
const EligibleIPv6DSCP = 51

// IPv6Mode selects how the IPv6 path reads the version and traffic class.
type IPv6Mode int

const (
	// IPv6ModeLegacy skips packets whose version field is 6 and assembles
	// the traffic class from the low nibbles of the first two bytes.
	IPv6ModeLegacy IPv6Mode = iota
	// IPv6ModeRFC8200 only rewrites packets whose version field is 6 and
	// reads the traffic class as laid out by RFC 8200.
	IPv6ModeRFC8200
)

func (m IPv6Mode) String() string {
	switch m {
	case IPv6ModeLegacy:
		return "legacy"
	case IPv6ModeRFC8200:
		return "rfc8200"
	default:
		return fmt.Sprintf("IPv6Mode(%d)", int(m))
	}
}

// ParseIPv6Mode parses "legacy" or "rfc8200". The empty string selects
// legacy mode.
func ParseIPv6Mode(s string) (IPv6Mode, error) {
	switch s {
	case "", "legacy":
		return IPv6ModeLegacy, nil
	case "rfc8200":
		return IPv6ModeRFC8200, nil
	}
	return 0, fmt.Errorf("%w: unknown IPv6 mode %q", ErrInvalidArgument, s)
}

// Result describes what a rewrite call decided. Packets are always accepted
// regardless of the result.
type Result uint8

const (
	ResultRewritten Result = iota
	ResultDisabled
	ResultVersionMismatch
	ResultBestEffort
	ResultIneligible
	ResultUnconfigured
	ResultTruncated

	numResults
)

var resultNames = [numResults]string{
	ResultRewritten:       "rewritten",
	ResultDisabled:        "disabled",
	ResultVersionMismatch: "version_mismatch",
	ResultBestEffort:      "best_effort",
	ResultIneligible:      "ineligible",
	ResultUnconfigured:    "unconfigured",
	ResultTruncated:       "truncated",
}

func (r Result) String() string {
	if r < numResults {
		return resultNames[r]
	}
	return fmt.Sprintf("Result(%d)", uint8(r))
}

// Option configures a Mutator.
type Option func(*options)

type options struct {
	ipv6Mode         IPv6Mode
	ipv6DSCP         [Slots]bool
	repairIPv4Header bool
	logger           logr.Logger
	metrics          *Metrics
}

func defaultOptions() *options {
	o := &options{
		ipv6Mode: IPv6ModeLegacy,
		logger:   logr.Discard(),
	}
	o.ipv6DSCP[EligibleIPv6DSCP] = true
	return o
}

// WithIPv6Mode sets the IPv6 version and traffic class handling.
// The default is IPv6ModeLegacy.
func WithIPv6Mode(mode IPv6Mode) Option {
	return func(o *options) {
		o.ipv6Mode = mode
	}
}

// WithIPv6DSCP replaces the set of code points eligible for rewriting on the
// IPv6 path. Zero and out-of-range values are ignored.
// The default is EligibleIPv6DSCP only.
func WithIPv6DSCP(dscp ...uint8) Option {
	return func(o *options) {
		o.ipv6DSCP = [Slots]bool{}
		for _, d := range dscp {
			if d > 0 && d < Slots {
				o.ipv6DSCP[d] = true
			}
		}
	}
}

// WithIPv4HeaderChecksumRepair also repairs the IPv4 header checksum after
// rewriting the destination. Disabled by default.
func WithIPv4HeaderChecksumRepair(enabled bool) Option {
	return func(o *options) {
		o.repairIPv4Header = enabled
	}
}

// WithLogger sets the logger used for debug diagnostics.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the per-decision packet counters.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Mutator rewrites the destination of DSCP-marked packets in place and
// repairs the affected transport checksum. It is safe for concurrent use.
type Mutator struct {
	table   *Table
	enabled atomic.Bool
	debug   atomic.Bool
	opts    *options
}

// NewMutator returns an enabled Mutator reading destinations from t.
func NewMutator(t *Table, opts ...Option) *Mutator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	m := &Mutator{
		table: t,
		opts:  o,
	}
	m.enabled.Store(true)
	return m
}

// Table returns the rewrite table.
func (m *Mutator) Table() *Table { return m.table }

// Enabled reports whether rewriting is enabled.
func (m *Mutator) Enabled() bool { return m.enabled.Load() }

// SetEnabled enables or disables rewriting for both families.
func (m *Mutator) SetEnabled(enabled bool) { m.enabled.Store(enabled) }

// Debug reports whether rewrite decisions are logged.
func (m *Mutator) Debug() bool { return m.debug.Load() }

// SetDebug toggles logging of rewrite decisions.
func (m *Mutator) SetDebug(debug bool) { m.debug.Store(debug) }

// RewriteIPv4 applies the IPv4 ingress rewrite to pkt in place.
func (m *Mutator) RewriteIPv4(pkt []byte) Result {
	r := m.rewriteIPv4(pkt)
	m.opts.metrics.observe(IPv4, r)
	return r
}

func (m *Mutator) rewriteIPv4(pkt []byte) Result {
	if !m.enabled.Load() {
		return ResultDisabled
	}
	if len(pkt) == 0 {
		return ResultTruncated
	}
	if pkt[0]>>4 != uint8(header.IPv4Version) {
		return ResultVersionMismatch
	}
	v, ok := ViewIPv4(pkt)
	if !ok {
		return ResultTruncated
	}

	// DSCP is the upper six bits of the TOS byte.
	dscp := v.TOS() >> 2
	if dscp == 0 {
		return ResultBestEffort
	}
	target, ok := m.table.Lookup4(dscp)
	if !ok {
		return ResultUnconfigured
	}

	dst := v.Destination4()
	proto := v.Protocol()
	var oldSum, newSum uint16
	switch proto {
	case protoTCP, protoUDP:
		sum, ok := v.TransportChecksum()
		if !ok {
			return ResultTruncated
		}
		oldSum, newSum = sum, sum
		// A zero UDP checksum over IPv4 means no checksum was computed.
		if proto == protoUDP && sum == 0 {
			break
		}
		newSum = checksum.UpdateAddr4(sum, dst, target)
		if proto == protoUDP && newSum == 0 {
			newSum = 0xffff
		}
		v.SetTransportChecksum(newSum)
	}

	if m.opts.repairIPv4Header {
		v.SetHeaderChecksum(checksum.UpdateAddr4(v.HeaderChecksum(), dst, target))
	}

	if m.debug.Load() {
		m.opts.logger.Info("Rewrote destination",
			"family", IPv4.String(),
			"dscp", dscp,
			"proto", proto,
			"from", netip.AddrFrom4(dst).String(),
			"to", netip.AddrFrom4(target).String(),
			"oldChecksum", fmt.Sprintf("0x%04x", oldSum),
			"newChecksum", fmt.Sprintf("0x%04x", newSum))
	}

	v.SetDestination4(target)
	return ResultRewritten
}

// RewriteIPv6 applies the IPv6 ingress rewrite to pkt in place.
func (m *Mutator) RewriteIPv6(pkt []byte) Result {
	r := m.rewriteIPv6(pkt)
	m.opts.metrics.observe(IPv6, r)
	return r
}

func (m *Mutator) rewriteIPv6(pkt []byte) Result {
	if !m.enabled.Load() {
		return ResultDisabled
	}
	if len(pkt) == 0 {
		return ResultTruncated
	}
	version := pkt[0] >> 4
	switch m.opts.ipv6Mode {
	case IPv6ModeLegacy:
		if version == uint8(header.IPv6Version) {
			return ResultVersionMismatch
		}
	default:
		if version != uint8(header.IPv6Version) {
			return ResultVersionMismatch
		}
	}
	v, ok := ViewIPv6(pkt)
	if !ok {
		return ResultTruncated
	}

	tc := v.TrafficClass()
	if m.opts.ipv6Mode == IPv6ModeLegacy {
		tc = v.legacyTrafficClass()
	}
	dscp := tc >> 2
	if dscp == 0 {
		return ResultBestEffort
	}
	if !m.opts.ipv6DSCP[dscp] {
		return ResultIneligible
	}
	target, ok := m.table.Lookup6(dscp)
	if !ok {
		return ResultUnconfigured
	}

	orig := v.Destination6()
	proto := v.Protocol()
	var oldSum, newSum uint16
	switch proto {
	case protoTCP, protoUDP, protoICMPv6:
		sum, ok := v.TransportChecksum()
		if !ok {
			return ResultTruncated
		}
		oldSum = sum
		newSum = checksum.UpdateAddr6(sum, orig, target)
		if proto == protoUDP && newSum == 0 {
			newSum = 0xffff
		}
		v.SetTransportChecksum(newSum)
	}

	if m.debug.Load() {
		m.opts.logger.Info("Rewrote destination",
			"family", IPv6.String(),
			"dscp", dscp,
			"proto", proto,
			"from", netip.AddrFrom16(orig).String(),
			"to", netip.AddrFrom16(target).String(),
			"oldChecksum", fmt.Sprintf("0x%04x", oldSum),
			"newChecksum", fmt.Sprintf("0x%04x", newSum))
	}

	v.SetDestination6(target)
	return ResultRewritten
}
