package rewrite

import (
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	protoTCP    = uint8(header.TCPProtocolNumber)
	protoUDP    = uint8(header.UDPProtocolNumber)
	protoICMPv6 = uint8(header.ICMPv6ProtocolNumber)
)

// HeaderView is a mutable view over a received packet laid out as an IPv4 or
// IPv6 header followed by the transport segment. It borrows the buffer for
// the duration of one rewrite and never copies or retains it.
//
// The layout is chosen by the caller and is independent of the version field,
// which is exposed separately so callers can apply their own version policy.
type HeaderView struct {
	family Family
	b      []byte
	l4     []byte
}

// ViewIPv4 lays out b as an IPv4 packet. It reports false if b is shorter
// than the header length it announces.
func ViewIPv4(b []byte) (HeaderView, bool) {
	if len(b) < header.IPv4MinimumSize {
		return HeaderView{}, false
	}
	hlen := int(header.IPv4(b).HeaderLength())
	if hlen < header.IPv4MinimumSize || hlen > len(b) {
		return HeaderView{}, false
	}
	return HeaderView{family: IPv4, b: b, l4: b[hlen:]}, true
}

// ViewIPv6 lays out b as an IPv6 packet with a fixed header. Extension headers
// are not walked.
func ViewIPv6(b []byte) (HeaderView, bool) {
	if len(b) < header.IPv6MinimumSize {
		return HeaderView{}, false
	}
	return HeaderView{family: IPv6, b: b, l4: b[header.IPv6MinimumSize:]}, true
}

// Family returns the layout of the view.
func (v HeaderView) Family() Family { return v.family }

// Version returns the IP version field.
func (v HeaderView) Version() uint8 { return v.b[0] >> 4 }

// TOS returns the IPv4 type-of-service byte.
func (v HeaderView) TOS() uint8 {
	tos, _ := header.IPv4(v.b).TOS()
	return tos
}

// TrafficClass returns the IPv6 traffic class as laid out by RFC 8200.
func (v HeaderView) TrafficClass() uint8 {
	tc, _ := header.IPv6(v.b).TOS()
	return tc
}

// legacyTrafficClass assembles the traffic class from the low nibble of the
// version byte and the low nibble of the following byte.
func (v HeaderView) legacyTrafficClass() uint8 {
	return (v.b[0]&0x0f)<<4 | v.b[1]&0x0f
}

// Protocol returns the IPv4 protocol or IPv6 next header value.
func (v HeaderView) Protocol() uint8 {
	if v.family == IPv6 {
		return header.IPv6(v.b).NextHeader()
	}
	return header.IPv4(v.b).Protocol()
}

// Destination4 returns the IPv4 destination address.
func (v HeaderView) Destination4() [4]byte {
	return header.IPv4(v.b).DestinationAddress().As4()
}

// SetDestination4 overwrites the IPv4 destination address.
func (v HeaderView) SetDestination4(a [4]byte) {
	header.IPv4(v.b).SetDestinationAddress(tcpip.AddrFrom4(a))
}

// Destination6 returns the IPv6 destination address.
func (v HeaderView) Destination6() [16]byte {
	return header.IPv6(v.b).DestinationAddress().As16()
}

// SetDestination6 overwrites the IPv6 destination address.
func (v HeaderView) SetDestination6(a [16]byte) {
	header.IPv6(v.b).SetDestinationAddress(tcpip.AddrFrom16(a))
}

// HeaderChecksum returns the IPv4 header checksum.
func (v HeaderView) HeaderChecksum() uint16 {
	return header.IPv4(v.b).Checksum()
}

// SetHeaderChecksum overwrites the IPv4 header checksum.
func (v HeaderView) SetHeaderChecksum(sum uint16) {
	header.IPv4(v.b).SetChecksum(sum)
}

// TransportChecksum returns the TCP, UDP or ICMPv6 checksum field. It reports
// false for other protocols and for segments too short to hold the
// transport header.
func (v HeaderView) TransportChecksum() (uint16, bool) {
	switch v.Protocol() {
	case protoTCP:
		if len(v.l4) < header.TCPMinimumSize {
			return 0, false
		}
		return header.TCP(v.l4).Checksum(), true
	case protoUDP:
		if len(v.l4) < header.UDPMinimumSize {
			return 0, false
		}
		return header.UDP(v.l4).Checksum(), true
	case protoICMPv6:
		if len(v.l4) < header.ICMPv6MinimumSize {
			return 0, false
		}
		return header.ICMPv6(v.l4).Checksum(), true
	}
	return 0, false
}

// SetTransportChecksum overwrites the transport checksum field. It is a no-op
// when TransportChecksum would report false.
func (v HeaderView) SetTransportChecksum(sum uint16) {
	if _, ok := v.TransportChecksum(); !ok {
		return
	}
	switch v.Protocol() {
	case protoTCP:
		header.TCP(v.l4).SetChecksum(sum)
	case protoUDP:
		header.UDP(v.l4).SetChecksum(sum)
	case protoICMPv6:
		header.ICMPv6(v.l4).SetChecksum(sum)
	}
}
