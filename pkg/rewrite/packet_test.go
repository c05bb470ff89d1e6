package rewrite_test

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
	tcpipchecksum "gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var serializeOpts = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

var testPayload = []byte("dscp rewrite test payload")

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func ipv4Layer(tos uint8, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      tos,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP("198.51.100.7").To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func tcp4Packet(t *testing.T, tos uint8, dst string) []byte {
	ip := ipv4Layer(tos, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, Seq: 1, SYN: true, Window: 65535}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, tcp, gopacket.Payload(testPayload))
}

func udp4Packet(t *testing.T, tos uint8, dst string) []byte {
	ip := ipv4Layer(tos, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(testPayload))
}

func ipv6Layer(tc uint8, dst string, next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:      6,
		TrafficClass: tc,
		NextHeader:   next,
		HopLimit:     64,
		SrcIP:        net.ParseIP("2001:db8:1::7"),
		DstIP:        net.ParseIP(dst),
	}
}

func icmp6Packet(t *testing.T, tc uint8, dst string) []byte {
	ip := ipv6Layer(tc, dst, layers.IPProtocolICMPv6)
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
	require.NoError(t, icmp.SetNetworkLayerForChecksum(ip))
	echo := []byte{0x12, 0x34, 0x00, 0x01}
	return serialize(t, ip, icmp, gopacket.Payload(append(echo, testPayload...)))
}

func tcp6Packet(t *testing.T, tc uint8, dst string) []byte {
	ip := ipv6Layer(tc, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, Seq: 1, ACK: true, Window: 65535}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, tcp, gopacket.Payload(testPayload))
}

func udp6Packet(t *testing.T, tc uint8, dst string) []byte {
	ip := ipv6Layer(tc, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(testPayload))
}

// setLegacyTrafficClass writes version and tc so that the low nibbles of the
// first two header bytes carry tc. Neither byte is covered by the transport
// pseudo-header.
func setLegacyTrafficClass(pkt []byte, version, tc uint8) {
	pkt[0] = version<<4 | tc>>4
	pkt[1] = pkt[1]&0xf0 | tc&0x0f
}

// transportResidual returns the one's-complement sum over the pseudo-header
// and transport segment, checksum field included. It is 0xffff for a valid
// segment.
func transportResidual(pkt []byte) uint16 {
	var (
		seg  []byte
		psum uint16
	)
	switch pkt[0] >> 4 {
	case 4:
		ip := header.IPv4(pkt)
		seg = pkt[ip.HeaderLength():]
		psum = header.PseudoHeaderChecksum(ip.TransportProtocol(), ip.SourceAddress(), ip.DestinationAddress(), uint16(len(seg)))
	default:
		ip := header.IPv6(pkt)
		seg = pkt[header.IPv6MinimumSize:]
		psum = header.PseudoHeaderChecksum(ip.TransportProtocol(), ip.SourceAddress(), ip.DestinationAddress(), uint16(len(seg)))
	}
	return tcpipchecksum.Checksum(seg, psum)
}

// transportChecksumOffset returns the offset of the transport checksum field
// for the packet's protocol.
func transportChecksumOffset(t *testing.T, l4 int, proto uint8) int {
	t.Helper()
	switch proto {
	case uint8(header.TCPProtocolNumber):
		return l4 + 16
	case uint8(header.UDPProtocolNumber):
		return l4 + 6
	case uint8(header.ICMPv6ProtocolNumber), uint8(header.ICMPv4ProtocolNumber):
		return l4 + 2
	}
	t.Fatalf("unexpected protocol %d", proto)
	return 0
}

// recomputed returns the transport checksum obtained by recomputing it from
// scratch over the current packet contents.
func recomputed(t *testing.T, pkt []byte) uint16 {
	t.Helper()
	cp := append([]byte(nil), pkt...)
	var l4 int
	var proto uint8
	if cp[0]>>4 == 4 {
		l4 = int(header.IPv4(cp).HeaderLength())
		proto = header.IPv4(cp).Protocol()
	} else {
		l4 = header.IPv6MinimumSize
		proto = header.IPv6(cp).NextHeader()
	}
	off := transportChecksumOffset(t, l4, proto)
	binary.BigEndian.PutUint16(cp[off:], 0)
	sum := ^transportResidual(cp)
	if proto == uint8(header.UDPProtocolNumber) && sum == 0 {
		sum = 0xffff
	}
	return sum
}

// fieldChecksum reads the current transport checksum field.
func fieldChecksum(t *testing.T, pkt []byte) uint16 {
	t.Helper()
	var l4 int
	var proto uint8
	if pkt[0]>>4 == 4 {
		l4 = int(header.IPv4(pkt).HeaderLength())
		proto = header.IPv4(pkt).Protocol()
	} else {
		l4 = header.IPv6MinimumSize
		proto = header.IPv6(pkt).NextHeader()
	}
	return binary.BigEndian.Uint16(pkt[transportChecksumOffset(t, l4, proto):])
}
