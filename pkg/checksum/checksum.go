// Package checksum implements incremental updates of one's-complement
// Internet checksums as described in RFC 1624.
//
// All values are host-order 16-bit words. Callers convert from and to the
// wire byte order when reading or writing packet fields.
package checksum

import "encoding/binary"

// Update returns the checksum sum adjusted for the substitution of the 16-bit
// word old by new in the covered data, using RFC 1624 eqn. 3:
//
//	HC' = ~(~HC + ~m + m')
func Update(sum, old, new uint16) uint16 {
	s := uint32(^sum) + uint32(^old) + uint32(new)
	s = (s & 0xffff) + (s >> 16)
	s = (s & 0xffff) + (s >> 16)
	return ^uint16(s)
}

// UpdateAddr4 adjusts sum for an IPv4 address change. The high-order word is
// substituted first, then the low-order word.
func UpdateAddr4(sum uint16, old, new [4]byte) uint16 {
	sum = Update(sum, binary.BigEndian.Uint16(old[0:2]), binary.BigEndian.Uint16(new[0:2]))
	return Update(sum, binary.BigEndian.Uint16(old[2:4]), binary.BigEndian.Uint16(new[2:4]))
}

// UpdateAddr6 adjusts sum for an IPv6 address change, one word at a time
// starting from the most significant.
func UpdateAddr6(sum uint16, old, new [16]byte) uint16 {
	for i := 0; i < len(old); i += 2 {
		sum = Update(sum, binary.BigEndian.Uint16(old[i:i+2]), binary.BigEndian.Uint16(new[i:i+2]))
	}
	return sum
}
