// Package rewrite implements DSCP-indexed destination rewriting of ingress
// IPv4 and IPv6 packets with incremental transport checksum repair.
package rewrite

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"
)

// Slots is the number of table slots per address family, one per 6-bit DSCP
// value. Slot 0 is reserved for best-effort traffic and never holds an entry.
const Slots = 64

// Family selects the IPv4 or IPv6 half of the table.
type Family uint8

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ip4"
	case IPv6:
		return "ip6"
	default:
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
}

// ParseFamily parses "ip4" or "ip6".
func ParseFamily(s string) (Family, error) {
	switch s {
	case "ip4":
		return IPv4, nil
	case "ip6":
		return IPv6, nil
	}
	return 0, fmt.Errorf("%w: unknown address family %q", ErrInvalidArgument, s)
}

// Unspecified returns the address that marks an inactive slot of family f.
func (f Family) Unspecified() netip.Addr {
	if f == IPv6 {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}

// Entry is an active table slot.
type Entry struct {
	Family Family
	DSCP   uint8
	Addr   netip.Addr
}

// Table maps DSCP code points to rewrite destinations. Each slot is read and
// written atomically; there is no table-wide lock, so a concurrent reader
// sees either the old or the new value of a slot but never a mix.
//
// The zero value is an empty table ready for use.
type Table struct {
	v4 [Slots]atomic.Uint32
	v6 [Slots]atomic.Pointer[[16]byte]
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Lookup4 returns the IPv4 destination configured for dscp. It reports false
// for DSCP 0, out-of-range values, and unspecified slots.
func (t *Table) Lookup4(dscp uint8) ([4]byte, bool) {
	var a [4]byte
	if dscp == 0 || dscp >= Slots {
		return a, false
	}
	v := t.v4[dscp].Load()
	if v == 0 {
		return a, false
	}
	binary.BigEndian.PutUint32(a[:], v)
	return a, true
}

// Lookup6 returns the IPv6 destination configured for dscp. It reports false
// for DSCP 0, out-of-range values, and unspecified slots.
func (t *Table) Lookup6(dscp uint8) ([16]byte, bool) {
	if dscp == 0 || dscp >= Slots {
		return [16]byte{}, false
	}
	p := t.v6[dscp].Load()
	if p == nil {
		return [16]byte{}, false
	}
	return *p, true
}

func checkIndex(dscp int) error {
	if dscp < 1 || dscp >= Slots {
		return fmt.Errorf("%w: dscp %d out of range 1..%d", ErrInvalidArgument, dscp, Slots-1)
	}
	return nil
}

// Set stores addr in the slot for dscp. Setting the unspecified address
// deactivates the slot.
func (t *Table) Set(f Family, dscp int, addr netip.Addr) error {
	if err := checkIndex(dscp); err != nil {
		return err
	}
	switch f {
	case IPv4:
		if !addr.Is4() {
			return fmt.Errorf("%w: %s is not an IPv4 address", ErrInvalidArgument, addr)
		}
		a := addr.As4()
		t.v4[dscp].Store(binary.BigEndian.Uint32(a[:]))
	case IPv6:
		if !addr.Is6() || addr.Zone() != "" {
			return fmt.Errorf("%w: %s is not an IPv6 address", ErrInvalidArgument, addr)
		}
		if addr.IsUnspecified() {
			t.v6[dscp].Store(nil)
			return nil
		}
		a := addr.As16()
		t.v6[dscp].Store(&a)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, f)
	}
	return nil
}

// Get returns the address held in the slot for dscp, or the unspecified
// address of f when the slot is inactive.
func (t *Table) Get(f Family, dscp int) (netip.Addr, error) {
	if err := checkIndex(dscp); err != nil {
		return netip.Addr{}, err
	}
	switch f {
	case IPv4:
		if a, ok := t.Lookup4(uint8(dscp)); ok {
			return netip.AddrFrom4(a), nil
		}
	case IPv6:
		if a, ok := t.Lookup6(uint8(dscp)); ok {
			return netip.AddrFrom16(a), nil
		}
	default:
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrInvalidArgument, f)
	}
	return f.Unspecified(), nil
}

// ParseAddr parses s strictly as an address of family f. IPv4 addresses must
// be four dot-separated decimal octets, each in 0..255; leading zeros are
// read as decimal. IPv6 addresses must be a literal without a zone.
func ParseAddr(f Family, s string) (netip.Addr, error) {
	switch f {
	case IPv4:
		addr, ok := parseDottedQuad(s)
		if !ok {
			return netip.Addr{}, fmt.Errorf("%w: %q is not a dotted-quad IPv4 address", ErrInvalidArgument, s)
		}
		return addr, nil
	case IPv6:
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		if !addr.Is6() || addr.Zone() != "" {
			return netip.Addr{}, fmt.Errorf("%w: %q is not an IPv6 address", ErrInvalidArgument, s)
		}
		return addr, nil
	default:
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrInvalidArgument, f)
	}
}

func parseDottedQuad(s string) (netip.Addr, bool) {
	fields := strings.Split(s, ".")
	if len(fields) != 4 {
		return netip.Addr{}, false
	}
	var a [4]byte
	for i, field := range fields {
		if field == "" {
			return netip.Addr{}, false
		}
		n := 0
		for _, c := range field {
			if c < '0' || c > '9' {
				return netip.Addr{}, false
			}
			n = n*10 + int(c-'0')
			if n > 255 {
				return netip.Addr{}, false
			}
		}
		a[i] = byte(n)
	}
	return netip.AddrFrom4(a), true
}

// SetString parses s and stores it in the slot for dscp. On error the slot
// keeps its previous value.
func (t *Table) SetString(f Family, dscp int, s string) error {
	if err := checkIndex(dscp); err != nil {
		return err
	}
	addr, err := ParseAddr(f, s)
	if err != nil {
		return err
	}
	return t.Set(f, dscp, addr)
}

// GetString returns the slot for dscp in text form.
func (t *Table) GetString(f Family, dscp int) (string, error) {
	addr, err := t.Get(f, dscp)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// Clear deactivates the slot for dscp.
func (t *Table) Clear(f Family, dscp int) error {
	return t.Set(f, dscp, f.Unspecified())
}

// Active reports whether any slot 1..63 of either family holds a destination.
func (t *Table) Active() bool {
	for i := 1; i < Slots; i++ {
		if t.v4[i].Load() != 0 || t.v6[i].Load() != nil {
			return true
		}
	}
	return false
}

// Entries returns the active slots, IPv4 first, each family in DSCP order.
func (t *Table) Entries() []Entry {
	var entries []Entry
	for i := 1; i < Slots; i++ {
		if a, ok := t.Lookup4(uint8(i)); ok {
			entries = append(entries, Entry{Family: IPv4, DSCP: uint8(i), Addr: netip.AddrFrom4(a)})
		}
	}
	for i := 1; i < Slots; i++ {
		if a, ok := t.Lookup6(uint8(i)); ok {
			entries = append(entries, Entry{Family: IPv6, DSCP: uint8(i), Addr: netip.AddrFrom16(a)})
		}
	}
	return entries
}

// Reset deactivates every slot.
func (t *Table) Reset() {
	for i := range t.v4 {
		t.v4[i].Store(0)
		t.v6[i].Store(nil)
	}
}
