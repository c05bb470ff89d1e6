//go:build linux
// +build linux

package firewall

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

var forwardingKeys = []string{
	"net.ipv4.ip_forward",
	"net.ipv6.conf.all.forwarding",
}

// EnableIPForwarding enables IPv4 and IPv6 forwarding.
func EnableIPForwarding() error {
	for _, key := range forwardingKeys {
		val, err := sysctl.Get(key)
		if err != nil {
			return fmt.Errorf("failed to get %s: %w", key, err)
		}

		// Is it already enabled?
		if val != "1" {
			if err := sysctl.Set(key, "1"); err != nil {
				return fmt.Errorf("failed to set %s: %w", key, err)
			}
		}
	}

	return nil
}

func nftConn(ns netns.NsHandle) *nftables.Conn {
	if !ns.IsOpen() {
		return &nftables.Conn{}
	}
	return &nftables.Conn{NetNS: int(ns)}
}

func steeringTable() *nftables.Table {
	return &nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   tableName,
	}
}

// dscpMatch returns the expressions that match packets of the given family
// arriving on iface with a non-zero DSCP.
func dscpMatch(family rewrite.Family, iface string) []expr.Any {
	exprs := []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
	}
	switch family {
	case rewrite.IPv4:
		exprs = append(exprs,
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(iface)},
			// TOS is the second byte of the IPv4 header.
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 1, Len: 1},
			&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 1, Mask: []byte{0xfc}, Xor: []byte{0x00}},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0x00}},
		)
	case rewrite.IPv6:
		exprs = append(exprs,
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV6}},
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(iface)},
			// Traffic class straddles the first two bytes of the IPv6 header.
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 0, Len: 2},
			&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 2, Mask: []byte{0x0f, 0xc0}, Xor: []byte{0x00, 0x00}},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0x00, 0x00}},
		)
	}
	return exprs
}

func setMark(mark uint32) []expr.Any {
	return []expr.Any{
		&expr.Immediate{Register: 1, Data: binaryutil.NativeEndian.PutUint32(mark)},
		&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
	}
}

// EnableSteering installs the nftables rules, policy routing rules and
// routes that divert DSCP-marked traffic arriving on c.IngressInterface
// through the TUN device c.TunInterface in the given network namespace.
// Existing steering state is replaced.
func EnableSteering(ns netns.NsHandle, c SteeringConfig) error {
	if err := c.validate(); err != nil {
		return err
	}

	conn := nftConn(ns)
	t := conn.AddTable(steeringTable())
	conn.FlushTable(t)

	pre := conn.AddChain(&nftables.Chain{
		Name:     "prerouting",
		Table:    t,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityMangle,
	})
	for _, f := range []rewrite.Family{rewrite.IPv4, rewrite.IPv6} {
		conn.AddRule(&nftables.Rule{
			Table: t,
			Chain: pre,
			Exprs: append(dscpMatch(f, c.IngressInterface), setMark(c.FwMark)...),
		})
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush nftables ruleset: %w", err)
	}

	// Rewritten packets re-enter through the TUN device with sources that
	// are not routed via it.
	rpFilter := fmt.Sprintf("net.ipv4.conf.%s.rp_filter", c.TunInterface)
	if err := sysctl.Set(rpFilter, "0"); err != nil {
		return fmt.Errorf("failed to set %s: %w", rpFilter, err)
	}

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("failed to create netlink handle: %w", err)
	}
	defer h.Close()

	link, err := h.LinkByName(c.TunInterface)
	if err != nil {
		return fmt.Errorf("failed to get link %s: %w", c.TunInterface, err)
	}
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		slog.Debug("Setting up steering route",
			slog.Int("family", family), slog.Int("table", c.RouteTable), slog.String("dev", c.TunInterface))
		if err := h.RouteReplace(&netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       defaultRoute(family),
			Table:     c.RouteTable,
			Scope:     netlink.SCOPE_LINK,
		}); err != nil {
			return fmt.Errorf("failed to add route to table %d: %w", c.RouteTable, err)
		}

		rule := steeringRule(family, c)
		// Replace a rule left over from a previous run.
		_ = h.RuleDel(rule)
		if err := h.RuleAdd(rule); err != nil {
			return fmt.Errorf("failed to add routing rule: %w", err)
		}
	}

	return nil
}

// DisableSteering removes the state installed by EnableSteering.
func DisableSteering(ns netns.NsHandle, c SteeringConfig) error {
	var errs []error

	conn := nftConn(ns)
	conn.DelTable(steeringTable())
	if err := conn.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete nftables table %s: %w", tableName, err))
	}

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to create netlink handle: %w", err))...)
	}
	defer h.Close()
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		if err := h.RuleDel(steeringRule(family, c)); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete routing rule: %w", err))
		}
	}

	return errors.Join(errs...)
}

func steeringRule(family int, c SteeringConfig) *netlink.Rule {
	rule := netlink.NewRule()
	rule.Family = family
	rule.Mark = c.FwMark
	rule.Table = c.RouteTable
	rule.Priority = rulePriority
	return rule
}

func defaultRoute(family int) *net.IPNet {
	if family == netlink.FAMILY_V6 {
		return &net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)}
	}
	return &net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)}
}

func ifname(n string) []byte {
	b := make([]byte, 16)
	copy(b, []byte(n+"\x00"))
	return b
}
