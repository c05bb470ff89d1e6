//go:build linux

package firewall

import (
	"testing"

	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

func TestDSCPMatch(t *testing.T) {
	t.Run("IPv4", func(t *testing.T) {
		exprs := dscpMatch(rewrite.IPv4, "eth0")
		require.Len(t, exprs, 7)
		assert.Equal(t, []byte{unix.NFPROTO_IPV4}, exprs[1].(*expr.Cmp).Data)
		assert.Equal(t, ifname("eth0"), exprs[3].(*expr.Cmp).Data)

		p := exprs[4].(*expr.Payload)
		assert.Equal(t, expr.PayloadBaseNetworkHeader, p.Base)
		assert.EqualValues(t, 1, p.Offset)
		assert.Equal(t, []byte{0xfc}, exprs[5].(*expr.Bitwise).Mask)
		assert.Equal(t, expr.CmpOpNeq, exprs[6].(*expr.Cmp).Op)
	})

	t.Run("IPv6", func(t *testing.T) {
		exprs := dscpMatch(rewrite.IPv6, "ens5")
		require.Len(t, exprs, 7)
		assert.Equal(t, []byte{unix.NFPROTO_IPV6}, exprs[1].(*expr.Cmp).Data)

		p := exprs[4].(*expr.Payload)
		assert.EqualValues(t, 0, p.Offset)
		assert.EqualValues(t, 2, p.Len)
		assert.Equal(t, []byte{0x0f, 0xc0}, exprs[5].(*expr.Bitwise).Mask)
	})
}

func TestSetMark(t *testing.T) {
	exprs := setMark(0x5d5c)
	require.Len(t, exprs, 2)
	m := exprs[1].(*expr.Meta)
	assert.Equal(t, expr.MetaKeyMARK, m.Key)
	assert.True(t, m.SourceRegister)
}

func TestSteeringRule(t *testing.T) {
	rule := steeringRule(unix.AF_INET6, SteeringConfig{FwMark: 0x10, RouteTable: 100})
	assert.Equal(t, unix.AF_INET6, rule.Family)
	assert.EqualValues(t, 0x10, rule.Mark)
	assert.Equal(t, 100, rule.Table)
	assert.Equal(t, "::/0", defaultRoute(unix.AF_INET6).String())
	assert.Equal(t, "0.0.0.0/0", defaultRoute(unix.AF_INET).String())
}

func TestSteeringConfigValidate(t *testing.T) {
	valid := SteeringConfig{IngressInterface: "eth0", TunInterface: "dscp0", FwMark: 1, RouteTable: 1}
	require.NoError(t, valid.validate())

	for name, mutate := range map[string]func(*SteeringConfig){
		"NoIngress": func(c *SteeringConfig) { c.IngressInterface = "" },
		"NoTun":     func(c *SteeringConfig) { c.TunInterface = "" },
		"SameIface": func(c *SteeringConfig) { c.TunInterface = c.IngressInterface },
		"NoMark":    func(c *SteeringConfig) { c.FwMark = 0 },
		"NoTable":   func(c *SteeringConfig) { c.RouteTable = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.ErrorIs(t, c.validate(), rewrite.ErrInvalidArgument)
		})
	}
}
