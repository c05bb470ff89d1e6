package config_test

import (
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apoxy-dev/dscp-rewrite/config"
	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

func TestConfigLoad(t *testing.T) {
	t.Run("Missing", func(t *testing.T) {
		config.ConfigFile = filepath.Join(t.TempDir(), "config.yaml")

		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, config.DefaultConfig, cfg)
		assert.NotSame(t, config.DefaultConfig, cfg)
	})

	t.Run("Full", func(t *testing.T) {
		config.ConfigFile = "testdata/config.yaml"

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, &config.Config{
			Enabled:                  true,
			Debug:                    true,
			ListenAddr:               "127.0.0.1:9000",
			TunName:                  "dscp1",
			TunMTU:                   1400,
			IngressInterface:         "ens5",
			FwMark:                   0x10,
			RouteTable:               100,
			IPv6Mode:                 "rfc8200",
			IPv6DSCP:                 []uint8{46, 51},
			RepairIPv4HeaderChecksum: true,
			IP4: map[int]string{
				10: "10.0.0.1",
				46: "203.0.113.9",
			},
			IP6: map[int]string{
				51: "2001:db8::1",
			},
		}, cfg)
	})

	t.Run("Invalid", func(t *testing.T) {
		config.ConfigFile = "testdata/config-invalid.yaml"

		_, err := config.Load()
		require.ErrorIs(t, err, rewrite.ErrInvalidArgument)
		assert.ErrorContains(t, err, "ip4.10")
		assert.ErrorContains(t, err, "ip4 dscp 64")
		assert.ErrorContains(t, err, "IPv6 mode")
	})

	t.Run("Disabled", func(t *testing.T) {
		config.ConfigFile = filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(config.ConfigFile, []byte("enabled: false\n"), 0644))

		cfg, err := config.Load()
		require.NoError(t, err)
		assert.False(t, cfg.Enabled)
		assert.Equal(t, "dscp0", cfg.TunName)
	})
}

func TestConfigSave(t *testing.T) {
	config.ConfigFile = filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := &config.Config{
		Enabled:  true,
		IPv6Mode: "legacy",
		IPv6DSCP: []uint8{51},
		IP4:      map[int]string{10: "10.0.0.1"},
	}
	require.NoError(t, config.Store(cfg))

	loaded, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.IP4, loaded.IP4)
	assert.True(t, loaded.Enabled)
}

func TestConfigApply(t *testing.T) {
	tbl := rewrite.NewTable()
	m := rewrite.NewMutator(tbl)
	require.NoError(t, tbl.SetString(rewrite.IPv4, 5, "192.0.2.1"))

	cfg := &config.Config{
		Enabled: false,
		Debug:   true,
		IP4:     map[int]string{10: "10.0.0.1"},
		IP6:     map[int]string{51: "2001:db8::1"},
	}
	require.NoError(t, cfg.Apply(m))

	assert.False(t, m.Enabled())
	assert.True(t, m.Debug())
	assert.Equal(t, []rewrite.Entry{
		{Family: rewrite.IPv4, DSCP: 10, Addr: mustAddr("10.0.0.1")},
		{Family: rewrite.IPv6, DSCP: 51, Addr: mustAddr("2001:db8::1")},
	}, tbl.Entries())

	t.Run("InvalidLeavesStateUnchanged", func(t *testing.T) {
		bad := &config.Config{
			Enabled: true,
			IP4:     map[int]string{10: "10.0.0.2", 11: "999.1.1.1"},
		}
		require.ErrorIs(t, bad.Apply(m), rewrite.ErrInvalidArgument)
		assert.False(t, m.Enabled())
		a, err := tbl.GetString(rewrite.IPv4, 10)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", a)
	})
}

func TestConfigMutatorOptions(t *testing.T) {
	_, err := (&config.Config{IPv6Mode: "bogus"}).MutatorOptions()
	assert.ErrorIs(t, err, rewrite.ErrInvalidArgument)

	opts, err := (&config.Config{IPv6Mode: "rfc8200", IPv6DSCP: []uint8{46}}).MutatorOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 3)
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ip4:\n  10: 10.0.0.1\n"), 0644))

	var (
		mu  sync.Mutex
		got []*config.Config
	)
	require.NoError(t, config.Watch(t.Context(), path, func(cfg *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, cfg)
	}))

	// Invalid contents are skipped.
	require.NoError(t, os.WriteFile(path, []byte("ip4:\n  10: bogus\n"), 0644))
	require.NoError(t, os.WriteFile(path, []byte("ip4:\n  10: 10.0.0.2\n"), 0644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].IP4[10] == "10.0.0.2"
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, cfg := range got {
		assert.NotEqual(t, "bogus", cfg.IP4[10])
	}
}

func mustAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func TestRestartRequired(t *testing.T) {
	prev, err := config.LoadFile("testdata/config.yaml")
	require.NoError(t, err)

	next := *prev
	next.Debug = false
	next.IP4 = map[int]string{10: "10.0.0.9"}
	assert.Empty(t, config.RestartRequired(prev, &next))

	next.TunMTU = 9000
	next.IPv6DSCP = []uint8{51}
	assert.Equal(t, []string{"tun_mtu", "ipv6_dscp"}, config.RestartRequired(prev, &next))
}
