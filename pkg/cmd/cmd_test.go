package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apoxy-dev/dscp-rewrite/config"
	"github.com/apoxy-dev/dscp-rewrite/pkg/control"
	"github.com/apoxy-dev/dscp-rewrite/pkg/engine"
	"github.com/apoxy-dev/dscp-rewrite/pkg/ingress"
	"github.com/apoxy-dev/dscp-rewrite/pkg/log"
	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestSettingsCommands(t *testing.T) {
	e := engine.New(rewrite.NewMutator(rewrite.NewTable()))
	require.NoError(t, e.Load(ingress.NewPipe()))
	ts := httptest.NewServer(control.NewServer(e).Handler())
	t.Cleanup(ts.Close)

	out, err := execute(t, "set", "--addr", ts.URL, "net.inet.ip.dscp_rewrite.ip4.10", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "net.inet.ip.dscp_rewrite.ip4.10: 10.0.0.1\n", out)

	out, err = execute(t, "set", "--addr", ts.URL, "net.inet.ip.dscp_rewrite.ip6.51=2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, "net.inet.ip.dscp_rewrite.ip6.51: 2001:db8::1\n", out)

	_, err = execute(t, "set", "--addr", ts.URL, "net.inet.ip.dscp_rewrite.ip4.10")
	assert.ErrorContains(t, err, "missing value")

	_, err = execute(t, "set", "--addr", ts.URL, "net.inet.ip.dscp_rewrite.ip4.10", "999.1.1.1")
	assert.ErrorIs(t, err, rewrite.ErrInvalidArgument)

	out, err = execute(t, "get", "--addr", ts.URL, "net.inet.ip.dscp_rewrite.ip4.10")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1\n", out)

	out, err = execute(t, "list", "--addr", ts.URL, "--active")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	// Header, both toggles and the two active slots.
	require.Len(t, lines, 5)
	assert.Contains(t, lines[3], "net.inet.ip.dscp_rewrite.ip4.10")
	assert.Contains(t, lines[4], "2001:db8::1")

	_, err = execute(t, "unload", "--addr", ts.URL)
	assert.ErrorIs(t, err, rewrite.ErrBusy)
	assert.True(t, e.Loaded())

	e.Table().Reset()
	_, err = execute(t, "unload", "--addr", ts.URL)
	require.NoError(t, err)
	assert.False(t, e.Loaded())
}

func TestSettingsTable(t *testing.T) {
	settings := []control.Setting{
		{Name: control.NameEnabled, Value: "1"},
		{Name: "net.inet.ip.dscp_rewrite.ip4.1", Value: "0.0.0.0"},
		{Name: "net.inet.ip.dscp_rewrite.ip6.1", Value: "::"},
	}
	assert.Len(t, settingsTable(settings, false).Rows, 3)
	assert.Len(t, settingsTable(settings, true).Rows, 1)
}

func TestNewEngine(t *testing.T) {
	cfg, err := config.LoadFile("../../config/testdata/config.yaml")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	e, err := newEngine(cfg, reg)
	require.NoError(t, err)
	assert.True(t, e.Mutator().Debug())
	assert.Len(t, e.Table().Entries(), 3)

	t.Run("Reload", func(t *testing.T) {
		next := *cfg
		next.Enabled = false
		next.IP4 = nil
		reload(e.Mutator(), cfg, &next)
		assert.False(t, e.Mutator().Enabled())
		assert.Len(t, e.Table().Entries(), 1)

		bad := next
		bad.IP6 = map[int]string{51: "10.0.0.1"}
		reload(e.Mutator(), &next, &bad)
		a, err := e.Table().GetString(rewrite.IPv6, 51)
		require.NoError(t, err)
		assert.Equal(t, "2001:db8::1", a)
	})
}

func TestWarnIPv4HeaderChecksum(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	require.NoError(t, log.Init(log.WithWriter(&buf)))

	cfg := *config.DefaultConfig
	require.False(t, cfg.RepairIPv4HeaderChecksum)
	assert.True(t, warnIPv4HeaderChecksum(&cfg))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "repair_ipv4_header_checksum: true")

	buf.Reset()
	cfg.RepairIPv4HeaderChecksum = true
	assert.False(t, warnIPv4HeaderChecksum(&cfg))
	assert.Empty(t, buf.String())
}
