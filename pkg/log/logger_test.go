package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apoxy-dev/dscp-rewrite/pkg/log"
)

func TestInit(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	t.Run("Text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, log.Init(log.WithWriter(&buf)))

		log.Debugf("hidden %d", 1)
		log.Infof("rewrote %d packets", 3)

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, `msg="rewrote 3 packets"`)
		assert.Contains(t, out, "source=logger_test.go:")
	})

	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, log.Init(log.WithWriter(&buf), log.WithJSON(), log.WithLevel(log.DebugLevel)))

		log.Debugf("slot %d", 10)

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "DEBUG", rec["level"])
		assert.Equal(t, "slot 10", rec["msg"])
	})
}

func TestNew(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	require.NoError(t, log.Init(log.WithWriter(&buf)))

	log.New(false).Info("discarded")
	log.New(true).Info("Rewrote destination", "dscp", 10)

	out := buf.String()
	assert.NotContains(t, out, "discarded")
	assert.Contains(t, out, "dscp=10")
}
