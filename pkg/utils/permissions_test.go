package utils

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasNetAdmin(t *testing.T) {
	ok, err := HasNetAdmin()
	require.NoError(t, err)
	if runtime.GOOS != "linux" {
		assert.False(t, ok)
		return
	}
	if os.Geteuid() == 0 {
		assert.True(t, ok)
	}
}
