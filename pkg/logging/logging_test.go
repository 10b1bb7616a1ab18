package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelWarn, &buf)

	Debug("Test", "should not appear")
	Info("Test", "should not appear either")
	Warn("Test", "warn visible")
	Error("Test", assert.AnError, "error visible")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "warn visible")
	assert.Contains(t, out, "error visible")
	assert.Contains(t, out, "subsystem=Test")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for input, want := range cases {
		require.Equal(t, want, ParseLevel(input), "input=%q", input)
	}
}

func TestTruncateSessionID(t *testing.T) {
	assert.Equal(t, "short", TruncateSessionID("short"))
	long := "0123456789abcdef"
	assert.True(t, strings.HasSuffix(TruncateSessionID(long), "..."))
	assert.Len(t, TruncateSessionID(long), 11)
}
