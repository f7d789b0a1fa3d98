package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"DEBUG":   DEBUG,
		"debug":   DEBUG,
		"":        INFO,
		"INFO":    INFO,
		" info ":  INFO,
		"WARN":    WARN,
		"warning": WARN,
		"ERROR":   ERROR,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	_, err := ParseLevel("loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}
