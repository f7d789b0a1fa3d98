package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagUnmarshalText(t *testing.T) {
	unset := []string{"", "0", "false", "no", "FALSE", "No", " 0 "}
	for _, in := range unset {
		var f Flag
		require.NoError(t, f.UnmarshalText([]byte(in)))
		assert.False(t, f.Bool(), "input %q means unset", in)
	}

	set := []string{"1", "true", "yes", "on", "anything"}
	for _, in := range set {
		var f Flag
		require.NoError(t, f.UnmarshalText([]byte(in)))
		assert.True(t, f.Bool(), "input %q means set", in)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("BOT_NUMBER", "+15550001111")
	t.Setenv("ADMINS", "+15550002222,+15550003333")
	t.Setenv("ENABLE_MAGIC", "1")
	t.Setenv("NO_DOWNLOAD", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "+15550001111", cfg.BotNumber)
	assert.Equal(t, []string{"+15550002222", "+15550003333"}, cfg.Admins)
	assert.True(t, cfg.EnableMagic.Bool())
	assert.False(t, cfg.NoDownload.Bool())
	assert.NotEmpty(t, cfg.NodeName, "node name defaults to the hostname")
}

func TestAdminIDs(t *testing.T) {
	cfg := &Config{
		Admin:  "+15550001111",
		Admins: []string{" +15550002222 ", "", "+15550001111"},
	}
	assert.Equal(t, []string{"+15550001111", "+15550002222"}, cfg.AdminIDs(),
		"trims, drops empties and deduplicates the primary admin")

	assert.Empty(t, (&Config{}).AdminIDs())
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate(), "BOT_NUMBER is required")
	assert.Error(t, (&Config{BotNumber: "15551234567"}).Validate(), "must be E.164")
	assert.NoError(t, (&Config{BotNumber: "+15551234567"}).Validate())
}
