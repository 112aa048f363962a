package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("discord_token: from-file\nspam:\n  flood_limit: 9\nraid:\n  join_limit: 12\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("RAID_JOIN_LIMIT", "15")
	t.Setenv("EXEMPT_CHANNEL_IDS", "c1, c2,,")
	t.Setenv("DATABASE_DRIVER", "pgx")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.DiscordToken)
	assert.Equal(t, 9, cfg.Spam.FloodLimit)
	assert.Equal(t, 15, cfg.Raid.JoinLimit)
	assert.Equal(t, []string{"c1", "c2"}, cfg.Exemptions.ChannelIDs)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 0.85, cfg.Spam.DuplicateSimilarity)
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("DISCORD_TOKEN", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestPresets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RulePreset = "high"
	applyPreset(&cfg)
	assert.Equal(t, 4, cfg.Spam.FloodLimit)
	assert.Equal(t, 3, cfg.Raid.JoinLimit)

	cfg = DefaultConfig()
	cfg.RulePreset = "low"
	applyPreset(&cfg)
	assert.Equal(t, 8, cfg.Spam.FloodLimit)
	assert.Equal(t, 8, cfg.Raid.JoinLimit)
}

func TestBuildLogger(t *testing.T) {
	logger, err := BuildLogger("DEBUG")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))
}
