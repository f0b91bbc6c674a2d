package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/edgarsync/internal/config"
)

var envReplacer = strings.NewReplacer("-", "_")

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)

	cfg, err := config.Load(v)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.RequestDelay)
	assert.Equal(t, 50, cfg.FlushInterval)
	assert.Equal(t, 25, cfg.GapFillFlushInterval)
	assert.True(t, cfg.AutoConfirmGapFill)
	assert.Equal(t, config.CursorEntity, cfg.CursorPolicy)
	assert.Equal(t, "txt", cfg.DocumentExt)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgarsync.yaml")
	content := []byte("request-delay: 200ms\nflush-interval: 10\ncursor-policy: ITEM\nbase-url: http://archive.local/data/\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	t.Setenv("EDGARSYNC_REQUEST_TIMEOUT", "5s")

	v := viper.New()
	config.SetDefaults(v)
	v.SetEnvPrefix("EDGARSYNC")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := config.Load(v)
	require.NoError(t, err)

	assert.Equal(t, 200*time.Millisecond, cfg.RequestDelay)
	assert.Equal(t, 10, cfg.FlushInterval)
	assert.Equal(t, config.CursorItem, cfg.CursorPolicy)
	assert.Equal(t, "http://archive.local/data", cfg.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.CursorPolicy = "sometimes"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.RequestDelay = -time.Second
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.CacheDir = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.DocumentExt = ".txt"
	assert.Error(t, bad.Validate())
}

func TestWithDefaultsKeepsZeroDelay(t *testing.T) {
	cfg := config.Config{InventoryDir: "in", OutputDir: "out", CacheDir: "cache"}.WithDefaults()
	assert.Equal(t, time.Duration(0), cfg.RequestDelay)
	assert.Equal(t, config.DefaultFlushInterval, cfg.FlushInterval)
	assert.Equal(t, config.DefaultRequestTimeout, cfg.RequestTimeout)
}
