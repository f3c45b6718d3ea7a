package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    string
		check      func(*testing.T, *Config)
	}{
		{key: "default.base_url", value: "https://chat.example.com", check: func(t *testing.T, c *Config) {
			assert.Equal(t, "https://chat.example.com", c.Default.BaseURL)
		}},
		{key: "default.user_id", value: "alice", check: func(t *testing.T, c *Config) {
			assert.Equal(t, "alice", c.Default.UserID)
		}},
		{key: "cache.backend", value: "pebble", check: func(t *testing.T, c *Config) {
			assert.Equal(t, "pebble", c.Cache.Backend)
		}},
		{key: "cache.backend", value: "sqlite", wantErr: "unknown cache backend"},
		{key: "sync.page_size", value: "50", check: func(t *testing.T, c *Config) {
			assert.Equal(t, 50, c.Sync.PageSize)
		}},
		{key: "sync.page_size", value: "0", wantErr: "positive integer"},
		{key: "sync.reconcile_window", value: "90s", check: func(t *testing.T, c *Config) {
			assert.Equal(t, "90s", c.Sync.ReconcileWindow)
		}},
		{key: "sync.typing_timeout", value: "soon", wantErr: "typing_timeout"},
		{key: "token", value: "x", wantErr: "dot notation"},
		{key: "default.color", value: "x", wantErr: "unknown field"},
		{key: "server.port", value: "x", wantErr: "unknown config section"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			var cfg Config
			err := setConfigValue(&cfg, tt.key, tt.value)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, &cfg)
		})
	}
}

func TestConfigFileAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	for env := range envKeys {
		t.Setenv(env, "")
	}

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)

	cfg.Default.BaseURL = "https://chat.example.com"
	cfg.Default.Token = "file-token"
	cfg.Sync.PageSize = 30
	require.NoError(t, saveConfig(cfg))

	t.Setenv("CONVSYNC_TOKEN", "env-token")
	t.Setenv("CONVSYNC_CACHE_BACKEND", "redis")
	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", loaded.Default.BaseURL)
	assert.Equal(t, "env-token", loaded.Default.Token)
	assert.Equal(t, "redis", loaded.Cache.Backend)
	assert.Equal(t, 30, loaded.Sync.PageSize)

	onDisk, err := loadFileConfig()
	require.NoError(t, err)
	assert.Equal(t, "file-token", onDisk.Default.Token)

	t.Setenv("CONVSYNC_PAGE_SIZE", "lots")
	_, err = loadConfig()
	assert.ErrorContains(t, err, "CONVSYNC_PAGE_SIZE")
}

func TestSyncOptions(t *testing.T) {
	opts, err := syncOptions(&Config{})
	require.NoError(t, err)
	assert.Empty(t, opts)

	opts, err = syncOptions(&Config{Sync: ConfigSync{PageSize: 10, ReconcileWindow: "30s", TypingTimeout: "5s"}})
	require.NoError(t, err)
	assert.Len(t, opts, 3)

	_, err = syncOptions(&Config{Sync: ConfigSync{ReconcileWindow: "later"}})
	assert.ErrorContains(t, err, "sync.reconcile_window")
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":                     "****",
		"short":                "****",
		"0123456789ab":         "0123...89ab",
		"sk-live-0123456789ab": "sk-live-0123...89ab",
	}
	for in, want := range tests {
		assert.Equal(t, want, maskKey(in), in)
	}
}
