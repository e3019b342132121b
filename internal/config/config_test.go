package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 45*time.Second, cfg.Call.NoAnswerTimeout())
	assert.Equal(t, time.Second, cfg.Signaling.ReconnectDelay())
	assert.Equal(t, 5*time.Second, cfg.Signaling.ReconnectMaxDelay())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad user id":       func(c *Config) { c.Identity.UserID = "a b" },
		"http signaling":    func(c *Config) { c.Signaling.URL = "http://relay" },
		"empty signaling":   func(c *Config) { c.Signaling.URL = "" },
		"max below delay":   func(c *Config) { c.Signaling.ReconnectMaxDelayMs = 10 },
		"zero timeout":      func(c *Config) { c.Call.NoAnswerTimeoutSec = 0 },
		"ice url":           func(c *Config) { c.ICE.Servers = []ICEServer{{URLs: []string{"http://x"}}} },
		"ice empty urls":    func(c *Config) { c.ICE.Servers = []ICEServer{{}} },
		"ice failed < disc": func(c *Config) { c.ICE.FailedTimeoutSec = 1 },
		"capture":           func(c *Config) { c.Media.Capture = "webcam" },
		"storage":           func(c *Config) { c.Storage.Dir = " " },
		"api addr":          func(c *Config) { c.API.HTTPAddr = "nope" },
		"log level":         func(c *Config) { c.Log.Level = "loud" },
		"log format":        func(c *Config) { c.Log.Format = "xml" },
		"relay addr":        func(c *Config) { c.Relay.ListenAddr = "8788" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	cfg.Identity.UserID = "alice"
	require.NoError(t, Save(path, cfg))

	again, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice", again.Identity.UserID)
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"bob"},"call":{"no_answer_timeout_seconds":30}}`)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Identity.UserID)
	assert.Equal(t, 30*time.Second, cfg.Call.NoAnswerTimeout())
	assert.Equal(t, Default().Signaling, cfg.Signaling)
}

func TestLoadPartialSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"log":{"level":"loud"}}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)

	cfg, err := LoadPartial(path)
	require.NoError(t, err)
	assert.Equal(t, "loud", cfg.Log.Level)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Save(path, Default()))

	got := make(chan Config, 4)
	w, err := Watch(path, func(c Config) { got <- c })
	require.NoError(t, err)
	defer w.Close()

	// An invalid write is skipped.
	require.NoError(t, os.WriteFile(path, []byte(`{"log":{"level":"loud"}}`), 0o644))
	time.Sleep(300 * time.Millisecond)

	cfg := Default()
	cfg.Log.Level = "debug"
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		assert.Equal(t, "debug", c.Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
