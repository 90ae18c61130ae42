package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, env, body string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config."+env+".yaml"), []byte(body), 0o600))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", env)
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, UITerminal, cfg.UI)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, 2*time.Second, cfg.LeaveTimeout)
	assert.True(t, cfg.Capture.Video)
	assert.Equal(t, 640, cfg.Capture.Width)
	assert.NotEmpty(t, cfg.ICEServers)
}

func TestLoadLayers(t *testing.T) {
	writeConfig(t, "test", `
server_url: ws://relay:3000/ws
room: standup
name: alice
call_timeout: 3s
capture:
  width: 1280
`)

	t.Run("file", func(t *testing.T) {
		cfg, err := Load(nil)
		require.NoError(t, err)
		assert.Equal(t, "ws://relay:3000/ws", cfg.ServerURL)
		assert.Equal(t, "standup", cfg.Room)
		assert.Equal(t, 3*time.Second, cfg.CallTimeout)
		assert.Equal(t, 1280, cfg.Capture.Width)
		assert.Equal(t, 480, cfg.Capture.Height)
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("CONFERENCE_ROOM", "retro")
		t.Setenv("CONFERENCE_CAPTURE_WIDTH", "320")
		cfg, err := Load(nil)
		require.NoError(t, err)
		assert.Equal(t, "retro", cfg.Room)
		assert.Equal(t, 320, cfg.Capture.Width)
	})

	t.Run("flags over env", func(t *testing.T) {
		t.Setenv("CONFERENCE_ROOM", "retro")
		cfg, err := Load([]string{"-r", "planning", "--name", "bob", "--ui", "headless", "--no-capture"})
		require.NoError(t, err)
		assert.Equal(t, "planning", cfg.Room)
		assert.Equal(t, "bob", cfg.Name)
		assert.Equal(t, UIHeadless, cfg.UI)
		assert.False(t, cfg.Capture.Video)
		assert.False(t, cfg.Capture.Audio)
	})
}

func TestLoadInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	_, err := Load([]string{"--ui", "gui"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load([]string{"--bogus"})
	assert.ErrorIs(t, err, ErrInvalid)
}
