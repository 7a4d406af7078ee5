package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	require.Equal(t, "release", cfg.Mode)
	require.Equal(t, 8080, cfg.PeerPort)
	require.Equal(t, "TCP", cfg.Protocol)
	require.Equal(t, 10*time.Second, cfg.AckTimeout)
	require.Equal(t, time.Second, cfg.SwitchPause)
	require.Equal(t, 500*time.Millisecond, cfg.GracePeriod)
	require.Equal(t, 24*time.Hour, cfg.InviteMaxAge)
	require.Equal(t, "block", cfg.OverflowPolicy)
	require.Equal(t, uint32(16<<20), cfg.MaxFrameSize)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	body := []byte("mode: debug\npeer_port: 9000\nprotocol: WebSocket\nack_timeout: 3s\noverflow_policy: drop_newest\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))
	t.Setenv("SHORTGAP_API_PORT", "7777")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Mode)
	require.Equal(t, 9000, cfg.PeerPort)
	require.Equal(t, 7777, cfg.APIPort)
	require.Equal(t, "WebSocket", cfg.Protocol)
	require.Equal(t, 3*time.Second, cfg.AckTimeout)
	require.Equal(t, "drop_newest", cfg.OverflowPolicy)
}
