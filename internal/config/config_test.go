package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("CONFIG_FILE", path)
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, "1080p30", cfg.Quality)
	assert.Equal(t, 500, cfg.Audio.MaxQueueMs)
	assert.Equal(t, 48000, cfg.Audio.SampleRate)
	assert.Equal(t, 2, cfg.Audio.Channels)
	assert.Equal(t, 256, cfg.Audio.BitrateKbps)
	assert.Equal(t, 10*time.Second, cfg.SignalRate.Interval)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	writeConfig(t, "quality: 720p30\naudio:\n  max_queue_ms: 300\nport: 9000\n")
	t.Setenv("BEAM_PORT", "9100")
	t.Setenv("BEAM_AUDIO_FRAME_MS", "10")

	flags := pflag.NewFlagSet("beam", pflag.ContinueOnError)
	flags.String("quality", "1080p30", "")
	flags.String("relay", "", "")
	require.NoError(t, flags.Parse([]string{"--quality=1440p60"}))

	l, err := NewLoader(flags)
	require.NoError(t, err)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "1440p60", cfg.Quality, "flag beats file")
	assert.Equal(t, 9100, cfg.Port, "env beats file")
	assert.Equal(t, 300, cfg.Audio.MaxQueueMs)
	assert.Equal(t, 10, cfg.Audio.FrameMs)
	assert.Equal(t, "ws://localhost:8080/api/ws/signal", cfg.RelayURL, "unset flag keeps the default")
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown quality", "quality: 4k\n"},
		{"queue too small", "audio:\n  max_queue_ms: 5\n"},
		{"bad relay url", "relay_url: not a url\n"},
		{"three channels", "audio:\n  channels: 3\n"},
		{"broken yaml", "quality: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.body)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestWatchAppliesValidChanges(t *testing.T) {
	path := writeConfig(t, "quality: 1080p30\n")
	l, err := NewLoader(nil)
	require.NoError(t, err)
	_, err = l.Load()
	require.NoError(t, err)

	var last atomic.Value
	l.Watch(func(cfg *Config) { last.Store(cfg.Quality) })

	require.NoError(t, os.WriteFile(path, []byte("quality: 4k\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("quality: 720p30\n"), 0o644))

	require.Eventually(t, func() bool {
		q, _ := last.Load().(string)
		return q == "720p30"
	}, 5*time.Second, 20*time.Millisecond)
}
