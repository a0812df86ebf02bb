package native

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string, mod time.Time) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(p, mod, mod))
	return p
}

func TestLocateCaptureModule(t *testing.T) {
	base := time.Now().Add(-time.Hour)

	t.Run("pointer file wins", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "system_audio-200.so", base.Add(2*time.Minute))
		want := touch(t, dir, "system_audio-100.so", base)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "system_audio.current.json"),
			[]byte(`{"file":"system_audio-100.so"}`), 0o644))

		got, err := LocateCaptureModule(dir)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("dangling pointer falls back to newest", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "system_audio-100.so", base)
		want := touch(t, dir, "system_audio-050.dylib", base.Add(time.Minute))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "system_audio.current.json"),
			[]byte(`{"file":"gone.so"}`), 0o644))

		got, err := LocateCaptureModule(dir)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("malformed pointer is ignored", func(t *testing.T) {
		dir := t.TempDir()
		want := touch(t, dir, "system_audio-1.so", base)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "system_audio.current.json"), []byte(`{`), 0o644))

		got, err := LocateCaptureModule(dir)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("legacy name", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "unrelated.so", base)
		want := touch(t, dir, "system_audio"+LibExt(), base)

		got, err := LocateCaptureModule(dir)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("nothing found", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "system_audio-1.txt", base)

		_, err := LocateCaptureModule(dir)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("no directory", func(t *testing.T) {
		_, err := LocateCaptureModule("")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestOpusLibraryPathsOrder(t *testing.T) {
	t.Setenv("BEAM_OPUS_LIB", "/env/libopus.so")
	paths := OpusLibraryPaths("/cfg/libopus.so")
	require.GreaterOrEqual(t, len(paths), 3)
	assert.Equal(t, "/cfg/libopus.so", paths[0])
	assert.Equal(t, "/env/libopus.so", paths[1])
}

func TestOpenCaptureMissingModule(t *testing.T) {
	_, err := OpenCapture(filepath.Join(t.TempDir(), "system_audio.so"))
	assert.ErrorIs(t, err, ErrUnavailable)
}
