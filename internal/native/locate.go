// Package native finds and binds the platform pieces that Go cannot provide
// itself: the system-audio capture module and libopus. Both are loaded at run
// time with purego, so the binary builds without cgo and runs without them.
package native

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// ErrUnavailable means the native piece is not installed or cannot be loaded
// on this platform. Callers treat it as "feature off", not as a crash.
var ErrUnavailable = errors.New("native module unavailable")

const (
	pointerFile  = "system_audio.current.json"
	moduleStem   = "system_audio"
	opusEnvLib   = "BEAM_OPUS_LIB"
	maxPointerSz = 4096
)

type pointer struct {
	File string `json:"file"`
}

// LibExt is the shared library extension of the running platform.
func LibExt() string {
	switch runtime.GOOS {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	default:
		return ".so"
	}
}

func moduleExts() []string {
	exts := []string{LibExt()}
	for _, e := range []string{".so", ".dylib", ".dll"} {
		if e != exts[0] {
			exts = append(exts, e)
		}
	}
	return exts
}

// LocateCaptureModule resolves the capture module inside dir. The pointer file
// wins when it names a file that exists; otherwise the most recently built
// versioned artifact is used, then the legacy unversioned name.
func LocateCaptureModule(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w: no module directory configured", ErrUnavailable)
	}
	if p, ok := fromPointer(dir); ok {
		return p, nil
	}
	if p, ok := newestVersioned(dir); ok {
		return p, nil
	}
	for _, ext := range moduleExts() {
		p := filepath.Join(dir, moduleStem+ext)
		if isFile(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no capture module in %s", ErrUnavailable, dir)
}

func fromPointer(dir string) (string, bool) {
	raw, err := os.ReadFile(filepath.Join(dir, pointerFile))
	if err != nil || len(raw) > maxPointerSz {
		return "", false
	}
	var ptr pointer
	if err := json.Unmarshal(raw, &ptr); err != nil || strings.TrimSpace(ptr.File) == "" {
		return "", false
	}
	p := ptr.File
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	if !isFile(p) {
		return "", false
	}
	return p, true
}

func newestVersioned(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	type candidate struct {
		path string
		mod  int64
	}
	var found []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, moduleStem+"-") || !hasModuleExt(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{path: filepath.Join(dir, name), mod: info.ModTime().UnixNano()})
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].mod != found[j].mod {
			return found[i].mod > found[j].mod
		}
		return found[i].path > found[j].path
	})
	return found[0].path, true
}

func hasModuleExt(name string) bool {
	for _, ext := range moduleExts() {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

// OpusLibraryPaths lists where libopus is tried, in order.
func OpusLibraryPaths(configured string) []string {
	var paths []string
	if configured != "" {
		paths = append(paths, configured)
	}
	if env := os.Getenv(opusEnvLib); env != "" {
		paths = append(paths, env)
	}

	names := []string{"libopus.so.0", "libopus.so"}
	if runtime.GOOS == "darwin" {
		names = []string{"libopus.0.dylib", "libopus.dylib"}
	}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		for _, n := range names {
			paths = append(paths, filepath.Join(exeDir, n))
		}
	}
	paths = append(paths, names...)
	if runtime.GOOS == "darwin" {
		paths = append(paths, "/opt/homebrew/lib/libopus.dylib", "/usr/local/lib/libopus.dylib")
	}
	return paths
}
