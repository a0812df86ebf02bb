//go:build linux || darwin

package native

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
)

// Capture module ABI. Every call takes and returns primitives only:
//
//	int32  sysaudio_start(int32 sample_rate, int32 channels, int32 frame_ms)
//	int32  sysaudio_stop(void)
//	int32  sysaudio_read_chunk(int16 *pcm, int32 capacity, int32 *frames,
//	                           int32 *rate, int32 *channels, uint64 *seq, double *ts_ms)
//	char  *sysaudio_stats_json(void)
//	char  *sysaudio_last_error(void)
//
// read_chunk returns 1 when a chunk was copied, 0 when none is ready and a
// negative value on error.
type captureLib struct {
	handle uintptr

	start     func(rate, channels, frameMs int32) int32
	stop      func() int32
	readChunk func(pcm uintptr, capacity int32, frames, rate, channels, seq, ts uintptr) int32
	statsJSON func() uintptr
	lastError func() uintptr
}

var (
	captureLibsMu sync.Mutex
	captureLibs   = map[string]*captureLib{}
)

func loadCaptureLib(path string) (*captureLib, error) {
	captureLibsMu.Lock()
	defer captureLibsMu.Unlock()
	if lib, ok := captureLibs[path]; ok {
		return lib, nil
	}
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	lib := &captureLib{handle: handle}
	syms := []struct {
		fn   any
		name string
	}{
		{&lib.start, "sysaudio_start"},
		{&lib.stop, "sysaudio_stop"},
		{&lib.readChunk, "sysaudio_read_chunk"},
		{&lib.statsJSON, "sysaudio_stats_json"},
		{&lib.lastError, "sysaudio_last_error"},
	}
	for _, s := range syms {
		if err := register(handle, s.fn, s.name); err != nil {
			_ = purego.Dlclose(handle)
			return nil, err
		}
	}
	captureLibs[path] = lib
	return lib, nil
}

func register(handle uintptr, fn any, name string) error {
	sym, err := purego.Dlsym(handle, name)
	if err != nil {
		return fmt.Errorf("%w: symbol %s: %v", ErrUnavailable, name, err)
	}
	purego.RegisterFunc(fn, sym)
	return nil
}

// Capture drives the native capture module. Chunks are pulled on a goroutine
// owned by Capture and handed to the chunk callback.
type Capture struct {
	path string
	lib  *captureLib

	mu      sync.Mutex
	cb      func(core.AudioChunk)
	stopCh  chan struct{}
	done    chan struct{}
	errText string
}

// OpenCapture loads the module at path without starting it.
func OpenCapture(path string) (*Capture, error) {
	lib, err := loadCaptureLib(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "native.capture").Str("path", path).Msg("capture module loaded")
	return &Capture{path: path, lib: lib}, nil
}

func (c *Capture) SetChunkCallback(fn func(core.AudioChunk)) {
	c.mu.Lock()
	c.cb = fn
	c.mu.Unlock()
}

func (c *Capture) Start(opts core.CaptureOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		return fmt.Errorf("capture already running")
	}
	if rc := c.lib.start(int32(opts.TargetSampleRate), int32(opts.Channels), int32(opts.FrameMs)); rc != 0 {
		msg := goString(c.lib.lastError())
		if msg == "" {
			msg = fmt.Sprintf("start returned %d", rc)
		}
		c.errText = msg
		return fmt.Errorf("start capture: %s", msg)
	}
	c.errText = ""
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	go c.pull(opts, c.stopCh, c.done)
	return nil
}

func (c *Capture) Stop() error {
	c.mu.Lock()
	stop, done := c.stopCh, c.done
	c.stopCh, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	if rc := c.lib.stop(); rc != 0 {
		return fmt.Errorf("stop capture: %s", goString(c.lib.lastError()))
	}
	return nil
}

func (c *Capture) Stats() core.CaptureStats {
	var st core.CaptureStats
	if raw := goString(c.lib.statsJSON()); raw != "" {
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			log.Debug().Err(err).Str("module", "native.capture").Msg("stats decode")
		}
	}
	if st.LastError == "" {
		st.LastError = goString(c.lib.lastError())
	}
	c.mu.Lock()
	if st.LastError == "" {
		st.LastError = c.errText
	}
	c.mu.Unlock()
	return st
}

func (c *Capture) pull(opts core.CaptureOptions, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	frameMs := max(opts.FrameMs, 10)
	channels := max(opts.Channels, 2)
	// Room for a chunk at up to 192 kHz in case the module skips resampling.
	capacity := 192 * frameMs * channels
	buf := make([]int16, capacity)
	idle := time.Duration(frameMs) * time.Millisecond / 4

	var frames, rate, ch int32
	var seq uint64
	var ts float64
	for {
		select {
		case <-stop:
			return
		default:
		}
		rc := c.lib.readChunk(
			uintptr(unsafe.Pointer(&buf[0])), int32(len(buf)),
			uintptr(unsafe.Pointer(&frames)), uintptr(unsafe.Pointer(&rate)),
			uintptr(unsafe.Pointer(&ch)), uintptr(unsafe.Pointer(&seq)), uintptr(unsafe.Pointer(&ts)),
		)
		runtime.KeepAlive(buf)
		switch {
		case rc < 0:
			msg := goString(c.lib.lastError())
			c.mu.Lock()
			c.errText = msg
			c.mu.Unlock()
			log.Error().Str("module", "native.capture").Str("error", msg).Msg("read chunk failed")
			return
		case rc == 0:
			select {
			case <-stop:
				return
			case <-time.After(idle):
			}
			continue
		}
		n := int(frames) * int(ch)
		if n <= 0 || n > len(buf) {
			continue
		}
		pcm := make([]int16, n)
		copy(pcm, buf[:n])
		c.mu.Lock()
		cb := c.cb
		c.mu.Unlock()
		if cb != nil {
			cb(core.AudioChunk{
				PCM:         pcm,
				SampleRate:  int(rate),
				Channels:    int(ch),
				FrameCount:  int(frames),
				Sequence:    seq,
				TimestampMs: ts,
			})
		}
	}
}

// goString copies a NUL-terminated C string.
func goString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	n := 0
	for n < 4096 && *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}
