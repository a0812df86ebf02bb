package media

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/quality"
)

type FeedState int32

const (
	FeedLive FeedState = iota
	FeedPaused
	FeedStopped
)

const maxDatagram = 1500

// RTPFeed forwards VP8 RTP pushed by an external screen encoder to a UDP port
// onto the share's video track, one packet at a time. The encoder is outside
// this process, so constraints and keyframe requests are only recorded and
// logged for whoever drives it.
type RTPFeed struct {
	conn  net.PacketConn
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	keyframes atomic.Uint64

	mu          sync.Mutex
	constraints quality.Constraints
	encoding    core.EncodingParams
	done        chan struct{}
}

var _ VideoSource = (*RTPFeed)(nil)

// ListenRTPFeed binds addr (host:port, UDP) for the encoder to send to.
func ListenRTPFeed(addr string) (*RTPFeed, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", StreamID,
	)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "media.feed").Str("addr", conn.LocalAddr().String()).Msg("waiting for RTP")
	return &RTPFeed{conn: conn, track: track}, nil
}

func (f *RTPFeed) Addr() net.Addr           { return f.conn.LocalAddr() }
func (f *RTPFeed) Track() webrtc.TrackLocal { return f.track }
func (f *RTPFeed) State() FeedState         { return FeedState(f.state.Load()) }
func (f *RTPFeed) Forwarded() uint64        { return f.forwarded.Load() }
func (f *RTPFeed) Dropped() uint64          { return f.dropped.Load() }
func (f *RTPFeed) KeyframeRequests() uint64 { return f.keyframes.Load() }

// Pause drops incoming packets until Resume. A stopped feed stays stopped.
func (f *RTPFeed) Pause() { f.state.CompareAndSwap(int32(FeedLive), int32(FeedPaused)) }

func (f *RTPFeed) Resume() { f.state.CompareAndSwap(int32(FeedPaused), int32(FeedLive)) }

func (f *RTPFeed) ApplyConstraints(c quality.Constraints) error {
	f.mu.Lock()
	f.constraints = c
	f.mu.Unlock()
	log.Info().
		Str("module", "media.feed").
		Int("width", c.Width).
		Int("height", c.Height).
		Float64("fps", c.FrameRate).
		Msg("encoder target changed")
	return nil
}

func (f *RTPFeed) ApplyEncoding(p core.EncodingParams) error {
	f.mu.Lock()
	f.encoding = p
	f.mu.Unlock()
	log.Debug().Str("module", "media.feed").Uint64("max_bitrate", p.MaxBitrate).Msg("encoder bitrate changed")
	return nil
}

func (f *RTPFeed) RequestKeyframe() {
	n := f.keyframes.Add(1)
	log.Debug().Str("module", "media.feed").Uint64("requests", n).Msg("keyframe requested")
}

func (f *RTPFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		return ErrSourceStarted
	}
	f.done = make(chan struct{})
	go f.loop(ctx, f.done)
	return nil
}

// Stop closes the socket and waits for the read loop.
func (f *RTPFeed) Stop() {
	f.state.Store(int32(FeedStopped))
	if err := f.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn().Err(err).Str("module", "media.feed").Msg("close socket")
	}
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (f *RTPFeed) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	stop := context.AfterFunc(ctx, func() {
		f.state.Store(int32(FeedStopped))
		_ = f.conn.Close()
	})
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := f.conn.ReadFrom(buf)
		if err != nil {
			if f.State() != FeedStopped {
				log.Error().Err(err).Str("module", "media.feed").Msg("read RTP error, stopping")
				f.state.Store(int32(FeedStopped))
			}
			return
		}
		switch f.State() {
		case FeedStopped:
			return
		case FeedPaused:
			f.dropped.Add(1)
			continue
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			f.dropped.Add(1)
			continue
		}
		if err := f.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Warn().Err(err).Str("module", "media.feed").Msg("write RTP")
			f.dropped.Add(1)
			continue
		}
		f.forwarded.Add(1)
	}
}
