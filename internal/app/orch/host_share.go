package orch

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Beam/internal/adapters/rtc"
	"github.com/dkeye/Beam/internal/app"
	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/media"
	"github.com/dkeye/Beam/internal/protocol"
	"github.com/dkeye/Beam/internal/quality"
)

// Share is what StartShare starts. Video is nil for an audio-only share and
// StartAudio is nil for a share without sound.
type Share struct {
	Video      media.VideoSource
	StartAudio func(ctx context.Context) (*media.AudioShare, error)
	Surface    quality.Surface
}

// StartShare starts the share's sources and then brings up every admitted
// viewer. If any source fails to start, the ones already running are stopped
// and the error is returned; the host is left as it was.
func (h *Host) StartShare(ctx context.Context, s Share) error {
	if s.Video == nil && s.StartAudio == nil {
		return ErrNoStream
	}
	busy := false
	if err := h.loop.Do(ctx, func() {
		busy = h.stream != nil || h.starting
		if !busy {
			h.starting = true
		}
	}); err != nil {
		return err
	}
	if busy {
		return ErrShareActive
	}

	stream, err := h.startStream(s)
	if err != nil {
		h.loop.Post(func() {
			h.starting = false
			h.stopRequested = false
		})
		h.events.Error(fmt.Sprintf("could not start sharing: %v", err))
		return err
	}

	stopped := false
	// fn may still run after a cancelled Do, so only a stopped loop aborts
	if err := h.loop.Do(context.WithoutCancel(ctx), func() {
		h.starting = false
		if h.stopRequested {
			h.stopRequested = false
			stopped = true
			return
		}
		h.stream = stream
		h.opts.Quality.SetShare(stream.ShareContext(h.opts.SystemAudioBridge))
		if stream.HasVideo() {
			if p, err := h.opts.Quality.Apply(nil, stream.Video()); err != nil {
				log.Warn().Err(err).Str("module", "orch.host").Str("preset", string(p.Label)).Msg("capture constraints")
			}
		}
		h.viewers.SetMediaActive(true)
		h.events.Info(fmt.Sprintf("sharing %s (video=%t audio=%t)", stream.Surface(), stream.HasVideo(), stream.HasAudio()))
	}); err != nil {
		stream.Stop()
		return err
	}
	if stopped {
		stream.Stop()
		h.events.Info("sharing stopped before it started")
	}
	return nil
}

func (h *Host) startStream(s Share) (*media.Stream, error) {
	if s.Video != nil {
		if err := s.Video.Start(h.ctx); err != nil {
			return nil, fmt.Errorf("start video: %w", err)
		}
	}
	var a *media.AudioShare
	if s.StartAudio != nil {
		var err error
		a, err = s.StartAudio(h.ctx)
		if err != nil {
			if s.Video != nil {
				s.Video.Stop()
			}
			return nil, err
		}
	}
	return media.NewStream(s.Video, a, s.Surface), nil
}

// StopShare closes every viewer link and stops the sources. Viewers stay
// admitted. A share still starting is stopped as soon as its sources are up.
// Calling it without an active share does nothing.
func (h *Host) StopShare(ctx context.Context) error {
	var stream *media.Stream
	if err := h.loop.Do(ctx, func() {
		if h.starting {
			h.stopRequested = true
		}
		stream = h.stream
		h.stream = nil
		if stream == nil {
			return
		}
		h.closeLinks()
		h.viewers.SetMediaActive(false)
		h.opts.Quality.SetShare(quality.ShareContext{})
	}); err != nil {
		return err
	}
	if stream == nil {
		return nil
	}
	stream.Stop()
	h.events.Info("sharing stopped")
	return nil
}

// closeLinks closes all viewer links in parallel. Entries are left for the
// registry to reset.
func (h *Host) closeLinks() {
	var wg conc.WaitGroup
	h.viewers.ForEach(func(e *app.ViewerEntry) {
		if l := e.Link; l != nil {
			wg.Go(l.Close)
		}
	})
	wg.Wait()
}

// SetQuality selects tier and pushes the resulting preset to every viewer
// link and to the video source. Per-sender failures are logged only.
func (h *Host) SetQuality(ctx context.Context, tier string) (quality.Preset, error) {
	if !quality.IsTier(tier) {
		return quality.Preset{}, fmt.Errorf("unknown quality tier %q", tier)
	}
	var p quality.Preset
	err := h.loop.Do(ctx, func() {
		p = h.opts.Quality.Select(tier)
		if h.stream == nil {
			return
		}
		// links still negotiating get the new preset too
		var senders []core.EncodingSender
		h.viewers.ForEach(func(e *app.ViewerEntry) {
			if e.Video != nil {
				senders = append(senders, e.Video)
			}
		})
		var src quality.Constrainer
		if h.stream.HasVideo() {
			src = h.stream.Video()
		}
		var applyErr error
		p, applyErr = h.opts.Quality.Apply(senders, src)
		if applyErr != nil {
			log.Warn().Err(applyErr).Str("module", "orch.host").Str("preset", string(p.Label)).Msg("preset partially applied")
		}
		h.events.Info(fmt.Sprintf("quality %s applied to %d viewer(s)", p.Label, len(senders)))
	})
	return p, err
}

func (h *Host) sessionOf(id domain.PeerID) *rtc.Session {
	e, ok := h.viewers.Get(id)
	if !ok || e.Link == nil {
		return nil
	}
	sess, _ := e.Link.(*rtc.Session)
	return sess
}

// connectViewer opens a link to e, attaches the share and sends the offer.
// It runs on the loop as the registry's bring-up hook.
func (h *Host) connectViewer(e *app.ViewerEntry) {
	id := e.PeerID
	stream := h.stream
	if stream == nil {
		return
	}
	var sess *rtc.Session
	var err error
	sess, err = rtc.NewSession(h.opts.API, h.opts.ICE, id, rtc.Callbacks{
		OnICECandidate: func(c protocol.ICE) {
			h.loop.Post(func() {
				if h.sessionOf(id) == sess {
					h.opts.Relay.Send(protocol.Signal(id, c))
				}
			})
		},
		OnStateChange: func(st webrtc.PeerConnectionState) {
			h.loop.Post(func() { h.onLinkState(id, sess, st) })
		},
		OnKeyframeRequest: func(kind string) {
			if kind == webrtc.RTPCodecTypeVideo.String() && stream.HasVideo() {
				stream.Video().RequestKeyframe()
			}
		},
	})
	if err != nil {
		h.events.Error(fmt.Sprintf("could not connect %s: %v", id, err))
		return
	}

	if err := h.attach(e, sess, stream); err != nil {
		sess.Close()
		e.Video, e.Audio = nil, nil
		h.events.Error(fmt.Sprintf("could not send media to %s: %v", id, err))
		return
	}
	e.Link = sess
	e.State = webrtc.PeerConnectionStateNew

	offer, err := sess.CreateOffer()
	if err != nil {
		log.Warn().Err(err).Str("module", "orch.host").Str("peer", string(id)).Msg("create offer")
		h.events.Error(fmt.Sprintf("negotiation with %s failed", id))
		return
	}
	if !h.opts.Relay.Send(protocol.Signal(id, offer)) {
		log.Warn().Str("module", "orch.host").Str("peer", string(id)).Msg("offer not sent, relay down")
	}
	log.Info().Str("module", "orch.host").Str("peer", string(id)).Msg("offer sent")
}

func (h *Host) attach(e *app.ViewerEntry, sess *rtc.Session, stream *media.Stream) error {
	if stream.HasVideo() {
		snd, err := sess.Attach(stream.Video().Track(), stream.Video())
		if err != nil {
			return err
		}
		if err := quality.ApplyPreset(snd, h.opts.Quality.Active()); err != nil {
			log.Debug().Err(err).Str("module", "orch.host").Str("peer", string(e.PeerID)).Msg("video preset")
		}
		e.Video = snd
	}
	if stream.HasAudio() {
		snd, err := sess.Attach(stream.Audio().Track(), stream.Audio().Control())
		if err != nil {
			return err
		}
		if err := quality.ApplyAudioTuning(snd, h.opts.AudioKbps); err != nil {
			log.Debug().Err(err).Str("module", "orch.host").Str("peer", string(e.PeerID)).Msg("audio tuning")
		}
		sess.SetDescriptionTransform(quality.TuneAudioDescriptionForMusic)
		e.Audio = snd
	}
	return nil
}

func (h *Host) onLinkState(id domain.PeerID, sess *rtc.Session, st webrtc.PeerConnectionState) {
	h.viewers.SetState(id, sess, st)
	if h.sessionOf(id) != sess {
		return
	}
	switch st {
	case webrtc.PeerConnectionStateFailed:
		h.events.Error(fmt.Sprintf("link to %s failed", h.memberName(id)))
	case webrtc.PeerConnectionStateDisconnected:
		h.events.Notice(fmt.Sprintf("link to %s interrupted", h.memberName(id)))
	}
}

func (h *Host) memberName(id domain.PeerID) string {
	if m, ok := h.roster.Get(id); ok {
		return m.Name
	}
	return string(id)
}
