// Package media holds what a share sends and what a viewer plays: the local
// stream with its video source and captured audio, and the playout sinks for
// received tracks.
package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/quality"
)

// StreamID groups the audio and video tracks of one share on the viewer side.
const StreamID = "beam-share"

// VideoSource produces the single video track of a share. It takes capture
// constraints from presets, encoding parameters from its sender and keyframe
// requests from remote receivers.
type VideoSource interface {
	quality.Constrainer
	core.EncoderControl
	Track() webrtc.TrackLocal
	RequestKeyframe()
	Start(ctx context.Context) error
	Stop()
}

// Stream is one local share. Video is nil in audio-only mode and Audio is nil
// when the share carries no sound.
type Stream struct {
	video   VideoSource
	audio   *AudioShare
	surface quality.Surface

	stopOnce sync.Once
}

func NewStream(video VideoSource, audio *AudioShare, surface quality.Surface) *Stream {
	if surface == "" {
		surface = quality.SurfaceMonitor
	}
	return &Stream{video: video, audio: audio, surface: surface}
}

func (s *Stream) Video() VideoSource       { return s.video }
func (s *Stream) Audio() *AudioShare       { return s.audio }
func (s *Stream) Surface() quality.Surface { return s.surface }
func (s *Stream) HasVideo() bool           { return s.video != nil }
func (s *Stream) HasAudio() bool           { return s.audio != nil }

// ShareContext is what the quality auto policy needs to know about this share.
func (s *Stream) ShareContext(systemAudioBridge bool) quality.ShareContext {
	return quality.ShareContext{
		SystemAudioBridge: systemAudioBridge,
		HasAudio:          s.HasAudio(),
		Surface:           s.surface,
	}
}

// Stop ends both sources. Safe to call more than once.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		if s.video != nil {
			s.video.Stop()
		}
		if s.audio != nil {
			s.audio.Stop()
		}
	})
}
