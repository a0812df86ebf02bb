package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Beam/internal/app"
	"github.com/dkeye/Beam/internal/app/orch"
	"github.com/dkeye/Beam/internal/audio"
	"github.com/dkeye/Beam/internal/config"
	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/media"
	"github.com/dkeye/Beam/internal/native"
	"github.com/dkeye/Beam/internal/quality"
)

const toneInputRate = 44100

func hostCommand(flags *pflag.FlagSet) func(context.Context, *errgroup.Group, *session) error {
	audioOnly := flags.Bool("audio-only", false, "share system audio without video")
	testTone := flags.Bool("test-tone", false, "share a sine tone instead of system audio")
	testPattern := flags.Bool("test-pattern", false, "share a synthetic video pattern instead of the RTP feed")
	noAudio := flags.Bool("no-audio", false, "share video without sound")
	feedAddr := flags.String("rtp-feed", "127.0.0.1:5004", "UDP address an external VP8 encoder sends RTP to")
	surface := flags.String("surface", string(quality.SurfaceMonitor), "shared surface: monitor, window or browser")
	room := flags.String("room", "", "room code; a new one is generated when empty")

	return func(ctx context.Context, g *errgroup.Group, s *session) error {
		if *audioOnly && *noAudio {
			return errors.New("--audio-only and --no-audio exclude each other")
		}
		var roomID domain.RoomID
		if *room != "" {
			id, err := domain.ParseRoomID(*room)
			if err != nil {
				return err
			}
			roomID = id
		}

		share := orch.Share{Surface: quality.Surface(*surface)}
		if !*noAudio {
			start, err := audioStarter(s.cfg, *testTone)
			switch {
			case err == nil:
				share.StartAudio = start
			case *audioOnly:
				return fmt.Errorf("audio-only share needs libopus: %w", err)
			default:
				log.Warn().Err(err).Str("module", "beam").Msg("libopus unavailable, sharing video only")
			}
		}
		if !*audioOnly {
			video, err := videoSource(*testPattern, *feedAddr)
			if err != nil {
				return err
			}
			share.Video = video
		}

		h := orch.NewHost(orch.HostOptions{
			Relay:     s.relay,
			API:       s.rtc.api,
			ICE:       s.rtc.ice,
			Room:      roomID,
			Name:      s.name,
			Quality:   quality.NewController(s.cfg.Quality),
			AudioKbps: s.cfg.Audio.BitrateKbps,
			Events:    app.NewEventLog("orch.host", app.DefaultEventLogSize),
		})
		g.Go(func() error { return h.Run(ctx) })
		s.relay.Connect(ctx)
		fmt.Fprintf(os.Stdout, "room code: %s\n", h.Room())

		s.loader.Watch(func(cfg *config.Config) {
			if _, err := h.SetQuality(ctx, cfg.Quality); err != nil {
				log.Warn().Err(err).Str("module", "beam").Str("quality", cfg.Quality).Msg("quality reload")
			}
		})

		g.Go(func() error { return keepSharing(ctx, h, share) })
		return nil
	}
}

type sharer interface {
	StartShare(ctx context.Context, s orch.Share) error
}

// keepSharing starts share and holds until ctx ends. A failed share leaves
// the room up; when system audio is what failed, video goes out alone.
func keepSharing(ctx context.Context, h sharer, share orch.Share) error {
	err := h.StartShare(ctx, share)
	var capErr *media.CaptureError
	if errors.As(err, &capErr) && share.Video != nil && share.StartAudio != nil {
		log.Warn().Err(err).Str("module", "beam").Msg("system audio failed, sharing video only")
		share.StartAudio = nil
		err = h.StartShare(ctx, share)
	}
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("module", "beam").Msg("sharing did not start, room stays open")
	}
	// Run stops the share on its way out
	<-ctx.Done()
	return nil
}

func videoSource(testPattern bool, feedAddr string) (media.VideoSource, error) {
	if testPattern {
		p, err := media.NewTestPattern()
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	feed, err := media.ListenRTPFeed(feedAddr)
	if err != nil {
		return nil, fmt.Errorf("rtp feed: %w", err)
	}
	return feed, nil
}

// audioStarter returns how to start system audio, or an error when no Opus
// encoder can be loaded at all.
func audioStarter(cfg *config.Config, testTone bool) (func(context.Context) (*media.AudioShare, error), error) {
	if err := native.LoadOpus(cfg.Native.OpusLib); err != nil {
		return nil, err
	}
	opts := core.CaptureOptions{
		TargetSampleRate: cfg.Audio.SampleRate,
		Channels:         cfg.Audio.Channels,
		FrameMs:          cfg.Audio.FrameMs,
	}
	return func(ctx context.Context) (*media.AudioShare, error) {
		src, err := captureSource(cfg.Native.Dir, testTone)
		if err != nil {
			return nil, err
		}
		enc, err := native.NewOpusEncoder(opts.TargetSampleRate, opts.Channels, cfg.Audio.BitrateKbps*1000)
		if err != nil {
			return nil, &media.CaptureError{Op: "encoder", Err: err}
		}
		share, err := media.StartAudioShare(ctx, media.AudioShareOptions{
			Capture:       src,
			Encoder:       enc,
			Options:       opts,
			MaxQueueMs:    cfg.Audio.MaxQueueMs,
			FrameDuration: time.Duration(opts.FrameMs) * time.Millisecond,
		})
		if err != nil {
			_ = enc.Close()
			return nil, err
		}
		return share, nil
	}, nil
}

func captureSource(dir string, testTone bool) (core.CaptureSource, error) {
	if testTone {
		return audio.NewToneSource(toneInputRate, 440), nil
	}
	path, err := native.LocateCaptureModule(dir)
	if err != nil {
		return nil, &media.CaptureError{Op: "locate", Err: err}
	}
	c, err := native.OpenCapture(path)
	if err != nil {
		return nil, &media.CaptureError{Op: "open", Err: err}
	}
	return c, nil
}
