package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Beam/internal/app"
	"github.com/dkeye/Beam/internal/app/orch"
	"github.com/dkeye/Beam/internal/audio"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/media"
	"github.com/dkeye/Beam/internal/native"
)

func joinCommand(flags *pflag.FlagSet) func(context.Context, *errgroup.Group, *session) error {
	audioOut := flags.String("audio-out", "", "write received audio as float32le PCM to FILE, - for stdout")
	videoOut := flags.String("video-out", "", "write received video as IVF to FILE, - for stdout")

	return func(ctx context.Context, g *errgroup.Group, s *session) error {
		if s.flags.NArg() < 1 {
			return errors.New("join needs a room code")
		}
		room, err := domain.ParseRoomID(s.flags.Arg(0))
		if err != nil {
			return err
		}

		aout, err := openOutput(*audioOut)
		if err != nil {
			return err
		}
		vout, err := openOutput(*videoOut)
		if err != nil {
			closeOutput(aout)
			return err
		}

		events := app.NewEventLog("orch.viewer", app.DefaultEventLogSize)
		playout := media.NewPlayout(media.PlayoutOptions{
			AudioOut:   writerOrNil(aout),
			VideoOut:   writerOrNil(vout),
			NewDecoder: decoderFactory(s),
			Pipeline: audio.Config{
				SampleRate: s.cfg.Audio.SampleRate,
				Channels:   s.cfg.Audio.Channels,
				MaxQueueMs: s.cfg.Audio.MaxQueueMs,
			},
			OnEnded: func(kind string) { events.Info(kind + " track ended") },
		})

		v := orch.NewViewer(orch.ViewerOptions{
			Relay:   s.relay,
			API:     s.rtc.api,
			ICE:     s.rtc.ice,
			Room:    room,
			Name:    s.name,
			Playout: playout,
			Events:  events,
		})
		g.Go(func() error {
			defer closeOutput(aout)
			defer closeOutput(vout)
			return v.Run(ctx)
		})
		s.relay.Connect(ctx)
		return nil
	}
}

// decoderFactory prefers libopus and falls back to the pure Go decoder.
func decoderFactory(s *session) func() (audio.Decoder, error) {
	if err := native.LoadOpus(s.cfg.Native.OpusLib); err != nil {
		log.Info().Err(err).Str("module", "beam").Msg("libopus unavailable, decoding with the built-in SILK decoder")
		frameMs := s.cfg.Audio.FrameMs
		return func() (audio.Decoder, error) { return audio.NewSilkDecoder(frameMs), nil }
	}
	rate, channels := s.cfg.Audio.SampleRate, s.cfg.Audio.Channels
	return func() (audio.Decoder, error) {
		d, err := native.NewOpusDecoder(rate, channels)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func writerOrNil(w io.WriteCloser) io.Writer {
	if w == nil {
		return nil
	}
	return w
}

func closeOutput(w io.WriteCloser) {
	if w == nil || w == os.Stdout {
		return
	}
	if err := w.Close(); err != nil {
		log.Warn().Err(err).Str("module", "beam").Msg("close output")
	}
}
