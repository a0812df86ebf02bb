package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Beam/internal/adapters/channel"
	"github.com/dkeye/Beam/internal/adapters/rtc"
	"github.com/dkeye/Beam/internal/config"
)

const usage = `usage:
  beam host [--audio-only] [--test-tone] [--test-pattern] [--rtp-feed ADDR] [--surface monitor|window|browser]
  beam join ROOM [--audio-out FILE] [--video-out FILE]
`

type rtcDeps struct {
	api *webrtc.API
	ice webrtc.Configuration
}

// session is what both subcommands need once flags and config are settled.
type session struct {
	cfg    *config.Config
	loader *config.Loader
	flags  *pflag.FlagSet
	relay  *channel.Channel
	rtc    rtcDeps
	name   string
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]

	flags := pflag.NewFlagSet("beam "+cmd, pflag.ExitOnError)
	flags.String("relay", "ws://localhost:8080/api/ws/signal", "relay websocket url")
	flags.StringSlice("ice", nil, "ICE server urls")
	flags.String("quality", "1080p30", "720p30, 1080p30, 1080p60, 1440p30 or 1440p60")
	flags.String("log-level", "info", "trace, debug, info, warn or error")
	flags.Int("max-queue-ms", 500, "audio jitter buffer budget")
	flags.String("native-dir", "", "directory holding the system audio capture module")
	flags.String("opus-lib", "", "path to libopus")
	name := flags.String("name", "", "display name")

	var run func(context.Context, *errgroup.Group, *session) error
	switch cmd {
	case "host":
		run = hostCommand(flags)
	case "join":
		run = joinCommand(flags)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", cmd, usage)
		os.Exit(2)
	}
	_ = flags.Parse(os.Args[2:])

	loader, err := config.NewLoader(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up config")
	}
	cfg, err := loader.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	api, err := rtc.NewAPI(rtc.APIOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up webrtc")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	s := &session{
		cfg:    cfg,
		loader: loader,
		flags:  flags,
		relay:  channel.New(channel.Options{URL: cfg.RelayURL, ReadLimit: cfg.ReadLimit}),
		rtc:    rtcDeps{api: api, ice: rtc.Configuration(cfg.ICEServers)},
		name:   *name,
	}
	g.Go(func() error {
		<-gctx.Done()
		s.relay.Close()
		return nil
	})
	if err := run(gctx, g, s); err != nil {
		cancel()
		_ = g.Wait()
		log.Fatal().Err(err).Str("command", cmd).Msg("failed to start")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("command", cmd).Msg("exited with error")
		os.Exit(1)
	}
	log.Info().Str("command", cmd).Msg("bye")
}

// openOutput returns a writer for path, or nil when path is empty.
func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nil, nil
	}
	if path == "-" {
		return os.Stdout, nil
	}
	return os.Create(path)
}
