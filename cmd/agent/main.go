package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wz1310/voice-cordova/internal/agent"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var cfg agent.Config
	flag.StringVar(&cfg.ServerURL, "server", "http://localhost:8080", "relay base URL")
	flag.StringVar(&cfg.Username, "user", "bot", "login username")
	flag.StringVar(&cfg.Password, "pass", "", "login password")
	flag.IntVar(&cfg.Slot, "slot", 1, "slot to claim")
	flag.BoolVar(&cfg.Mic, "mic", true, "publish a mic track")
	flag.BoolVar(&cfg.Webcam, "webcam", false, "publish a camera track")
	flag.DurationVar(&cfg.NegotiationTimeout, "negotiation-timeout", 30*time.Second, "abandon half-open peers after this long (0 disables)")
	flag.Parse()

	if err := agent.New(cfg).Run(ctx); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, agent.ErrKicked) {
		log.Error().Err(err).Msg("agent exited")
		os.Exit(1)
	}
	log.Info().Msg("agent exited gracefully")
}
