package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/wz1310/voice-cordova/internal/adapters/http"
	"github.com/wz1310/voice-cordova/internal/app"
	"github.com/wz1310/voice-cordova/internal/config"
	"github.com/wz1310/voice-cordova/internal/idp"
	"github.com/wz1310/voice-cordova/internal/turn"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	provider := idp.NewStaticProvider(nil)
	codec := idp.NewTokenCodec(cfg.Secret, cfg.TokenTTL)
	issuer := turn.NewIssuer(cfg.Secret, cfg.TurnTTL, cfg.StunURLs, cfg.TurnURLs)

	relay := app.NewRelay(cfg.NumSlots, codec)
	relay.SetChatLimiter(app.NewRateLimiter(cfg.ChatRateLimit, cfg.ChatRateInterval))

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Relay:    relay,
		Provider: provider,
		Codec:    codec,
		Turn:     issuer,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Int("slots", cfg.NumSlots).Msg("Voice server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
