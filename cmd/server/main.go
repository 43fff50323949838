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

	router "github.com/huddlehq/huddle/internal/adapters/http"
	wssignal "github.com/huddlehq/huddle/internal/adapters/signal"
	"github.com/huddlehq/huddle/internal/conference"
	"github.com/huddlehq/huddle/internal/config"
	"github.com/huddlehq/huddle/internal/hub"
	"github.com/huddlehq/huddle/internal/media"
	"github.com/huddlehq/huddle/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	engine, err := media.NewPionEngine(media.EngineConfig{
		ListenIP:    cfg.RTC.ListenIP,
		AnnouncedIP: cfg.RTC.AnnouncedIP,
		MinPort:     cfg.RTC.MinPort,
		MaxPort:     cfg.RTC.MaxPort,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media engine")
	}
	// No media routing can continue without the engine; give in-flight
	// signaling a short grace period, then terminate.
	engine.OnFatal(func(err error) {
		log.Error().Err(err).Msg("media engine died")
		time.Sleep(2 * time.Second)
		os.Exit(1)
	})

	reg := hub.NewRegistry()
	ctl := &wssignal.Controller{
		Presence:   hub.NewPresence(reg, st, st),
		Fanout:     hub.NewFanout(reg, st, st),
		Friends:    hub.NewFriendRouter(reg, st, st),
		Registry:   reg,
		Conference: conference.NewManager(engine, st, media.DefaultCodecs()),
		Rooms:      st,
		Limiter:    wssignal.NewMessageRateLimiter(10, 10*time.Second),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}

	r := router.SetupRouter(ctx, cfg, ctl, st)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Huddle server started")
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
