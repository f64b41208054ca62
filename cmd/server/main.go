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

	router "github.com/provigil/proctor/internal/adapters/http"
	"github.com/provigil/proctor/internal/adapters/rtc"
	"github.com/provigil/proctor/internal/app"
	"github.com/provigil/proctor/internal/backend"
	"github.com/provigil/proctor/internal/config"
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

	engine, err := rtc.NewEngine(cfg.RTC)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media engine")
	}
	// A dead engine is not recoverable in place. Exit after a short
	// delay and let supervision restart the process.
	engine.OnDied(func(err error) {
		log.Error().Err(err).Msg("media engine died, exiting")
		time.Sleep(cfg.RTC.ExitDelay)
		os.Exit(1)
	})

	client := backend.NewClient(cfg.Backend)
	orch := app.NewOrchestrator(engine, client, cfg.AdminSecret)

	r := router.SetupRouter(ctx, cfg, orch, client)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("proctor server started")
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
