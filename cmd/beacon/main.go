// main is the entry point of the Beacon rendezvous coordinator.
// It initializes the configuration, logger, database, GeoIP provider, the
// coordinator services, and starts the HTTP server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poaipnet/beacon/internal/bootstrap"
	"github.com/poaipnet/beacon/internal/config"
	"github.com/poaipnet/beacon/internal/geoip"
	"github.com/poaipnet/beacon/internal/logger"
	"github.com/poaipnet/beacon/internal/maintenance"
	"github.com/poaipnet/beacon/internal/monitor"
	"github.com/poaipnet/beacon/internal/netmap"
	"github.com/poaipnet/beacon/internal/registry"
	"github.com/poaipnet/beacon/internal/reputation"
	"github.com/poaipnet/beacon/internal/server"
	"github.com/poaipnet/beacon/internal/storage"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.Parse()

	logger.Setup(cfg.Logger)
	log.Info().Msg("Starting beacon coordinator...")

	// GeoIP update
	log.Info().Msg("Checking GeoIP database...")
	if err := geoip.EnsureDB(cfg.GeoIP.Path, cfg.GeoIP.URL, cfg.GeoIP.Interval); err != nil {
		log.Error().Err(err).Msg("Failed to download GeoIP database")
	}

	geoProvider, err := geoip.Open(cfg.GeoIP.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open GeoIP database, geography heuristics disabled")
		geoProvider = nil
	} else {
		defer func() {
			if err := geoProvider.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing GeoIP provider")
			}
		}()
	}

	// Database
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	// One-shot maintenance tasks
	if maintenance.Run(cfg, store) {
		return
	}

	// Services
	rep, err := reputation.NewStore(cfg.RateLimit.SuspicionLimit, store, geoProvider)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load reputation state")
	}

	codec, err := netmap.NewAESCodec(cfg.Map.Secret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize map codec")
	}

	reg := registry.New(cfg.Registry.KeepaliveTTL, nil)
	maps := netmap.NewBuilder(reg, codec, cfg.Map.DefaultLimit, cfg.Map.MaxLimit)
	boot := bootstrap.New()
	mon := monitor.New(cfg.Monitor, store)

	// Init server
	srvHandler := server.New(reg, rep, maps, boot, mon, cfg)

	// Background tasks
	srvHandler.StartWorkers()

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srvHandler.Run(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop background workers
	srvHandler.StopWorkers()

	log.Info().Msg("Server exited")
}
