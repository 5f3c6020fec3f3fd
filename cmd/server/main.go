package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/server/api"
	"github.com/y804508275/happy-sub000/internal/server/bus"
	"github.com/y804508275/happy-sub000/internal/server/config"
	"github.com/y804508275/happy-sub000/internal/server/database"
	"github.com/y804508275/happy-sub000/internal/server/store"
	"github.com/y804508275/happy-sub000/internal/server/websocket"
	"github.com/y804508275/happy-sub000/internal/server/websocket/handlers"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	log.Info().Str("path", cfg.DatabasePath).Msg("opening database")
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	queries := store.New(db)

	jwtManager, err := crypto.NewJWTManager(cfg.MasterSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create JWT manager")
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	natsURL := cfg.Bus.URL
	if cfg.Bus.Embedded {
		embedded, url, err := bus.StartEmbedded(cfg.Bus.EmbeddedPort)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start embedded bus")
		}
		defer embedded.Shutdown()
		natsURL = url
		log.Info().Str("url", url).Msg("embedded bus started")
	}

	eventBus, err := bus.New(natsURL, instanceID, log)
	if err != nil {
		log.Fatal().Err(err).Str("url", natsURL).Msg("failed to connect to bus")
	}
	defer eventBus.Close()

	manager := websocket.NewConnectionManager()
	eventRouter := websocket.NewEventRouter(manager, eventBus, log)
	registry := websocket.NewRPCRegistry()
	relay := websocket.NewRPCRelay(manager, registry, eventBus, cfg.Tuning.RPCTimeout, log)
	accumulator := websocket.NewActivityAccumulator(eventRouter, cfg.Tuning.ActivityFlushInterval)
	deps := handlers.NewDeps(queries, queries, queries, queries, time.Now, func() string {
		return uuid.New().String()
	})
	wsServer := websocket.NewServer(manager, eventRouter, registry, relay, accumulator, deps, jwtManager, log)
	defer wsServer.Close()

	if err := eventBus.Start(eventRouter, relay); err != nil {
		log.Fatal().Err(err).Msg("failed to start bus subscriptions")
	}

	httpRouter := api.NewRouter(cfg, queries, jwtManager, eventRouter, wsServer, log)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("instance_id", instanceID).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
}
