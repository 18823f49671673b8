package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-relay-go/internal/config"
	"github.com/openclaw/session-relay-go/internal/database"
	"github.com/openclaw/session-relay-go/internal/handler"
	"github.com/openclaw/session-relay-go/internal/jobs"
	"github.com/openclaw/session-relay-go/internal/middleware"
	"github.com/openclaw/session-relay-go/internal/redis"
	"github.com/openclaw/session-relay-go/internal/relay"
	"github.com/openclaw/session-relay-go/internal/repository"
	"github.com/openclaw/session-relay-go/internal/service"
	"github.com/openclaw/session-relay-go/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	uploader, err := storage.NewS3Uploader(context.Background(), storage.Config{
		Bucket:        cfg.S3Bucket,
		Region:        cfg.S3Region,
		Endpoint:      cfg.S3Endpoint,
		PublicBaseURL: cfg.S3PublicBaseURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob storage")
	}

	sessionRepo := repository.NewSessionRepository(db.DB)
	orgRepo := repository.NewOrganizationRepository(db.DB)

	sessionService := service.NewSessionService(sessionRepo)

	registry := relay.NewRegistry()
	queue := relay.NewRedisQueue(redisClient, cfg.QueueTTL())
	archiver := relay.NewArchiver(queue, uploader, config.DrainBatchSize, cfg.ArchiveRequeueOnFailure)

	timeouts := relay.Timeouts{
		SessionCreate: cfg.SessionCreateTimeout(),
		Archive:       cfg.ArchiveTimeout(),
		SessionSave:   cfg.SessionSaveTimeout(),
		FlushInterval: cfg.FlushInterval(),
	}

	connLimiter := middleware.NewConnLimiter(redisClient.Client, cfg.ConnRateLimitPerMin)

	relayHandler := handler.NewRelayHandler(
		registry, queue, sessionService, archiver, orgRepo, timeouts, connLimiter,
	)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/session", func(r chi.Router) {
		r.Mount("/", relayHandler.Routes())
	})

	recoveryJob := jobs.NewRecoveryJob(
		queue, archiver, sessionService, registry,
		cfg.RecoveryIdle(), config.RecoveryJobInterval,
	)
	recoveryJob.Start()
	defer recoveryJob.Stop()

	// WriteTimeout stays zero: websocket connections outlive any sane
	// request deadline.
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
