package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"foundrychat/internal/api"
	"foundrychat/internal/auth"
	"foundrychat/internal/config"
	"foundrychat/internal/foundry"
	"foundrychat/internal/logger"
	"foundrychat/internal/metrics"
	"foundrychat/internal/redis"
	"foundrychat/internal/service/agent"
	"foundrychat/internal/service/assistant"
	"foundrychat/internal/storage"
	"foundrychat/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("FOUNDRYCHAT_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logs, err := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, File: cfg.Log.File}, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}
	defer logs.Close()

	m := metrics.New()

	dbType := os.Getenv("FOUNDRYCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Info().Str("db", dbType).Msg("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	// Create necessary tables: sessions, messages, session_tokens
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, continuing without cache")
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	assistantService := assistant.NewService(db)
	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour)

	fc := cfg.Foundry
	backend, err := foundry.NewBackend(ctx, foundry.Settings{
		Mode:     foundry.Mode(fc.Mode),
		Fallback: foundry.Mode(fc.Fallback),
		Remote: foundry.Options{
			Endpoint:    fc.Endpoint,
			Resource:    fc.Resource,
			APIKey:      fc.APIKey,
			BearerToken: fc.BearerToken,
			APIVersion:  fc.APIVersion,
			AgentID:     fc.AgentID,
			Strategies:  fc.Strategies,
			Timeout:     fc.Timeout(),
			Observer:    m,
		},
		Model: foundry.ModelConfig{
			BaseURL:      cfg.FallbackModel.BaseURL,
			Model:        cfg.FallbackModel.Model,
			APIKey:       cfg.FallbackModel.APIKey,
			ByAzure:      cfg.FallbackModel.ByAzure,
			APIVersion:   cfg.FallbackModel.APIVersion,
			SystemPrompt: cfg.FallbackModel.SystemPrompt,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init foundry backend")
	}
	log.Info().Str("mode", string(backend.Mode)).Bool("fallback", backend.Fallback).
		Str("source", backend.Source()).Msg("foundry backend ready")

	agentClient := agent.NewClient(backend.API, assistantService, agent.Config{
		AgentID:         fc.AgentID,
		PollInterval:    fc.PollInterval(),
		MaxPollAttempts: fc.MaxPollAttempts,
		RecencyWindow:   fc.RecencyWindow(),
		Observer:        m,
	})
	workers := worker.NewManager(assistantService, agentClient, worker.Config{
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, rdb, m)
	defer workers.Stop()

	retention := time.Duration(cfg.BasicConfig.SessionRetentionDays) * 24 * time.Hour
	assistantService.StartCleaner(ctx, time.Duration(cfg.BasicConfig.CleanInterval)*time.Minute, retention,
		func(ctx context.Context, sessionID string) error {
			workers.Purge(sessionID)
			return authService.RevokeSessionTokens(ctx, sessionID)
		})

	handlers := api.NewHandler(assistantService, authService, workers, backend, m, api.Options{
		MaxMessageLength: cfg.BasicConfig.MaxMessageLength,
		TurnTimeout:      time.Duration(cfg.BasicConfig.TurnTimeoutSeconds) * time.Second,
		EnableProxy:      cfg.BasicConfig.EnableProxy,
		StaticDir:        cfg.BasicConfig.StaticDir,
		AgentID:          fc.AgentID,
	})

	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger())
	router.GET("/metrics", gin.WrapH(m.Handler()))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}
