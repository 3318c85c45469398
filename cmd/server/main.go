package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"validchat/internal/auth"
	"validchat/internal/config"
	"validchat/internal/database"
	"validchat/internal/handler"
	"validchat/internal/persistence"
	"validchat/internal/relay"
	"validchat/internal/room"
	"validchat/internal/store"
)

func main() {
	// .envファイルを読み込み
	envErr := godotenv.Load()

	// 環境変数を読み込み
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	if envErr != nil {
		logger.Warn().Err(envErr).Msg(".env file not found, using environment")
	}

	// データベース接続を初期化
	db, err := database.Init(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to initialize database")
	}
	defer db.Close()

	s := store.New(db)

	var gateway persistence.Gateway
	switch cfg.PersistenceMode {
	case config.PersistenceHTTP:
		gateway = persistence.NewHTTP(cfg.PublicBaseURL, cfg.InternalAPIKey, &http.Client{Timeout: cfg.PersistTimeout})
	default:
		gateway = persistence.NewDirect(s)
	}

	verifier := auth.NewVerifier(cfg.Secret())
	issuer := auth.NewIssuer(cfg.Secret(), cfg.WidgetTokenTTL, cfg.AgentTokenTTL)

	rl := relay.New(verifier, gateway, room.NewRegistry(logger), logger, relay.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		PersistTimeout: cfg.PersistTimeout,
		EnforceTenant:  cfg.EnforceTenantOnJoin,
	})

	// ハンドラー初期化
	h := handler.New(s, cfg, issuer, verifier, rl, logger)
	router := h.SetupRouter()

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", persistence.InternalKeyHeader},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.ServerPort).
			Str("env", cfg.Env).
			Str("db_driver", cfg.DBDriver).
			Str("persistence", cfg.PersistenceMode).
			Strs("allowed_origins", cfg.AllowedOrigins).
			Msg("starting validchat relay")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
