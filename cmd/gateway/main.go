package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pingline/pingline-gateway/internal/config"
	"github.com/pingline/pingline-gateway/internal/domain/gateway"
	"github.com/pingline/pingline-gateway/internal/domain/message"
	"github.com/pingline/pingline-gateway/internal/middleware"
	"github.com/pingline/pingline-gateway/internal/pkg/database"
	"github.com/pingline/pingline-gateway/internal/pkg/logger"
	"github.com/pingline/pingline-gateway/internal/pkg/response"
	"github.com/pingline/pingline-gateway/internal/pkg/token"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting Pingline gateway")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redisClient)

	tokenService := token.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	messageRepo := message.NewRepository(db)

	gw := gateway.New(gateway.Options{
		Tokens:          tokenService,
		Messages:        messageRepo,
		Redis:           redisClient,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxConnsPerUser: cfg.MaxConnsPerUser,
		TypingTTL:       cfg.TypingTTL,
		SweepInterval:   cfg.SweepInterval,
	})
	gw.Start()
	defer gw.Shutdown()

	gatewayHandler := gateway.NewHandler(gw, cfg.InternalToken)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover)
	r.Use(middleware.Logger)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})
	gateway.RegisterRoutes(r, gatewayHandler)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
}
