// Command driftline runs the preview orchestrator: it accepts repository
// previews over its HTTP API, drives each through clone/install/start, and
// reverse-proxies the running dev server under a per-session authenticated
// URL.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftline-dev/driftline/internal/api"
	"github.com/driftline-dev/driftline/internal/apperrors"
	"github.com/driftline-dev/driftline/internal/cache"
	"github.com/driftline-dev/driftline/internal/config"
	"github.com/driftline-dev/driftline/internal/events"
	"github.com/driftline-dev/driftline/internal/logger"
	"github.com/driftline-dev/driftline/internal/proxy"
	"github.com/driftline-dev/driftline/internal/session"
	"github.com/driftline-dev/driftline/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()
	log.Info().Str("instance_id", cfg.InstanceID).Msg("starting driftline")

	gw, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open record store")
	}
	defer gw.Close()

	cacheLayer, err := cache.NewCache(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Enabled:  cfg.CacheEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connect cache")
	}
	defer func() { _ = cacheLayer.Close() }()

	eventsPublisher, err := events.New(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect event publisher")
	}
	defer eventsPublisher.Close()

	sessionCfg := session.Config{
		InstanceID:            cfg.InstanceID,
		PreviewDomain:         cfg.PreviewDomain,
		BaseURL:               cfg.BaseURL,
		UseSubdomainRouting:   cfg.UseSubdomainRouting,
		PreviewPathPrefix:     cfg.PreviewPathPrefix,
		SessionIdleTimeout:    cfg.SessionIdleTimeout,
		SessionMaxLifetime:    cfg.SessionMaxLifetime,
		SessionStartupTimeout: cfg.SessionStartupTimeout,
		CloneTimeout:          cfg.CloneTimeout,
		InstallTimeout:        cfg.InstallTimeout,
		PortRangeStart:        cfg.PortRangeStart,
		PortRangeEnd:          cfg.PortRangeEnd,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		WorkspaceBaseDir:      cfg.WorkspaceBaseDir,
	}
	sessions := session.New(sessionCfg, gw, cacheLayer, eventsPublisher)

	var ready atomic.Bool

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sessions.RecoverOnStartup(startupCtx); err != nil {
		log.Error().Err(err).Msg("startup recovery failed, continuing")
	}
	startupCancel()

	if err := sessions.StartSweepers(); err != nil {
		log.Fatal().Err(err).Msg("schedule sweepers")
	}
	ready.Store(true)
	log.Info().Msg("startup recovery complete, sweepers running")

	reverseProxy := proxy.New()
	handler := api.New(sessions, reverseProxy, cfg.PreviewDomain, cfg.UseSubdomainRouting, cfg.PreviewPathPrefix, cfg.SessionMaxLifetime, ready.Load)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(apperrors.Recovery())
	router.Use(apperrors.ErrorHandler())
	router.Use(api.RequestID())
	router.Use(api.AccessLog())
	router.Use(handler.RoutingMiddleware())

	router.GET("/health", handler.Health)
	router.GET("/ready", handler.Ready)

	apiGroup := router.Group("/api", api.RequireOperatorAuth(cfg.SharedAPISecret, cfg.OperatorJWTSecret))
	{
		apiGroup.POST("/sessions", handler.CreateSession)
		apiGroup.GET("/sessions", handler.ListSessions)
		apiGroup.GET("/sessions/:id", handler.GetSession)
		apiGroup.DELETE("/sessions/:id", handler.DeleteSession)
	}

	if cfg.UseSubdomainRouting {
		router.NoRoute(handler.Preview)
	} else {
		router.Any(cfg.PreviewPathPrefix+"/*path", handler.Preview)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // long-lived WebSocket and streaming proxy connections
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	ready.Store(false)
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server forced to shut down")
	}

	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("session manager shutdown incomplete")
	}

	log.Info().Msg("shutdown complete")
}
