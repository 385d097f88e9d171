package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/web-casa/dockwatch/internal/auth"
	"github.com/web-casa/dockwatch/internal/config"
	"github.com/web-casa/dockwatch/internal/database"
	"github.com/web-casa/dockwatch/internal/docker"
	"github.com/web-casa/dockwatch/internal/events"
	"github.com/web-casa/dockwatch/internal/handler"
	"github.com/web-casa/dockwatch/internal/logging"
	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/realtime"
	"github.com/web-casa/dockwatch/internal/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	logger, closeLog, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		slog.Error("open log file", "path", cfg.LogFile, "error", err)
		os.Exit(1)
	}
	defer closeLog()

	// Audit log storage
	db, err := database.Init(cfg.DBPath)
	if err != nil {
		logger.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.NewClient(cfg.DockerHost, logger)
	if err != nil {
		logger.Error("create docker client", "host", cfg.DockerHost, "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := dockerClient.Ping(pingCtx); err != nil {
		logger.Warn("docker daemon not reachable yet", "host", cfg.DockerHost, "error", err)
	}
	cancelPing()

	bus := events.NewBus(logger)
	svc := service.NewDockerService(dockerClient, db, bus, logger)
	if cfg.WatchEvents {
		svc.Start()
	}

	hub := realtime.NewHub(svc.Engine(), bus, realtime.Options{AllowedOrigins: cfg.CORSOrigins, Logger: logger})

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	loginLimiter := auth.NewLoginLimiter(5, 15*time.Minute)
	r := setupRouter(cfg, svc, hub.ServeWS, db, loginLimiter, logger)

	stopCleanup := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				loginLimiter.Cleanup()
			case <-stopCleanup:
				return
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("dockwatch starting",
			"addr", cfg.Addr(),
			"docker_host", cfg.DockerHost,
			"auth", cfg.AuthEnabled(),
			"watch_events", cfg.WatchEvents,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	close(stopCleanup)
	svc.Stop()
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// setupRouter wires middleware and routes. ws serves the realtime channel.
func setupRouter(cfg *config.Config, svc handler.DockerService, ws gin.HandlerFunc, db *gorm.DB, loginLimiter *auth.LoginLimiter, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.RequestID(), logging.AccessLog(logger))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	systemH := handler.NewSystemHandler(cfg, logger)
	r.GET("/", systemH.Root)

	api := r.Group("/api")
	api.Use(auth.NewRequestLimiter(cfg.MaxRequestsPerMinute).Middleware())

	// Public routes
	api.GET("/config", systemH.Config)
	if cfg.AuthEnabled() {
		authH := handler.NewAuthHandler(cfg, loginLimiter, logger)
		api.POST("/auth/login", authH.Login)
	}

	protected := api.Group("")
	wsGroup := r.Group("")
	if cfg.AuthEnabled() {
		protected.Use(auth.Middleware(cfg.JWTSecret))
		wsGroup.Use(auth.Middleware(cfg.JWTSecret))
	}

	containerH := handler.NewContainerHandler(svc)
	protected.GET("/containers", containerH.List)
	protected.GET("/containers/:id/logs", containerH.Logs)
	protected.POST("/containers/:id/:action", containerH.Action)

	imageH := handler.NewImageHandler(svc)
	protected.GET("/images", imageH.List)
	protected.DELETE("/images/:id", imageH.Delete)
	protected.GET("/images/:id/history", imageH.History)
	protected.POST("/prune/:kind", imageH.Prune)

	protected.POST("/logs", systemH.IngestLog)

	auditH := handler.NewAuditHandler(db)
	protected.GET("/audit", auditH.List)

	wsGroup.GET("/ws", ws)

	setupFrontend(r, logger)
	return r
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", logging.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", logging.RequestIDHeader},
	}
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c
		}
	}
	c.AllowOrigins = origins
	return c
}

// setupFrontend serves a built dashboard from web/dist if it exists
func setupFrontend(r *gin.Engine, logger *slog.Logger) {
	distPath := "web/dist"

	if _, err := os.Stat(distPath); os.IsNotExist(err) {
		logger.Debug("frontend dist not found, serving API only", "path", distPath)
		r.NoRoute(func(c *gin.Context) {
			c.JSON(http.StatusNotFound, model.Failure("Not found"))
		})
		return
	}

	r.Static("/assets", filepath.Join(distPath, "assets"))
	r.StaticFile("/favicon.ico", filepath.Join(distPath, "favicon.ico"))

	// SPA fallback: serve index.html for all non-API, non-asset routes
	r.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path

		if strings.HasPrefix(path, "/api") || path == "/ws" {
			c.JSON(http.StatusNotFound, model.Failure("Not found"))
			return
		}

		filePath := filepath.Join(distPath, filepath.Clean("/"+path))
		if _, err := os.Stat(filePath); err == nil {
			c.File(filePath)
			return
		}

		c.File(filepath.Join(distPath, "index.html"))
	})

	logger.Info("serving frontend", "path", distPath)
}
