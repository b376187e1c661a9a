package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httphandlers "callsession/internal/handlers/http"
	"callsession/internal/infrastructure/distributed"
	"callsession/internal/infrastructure/middleware"
	"callsession/internal/infrastructure/monitoring"
	eventstream "callsession/internal/infrastructure/signal"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator behind the control API",
	Long:  `The serve command starts the call orchestrator and exposes the control API, the live event stream and the health and metrics endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), a)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context, a *app) error {
	startTime := time.Now()
	cfg, log := a.cfg, a.log

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream := eventstream.NewEventStream(a.controller, cfg.Server.OperationTimeout, log)

	if client := a.repos.RedisClient(); client != nil && cfg.Redis.Enabled {
		bus := distributed.NewEventBus(client, cfg.Redis.EventChannel, uuid.NewString(), log)
		events, unsubscribe := a.controller.Subscribe()
		defer unsubscribe()
		go a.lifecycle.Guard(func() { bus.Forward(ctx, events) })
		go a.lifecycle.Guard(func() {
			if err := bus.Subscribe(ctx, stream.Remote); err != nil && ctx.Err() == nil {
				log.Errorw("event bus subscription ended", "error", err)
			}
		})
		log.Infow("cross-instance events enabled", "channel", cfg.Redis.EventChannel, "instance", bus.InstanceID())
	}

	health := monitoring.NewHealthChecker()
	health.AddBreakerCheck("directory", a.directory.BreakerState, 0)
	if client := a.repos.RedisClient(); client != nil {
		health.AddRedisCheck(client, 15*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	api := router.Group("/api/v1")
	api.Use(middleware.APITokenMiddleware(cfg.Server.APIToken))
	{
		httphandlers.NewCallHandler(a.controller, cfg.Server.OperationTimeout, log).SetupRoutes(api)
		api.GET("/call/events", middleware.NewWebSocketRateLimitMiddleware(cfg), gin.WrapF(stream.HandleWebSocket))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"callState": a.controller.State().String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.CheckAll(checkCtx)
		if status.Status != "healthy" {
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting callsession server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("Server failed", "error", runErr)
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	}

	log.Info("Shutting down callsession server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	stream.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	if err := a.close(shutdownCtx); err != nil {
		log.Errorw("Teardown finished with errors", "error", err)
	}
	log.Info("callsession server stopped")
	return runErr
}
