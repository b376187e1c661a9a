package main

import (
	"context"
	"fmt"

	"callsession/internal/core/ports"
	"callsession/internal/core/services"
	"callsession/internal/infrastructure/directory"
	"callsession/internal/infrastructure/media/pion"
	"callsession/internal/infrastructure/monitoring"
	"callsession/internal/infrastructure/platform/memory"
	repositories "callsession/internal/infrastructure/repositories"
	"callsession/pkg/circuitbreaker"
	"callsession/pkg/config"
	"callsession/pkg/logger"
	"callsession/pkg/retry"
	"callsession/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// app is the fully wired orchestrator shared by every subcommand.
type app struct {
	cfg        *config.Config
	zap        *zap.Logger
	log        *zap.SugaredLogger
	tracer     *tracing.TracerProvider
	repos      *repositories.RepositoryFactory
	backend    *memory.Backend
	tokens     *services.TokenProvider
	session    *services.SessionAgent
	directory  *services.RoomDirectory
	controller *services.CallController
	lifecycle  *services.LifecycleManager
}

func newApp(cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "callsession",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository factory: %w", err)
	}

	dirClient, err := directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.RequestTimeout, log)
	if err != nil {
		repoFactory.Close()
		return nil, err
	}

	mediaCfg := pion.Config{
		VideoCodec:  cfg.Media.VideoCodec,
		Cameras:     cfg.Media.Cameras,
		DenyCapture: cfg.Media.DenyCapture,
	}
	devices, err := pion.NewDeviceManager(mediaCfg)
	if err != nil {
		repoFactory.Close()
		return nil, fmt.Errorf("failed to open devices: %w", err)
	}
	perms, err := pion.NewCapturePermissions(mediaCfg)
	if err != nil {
		repoFactory.Close()
		return nil, fmt.Errorf("failed to prepare capture permissions: %w", err)
	}

	// The loopback backend stands in for the managed platform; capture
	// still goes through real pion tracks.
	backend := memory.NewBackend()
	backend.Devices = devices

	var metrics ports.CallMetrics = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(reg)
	}

	tokens := services.NewTokenProvider(dirClient, cfg.Session.DefaultTokenTTL, log)
	session := services.NewSessionAgent(backend.Platform(), tokens, dirClient, services.SessionAgentConfig{
		DeviceManagerRetry: retry.LinearConfig(cfg.Session.DeviceManagerAttempts, cfg.Session.DeviceManagerBackoff),
	}, log)

	dirCfg := services.DefaultRoomDirectoryConfig()
	dirCfg.Fallback = cfg.Directory.Fallback
	dirCfg.Breaker = circuitbreaker.Config{
		FailureThreshold:    cfg.Directory.Breaker.MaxFailures,
		SuccessThreshold:    1,
		Timeout:             cfg.Directory.Breaker.ResetTimeout,
		MaxRequestsHalfOpen: 1,
	}

	renderer := services.NewMediaRenderer(memory.NewRendererFactory(), log)
	registry := services.NewParticipantRegistry(renderer, log)

	a := &app{
		cfg:     cfg,
		zap:     zapLogger,
		log:     log,
		tracer:  tp,
		repos:   repoFactory,
		backend: backend,
		tokens:  tokens,
		session: session,
	}
	a.directory = services.NewRoomDirectory(dirClient, repoFactory.CreateRoomHandleRepository(), metrics, dirCfg, log)
	if locker := repoFactory.CreateRoomLocker(); locker != nil {
		a.directory.UseLocker(locker)
	}
	a.controller = services.NewCallController(session, a.directory, perms, registry, renderer, metrics, a.controllerConfig(), log)

	a.lifecycle = services.NewLifecycleManager(a.controller, session, log)
	a.lifecycle.AfterTeardown(repoFactory.Close)
	a.lifecycle.AfterTeardown(func() error { return tp.Shutdown(context.Background()) })
	return a, nil
}

func (a *app) controllerConfig() services.CallControllerConfig {
	cc := services.DefaultCallControllerConfig()
	cc.InboundPreemptsConnecting = a.cfg.Session.InboundPreemptsConnecting
	cc.InboundTimeout = a.cfg.Server.OperationTimeout
	return cc
}

// close tears the session down and flushes the logger.
func (a *app) close(ctx context.Context) error {
	err := a.lifecycle.Teardown(ctx)
	_ = a.zap.Sync()
	return err
}
