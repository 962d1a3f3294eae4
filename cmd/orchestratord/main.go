// Package main is the entry point for the orchestratord service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestratord/internal/agentpool"
	"github.com/kandev/orchestratord/internal/common/config"
	"github.com/kandev/orchestratord/internal/common/httpmw"
	"github.com/kandev/orchestratord/internal/common/logger"
	"github.com/kandev/orchestratord/internal/dockerclient"
	"github.com/kandev/orchestratord/internal/events/bus"
	"github.com/kandev/orchestratord/internal/gateway"
	"github.com/kandev/orchestratord/internal/health"
	"github.com/kandev/orchestratord/internal/ingress"
	"github.com/kandev/orchestratord/internal/jobstore"
	"github.com/kandev/orchestratord/internal/queue"
	"github.com/kandev/orchestratord/internal/scheduler"
	"github.com/kandev/orchestratord/internal/sessionmgr"
	"github.com/kandev/orchestratord/internal/template"
	"github.com/kandev/orchestratord/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestratord")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := buildEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	provisioner, err := buildProvisioner(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize session provisioner", zap.Error(err))
	}

	jobs := jobstore.New(log)
	q := queue.NewJobQueue(0)
	sessions := sessionmgr.New(sessionmgr.Config{
		BasePort:          cfg.RDP.BasePort,
		PortSpan:          cfg.RDP.PortSpan,
		PortRetryAttempts: cfg.Session.PortRetryAttempts,
	}, provisioner, log)
	agents := agentpool.New(agentpool.Config{
		RecycleAfterJobs:  cfg.Agent.RecycleAfterJobs,
		MaxConcurrentJobs: cfg.Agent.MaxConcurrentJobsDefault,
	}, sessions, log)
	tr := transport.NewHTTPTransport(transport.Config{
		SendTimeout:        cfg.Scheduler.SendTimeout(),
		RetryAttempts:      cfg.Transport.SendRetryAttempts,
		CircuitFailures:    cfg.Transport.CircuitFailures,
		CircuitCooldown:    cfg.Transport.CircuitCooldown(),
		RateLimitPerSecond: cfg.Transport.RateLimitPerSecond,
	}, log)
	templates := template.New(log)

	sched := scheduler.New(q, jobs, agents, tr, eventBus, log, scheduler.Config{
		Tick:                  cfg.Scheduler.Tick(),
		SendTimeout:           cfg.Scheduler.SendTimeout(),
		MaxConcurrentDispatch: cfg.Scheduler.MaxConcurrentDispatch,
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}
	log.Info("scheduler started")

	monitor := health.New(jobs, agents, sessions, tr, eventBus, log, health.Config{
		AgentSweep:        time.Duration(cfg.Health.AgentSweepSeconds) * time.Second,
		SessionSweep:      time.Duration(cfg.Health.SessionSweepSeconds) * time.Second,
		JobSweep:          time.Duration(cfg.Health.JobSweepSeconds) * time.Second,
		CleanupSweep:      cfg.Health.CleanupSweep(),
		HeartbeatTimeout:  cfg.Agent.HeartbeatTimeout(),
		SessionInactivity: cfg.Session.InactivityTimeout(),
		SessionMaxJobs:    cfg.Session.MaxJobs,
		JobTimeout:        cfg.Job.Timeout(),
		MaxCompletedJobs:  cfg.History.MaxCompleted,
	})
	if err := monitor.Start(); err != nil {
		log.Fatal("failed to start health monitor", zap.Error(err))
	}
	log.Info("health monitor started")

	hub := gateway.NewHub(eventBus, log)
	go hub.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "orchestratord"))
	router.Use(gin.Recovery())

	ingressHandler := ingress.NewHandler(jobs, sched, agents, sessions, templates, eventBus, log)
	api := router.Group("/api/v1")
	ingress.SetupRoutes(api, ingressHandler)

	gatewayHandler := gateway.NewHandler(hub, log)
	gateway.RegisterRoutes(api, gatewayHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestratord")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		log.Error("scheduler stop error", zap.Error(err))
	}
	monitor.Stop()

	log.Info("orchestratord stopped")
}

func buildEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("no nats.url configured, using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	nb, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, err
	}
	log.Info("connected to nats event bus", zap.String("url", cfg.NATS.URL))
	return nb, nil
}

func buildProvisioner(cfg *config.Config, log *logger.Logger) (sessionmgr.SessionProvisioner, error) {
	if !cfg.Docker.Enabled {
		log.Info("docker provisioning disabled, using fake session provisioner")
		return sessionmgr.NewFakeProvisioner(), nil
	}
	client, err := dockerclient.NewClient(cfg.Docker, log)
	if err != nil {
		return nil, err
	}
	log.Info("connected to docker", zap.String("host", cfg.Docker.Host))
	return sessionmgr.NewDockerSessionProvisioner(client, cfg.Docker.Image, cfg.Docker.DefaultNetwork, log), nil
}
