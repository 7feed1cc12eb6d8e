package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shuttle-hq/shuttle-sub001/internal/app/migrate"
	"github.com/shuttle-hq/shuttle-sub001/internal/backend/docker"
	httpx "github.com/shuttle-hq/shuttle-sub001/internal/http"
	"github.com/shuttle-hq/shuttle-sub001/internal/proxy"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository/postgres"
	"github.com/shuttle-hq/shuttle-sub001/internal/service/auth"
	"github.com/shuttle-hq/shuttle-sub001/internal/service/logs"
	"github.com/shuttle-hq/shuttle-sub001/internal/service/orchestrator"
	"github.com/shuttle-hq/shuttle-sub001/internal/service/project"
	"github.com/shuttle-hq/shuttle-sub001/internal/service/provision"
	"github.com/shuttle-hq/shuttle-sub001/internal/ws"
	"github.com/shuttle-hq/shuttle-sub001/pkg/config"
	"github.com/shuttle-hq/shuttle-sub001/pkg/logger"
)

func main() {
	cfg := config.LoadGatewayConfig()
	log := logger.New("gateway", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	backendClient, err := docker.New(docker.Options{
		Host:   cfg.DockerHost,
		Prefix: cfg.ContainerPrefix,
	})
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer backendClient.Close()
	if err := backendClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	provisioner := provision.NewRegistry()

	machine := orchestrator.NewMachine(backendClient, provisioner, log, orchestrator.MachineConfig{
		HealthPollInterval: cfg.HealthPollInterval,
		HealthWaitBudget:   cfg.HealthWaitBudget,
		BackoffBase:        cfg.BackoffBase,
		BackoffCap:         cfg.BackoffCap,
		MaxAttempts:        cfg.MaxAttempts,
	})
	sched := orchestrator.NewScheduler(repo, machine, log, orchestrator.SchedulerConfig{
		Workers:         cfg.WorkerCount,
		StepTimeout:     cfg.StepTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		JanitorInterval: cfg.JanitorInterval,
	})
	go sched.Run(ctx)

	// Reconcile stored state against live containers before any traffic
	// is accepted. A store failure here is fatal: serving with unknown
	// state would route traffic to containers we cannot account for.
	if err := orchestrator.Recover(ctx, repo, backendClient, sched, log); err != nil {
		log.Error("recovery failed", "error", err)
		os.Exit(1)
	}

	logHub := ws.NewHub()
	authSvc := auth.New(repo, log, cfg.JWTSecret, cfg.AccessTokenTTL)
	projectSvc := project.New(repo, repo, sched, log)
	logSvc := logs.New(repo, backendClient, logHub, log, cfg.LogTail, cfg.LogBuffer)
	defer logSvc.Close()

	var certMgr *proxy.CertManager
	if cfg.ProxyTLSAddr != "" {
		certMgr, err = proxy.NewCertManager(repo, repo, log, proxy.CertConfig{
			Suffix:           cfg.DomainSuffix,
			PlatformCertFile: cfg.TLSCertFile,
			PlatformKeyFile:  cfg.TLSKeyFile,
			DirectoryURL:     cfg.ACMEDirectoryURL,
			Email:            cfg.ACMEEmail,
			RenewalLead:      cfg.CertRenewalLead,
			SweepInterval:    cfg.CertSweepInterval,
		})
		if err != nil {
			log.Error("failed to configure certificates", "error", err)
			os.Exit(1)
		}
		go certMgr.Run(ctx)
	}

	proxyRouter := proxy.NewRouter(repo, repo, cfg.DomainSuffix, cfg.LookupCacheTTL, log)
	var proxyHandler http.Handler = proxyRouter
	if certMgr != nil {
		// ACME HTTP-01 challenges ride the plain HTTP listener.
		proxyHandler = certMgr.HTTPHandler(proxyRouter)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	apiRouter := httpx.NewRouter(log, authSvc, projectSvc, logSvc, limiter, pool.Ping)
	defer apiRouter.Close()

	apiSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           apiRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}
	proxySrv := &http.Server{
		Addr:    cfg.ProxyAddr,
		Handler: proxyHandler,
	}
	servers := []*http.Server{apiSrv, proxySrv}

	errorCh := make(chan error, 3)
	go func() {
		log.Info("api server starting", "addr", cfg.APIAddr)
		errorCh <- apiSrv.ListenAndServe()
	}()
	go func() {
		log.Info("proxy server starting", "addr", cfg.ProxyAddr)
		errorCh <- proxySrv.ListenAndServe()
	}()
	if certMgr != nil {
		tlsSrv := &http.Server{
			Addr:      cfg.ProxyTLSAddr,
			Handler:   proxyRouter,
			TLSConfig: certMgr.TLSConfig(),
		}
		servers = append(servers, tlsSrv)
		go func() {
			log.Info("proxy tls server starting", "addr", cfg.ProxyTLSAddr)
			errorCh <- tlsSrv.ListenAndServeTLS("", "")
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("graceful shutdown failed", "addr", srv.Addr, "error", err)
			}
		}
		log.Info("gateway stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
