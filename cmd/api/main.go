package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"support-platform/internal/arbitration"
	"support-platform/internal/audit"
	"support-platform/internal/auth"
	"support-platform/internal/calls"
	"support-platform/internal/config"
	"support-platform/internal/httpapi"
	"support-platform/internal/presence"
	"support-platform/internal/protocol"
	"support-platform/internal/records"
	"support-platform/internal/reporting"
	"support-platform/internal/signaling"
	"support-platform/internal/transcript"
	"support-platform/pkg/logger"
	"support-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// summaryStreamMaxLen bounds the summarization stream; the consumer is
// expected to keep up well within it.
const summaryStreamMaxLen = 10000

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	recordsRepo := records.NewPostgresRepo(db)
	auditRepo := audit.NewPostgresRepo(db)
	for name, ensure := range map[string]func(context.Context) error{
		"call_records":   recordsRepo.EnsureSchema,
		"session_events": auditRepo.EnsureSchema,
	} {
		if err := ensure(rootCtx); err != nil {
			log.Error("schema init failed", "table", name, "err", err)
			os.Exit(1)
		}
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// A slot outlives the longest possible pre-connect lifecycle plus slack;
	// release normally happens on the terminal transition.
	capTTL := cfg.Signaling.RingTimeout + cfg.Signaling.ConnectTimeout + time.Hour
	callCap, err := utils.NewCallCap(rdb, "", cfg.Signaling.MaxCallsPerCustomer, capTTL)
	if err != nil {
		log.Error("call cap init failed", "err", err)
		os.Exit(1)
	}
	publisher, err := utils.NewStreamPublisher(rdb, summaryStreamMaxLen)
	if err != nil {
		log.Error("stream publisher init failed", "err", err)
		os.Exit(1)
	}

	// Call core. Observer order matters: the arbiter frees agents before the
	// router notifies anyone.
	registry := calls.NewRegistry(calls.RegistryOptions{
		Summarizer: transcript.NewStreamSummarizer(publisher, cfg.Summary.Stream),
		Archiver:   records.NewArchiver(recordsRepo),
		Logger:     log,

		FinalizeTimeout: 5 * time.Second,
	})
	directory := presence.NewDirectory()
	arbiter := arbitration.New(registry, directory, arbitration.Options{
		RingTimeout:    cfg.Signaling.RingTimeout,
		ConnectTimeout: cfg.Signaling.ConnectTimeout,
		Limiter:        callCap,
		Logger:         log,
	})
	router := signaling.NewRouter(registry, directory, arbiter, signaling.Options{
		WriteTimeout:   cfg.Signaling.WriteTimeout,
		PingInterval:   cfg.Signaling.PingInterval,
		AllowedOrigins: cfg.Signaling.AllowedOrigins,
		ICEServers:     iceServers(cfg.ICE),
		Logger:         log,
	})

	auditSvc := audit.NewService(auditRepo)
	recorder := audit.NewRecorder(auditSvc, 1024, log)
	registry.Observe(recorder.Observe)
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		recorder.Run(rootCtx)
	}()

	go pruneLoop(rootCtx, registry, cfg.Signaling.Retention, log)

	h := httpapi.Handlers{
		Auth:      authManager,
		Calls:     registry,
		Presence:  directory,
		Relay:     router.Relay(),
		Records:   recordsRepo,
		Audit:     auditSvc,
		Reporting: reporting.NewService(recordsRepo),
		Checks: map[string]func(context.Context) error{
			"postgres": func(ctx context.Context) error { return utils.HealthCheck(ctx, db, time.Second) },
			"redis":    redisCheck(rdb),
		},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	// Route groups
	registerPublicRoutes(r, h)
	registerAuthRoutes(r, h, cfg.IsProduction())
	registerProtectedRoutes(r, auth.RequireAccessToken(authManager), h, router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated", "connections", router.Hub().Len())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections; they close
	// with the process.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	select {
	case <-recorderDone:
	case <-shutdownCtx.Done():
		log.Warn("audit flush timed out")
	}
}

func iceServers(c config.ICEConfig) []protocol.ICEServer {
	if len(c.URLs) == 0 {
		return nil
	}
	return []protocol.ICEServer{{URLs: c.URLs, Username: c.Username, Credential: c.Credential}}
}

func redisCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}

// pruneLoop drops terminal sessions once they are older than retention.
func pruneLoop(ctx context.Context, reg *calls.Registry, retention time.Duration, log *slog.Logger) {
	interval := retention / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := reg.Prune(now.Add(-retention)); n > 0 {
				log.Debug("pruned sessions", "count", n)
			}
		}
	}
}
