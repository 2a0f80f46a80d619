package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/judgebridge/judgebridge/internal/auth"
	"github.com/judgebridge/judgebridge/internal/bridge"
	"github.com/judgebridge/judgebridge/internal/config"
	"github.com/judgebridge/judgebridge/internal/httpapi"
	"github.com/judgebridge/judgebridge/internal/logging"
	"github.com/judgebridge/judgebridge/internal/persistence"
	"github.com/judgebridge/judgebridge/internal/registry"
	"github.com/judgebridge/judgebridge/internal/server"
	"github.com/judgebridge/judgebridge/internal/sink"
)

func main() {
	configPath := flag.String("config", "./bridged.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Bridge.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := persistence.Open(ctx, persistence.Options{
		Path:          cfg.DB.Path,
		BusyTimeoutMS: cfg.DB.BusyTimeoutMS,
	})
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	hasher, err := auth.NewHasher(cfg.Auth.HashKey)
	if err != nil {
		logger.Fatal("failed to build credential hasher", zap.Error(err))
	}

	publisher, err := sink.NewPublisher(cfg.Sink.AMQPURL, cfg.Sink.Exchange)
	if err != nil {
		logger.Fatal("failed to connect result sink", zap.Error(err))
	}
	defer func() { _ = publisher.Close() }()

	pool := registry.NewStore()
	deps := bridge.Deps{
		Log:      logger.Named("bridge"),
		Auth:     auth.NewVerifier(db, hasher),
		Store:    db,
		Sink:     publisher,
		Registry: pool,
		Hooks:    &schedulerHooks{db: db, log: logger.Named("scheduler")},
	}

	judgeServer := server.New(cfg.Bridge.ListenAddr, deps, logger.Named("server"))
	go func() {
		if err := judgeServer.ListenAndServe(ctx); err != nil {
			logger.Error("judge server stopped", zap.Error(err))
			cancel()
		}
	}()

	if cfg.HTTP.AdminTokenHash == "" {
		logger.Warn("control API authentication is disabled")
	}
	router := httpapi.NewRouter(httpapi.NewJudgeHandler(pool), cfg.HTTP.AdminTokenHash)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
	go func() {
		logger.Info("control API listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control API stopped", zap.Error(err))
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control API shutdown failed", zap.Error(err))
	}
	cancel()
	for _, snapshot := range pool.List() {
		if err := pool.DisconnectJudge(snapshot.Name, false); err != nil {
			logger.Warn("failed to disconnect judge", zap.String("judge", snapshot.Name), zap.Error(err))
		}
	}
	logger.Info("bridge shut down")
}

// schedulerHooks records lost and failed submissions so the grading
// front-end can requeue them.
type schedulerHooks struct {
	db  *persistence.DB
	log *zap.Logger
}

func (h *schedulerHooks) SubmissionLost(submissionID string, judge string) {
	h.log.Error("submission lost, needs rescheduling",
		zap.String("submission", submissionID), zap.String("judge", judge))
	h.markStatus(submissionID, persistence.SubmissionRequeued)
}

func (h *schedulerHooks) SubmissionFailed(submissionID string, judge string) {
	h.log.Error("submission failed on judge",
		zap.String("submission", submissionID), zap.String("judge", judge))
	h.markStatus(submissionID, persistence.SubmissionFailed)
}

func (h *schedulerHooks) markStatus(submissionID string, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.db.SetSubmissionStatus(ctx, submissionID, status); err != nil {
		h.log.Warn("failed to record submission status",
			zap.String("submission", submissionID),
			zap.String("status", status),
			zap.Error(err))
	}
}
