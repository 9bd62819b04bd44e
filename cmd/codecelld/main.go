package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/j-brandt/codecell/internal/api"
	"github.com/j-brandt/codecell/internal/config"
	"github.com/j-brandt/codecell/internal/filestore"
	"github.com/j-brandt/codecell/internal/kernel"
	"github.com/j-brandt/codecell/internal/reaper"
	"github.com/j-brandt/codecell/internal/session"
	"github.com/j-brandt/codecell/internal/store"
	"github.com/j-brandt/codecell/internal/validator"
)

func main() {
	cfgPath := flag.String("config", "", "path to codecell.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if cfg.APIKey == "" {
		logger.Warn("no API key configured, running in open access mode")
	}

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	files, err := filestore.New(cfg.FileStorePath, logger)
	if err != nil {
		logger.Error("open file store", "error", err)
		os.Exit(1)
	}

	launcher, err := kernel.NewLauncher(cfg, logger)
	if err != nil {
		logger.Error("kernel launcher", "error", err)
		os.Exit(1)
	}
	defer launcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := launcher.Ping(ctx); err != nil {
		logger.Error("docker ping failed, is Docker running?", "error", err)
		os.Exit(1)
	}
	logger.Info("docker connection OK")

	if err := launcher.EnsureImage(ctx); err != nil {
		logger.Error("kernel image", "error", err)
		os.Exit(1)
	}

	val := validator.New(logger)
	for _, name := range cfg.DisabledRules {
		val.DisableRule(name)
	}

	mgr := session.NewManager(cfg, session.NewRuntime(launcher), st, files, logger)

	idleTTL := time.Duration(cfg.SessionIdleTTLSeconds) * time.Second
	rpr := reaper.New(mgr, files, idleTTL, 30*time.Second, logger)
	go rpr.Run(ctx)

	srv := api.NewServer(cfg, mgr, val, files, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen)
	fmt.Fprintf(os.Stderr, "\n  codecell daemon ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	// Kernel containers do not survive the daemon.
	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer teardownCancel()
	mgr.Close(teardownCtx)
}
