package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ietf-svn-conversion/mailarch/archive"
	"github.com/ietf-svn-conversion/mailarch/cache"
	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/index"
	"github.com/ietf-svn-conversion/mailarch/logger"
	"github.com/ietf-svn-conversion/mailarch/reconcile"
	"github.com/ietf-svn-conversion/mailarch/server/httpapi"
	"github.com/ietf-svn-conversion/mailarch/server/lmtp"
	"github.com/ietf-svn-conversion/mailarch/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	debug := flag.Bool("debug", false, "Log LMTP protocol traffic")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailarch version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILARCH: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILARCH: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "MAILARCH: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *debug); err != nil {
		logger.Error("MAILARCH: fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, debug bool) error {
	logger.Info("MAILARCH: starting", "version", version)

	database, err := db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	raw, err := storage.New(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize raw storage: %w", err)
	}

	idx, err := index.OpenSQLite(ctx, cfg.Index.Path)
	if err != nil {
		return fmt.Errorf("failed to open search index: %w", err)
	}
	defer idx.Close()

	syncer, err := index.NewSyncer(ctx, &cfg.Index, idx)
	if err != nil {
		return fmt.Errorf("failed to initialize index syncer: %w", err)
	}
	syncer.Start(ctx)
	defer syncer.Close()
	defer syncer.Stop()

	archiver, err := archive.NewArchiver(database, raw, syncer, &cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to initialize archiver: %w", err)
	}

	lists, err := cache.New(database, &cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize list cache: %w", err)
	}
	defer lists.Stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if cfg.LMTP.Start {
		backend, err := lmtp.New(ctx, archiver, lists, &cfg.LMTP, debug)
		if err != nil {
			return fmt.Errorf("failed to initialize LMTP server: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := backend.Start(); err != nil {
				errCh <- fmt.Errorf("LMTP server: %w", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			if err := backend.Close(); err != nil {
				logger.Warn("MAILARCH: error closing LMTP server", "error", err)
			}
		}()
	}

	if cfg.HTTP.Start {
		freshness := reconcile.NewFreshnessChecker(database, syncer, raw, 0)
		api := httpapi.New(database, idx, syncer, raw, freshness, &cfg.HTTP)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Start(); err != nil {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := api.Stop(shutdownCtx); err != nil {
				logger.Warn("MAILARCH: error shutting down HTTP server", "error", err)
			}
		}()
	}

	if !cfg.LMTP.Start && !cfg.HTTP.Start {
		return fmt.Errorf("no servers enabled: set lmtp.start or http.start")
	}

	select {
	case <-ctx.Done():
		logger.Info("MAILARCH: shutdown signal received")
	case err := <-errCh:
		logger.Error("MAILARCH: server failed", "error", err)
		wg.Wait()
		return err
	}

	wg.Wait()
	logger.Info("MAILARCH: all servers stopped")
	return nil
}
