package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/agentic-crm/memstack/config"
	"github.com/agentic-crm/memstack/internal/memory/coordinator"
	"github.com/agentic-crm/memstack/internal/memory/episodic"
	"github.com/agentic-crm/memstack/internal/memory/longterm"
	"github.com/agentic-crm/memstack/internal/memory/semantic"
	"github.com/agentic-crm/memstack/internal/memory/shortterm"
	srv "github.com/agentic-crm/memstack/internal/server"
	"github.com/agentic-crm/memstack/provider/openai"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the memory service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.yaml)")
	return serve
}

func runServe(cfg *config.Config) error {
	logger := log.New(log.Writer(), "[MEMSTACK] ", log.LstdFlags)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backend selection happens once, here. Tiers degrade to their shadows
	// at runtime but are never re-probed per call.
	var short shortterm.Store
	if cfg.Storage.Redis.Enabled {
		redisStore, err := shortterm.NewRedisStore(ctx,
			cfg.Storage.Redis.Addr(), cfg.Storage.Redis.Password, cfg.Storage.Redis.DB,
			cfg.Storage.Redis.DialTimeout, cfg.Storage.Redis.CallTimeout, nil)
		if err != nil {
			return fmt.Errorf("short-term store: %w", err)
		}
		short = redisStore
	} else {
		short = shortterm.NewMemoryStore()
	}

	dsn := ""
	if cfg.Storage.Postgres.Enabled {
		dsn = cfg.Storage.Postgres.DSN()
	}
	long := longterm.New(ctx, dsn, cfg.Storage.Postgres.CallTimeout, cfg.Memory.HistoryCap, nil)
	defer long.Close()

	var embedder episodic.Embedder
	switch cfg.Memory.Embedding.Provider {
	case "openai":
		embedder = openai.NewClient(
			cfg.Memory.Embedding.APIKey, cfg.Memory.Embedding.Model,
			cfg.Memory.Embedding.BaseURL, cfg.Memory.Embedding.Dimensions, 30*time.Second)
	default:
		embedder = episodic.NewHashEmbedder(cfg.Memory.Embedding.Dimensions)
	}
	episodes, err := episodic.New(embedder, cfg.Memory.SuccessThreshold, nil)
	if err != nil {
		return fmt.Errorf("episodic store: %w", err)
	}

	graph := semantic.New(nil)

	var metrics *coordinator.Metrics
	if cfg.Telemetry.Enabled {
		metrics = coordinator.NewMetrics(prometheus.DefaultRegisterer)
	}
	coord, err := coordinator.New(short, long, episodes, graph, coordinator.Options{
		ConsolidationThreshold: cfg.Memory.ConsolidationThreshold,
		SuccessThreshold:       cfg.Memory.SuccessThreshold,
		DefaultTTL:             cfg.Memory.DefaultTTL,
		MiningLimit:            cfg.Memory.MiningLimit,
		MaintenanceInterval:    cfg.Memory.MaintenanceInterval,
		MaintenanceRetry:       cfg.Memory.MaintenanceRetry,
		MaintenanceCron:        cfg.Memory.MaintenanceCron,
	}, metrics, nil)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	go coord.RunMaintenance(ctx)

	server, err := srv.New(cfg, coord, nil)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
