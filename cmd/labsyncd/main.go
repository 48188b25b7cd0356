// Package main runs the LabSync core daemon: it watches connectivity,
// drains the offline mutation queue against the hosted record store, and
// serves Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kampuslab/labsync/internal/cache"
	"github.com/kampuslab/labsync/internal/config"
	"github.com/kampuslab/labsync/internal/db"
	"github.com/kampuslab/labsync/internal/logging"
	"github.com/kampuslab/labsync/internal/metrics"
	"github.com/kampuslab/labsync/internal/network"
	"github.com/kampuslab/labsync/internal/store"
	"github.com/kampuslab/labsync/internal/sync/conflict"
	"github.com/kampuslab/labsync/internal/sync/conflictlog"
	"github.com/kampuslab/labsync/internal/sync/engine"
	"github.com/kampuslab/labsync/internal/sync/queue"
	"github.com/kampuslab/labsync/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "labsync.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("labsyncd v%s\n", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labsyncd: %v\n", err)
		os.Exit(1)
	}

	logging.Init(os.Stdout, logging.ParseLevel(cfg.Logging.Level))
	logging.Info("labsyncd starting", map[string]interface{}{
		"version":  Version,
		"data_dir": cfg.DataDir,
	})

	if err := run(cfg); err != nil {
		logging.Error("labsyncd exited with error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Setup(database); err != nil {
		return err
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Default()
	}

	recordStore := store.NewHTTPStore(cfg.Store.BaseURL, cfg.Store.Timeout, store.WithMetrics(m))
	resolver := conflict.NewResolver()
	log := conflictlog.NewLog(repo, recordStore, m)
	eng := engine.New(recordStore, resolver, log)

	q := queue.New(repo, eng, cfg.Queue, m)
	readCache := cache.New(repo, cfg.Cache.DefaultTTL, m)
	q.OnInvalidate(readCache.InvalidateRecord)

	monitor := network.NewMonitor(cfg.Network)
	monitor.Start()
	defer monitor.Stop()

	feed := network.NewRealtimeFeed(cfg.Store.RealtimeURL, func(ev network.ChangeEvent) {
		readCache.InvalidateRecord(ev.Entity, ev.RecordID)
	})
	feed.Start()
	defer feed.Stop()

	sched := scheduler.NewScheduler(q, monitor, readCache, &scheduler.Config{
		DrainInterval: cfg.Queue.DrainInterval,
		PruneInterval: cfg.Queue.PruneInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = serveMetrics(cfg.Metrics.Addr, sched)
		defer shutdownServer(metricsServer)
	}

	logging.Info("labsyncd ready", map[string]interface{}{
		"store":   cfg.Store.BaseURL,
		"metrics": cfg.Metrics.Addr,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	return nil
}

// serveMetrics exposes /metrics plus a small status endpoint for the
// desktop shell to poll.
func serveMetrics(addr string, sched *scheduler.Scheduler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := sched.GetStatus()
		if err := json.NewEncoder(w).Encode(map[string]any{
			"running":           status.IsRunning,
			"network":           string(status.NetworkStatus),
			"drain_in_progress": status.DrainInProgress,
			"queue":             status.QueueStats,
		}); err != nil {
			logging.Error("failed to write status response", err)
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server failed", err)
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("metrics server shutdown failed", err)
	}
}
