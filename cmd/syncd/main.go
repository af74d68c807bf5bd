// Package main runs the sync daemon: it opens the local store, wires a Sync
// Context against a remote table, and exposes a live change feed over
// WebSocket while an optional periodic trigger keeps the queue drained.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oghenemoses/tablesync/internal/config"
	"github.com/oghenemoses/tablesync/internal/logging"
	"github.com/oghenemoses/tablesync/internal/store"
	syncctx "github.com/oghenemoses/tablesync/internal/sync"
	"github.com/oghenemoses/tablesync/internal/sync/remote"
	"github.com/oghenemoses/tablesync/internal/sync/settings"
	"github.com/oghenemoses/tablesync/internal/sync/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logging.Init(os.Stdout, cfg.LogLevel)
	logger := logging.Get()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data directory: %v", err)
	}

	sqliteStore, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("open local store: %v", err)
	}
	defer sqliteStore.Close()

	// credentialSource reads the same __config row the Sync Context's own
	// settings instance writes through ConfigureCredential/ClearCredential.
	credentialSource := settings.New(sqliteStore, cfg.CredentialPassphrase)
	remoteClient := remote.New(remote.Config{
		BaseURL:    cfg.RemoteBaseURL,
		MaxRetries: cfg.MaxRetries,
		RetryBase:  cfg.RetryBase,
	}, credentialSource)

	ctx := syncctx.New(syncctx.Config{
		Store:      sqliteStore,
		Remote:     remoteClient,
		Log:        logger,
		Passphrase: cfg.CredentialPassphrase,
		TrackingFlags: tracker.NotifyLocalOperations |
			tracker.NotifyLocalConflictResolutionOperations |
			tracker.NotifyServerPullOperations |
			tracker.NotifyServerPushOperations |
			tracker.NotifyServerPullBatch |
			tracker.NotifyServerPushBatch |
			tracker.DetectInsertsAndUpdates,
	})

	if err := ctx.Initialize(context.Background(), nil); err != nil {
		log.Fatalf("initialize sync context: %v", err)
	}

	broadcaster := tracker.NewBroadcaster(logger)
	ctx.Watch(broadcaster)

	if cfg.PeriodicTriggerCron != "" {
		if err := ctx.StartPeriodicTrigger(cfg.PeriodicTriggerCron, func(c context.Context) error {
			if err := ctx.Push(c, nil, nil); err != nil {
				logger.Error("syncd", "periodic push failed", err)
			}
			return nil
		}); err != nil {
			log.Fatalf("start periodic trigger: %v", err)
		}
		defer ctx.StopPeriodicTrigger()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"tablesync"}`))
	})
	mux.Handle("/watch", broadcaster)

	srv := &http.Server{Addr: ":8090", Handler: mux}

	go func() {
		logger.Info("syncd", "listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
