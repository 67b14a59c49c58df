package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelson-run/keelson/pkg/backup"
	"github.com/keelson-run/keelson/pkg/log"
	"github.com/keelson-run/keelson/pkg/relay"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lifecycle manager HTTP surface",
	Long: `Serve the caller-facing operations over HTTP:

  POST /sync            trigger a backup sync (?force=true bypasses checks B/C)
  POST /gateway/ensure  start the gateway if needed, return its handle
  GET  /status          gateway and marker health snapshot
  GET  /relay           websocket entry point tunneled to the gateway

When sync.interval is configured, scheduled non-forced syncs run on that
cadence alongside manual triggers; overlapping attempts get a busy
result instead of interleaving.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveListen != "" {
			cfg.Serve.Listen = serveListen
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		bridge := relay.New(relay.Config{
			ExternalToken: cfg.Gateway.ExternalToken,
			InternalURL:   cfg.Gateway.URL,
			InternalToken: cfg.Gateway.InternalToken,
		}, a)

		mux := http.NewServeMux()
		mux.HandleFunc("/sync", a.handleSync)
		mux.HandleFunc("/status", a.handleStatus)
		mux.HandleFunc("/gateway/ensure", a.handleEnsureGateway)
		mux.Handle("/relay", bridge)

		srv := &http.Server{Addr: cfg.Serve.Listen, Handler: mux}

		if interval := cfg.Sync.Interval.Std(); interval > 0 {
			go a.runScheduledSyncs(ctx, interval)
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("lifecycle manager listening", "addr", cfg.Serve.Listen)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	},
}

func (a *app) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	res := a.engine.Sync(r.Context(), backup.SyncOptions{Force: force})

	status := http.StatusOK
	if !res.Success {
		if errors.Is(res.Err, backup.ErrBusy) {
			status = http.StatusConflict
		} else {
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, map[string]any{
		"success":   res.Success,
		"last_sync": res.LastSync,
		"error":     res.ErrorMessage(),
		"detail":    res.Detail,
	})
}

// handleEnsureGateway is the start-or-get operation: it returns the
// running gateway's handle, starting it first when needed.
func (a *app) handleEnsureGateway(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	gw, err := a.sup.EnsureRunning(r.Context(), a.startCommand(), nil)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pid":     gw.PID,
		"command": gw.Command,
	})
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := a.collectStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// runScheduledSyncs triggers a non-forced sync on the configured cadence.
// Abort results from the safety gate are expected on an idle container
// and logged at info only.
func (a *app) runScheduledSyncs(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res := a.engine.Sync(ctx, backup.SyncOptions{})
		if res.Success {
			log.Info("scheduled sync complete", "last_sync", res.LastSync)
		} else {
			log.Info("scheduled sync skipped", "reason", res.ErrorMessage(), "detail", res.Detail)
		}
		if a.repo != nil {
			if repoRes := a.repo.Sync(ctx); !repoRes.Success {
				log.Warn("scheduled workspace backup failed", "err", repoRes.ErrorMessage())
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
