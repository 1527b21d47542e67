package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wordtrail/enrich-cli/internal/checkpoint"
	"github.com/wordtrail/enrich-cli/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve status and run-trigger endpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		cps := checkpoint.NewStore(cfg.Run.CheckpointPath, nil)

		// At most one enrichment run at a time: the checkpoint file has a
		// single writer.
		var mu sync.Mutex
		var running bool
		var live *enrichEnv

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			mu.Lock()
			env := live
			mu.Unlock()

			collector := monitoring.NewCollector(st, cps, nil, nil)
			if env != nil {
				collector = monitoring.NewCollector(st, cps, env.tracker, env.stats)
			}

			snap, err := collector.Collect(req.Context())
			if err != nil {
				zap.L().Error("status collection failed", zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status collection failed"})
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		r.Post("/enrich", func(w http.ResponseWriter, _ *http.Request) {
			if err := cfg.Validate(); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}

			mu.Lock()
			if running {
				mu.Unlock()
				writeJSON(w, http.StatusConflict, map[string]string{"error": "a run is already in progress"})
				return
			}
			env, err := buildEnrichEnv(st)
			if err != nil {
				mu.Unlock()
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			running = true
			live = env
			mu.Unlock()

			go func() {
				err := env.orch.Run(ctx)
				mu.Lock()
				running = false
				mu.Unlock()
				if err != nil && !errors.Is(err, context.Canceled) {
					zap.L().Error("enrichment run failed", zap.Error(err))
				}
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
