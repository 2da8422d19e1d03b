package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/forecast-cli/internal/forecast"
	"github.com/sells-group/forecast-cli/internal/model"
	"github.com/sells-group/forecast-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, metrics and run triggers over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := openMigratedStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		s := newServer(ctx, st, forecast.NewMetrics())

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           s.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		s.wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// runFunc executes one pipeline run.
type runFunc func(ctx context.Context, pcfg forecast.Config) (*model.RunSummary, error)

// server triggers background forecast runs. At most one run is active.
type server struct {
	ctx     context.Context
	st      store.Store
	metrics *forecast.Metrics
	run     runFunc

	running atomic.Bool
	wg      sync.WaitGroup
}

func newServer(ctx context.Context, st store.Store, metrics *forecast.Metrics) *server {
	s := &server{ctx: ctx, st: st, metrics: metrics}
	s.run = func(ctx context.Context, pcfg forecast.Config) (*model.RunSummary, error) {
		return executeRun(ctx, st, pcfg, metrics, nil)
	}
	return s
}

// wait blocks until the background run, if any, has returned.
func (s *server) wait() {
	s.wg.Wait()
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/runs", s.handleListRuns)
	r.Post("/runs", s.handleTriggerRun)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "idle"
	if s.running.Load() {
		status = "running"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "forecast": status})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.st.ListRuns(r.Context(), limit)
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.ForecastRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// runRequest is the optional body of POST /runs.
type runRequest struct {
	Mode         model.RunMode `json:"mode"`
	ASIN         string        `json:"asin"`
	SalesChannel string        `json:"sales_channel"`
	IWASKU       string        `json:"iwasku"`
	HorizonDays  int           `json:"horizon_days"`
	Replace      *bool         `json:"replace"`
}

func (req runRequest) pipelineConfig() (forecast.Config, error) {
	mode := req.Mode
	if mode == "" {
		mode = model.RunModeEntities
	}
	if mode != model.RunModeEntities && mode != model.RunModeGroups {
		return forecast.Config{}, eris.Errorf("mode must be %q or %q", model.RunModeEntities, model.RunModeGroups)
	}
	if req.HorizonDays < 0 {
		return forecast.Config{}, eris.New("horizon_days must be >= 0 (0 = default)")
	}

	pcfg := pipelineConfig(mode, store.EntityFilter{
		ASIN:         req.ASIN,
		SalesChannel: req.SalesChannel,
		IWASKU:       req.IWASKU,
	})
	if req.HorizonDays > 0 {
		pcfg.HorizonDays = req.HorizonDays
	}
	if req.Replace != nil {
		pcfg.Replace = *req.Replace
	}
	return pcfg, nil
}

func (s *server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pcfg, err := req.pipelineConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a forecast run is already in progress")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		summary, err := s.run(s.ctx, pcfg)
		if err != nil {
			zap.L().Error("triggered forecast run failed", zap.String("mode", string(pcfg.Mode)), zap.Error(err))
		} else {
			zap.L().Info("triggered forecast run complete",
				zap.String("mode", string(pcfg.Mode)),
				zap.Int("written", summary.Written),
				zap.Int("failed", summary.Failed),
			)
		}

		if cfg.Metrics.PushgatewayURL != "" {
			if err := s.metrics.Push(context.WithoutCancel(s.ctx), cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
				zap.L().Warn("metrics push failed", zap.Error(err))
			}
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"mode":         pcfg.Mode,
		"horizon_days": pcfg.HorizonDays,
	})
}
