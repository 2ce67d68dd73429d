package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prep-cli/internal/credit"
	"github.com/sells-group/prep-cli/internal/metrics"
	"github.com/sells-group/prep-cli/internal/model"
	"github.com/sells-group/prep-cli/internal/pipeline"
	"github.com/sells-group/prep-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the prep research HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initResearchEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := cfg.Server.Port
		if servePort > 0 {
			port = servePort
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: newRouter(&api{
				researcher: env.Pipeline,
				store:      env.Store,
				credits:    env.Credits,
				guard:      env.Guard,
				metrics:    env.Metrics,
			}, cfg.Server.CORSOrigins),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		env.Metrics.ServerStartTime.SetToCurrentTime()
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// meetingResearcher runs the research pipeline for one meeting.
type meetingResearcher interface {
	ResearchMeeting(ctx context.Context, meetingID string) (*model.PrepNote, error)
}

// api holds the handler dependencies.
type api struct {
	researcher meetingResearcher
	store      store.Store
	credits    credit.Admin
	guard      *credit.Guard
	metrics    *metrics.Metrics
}

// newRouter builds the HTTP routes.
func newRouter(a *api, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(a.observe)

	r.Get("/health", a.health)
	r.Post("/meetings/{id}/research", a.researchMeeting)
	r.Get("/meetings/{id}/prep-note", a.prepNote)
	r.Get("/meetings/{id}/usage", a.usage)
	r.Get("/users/{id}/credits", a.userCredits)
	if a.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return r
}

// observe records request counts and latency by route pattern.
func (a *api) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.ObserveHTTP(r.Method, pattern, status, time.Since(start))
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.store != nil {
		if err := a.store.Ping(r.Context()); err != nil {
			zap.L().Warn("health: store ping failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) researchMeeting(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	note, err := a.researcher.ResearchMeeting(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, note)
	case errors.Is(err, pipeline.ErrMeetingNotFound):
		writeError(w, http.StatusNotFound, "meeting not found")
	case errors.Is(err, pipeline.ErrPersistence):
		zap.L().Error("research: persist prep note", zap.String("meeting_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save prep note")
	default:
		zap.L().Error("research: meeting failed", zap.String("meeting_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "research failed")
	}
}

func (a *api) prepNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	note, err := a.store.GetPrepNote(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "prep note not found")
		return
	}
	if err != nil {
		zap.L().Error("get prep note", zap.String("meeting_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load prep note")
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (a *api) usage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recs, err := a.store.ListUsage(r.Context(), id)
	if err != nil {
		zap.L().Error("list usage", zap.String("meeting_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	if recs == nil {
		recs = []model.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// creditsResponse answers the advisory balance pre-flight.
type creditsResponse struct {
	*model.CreditBalance
	Needed   float64 `json:"needed,omitempty"`
	Allowed  *bool   `json:"allowed,omitempty"`
	Degraded bool    `json:"degraded,omitempty"`
}

func (a *api) userCredits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	bal, err := a.credits.Balance(r.Context(), id)
	if err != nil {
		zap.L().Error("get credit balance", zap.String("user_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "credit ledger unavailable")
		return
	}
	resp := creditsResponse{CreditBalance: bal}

	if raw := r.URL.Query().Get("needed"); raw != "" {
		needed, err := strconv.ParseFloat(raw, 64)
		if err != nil || needed < 0 || math.IsNaN(needed) || math.IsInf(needed, 0) {
			writeError(w, http.StatusBadRequest, "needed must be a finite non-negative number")
			return
		}
		res, degraded := a.guard.Check(r.Context(), id, needed)
		resp.Needed = needed
		resp.Allowed = &res.Allowed
		resp.Degraded = degraded
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
