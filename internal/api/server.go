// Package api is the HTTP front end. It validates requests and forwards them
// to the scheduler daemon; it never touches task state itself.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"

	"maintflow/internal/domain"
	"maintflow/internal/maintenance"
	"maintflow/internal/metrics"
)

// Vacuum is the maintenance service the vacuum routes call.
type Vacuum interface {
	ScheduleVacuum(ctx context.Context, req maintenance.VacuumRequest) (maintenance.VacuumEntry, error)
	ListScheduledVacuum(ctx context.Context, f maintenance.VacuumFilter) ([]maintenance.VacuumEntry, error)
	CancelScheduledVacuum(ctx context.Context, id string) (maintenance.VacuumEntry, error)
}

// Tasks is the read side of the scheduler.
type Tasks interface {
	List(ctx context.Context, f domain.ListFilter) ([]domain.Task, error)
	Ping(ctx context.Context) error
}

type Config struct {
	// RateLimit is requests per second across all callers. 0 disables limiting.
	RateLimit float64
	RateBurst int
	Debug     bool
}

type Server struct {
	vacuum Vacuum
	tasks  Tasks
}

func NewServer(vacuum Vacuum, tasks Tasks, cfg Config, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		hlog.NewHandler(log.With().Str("component", "api").Logger()),
		hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
			hlog.FromRequest(r).Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", d).
				Msg("request")
		}),
		middleware.Recoverer,
	)

	s := &Server{vacuum: vacuum, tasks: tasks}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))))
		}
		r.Post("/maintenance/vacuum", s.scheduleVacuum)
		r.Get("/maintenance/vacuum/scheduled", s.listVacuum)
		r.Delete("/maintenance/vacuum/{id}", s.cancelVacuum)
		r.Get("/tasks", s.listTasks)
	})

	if cfg.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}
	return r
}

func rateLimit(lim *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				metrics.APIRateLimited.Inc()
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorResp{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.tasks.Ping(ctx); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("scheduler ping failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "scheduler": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scheduler": "up"})
}

func (s *Server) scheduleVacuum(w http.ResponseWriter, r *http.Request) {
	var req maintenance.VacuumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json: " + err.Error()})
		return
	}
	e, err := s.vacuum.ScheduleVacuum(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) listVacuum(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.vacuum.ListScheduledVacuum(r.Context(), maintenance.VacuumFilter{
		DBName: q.Get("dbname"),
		Schema: q.Get("schema"),
		Table:  q.Get("table"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) cancelVacuum(w http.ResponseWriter, r *http.Request) {
	e, err := s.vacuum.CancelScheduledVacuum(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type taskView struct {
	ID         string          `json:"id"`
	WorkerName string          `json:"worker_name"`
	Options    domain.Options  `json:"options"`
	StartAt    time.Time       `json:"start_at"`
	Status     string          `json:"status"`
	Redo       string          `json:"redo,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// listTasks accepts ?worker=<name>&status=<label>[,<label>...].
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f := domain.ListFilter{WorkerName: r.URL.Query().Get("worker")}
	if v := r.URL.Query().Get("status"); v != "" {
		for _, label := range strings.Split(v, ",") {
			st, ok := domain.ParseStatus(strings.TrimSpace(label))
			if !ok {
				writeError(w, r, domain.Invalidf("unknown status %q", label))
				return
			}
			f.Statuses |= st
		}
	}
	tasks, err := s.tasks.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView{
			ID:         t.ID,
			WorkerName: t.WorkerName,
			Options:    t.Options,
			StartAt:    t.StartAt,
			Status:     t.StatusLabel(),
			Redo:       t.Redo,
			UpdatedAt:  t.UpdatedAt,
			Output:     t.Output,
			Error:      t.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		code = http.StatusServiceUnavailable
		hlog.FromRequest(r).Warn().Err(err).Msg("scheduler unavailable")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
