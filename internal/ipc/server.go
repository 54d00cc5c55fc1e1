// Package ipc connects front-end processes to the scheduler daemon over a
// unix socket. Requests are JSON envelopes posted over HTTP/1.1.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"maintflow/internal/domain"
	"maintflow/internal/metrics"
)

// ErrSocketInUse is returned by Listen when another process answers on the
// socket path.
var ErrSocketInUse = errors.New("ipc socket already in use")

const maxMessageBytes = 1 << 20

// Scheduler is the part of the scheduler the socket exposes.
type Scheduler interface {
	Schedule(ctx context.Context, req domain.ScheduleRequest) (domain.Task, error)
	List(ctx context.Context, f domain.ListFilter) ([]domain.Task, error)
	Cancel(ctx context.Context, id string) (domain.Task, error)
}

type Server struct {
	sched Scheduler
	log   zerolog.Logger
	srv   *http.Server
	ln    net.Listener
	path  string
}

func NewServer(sched Scheduler, log zerolog.Logger) *Server {
	s := &Server{sched: sched, log: log.With().Str("component", "ipc").Logger()}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the router served on the socket.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		hlog.NewHandler(s.log),
		hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", d).
				Msg("ipc request")
		}),
	)
	r.Get("/v1/ping", s.ping)
	r.Post("/v1/messages", s.message)
	return r
}

// Listen binds the unix socket at path. A leftover socket file is removed
// only when nothing answers on it.
func (s *Server) Listen(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if socketAnswers(path) {
			return fmt.Errorf("%w: %s", ErrSocketInUse, path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket: %w", err)
		}
		s.log.Warn().Str("socket", path).Msg("removed stale socket")
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln
	s.path = path
	return nil
}

func socketAnswers(path string) bool {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Serve blocks until Shutdown is called.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("ipc server is not listening")
	}
	s.log.Info().Str("socket", s.path).Msg("ipc server listening")
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Close releases the socket. It is safe to call after Shutdown.
func (s *Server) Close() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) message(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&env); err != nil {
		s.reply(w, r, env, nil, domain.Invalidf("decode envelope: %v", err))
		return
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	v, err := s.dispatch(r.Context(), env)
	s.reply(w, r, env, v, err)
}

func (s *Server) dispatch(ctx context.Context, env Envelope) (any, error) {
	switch env.Type {
	case TypeSchedule:
		var req domain.ScheduleRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, err
		}
		t, err := s.sched.Schedule(ctx, req)
		return t, err

	case TypeList:
		var f domain.ListFilter
		if err := decodePayload(env.Payload, &f); err != nil {
			return nil, err
		}
		tasks, err := s.sched.List(ctx, f)
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return tasks, err

	case TypeCancel:
		var p CancelPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if !domain.ValidTaskID(p.TaskID) {
			return nil, domain.Invalidf("task id %q is not %d lowercase hex characters", p.TaskID, domain.TaskIDLength)
		}
		t, err := s.sched.Cancel(ctx, p.TaskID)
		return t, err
	}
	return nil, domain.Invalidf("unknown message type %q", env.Type)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.Invalidf("decode payload: %v", err)
	}
	return nil
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, env Envelope, v any, err error) {
	resp := Response{ID: env.ID, OK: err == nil}
	code := "ok"
	if err == nil && v != nil {
		resp.Payload, err = json.Marshal(v)
		resp.OK = err == nil
	}

	status := http.StatusOK
	if err != nil {
		code = errorCode(err)
		resp.Error = &ErrorBody{Code: code, Message: err.Error()}
		status = httpStatus(code)
		if code == CodeInternal {
			hlog.FromRequest(r).Error().Err(err).Str("type", string(env.Type)).Msg("ipc message failed")
		}
	}

	typ := string(env.Type)
	switch env.Type {
	case TypeSchedule, TypeList, TypeCancel:
	default:
		typ = "unknown"
	}
	metrics.IPCMessages.WithLabelValues(typ, code).Inc()
	writeJSON(w, status, resp)
}

func httpStatus(code string) int {
	switch code {
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
