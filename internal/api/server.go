// Package api is the administrative HTTP surface: task management,
// dispatch audit visibility, shared state access, and plain-text
// metrics. It deliberately stops at the scheduler boundary; nothing
// here serves media.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/murphys7017/music-server/internal/dispatch"
	"github.com/murphys7017/music-server/internal/domain"
	"github.com/murphys7017/music-server/internal/kv"
	"github.com/murphys7017/music-server/internal/registry"
	"github.com/murphys7017/music-server/internal/scheduler"
)

// Options configures the server surface. An empty Token disables
// authentication entirely.
type Options struct {
	Token          string
	AllowedOrigins []string
	EnableDebug    bool
}

type Server struct {
	log   zerolog.Logger
	sched *scheduler.Service
	store registry.Store
	queue *dispatch.Queue
	state *kv.Store
	token string
}

func NewServer(log zerolog.Logger, sched *scheduler.Service, store registry.Store, queue *dispatch.Queue, state *kv.Store, opts Options) http.Handler {
	s := &Server{
		log:   log.With().Str("component", "api").Logger(),
		sched: sched,
		store: store,
		queue: queue,
		state: state,
		token: strings.TrimSpace(opts.Token),
	}
	if s.token == "" {
		s.log.Warn().Msg("no API token configured, authentication is disabled")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/tasks", s.addTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Post("/tasks/{id}/pause", s.pauseTask)
		r.Post("/tasks/{id}/resume", s.resumeTask)
		r.Get("/dispatches", s.listDispatches)
		r.Get("/queue", s.queueStats)
		r.Get("/state", s.listState)
		r.Get("/state/{key}", s.getState)
		r.Put("/state/{key}", s.putState)
		r.Delete("/state/{key}", s.deleteState)
	})

	if opts.EnableDebug {
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

// requireToken guards the /api subtree with the static bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if !strings.HasPrefix(ah, p) || strings.TrimSpace(strings.TrimPrefix(ah, p)) != s.token {
			s.log.Warn().Str("path", r.URL.Path).Msg("rejected request with bad or missing token")
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var b strings.Builder
	b.WriteString("musicserver_up 1\n")
	fmt.Fprintf(&b, "musicserver_queue_depth %d\n", s.queue.Len())
	fmt.Fprintf(&b, "musicserver_queue_in_flight %d\n", s.queue.InFlight())

	if all, err := s.sched.ListTasks(ctx, false); err == nil {
		enabled := 0
		for _, t := range all {
			if t.Enabled {
				enabled++
			}
		}
		fmt.Fprintf(&b, "musicserver_tasks_total %d\n", len(all))
		fmt.Fprintf(&b, "musicserver_tasks_enabled %d\n", enabled)
	}
	if counts, err := s.store.CountDispatchesByStatus(ctx); err == nil {
		for _, st := range []domain.WorkStatus{domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed} {
			fmt.Fprintf(&b, "musicserver_dispatches{status=%q} %d\n", st, counts[st])
		}
	}
	if n, err := s.store.CountMedia(ctx); err == nil {
		fmt.Fprintf(&b, "musicserver_media_total %d\n", n)
	}
	if v, ok := s.state.Get(scheduler.LastTickKey); ok {
		if info, ok := v.(scheduler.TickInfo); ok {
			fmt.Fprintf(&b, "musicserver_scheduler_last_tick_seconds %d\n", info.At.Unix())
			fmt.Fprintf(&b, "musicserver_scheduler_last_tick_dispatched %d\n", info.Dispatched)
		}
	}

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

type addTaskReq struct {
	Name            string          `json:"name"`
	WorkType        string          `json:"work_type"`
	Params          json.RawMessage `json:"parameters"`
	Kind            string          `json:"schedule_kind"`
	IntervalSeconds int             `json:"interval_seconds"`
	CronExpr        string          `json:"cron_expression"`
	ExecuteAt       *time.Time      `json:"explicit_execute_at"`
	MaxRuns         int             `json:"max_runs"`
	Description     string          `json:"description"`
}

type addTaskResp struct {
	ID string `json:"id"`
}

func (s *Server) addTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.sched.AddTask(r.Context(), scheduler.AddTaskInput{
		Name:            req.Name,
		WorkType:        req.WorkType,
		Params:          req.Params,
		Kind:            domain.ScheduleKind(req.Kind),
		IntervalSeconds: req.IntervalSeconds,
		CronExpr:        req.CronExpr,
		ExecuteAt:       req.ExecuteAt,
		MaxRuns:         req.MaxRuns,
		Description:     req.Description,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalid) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, addTaskResp{ID: t.ID})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	onlyEnabled := false
	switch r.URL.Query().Get("enabled") {
	case "1", "true":
		onlyEnabled = true
	}
	tasks, err := s.sched.ListTasks(r.Context(), onlyEnabled)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResp struct {
	Status string `json:"status"`
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.PauseTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statusResp{Status: "paused"})
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.ResumeTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statusResp{Status: "resumed"})
}

func (s *Server) listDispatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}
	records, err := s.store.ListRecentDispatches(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"size":      s.queue.Len(),
		"in_flight": s.queue.InFlight(),
	})
}

func (s *Server) listState(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for _, k := range s.state.Keys() {
		if v, ok := s.state.Get(k); ok {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, ok := s.state.Get(key)
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v})
}

type putStateReq struct {
	Value      any `json:"value"`
	TTLSeconds int `json:"ttl_seconds"`
}

func (s *Server) putState(w http.ResponseWriter, r *http.Request) {
	var req putStateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TTLSeconds < 0 {
		http.Error(w, "ttl_seconds must not be negative", http.StatusBadRequest)
		return
	}
	s.state.Set(chi.URLParam(r, "key"), req.Value, time.Duration(req.TTLSeconds)*time.Second)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteState(w http.ResponseWriter, r *http.Request) {
	if !s.state.Delete(chi.URLParam(r, "key")) {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
