// Package api exposes a loopback HTTP surface for inspecting and steering
// the agent.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/vigil/internal/config"
	"github.com/antigravity-dev/vigil/internal/memguard"
	"github.com/antigravity-dev/vigil/internal/module"
	"github.com/antigravity-dev/vigil/internal/queue"
	"github.com/antigravity-dev/vigil/internal/signal"
	"github.com/antigravity-dev/vigil/internal/store"
	"github.com/antigravity-dev/vigil/internal/trust"
)

// Server is the operator HTTP surface.
type Server struct {
	cfg       config.Manager
	st        *store.Store
	guardian  *memguard.Guardian
	trust     *trust.Engine
	q         *queue.Queue
	registry  *module.Registry
	trigger   func()
	conclude  func(id, conclusion string) error
	startTime time.Time
	logger    *slog.Logger

	auth       *AuthMiddleware
	httpServer *http.Server
}

type Deps struct {
	Cfg      config.Manager
	Store    *store.Store
	Guardian *memguard.Guardian
	Trust    *trust.Engine
	Queue    *queue.Queue
	Registry *module.Registry
	// Trigger kicks an immediate proactive cycle.
	Trigger func()
	// Conclude amends a terminal experiment's conclusion.
	Conclude func(id, conclusion string) error
	Logger   *slog.Logger
}

func NewServer(d Deps) (*Server, error) {
	cfg := d.Cfg.Get()
	auth, err := NewAuthMiddleware(cfg.API.Secret, config.ExpandHome(cfg.API.AuditLog), d.Logger)
	if err != nil {
		return nil, fmt.Errorf("init auth middleware: %w", err)
	}
	return &Server{
		cfg:       d.Cfg,
		st:        d.Store,
		guardian:  d.Guardian,
		trust:     d.Trust,
		q:         d.Queue,
		registry:  d.Registry,
		trigger:   d.Trigger,
		conclude:  d.Conclude,
		startTime: time.Now(),
		logger:    d.Logger,
		auth:      auth,
	}, nil
}

func (s *Server) Close() error {
	return s.auth.Close()
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /agent-loop", s.handleAgentLoop)
	mux.HandleFunc("GET /memory", s.handleMemory)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /goals", s.handleGoals)
	mux.HandleFunc("GET /experiments", s.handleExperiments)
	mux.HandleFunc("GET /errors", s.handleErrors)
	mux.HandleFunc("GET /costs/daily", s.handleCostsDaily)
	mux.HandleFunc("GET /trust", s.handleTrust)
	mux.HandleFunc("GET /messages/search", s.handleMessageSearch)
	mux.HandleFunc("GET /modules", s.handleModules)

	mux.HandleFunc("POST /agent-loop/trigger", s.auth.RequireAuth(s.handleTrigger))
	mux.HandleFunc("POST /errors/{id}/resolve", s.auth.RequireAuth(s.handleResolveError))
	mux.HandleFunc("POST /experiments/{id}/conclude", s.auth.RequireAuth(s.handleConcludeExperiment))

	// Module-contributed endpoints. Mutating methods go through auth like
	// the built-in ones.
	for _, rt := range s.registry.Routes() {
		h := rt.Handler
		if rt.Method != http.MethodGet {
			h = s.auth.RequireAuth(h)
		}
		mux.HandleFunc(rt.Method+" "+rt.Pattern, h)
	}

	return mux
}

// Start listens on the configured bind address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Get().API.Bind,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "bind", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleAgentLoop(w http.ResponseWriter, r *http.Request) {
	count, _, _ := s.st.Get("cycle-count")
	var lastAt int64
	if raw, ok, _ := s.st.Get("last-cycle-at"); ok {
		lastAt, _ = strconv.ParseInt(raw, 10, 64)
	}
	paused := false
	if raw, _, _ := s.st.Get("agent-paused"); raw == "true" {
		paused = true
	}
	spent, _ := s.st.TotalCostSince(24 * time.Hour)
	writeJSON(w, http.StatusOK, map[string]any{
		"cycleCount":  count,
		"lastCycleAt": lastAt,
		"paused":      paused,
		"uptimeSec":   int(time.Since(s.startTime).Seconds()),
		"spent24hUSD": spent,
		"queue":       s.q.Stats(),
	})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	keys, err := s.st.ListKeys("")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var followups []signal.Followup
	s.st.GetJSON(signal.FollowupsKey, &followups)
	snapshots := s.guardian.Snapshots()
	var heapPct float64
	if len(snapshots) > 0 {
		heapPct = snapshots[len(snapshots)-1].HeapPct
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stateKeys": len(keys),
		"followups": followups,
		"heapPct":   heapPct,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.st.RecentEvents(limitParam(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGoals(w http.ResponseWriter, r *http.Request) {
	statuses := []string{"proposed", "active", "in_progress", "blocked"}
	if q := r.URL.Query().Get("status"); q != "" {
		statuses = strings.Split(q, ",")
	}
	goals, err := s.st.ListGoalsByStatus(statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, goals)
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	statuses := []string{"pending", "running", "concluded", "reverted"}
	if q := r.URL.Query().Get("status"); q != "" {
		statuses = strings.Split(q, ",")
	}
	exps, err := s.st.ListExperimentsByStatus(statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exps)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := s.st.RecentErrors(7*24*time.Hour, limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, errs)
}

func (s *Server) handleCostsDaily(w http.ResponseWriter, r *http.Request) {
	totals, err := s.st.DailyCostTotals(30 * 24 * time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.trust.Levels())
}

func (s *Server) handleMessageSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing q parameter")
		return
	}
	msgs, err := s.st.SearchMessages(q, limitParam(r, 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"modules":           s.registry.Names(),
		"messageCategories": s.registry.MessageCategories(),
		"dashboardPages":    s.registry.DashboardPages(),
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cycle triggered"})
}

func (s *Server) handleResolveError(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad error id")
		return
	}
	if err := s.st.MarkErrorResolved(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleConcludeExperiment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Conclusion string `json:"conclusion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Conclusion) == "" {
		writeError(w, http.StatusBadRequest, "body must carry a conclusion")
		return
	}
	if err := s.conclude(r.PathValue("id"), body.Conclusion); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "amended"})
}

func limitParam(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return def
}
