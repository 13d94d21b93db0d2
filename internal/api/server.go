// Package api serves the REST surface: authentication, machine inventory,
// job management, groups, security events, and the audit log. WebSocket
// endpoints are mounted here but handled by the agent and client managers.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/fleetd-io/fleetd/internal/agent"
	"github.com/fleetd-io/fleetd/internal/auth"
	"github.com/fleetd-io/fleetd/internal/cache"
	"github.com/fleetd-io/fleetd/internal/client"
	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/events"
	"github.com/fleetd-io/fleetd/internal/jobs"
	"github.com/fleetd-io/fleetd/internal/store"
	"github.com/fleetd-io/fleetd/pkg/protocol"
)

// Server is the HTTP front door.
type Server struct {
	store   store.Store
	cache   *cache.Cache
	bus     *events.Bus
	auth    auth.Provider
	jobs    *jobs.Orchestrator
	agents  *agent.Manager
	clients *client.Manager
	cfg     config.Config
	logger  *slog.Logger

	loginLimiter *keyedLimiter
	userLimiter  *keyedLimiter
	router       chi.Router
}

// NewServer assembles the router.
func NewServer(s store.Store, c *cache.Cache, bus *events.Bus, authp auth.Provider, orch *jobs.Orchestrator, agents *agent.Manager, clients *client.Manager, cfg config.Config, logger *slog.Logger) *Server {
	rl := cfg.RateLimit
	if rl.RequestsPerSecond <= 0 {
		rl.RequestsPerSecond = 10
	}
	if rl.Burst <= 0 {
		rl.Burst = 20
	}
	srv := &Server{
		store:        s,
		cache:        c,
		bus:          bus,
		auth:         authp,
		jobs:         orch,
		agents:       agents,
		clients:      clients,
		cfg:          cfg,
		logger:       logger.With("component", "api"),
		loginLimiter: newKeyedLimiter(1, 5), // per IP
		userLimiter:  newKeyedLimiter(rate.Limit(rl.RequestsPerSecond), rl.Burst),
	}
	srv.router = srv.routes()
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(securityHeaders)
	r.Use(corsMiddleware(s.cfg.Server.AllowedOrigins))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/ws/agent", s.agents.HandleWS)
	r.Get("/ws/client", s.clients.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.limitBody)
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/machines", s.handleListMachines)
			r.Get("/machines/{id}", s.handleGetMachine)
			r.Get("/machines/{id}/metrics", s.handleMachineMetrics)
			r.Get("/machines/{id}/ports", s.handleMachinePorts)

			r.Post("/jobs", s.handleCreateJob)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/jobs/{id}/executions", s.handleJobExecutions)
			r.Post("/jobs/{id}/abort", s.handleAbortJob)

			r.Get("/groups", s.handleListGroups)
			r.Post("/groups", s.handleCreateGroup)
			r.Delete("/groups/{id}", s.handleDeleteGroup)

			r.Get("/security-events", s.handleListSecurityEvents)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Delete("/machines/{id}", s.handleDeleteMachine)
				r.Post("/machines/{id}/security-events/resolve", s.handleResolveSecurityEvents)
				r.Get("/audit", s.handleListAudit)
				r.Post("/users", s.handleCreateUser)
				r.Post("/users/{id}/access/{machineId}", s.handleGrantAccess)
				r.Delete("/users/{id}/access/{machineId}", s.handleRevokeAccess)
			})
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "durationMs", time.Since(start).Milliseconds())
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	max := s.cfg.Server.MaxBodyBytes
	if max <= 0 {
		max = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, max)
		next.ServeHTTP(w, r)
	})
}

// --- helpers ---

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.loginLimiter.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	lp, ok := s.auth.(auth.LoginProvider)
	if !ok {
		writeError(w, http.StatusBadRequest, "login is handled by the external identity provider")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := lp.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.audit(r, "LOGIN", map[string]any{"username": req.Username})
	respond(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.cache.List())
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if state := s.cache.Get(id); state != nil {
		respond(w, http.StatusOK, state)
		return
	}
	machine, err := s.store.GetMachine(r.Context(), id)
	if err != nil {
		s.internalError(w, "get machine", err)
		return
	}
	if machine == nil {
		writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	respond(w, http.StatusOK, cache.MachineState{Machine: *machine})
}

func (s *Server) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteMachine(r.Context(), id); err != nil {
		s.internalError(w, "delete machine", err)
		return
	}
	s.cache.Remove(id)
	s.audit(r, "MACHINE_DELETE", map[string]any{"machineId": id})
	respond(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMachineMetrics(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	metrics, err := s.store.ListMetrics(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.internalError(w, "list metrics", err)
		return
	}
	respond(w, http.StatusOK, metrics)
}

func (s *Server) handleMachinePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.store.ListPorts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "list ports", err)
		return
	}
	respond(w, http.StatusOK, ports)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CreatedBy = identityFrom(r.Context()).Username

	job, err := s.jobs.CreateJob(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit(r, "JOB_CREATE", map[string]any{"jobId": job.ID, "targets": job.TotalTargets})
	respond(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	list, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.internalError(w, "list jobs", err)
		return
	}
	respond(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "get job", err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	respond(w, http.StatusOK, job)
}

func (s *Server) handleJobExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.store.ListJobExecutions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "list executions", err)
		return
	}
	respond(w, http.StatusOK, execs)
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional for aborts.
	_ = json.NewDecoder(r.Body).Decode(&req)

	id := chi.URLParam(r, "id")
	if err := s.jobs.AbortJob(r.Context(), id, req.Reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.audit(r, "JOB_ABORT", map[string]any{"jobId": id, "reason": req.Reason})
	respond(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		s.internalError(w, "list groups", err)
		return
	}
	respond(w, http.StatusOK, groups)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string      `json:"name"`
		Type    string      `json:"type"`
		Members []string    `json:"members,omitempty"`
		Query   *jobs.Query `json:"query,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || (req.Type != "static" && req.Type != "dynamic") {
		writeError(w, http.StatusBadRequest, "name and type (static|dynamic) required")
		return
	}
	if req.Type == "dynamic" && req.Query == nil {
		writeError(w, http.StatusBadRequest, "dynamic group requires a query")
		return
	}

	now := time.Now()
	g := &store.MachineGroup{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Type:      req.Type,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Type == "static" {
		members, _ := json.Marshal(req.Members)
		g.Members = string(members)
	} else {
		query, _ := json.Marshal(req.Query)
		g.Query = string(query)
	}

	if err := s.store.CreateGroup(r.Context(), g); err != nil {
		s.internalError(w, "create group", err)
		return
	}
	respond(w, http.StatusCreated, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.internalError(w, "delete group", err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.store.ListUnresolvedSecurityEvents(r.Context())
	if err != nil {
		s.internalError(w, "list security events", err)
		return
	}
	respond(w, http.StatusOK, evs)
}

func (s *Server) handleResolveSecurityEvents(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "id")
	n, err := s.store.ResolveSecurityEvents(r.Context(), machineID)
	if err != nil {
		s.internalError(w, "resolve security events", err)
		return
	}
	s.bus.PublishType(protocol.EventSecurityEventsResolved, map[string]any{
		"machineId": machineID,
		"resolved":  n,
	})
	respond(w, http.StatusOK, map[string]int64{"resolved": n})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		Action:    q.Get("action"),
		UserID:    q.Get("userId"),
		MachineID: q.Get("machineId"),
		SessionID: q.Get("sessionId"),
		JobID:     q.Get("jobId"),
		Limit:     queryInt(r, "limit", 50),
		Offset:    queryInt(r, "offset", 0),
	}
	evs, err := s.store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list audit events", err)
		return
	}
	respond(w, http.StatusOK, evs)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	lp, ok := s.auth.(auth.LoginProvider)
	if !ok {
		writeError(w, http.StatusBadRequest, "users are managed by the external identity provider")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	user, err := lp.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "username taken")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit(r, "USER_CREATE", map[string]any{"username": user.Username, "role": user.Role})
	respond(w, http.StatusCreated, user)
}

func (s *Server) handleGrantAccess(w http.ResponseWriter, r *http.Request) {
	userID, machineID := chi.URLParam(r, "id"), chi.URLParam(r, "machineId")
	if err := s.store.GrantMachineAccess(r.Context(), userID, machineID); err != nil {
		s.internalError(w, "grant access", err)
		return
	}
	s.audit(r, "ACCESS_GRANT", map[string]any{"targetUserId": userID, "machineId": machineID})
	respond(w, http.StatusOK, map[string]string{"status": "granted"})
}

func (s *Server) handleRevokeAccess(w http.ResponseWriter, r *http.Request) {
	userID, machineID := chi.URLParam(r, "id"), chi.URLParam(r, "machineId")
	if err := s.store.RevokeMachineAccess(r.Context(), userID, machineID); err != nil {
		s.internalError(w, "revoke access", err)
		return
	}
	s.audit(r, "ACCESS_REVOKE", map[string]any{"targetUserId": userID, "machineId": machineID})
	respond(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// audit records an operator action on the audit log. Failures are logged and
// swallowed; an audit miss never fails the request it describes.
func (s *Server) audit(r *http.Request, action string, detail map[string]any) {
	var userID string
	if identity := identityFrom(r.Context()); identity != nil {
		userID = identity.UserID
	}
	raw, _ := json.Marshal(detail)
	ev := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Detail:    raw,
		CreatedAt: time.Now(),
	}
	if err := s.store.LogAuditEvent(r.Context(), ev); err != nil {
		s.logger.Error("write audit event", "action", action, "error", err)
	}
	s.bus.PublishType(protocol.EventAuditLog, ev)
}
