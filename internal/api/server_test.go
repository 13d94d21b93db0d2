package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetd-io/fleetd/internal/agent"
	"github.com/fleetd-io/fleetd/internal/auth"
	"github.com/fleetd-io/fleetd/internal/cache"
	"github.com/fleetd-io/fleetd/internal/client"
	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/events"
	"github.com/fleetd-io/fleetd/internal/jobs"
	"github.com/fleetd-io/fleetd/internal/secrets"
	"github.com/fleetd-io/fleetd/internal/store"
	"github.com/fleetd-io/fleetd/internal/terminal"
	"github.com/fleetd-io/fleetd/pkg/protocol"
)

type apiEnv struct {
	srv   *httptest.Server
	store store.Store
	cache *cache.Cache
	auth  *auth.Service
	bus   *events.Bus
}

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.Config{}
	cfg.Auth.TokenSecret = "test-token-secret-at-least-32-chars!"
	cfg.Auth.MasterSecret = "test-master-secret-at-least-32-chars"
	cfg.Auth.TokenExpiry = config.Duration{Duration: time.Hour}
	cfg.Heartbeat.StatusInterval = config.Duration{Duration: 10 * time.Second}
	cfg.Heartbeat.MetricsInterval = config.Duration{Duration: 15 * time.Second}
	cfg.Heartbeat.PortsInterval = config.Duration{Duration: 60 * time.Second}
	cfg.Heartbeat.BroadcastInterval = config.Duration{Duration: 5 * time.Second}
	cfg.Heartbeat.PortStaleAfter = config.Duration{Duration: 120 * time.Second}
	cfg.Terminal.TokenTTL = config.Duration{Duration: 300 * time.Second}
	cfg.Terminal.RefreshWindow = config.Duration{Duration: 60 * time.Second}
	cfg.Terminal.TimestampWindow = config.Duration{Duration: 60 * time.Second}
	cfg.Jobs.MaxConcurrency = 50
	cfg.Jobs.DisconnectGrace = config.Duration{Duration: 15 * time.Second}

	logger := slog.New(slog.NewTextHandler(testLogWriter{t}, nil))
	sec, err := secrets.New(cfg.Auth.MasterSecret)
	if err != nil {
		t.Fatal(err)
	}

	bus := events.New()
	t.Cleanup(bus.Close)
	c := cache.New()

	term := terminal.NewService(s, cfg, logger)
	agents := agent.NewManager(s, c, bus, sec, term, cfg, logger)
	orch := jobs.NewOrchestrator(s, c, bus, agents, cfg.Jobs, logger)
	agents.SetCommandSink(orch)
	authSvc := auth.NewService(s, cfg.Auth)
	clients := client.NewManager(bus, authSvc, term, agents, cfg, logger)

	server := NewServer(s, c, bus, authSvc, orch, agents, clients, cfg, logger)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, store: s, cache: c, auth: authSvc, bus: bus}
}

func (e *apiEnv) token(t *testing.T, username, role string) string {
	t.Helper()
	if _, err := e.auth.Register(context.Background(), username, "hunter2hunter2", role); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tok, err := e.auth.Login(context.Background(), username, "hunter2hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return tok
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	env := setupAPI(t)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestLoginFlow(t *testing.T) {
	env := setupAPI(t)
	env.token(t, "alice", "user") // registers the account

	resp := env.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"username": "alice", "password": "hunter2hunter2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["token"] == "" {
		t.Fatal("no token returned")
	}

	bad := env.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", bad.StatusCode)
	}
}

func TestLoginBroadcastsAuditEvent(t *testing.T) {
	env := setupAPI(t)
	env.token(t, "erin", "user")
	auditCh := env.bus.Subscribe(protocol.EventAuditLog)

	resp := env.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"username": "erin", "password": "hunter2hunter2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}

	select {
	case ev := <-auditCh:
		rec := &store.AuditEvent{}
		if err := json.Unmarshal(ev.Data, rec); err != nil {
			t.Fatalf("event data = %s: %v", ev.Data, err)
		}
		if rec.Action != "LOGIN" {
			t.Errorf("action = %q, want LOGIN", rec.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("audit_log never broadcast for login")
	}
}

func TestAuthRequired(t *testing.T) {
	env := setupAPI(t)

	resp := env.do(t, http.MethodGet, "/api/machines", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/machines", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d", resp.StatusCode)
	}
}

func TestMachineEndpoints(t *testing.T) {
	env := setupAPI(t)
	token := env.token(t, "bob", "admin")
	ctx := context.Background()

	m := store.Machine{
		ID: "m1", Hostname: "web-01", IP: "10.0.0.1", OS: "linux",
		Status: store.MachineOnline, LastSeen: time.Now(),
		SecretHash: "h", Tags: "{}", CreatedAt: time.Now(),
	}
	if err := env.store.UpsertMachine(ctx, &m); err != nil {
		t.Fatal(err)
	}
	env.cache.PutMachine(m)

	resp := env.do(t, http.MethodGet, "/api/machines", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	list := decodeBody[[]cache.MachineState](t, resp)
	if len(list) != 1 || list[0].Machine.ID != "m1" {
		t.Fatalf("list = %+v", list)
	}

	resp = env.do(t, http.MethodGet, "/api/machines/m1", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/machines/ghost", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing machine status = %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, "/api/machines/m1", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if env.cache.Get("m1") != nil {
		t.Error("machine still cached after delete")
	}
}

func TestDeleteMachineRequiresAdmin(t *testing.T) {
	env := setupAPI(t)
	token := env.token(t, "carol", "user")

	resp := env.do(t, http.MethodDelete, "/api/machines/m1", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestJobEndpoints(t *testing.T) {
	env := setupAPI(t)
	token := env.token(t, "dave", "admin")
	ctx := context.Background()

	m := store.Machine{
		ID: "m1", Hostname: "web-01", IP: "10.0.0.1", OS: "linux",
		Status: store.MachineOffline, LastSeen: time.Now(),
		SecretHash: "h", Tags: "{}", CreatedAt: time.Now(),
	}
	if err := env.store.UpsertMachine(ctx, &m); err != nil {
		t.Fatal(err)
	}
	env.cache.PutMachine(m)

	// The target agent is offline, so the job fails immediately; what matters
	// here is the REST round trip.
	resp := env.do(t, http.MethodPost, "/api/jobs", token, map[string]any{
		"command": "uptime",
		"target":  map[string]any{"type": "adhoc", "machineIds": []string{"m1"}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	job := decodeBody[store.Job](t, resp)
	if job.ID == "" || job.TotalTargets != 1 || job.CreatedBy != "dave" {
		t.Fatalf("job = %+v", job)
	}

	resp = env.do(t, http.MethodGet, "/api/jobs/"+job.ID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	got := decodeBody[store.Job](t, resp)
	if got.Status != store.StatusFailed {
		t.Errorf("job status = %q, want FAILED with offline target", got.Status)
	}

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/jobs/%s/executions", job.ID), token, nil)
	execs := decodeBody[[]store.JobExecution](t, resp)
	if len(execs) != 1 || execs[0].Error != "Agent offline" {
		t.Fatalf("executions = %+v", execs)
	}

	resp = env.do(t, http.MethodGet, "/api/jobs", token, nil)
	jobsList := decodeBody[[]store.Job](t, resp)
	if len(jobsList) != 1 {
		t.Fatalf("jobs list = %+v", jobsList)
	}

	// Aborting a finished job conflicts.
	resp = env.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/abort", token, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("abort finished job status = %d, want 409", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/jobs", token, map[string]any{
		"command": "",
		"target":  map[string]any{"type": "adhoc", "machineIds": []string{"m1"}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty command status = %d", resp.StatusCode)
	}
}

func TestGroupEndpoints(t *testing.T) {
	env := setupAPI(t)
	token := env.token(t, "erin", "user")

	resp := env.do(t, http.MethodPost, "/api/groups", token, map[string]any{
		"name": "web fleet", "type": "dynamic",
		"query": map[string]any{"conditions": []map[string]string{{"field": "role", "op": "eq", "value": "web"}}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	g := decodeBody[store.MachineGroup](t, resp)
	if g.ID == "" || g.Query == "" {
		t.Fatalf("group = %+v", g)
	}

	resp = env.do(t, http.MethodPost, "/api/groups", token, map[string]any{
		"name": "broken", "type": "dynamic",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("dynamic without query status = %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/groups", token, nil)
	list := decodeBody[[]store.MachineGroup](t, resp)
	if len(list) != 1 {
		t.Fatalf("groups = %+v", list)
	}

	resp = env.do(t, http.MethodDelete, "/api/groups/"+g.ID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestAuditRequiresAdmin(t *testing.T) {
	env := setupAPI(t)

	userToken := env.token(t, "frank", "user")
	resp := env.do(t, http.MethodGet, "/api/audit", userToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("user audit status = %d, want 403", resp.StatusCode)
	}

	adminToken := env.token(t, "grace", "admin")
	resp = env.do(t, http.MethodGet, "/api/audit?action=LOGIN", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin audit status = %d", resp.StatusCode)
	}
}

func TestUserAndAccessManagement(t *testing.T) {
	env := setupAPI(t)
	adminToken := env.token(t, "heidi", "admin")

	resp := env.do(t, http.MethodPost, "/api/users", adminToken, map[string]string{
		"username": "newbie", "password": "hunter2hunter2",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user status = %d", resp.StatusCode)
	}
	u := decodeBody[store.User](t, resp)
	if u.Role != "user" {
		t.Errorf("role = %q, want default user", u.Role)
	}

	dup := env.do(t, http.MethodPost, "/api/users", adminToken, map[string]string{
		"username": "newbie", "password": "hunter2hunter2",
	})
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate user status = %d", dup.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/users/"+u.ID+"/access/m1", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grant status = %d", resp.StatusCode)
	}
	ok, err := env.store.HasMachineAccess(context.Background(), u.ID, "m1")
	if err != nil || !ok {
		t.Fatalf("access not granted: %v %v", ok, err)
	}

	resp = env.do(t, http.MethodDelete, "/api/users/"+u.ID+"/access/m1", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	ok, _ = env.store.HasMachineAccess(context.Background(), u.ID, "m1")
	if ok {
		t.Error("access not revoked")
	}
}

func TestSecurityEventEndpoints(t *testing.T) {
	env := setupAPI(t)
	token := env.token(t, "ivan", "admin")
	ctx := context.Background()

	ev := &store.SecurityEvent{
		ID: "ev1", MachineID: "m1", Severity: "high",
		Kind: "bruteforce", Message: "ssh failures", CreatedAt: time.Now(),
	}
	if err := env.store.InsertSecurityEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, http.MethodGet, "/api/security-events", token, nil)
	open := decodeBody[[]store.SecurityEvent](t, resp)
	if len(open) != 1 {
		t.Fatalf("open events = %+v", open)
	}

	resp = env.do(t, http.MethodPost, "/api/machines/m1/security-events/resolve", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	result := decodeBody[map[string]int64](t, resp)
	if result["resolved"] != 1 {
		t.Fatalf("resolved = %d", result["resolved"])
	}

	resp = env.do(t, http.MethodGet, "/api/security-events", token, nil)
	open = decodeBody[[]store.SecurityEvent](t, resp)
	if len(open) != 0 {
		t.Fatalf("events left open = %+v", open)
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	env := setupAPI(t)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}
