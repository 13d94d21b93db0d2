package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetd-io/fleetd/internal/agent"
	"github.com/fleetd-io/fleetd/internal/auth"
	"github.com/fleetd-io/fleetd/internal/cache"
	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/events"
	"github.com/fleetd-io/fleetd/internal/secrets"
	"github.com/fleetd-io/fleetd/internal/store"
	"github.com/fleetd-io/fleetd/internal/terminal"
	"github.com/fleetd-io/fleetd/pkg/protocol"
)

type clientEnv struct {
	m        *Manager
	auth     *auth.Service
	terminal *terminal.Service
	store    store.Store
	srv      *httptest.Server
	agentSrv *httptest.Server
}

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testLogWriter{t}, nil))
}

func setupClientEnv(t *testing.T) *clientEnv {
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

	logger := testLogger(t)
	sec, err := secrets.New(cfg.Auth.MasterSecret)
	if err != nil {
		t.Fatal(err)
	}
	term := terminal.NewService(s, cfg, logger)
	bus := events.New()
	t.Cleanup(bus.Close)

	agents := agent.NewManager(s, cache.New(), bus, sec, term, cfg, logger)
	authSvc := auth.NewService(s, cfg.Auth)

	m := NewManager(bus, authSvc, term, agents, cfg, logger)
	srv := httptest.NewServer(http.HandlerFunc(m.HandleWS))
	t.Cleanup(srv.Close)

	agentSrv := httptest.NewServer(http.HandlerFunc(agents.HandleWS))
	t.Cleanup(agentSrv.Close)

	return &clientEnv{m: m, auth: authSvc, terminal: term, store: s, srv: srv, agentSrv: agentSrv}
}

func (e *clientEnv) newUser(t *testing.T, username, role string) string {
	t.Helper()
	if _, err := e.auth.Register(context.Background(), username, "hunter2hunter2", role); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := e.auth.Login(context.Background(), username, "hunter2hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return token
}

// connectAgent registers a fake agent over the real WS endpoint and returns
// its machine ID and connection for reading server-pushed frames.
func (e *clientEnv) connectAgent(t *testing.T) (string, *websocket.Conn) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.agentSrv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	if err := ws.WriteJSON(protocol.Register{
		Type:      protocol.TypeRegister,
		SecretKey: strings.Repeat("ab", 32),
		Hostname:  "web-01",
		IP:        "10.0.0.1",
	}); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	var ack protocol.Registered
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read registered: %v", err)
	}
	return ack.MachineID, ws
}

func (e *clientEnv) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if ws != nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

func (e *clientEnv) dialAuthed(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := e.dial(t, http.Header{"Authorization": []string{"Bearer " + token}})
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	return ws
}

// readFrameOfType drains broadcast events until a frame with the wanted type
// arrives.
func readFrameOfType(t *testing.T, ws *websocket.Conn, wantType string) json.RawMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", wantType, err)
		}
		var hdr protocol.Header
		if err := json.Unmarshal(raw, &hdr); err != nil {
			continue
		}
		if hdr.Type == wantType {
			return raw
		}
	}
}

func TestUnauthenticatedClientClosed(t *testing.T) {
	env := setupClientEnv(t)
	ws, _, err := env.dial(t, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var frame protocol.ErrorFrame
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if frame.Error != "authentication required" {
		t.Errorf("error = %q", frame.Error)
	}

	_, _, err = ws.ReadMessage()
	if ce, ok := err.(*websocket.CloseError); !ok || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected close 1008, got %v", err)
	}
}

func TestBearerTokenSources(t *testing.T) {
	env := setupClientEnv(t)
	token := env.newUser(t, "alice", "user")
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http")

	t.Run("query parameter", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer ws.Close()
		assertStaysOpen(t, ws)
	})

	t.Run("cookie", func(t *testing.T) {
		h := http.Header{"Cookie": []string{sessionCookie + "=" + token}}
		ws, _, err := websocket.DefaultDialer.Dial(url, h)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer ws.Close()
		assertStaysOpen(t, ws)
	})

	t.Run("subprotocol echoed back", func(t *testing.T) {
		d := websocket.Dialer{Subprotocols: []string{jwtSubprotocolPrefix + token}}
		ws, resp, err := d.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer ws.Close()
		if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != jwtSubprotocolPrefix+token {
			t.Errorf("subprotocol not echoed: %q", got)
		}
		assertStaysOpen(t, ws)
	})
}

// assertStaysOpen proves authentication succeeded: an authenticated
// connection receives broadcast events rather than a policy-violation close.
func assertStaysOpen(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	if err := ws.WriteJSON(protocol.Header{Type: "noop"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var frame protocol.ErrorFrame
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(frame.Error, "unknown message type") {
		t.Errorf("frame = %+v", frame)
	}
}

func TestSpawnTerminalFlow(t *testing.T) {
	env := setupClientEnv(t)
	machineID, agentWS := env.connectAgent(t)

	token := env.newUser(t, "bob", "admin")
	ws := env.dialAuthed(t, token)

	if err := ws.WriteJSON(protocol.SpawnTerminal{Type: protocol.TypeSpawnTerminal, MachineID: machineID}); err != nil {
		t.Fatalf("spawn_terminal: %v", err)
	}

	raw := readFrameOfType(t, ws, protocol.EventTerminalSessionCreated)
	var created protocol.TerminalSessionCreated
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.SessionID == "" || created.MachineID != machineID {
		t.Fatalf("created = %+v", created)
	}
	if len(created.Capabilities) != 3 {
		t.Errorf("capabilities = %v, want defaults", created.Capabilities)
	}

	// The agent receives a signed spawn_shell envelope.
	var env1 protocol.SecureMessage
	agentWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := agentWS.ReadJSON(&env1); err != nil {
		t.Fatalf("agent read: %v", err)
	}
	if env1.Type != protocol.TypeSpawnShell || env1.HMAC == "" || env1.Payload != "{}" {
		t.Fatalf("envelope = %+v", env1)
	}

	// Keystrokes ride the same session.
	if err := ws.WriteJSON(protocol.TerminalInput{
		Type: protocol.TypeTerminalInput, SessionID: created.SessionID, Data: "ls\n",
	}); err != nil {
		t.Fatalf("terminal_input: %v", err)
	}
	var env2 protocol.SecureMessage
	agentWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := agentWS.ReadJSON(&env2); err != nil {
		t.Fatalf("agent read input: %v", err)
	}
	if env2.Type != protocol.TypeTerminalStdin || !strings.Contains(env2.Payload, `"data":"ls\n"`) {
		t.Fatalf("stdin envelope = %+v", env2)
	}
}

func TestTerminalDeniedWithoutACL(t *testing.T) {
	env := setupClientEnv(t)
	machineID, _ := env.connectAgent(t)

	token := env.newUser(t, "carol", "user")
	ws := env.dialAuthed(t, token)

	if err := ws.WriteJSON(protocol.SpawnTerminal{Type: protocol.TypeSpawnTerminal, MachineID: machineID}); err != nil {
		t.Fatalf("spawn_terminal: %v", err)
	}

	var frame protocol.ErrorFrame
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(frame.Error, "terminal denied") {
		t.Errorf("frame = %+v", frame)
	}
}

func TestSessionNotUsableByOtherUser(t *testing.T) {
	env := setupClientEnv(t)
	machineID, _ := env.connectAgent(t)

	adminToken := env.newUser(t, "dave", "admin")
	adminWS := env.dialAuthed(t, adminToken)
	if err := adminWS.WriteJSON(protocol.SpawnTerminal{Type: protocol.TypeSpawnTerminal, MachineID: machineID}); err != nil {
		t.Fatalf("spawn_terminal: %v", err)
	}
	raw := readFrameOfType(t, adminWS, protocol.EventTerminalSessionCreated)
	var created protocol.TerminalSessionCreated
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	otherToken := env.newUser(t, "eve", "admin")
	otherWS := env.dialAuthed(t, otherToken)
	if err := otherWS.WriteJSON(protocol.TerminalInput{
		Type: protocol.TypeTerminalInput, SessionID: created.SessionID, Data: "whoami\n",
	}); err != nil {
		t.Fatalf("terminal_input: %v", err)
	}

	var frame protocol.ErrorFrame
	otherWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := otherWS.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Error != "session not owned by caller" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestExecuteCommandRequiresAdmin(t *testing.T) {
	env := setupClientEnv(t)
	machineID, _ := env.connectAgent(t)

	token := env.newUser(t, "frank", "user")
	ws := env.dialAuthed(t, token)

	if err := ws.WriteJSON(protocol.ExecuteCommand{
		Type: protocol.TypeExecuteCommand, MachineID: machineID, Command: "uptime",
	}); err != nil {
		t.Fatalf("execute_command: %v", err)
	}

	var frame protocol.ErrorFrame
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(frame.Error, "admin role") {
		t.Errorf("frame = %+v", frame)
	}
}

func TestExecuteCommandReachesAgentEnveloped(t *testing.T) {
	env := setupClientEnv(t)
	machineID, agentWS := env.connectAgent(t)

	token := env.newUser(t, "grace", "admin")
	ws := env.dialAuthed(t, token)

	if err := ws.WriteJSON(protocol.ExecuteCommand{
		Type: protocol.TypeExecuteCommand, MachineID: machineID, CommandID: "cmd-9", Command: "uptime",
	}); err != nil {
		t.Fatalf("execute_command: %v", err)
	}

	var envMsg protocol.SecureMessage
	agentWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := agentWS.ReadJSON(&envMsg); err != nil {
		t.Fatalf("agent read: %v", err)
	}
	if envMsg.Type != protocol.TypeExecuteCommand || envMsg.HMAC == "" {
		t.Fatalf("envelope = %+v", envMsg)
	}
	if !strings.Contains(envMsg.Payload, `"commandId":"cmd-9"`) || !strings.Contains(envMsg.Payload, `"command":"uptime"`) {
		t.Fatalf("payload = %q", envMsg.Payload)
	}
}

func TestAgentInstructionForwardedUnwrapped(t *testing.T) {
	env := setupClientEnv(t)
	machineID, agentWS := env.connectAgent(t)

	token := env.newUser(t, "heidi", "admin")
	ws := env.dialAuthed(t, token)

	if err := ws.WriteJSON(protocol.AgentInstruction{Type: protocol.TypeTriggerScan, MachineID: machineID}); err != nil {
		t.Fatalf("trigger_scan: %v", err)
	}

	var poke protocol.AgentInstruction
	agentWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := agentWS.ReadJSON(&poke); err != nil {
		t.Fatalf("agent read: %v", err)
	}
	if poke.Type != protocol.TypeTriggerScan || poke.MachineID != machineID {
		t.Fatalf("poke = %+v", poke)
	}
}

func TestDisconnectEndsOwnedSessions(t *testing.T) {
	env := setupClientEnv(t)
	machineID, _ := env.connectAgent(t)

	token := env.newUser(t, "ivan", "admin")
	ws := env.dialAuthed(t, token)

	if err := ws.WriteJSON(protocol.SpawnTerminal{Type: protocol.TypeSpawnTerminal, MachineID: machineID}); err != nil {
		t.Fatalf("spawn_terminal: %v", err)
	}
	readFrameOfType(t, ws, protocol.EventTerminalSessionCreated)

	if n := env.terminal.ActiveSessions(); n != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", n)
	}

	ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for env.terminal.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sessions not ended on client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientReceivesBroadcasts(t *testing.T) {
	env := setupClientEnv(t)
	token := env.newUser(t, "judy", "user")
	ws := env.dialAuthed(t, token)

	// Give the subscriber goroutine a beat to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	env.m.bus.PublishType(protocol.EventMachineStatusChanged, map[string]string{
		"machineId": "m1", "status": "offline",
	})

	raw := readFrameOfType(t, ws, protocol.EventMachineStatusChanged)
	var frame protocol.Event
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(string(frame.Data), `"machineId":"m1"`) {
		t.Fatalf("data = %s", frame.Data)
	}
}
