// Package client manages WebSocket connections from authenticated web
// operators: event fan-out, terminal session brokering, and one-shot command
// dispatch.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/fleetd-io/fleetd/internal/agent"
	"github.com/fleetd-io/fleetd/internal/auth"
	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/events"
	"github.com/fleetd-io/fleetd/internal/metrics"
	"github.com/fleetd-io/fleetd/internal/terminal"
	"github.com/fleetd-io/fleetd/pkg/protocol"
)

const (
	// maxClientMessageBytes is the read limit for operator connections.
	// Operator frames are small; anything bigger is misbehavior.
	maxClientMessageBytes = 64 << 10

	// Inbound frames per connection ahead of the per-session terminal buckets.
	inboundRate  = 30
	inboundBurst = 50

	// sessionCookie is the fallback cookie carrying the bearer token.
	sessionCookie = "fleet_session"

	// jwtSubprotocolPrefix marks a token smuggled through the WebSocket
	// subprotocol header, the only channel browsers expose for it.
	jwtSubprotocolPrefix = "jwt."
)

// Manager owns all operator streams.
type Manager struct {
	bus      *events.Bus
	auth     auth.Provider
	terminal *terminal.Service
	agents   *agent.Manager
	cfg      config.Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*clientConn]struct{}
}

type clientConn struct {
	ws       *websocket.Conn
	identity *auth.Identity
	limiter  *rate.Limiter
	mu       sync.Mutex
	sessions map[string]bool // terminal session IDs owned by this connection
}

func (c *clientConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *clientConn) close(code int, reason string) {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
	c.mu.Unlock()
	_ = c.ws.Close()
}

// NewManager creates a web client session manager.
func NewManager(bus *events.Bus, authp auth.Provider, term *terminal.Service, agents *agent.Manager, cfg config.Config, logger *slog.Logger) *Manager {
	m := &Manager{
		bus:      bus,
		auth:     authp,
		terminal: term,
		agents:   agents,
		cfg:      cfg,
		logger:   logger.With("component", "client"),
		conns:    make(map[*clientConn]struct{}),
	}
	// Subprotocols are negotiated manually so the jwt.<token> value
	// round-trips through the handshake.
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
	}
	return m
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return originSet[origin]
	}
}

// bearerToken extracts the operator's token. Priority: Authorization header,
// token query parameter, session cookie, jwt.<token> subprotocol. The second
// return value is the subprotocol to echo back when that channel was used.
func bearerToken(r *http.Request) (token, subprotocol string) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), ""
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value, ""
	}
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, jwtSubprotocolPrefix) {
			return strings.TrimPrefix(proto, jwtSubprotocolPrefix), proto
		}
	}
	return "", ""
}

// HandleWS handles a WebSocket connection from a web client. The upgrade is
// completed even for unauthenticated requests so the browser receives a
// proper close code instead of an opaque handshake failure.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	token, subprotocol := bearerToken(r)

	var respHeader http.Header
	if subprotocol != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{subprotocol}}
	}
	ws, err := m.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		m.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxClientMessageBytes)

	c := &clientConn{
		ws:       ws,
		limiter:  rate.NewLimiter(inboundRate, inboundBurst),
		sessions: make(map[string]bool),
	}

	identity, err := m.authenticate(r.Context(), token)
	if err != nil {
		_ = c.send(protocol.ErrorFrame{Error: "authentication required"})
		c.close(websocket.ClosePolicyViolation, "unauthenticated")
		_ = ws.Close()
		return
	}
	c.identity = identity

	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()
	metrics.ClientsConnected.Inc()
	m.logger.Info("client connected", "userId", identity.UserID, "username", identity.Username)

	sub := m.bus.Subscribe()
	stopKeepalive := startKeepalive(ws, &c.mu)
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for ev := range sub {
			frame := protocol.Event{Type: ev.Type, Data: ev.Data}
			if err := c.send(frame); err != nil {
				return
			}
		}
	}()

	defer func() {
		stopKeepalive()
		m.bus.Unsubscribe(sub)
		<-forwardDone
		m.disconnect(c)
		_ = ws.Close()
	}()

	ctx := context.Background()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			continue
		}

		var hdr protocol.Header
		if err := json.Unmarshal(raw, &hdr); err != nil {
			c.close(websocket.CloseProtocolError, "unparsable message")
			return
		}
		metrics.MessagesReceived.WithLabelValues("client", hdr.Type).Inc()

		switch hdr.Type {
		case protocol.TypeSpawnTerminal:
			m.handleSpawnTerminal(ctx, c, raw)
		case protocol.TypeTerminalInput:
			m.handleTerminalInput(ctx, c, raw)
		case protocol.TypeTerminalResize:
			m.handleTerminalResize(ctx, c, raw)
		case protocol.TypeExecuteCommand:
			m.handleExecuteCommand(ctx, c, raw)
		case protocol.TypeUpdateAgent, protocol.TypeTriggerScan:
			m.handleInstruction(c, raw)
		default:
			_ = c.send(protocol.ErrorFrame{Error: fmt.Sprintf("unknown message type %q", hdr.Type)})
		}
	}
}

func (m *Manager) authenticate(ctx context.Context, token string) (*auth.Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("no bearer token")
	}
	return m.auth.ValidateToken(ctx, token)
}

func (m *Manager) handleSpawnTerminal(ctx context.Context, c *clientConn, raw []byte) {
	var msg protocol.SpawnTerminal
	if err := json.Unmarshal(raw, &msg); err != nil || msg.MachineID == "" {
		_ = c.send(protocol.ErrorFrame{Error: "spawn_terminal requires machineId"})
		return
	}

	token, err := m.terminal.Issue(ctx, c.identity.UserID, msg.MachineID, nil, c.identity.Role == "admin")
	if err != nil {
		_ = c.send(protocol.ErrorFrame{Error: fmt.Sprintf("terminal denied: %v", err)})
		return
	}

	if err := m.sendEnveloped(ctx, protocol.TypeSpawnShell, token.SessionID, msg.MachineID, nil); err != nil {
		m.terminal.End(ctx, token.SessionID)
		_ = c.send(protocol.ErrorFrame{Error: fmt.Sprintf("spawn failed: %v", err)})
		return
	}

	c.mu.Lock()
	c.sessions[token.SessionID] = true
	c.mu.Unlock()
	metrics.TerminalSessions.Set(float64(m.terminal.ActiveSessions()))

	_ = c.send(protocol.TerminalSessionCreated{
		Type:         protocol.EventTerminalSessionCreated,
		SessionID:    token.SessionID,
		MachineID:    msg.MachineID,
		ExpiresAt:    token.ExpiresAt,
		Capabilities: token.Capabilities,
	})
}

func (m *Manager) handleTerminalInput(ctx context.Context, c *clientConn, raw []byte) {
	var msg protocol.TerminalInput
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	token, ok := m.admitSession(c, msg.SessionID, "input")
	if !ok {
		return
	}
	payload, _ := json.Marshal(map[string]string{"data": msg.Data})
	if err := m.sendEnveloped(ctx, protocol.TypeTerminalStdin, token.SessionID, token.MachineID, payload); err != nil {
		m.logger.Warn("terminal input dropped", "sessionId", token.SessionID, "error", err)
	}
}

func (m *Manager) handleTerminalResize(ctx context.Context, c *clientConn, raw []byte) {
	var msg protocol.TerminalResize
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	token, ok := m.admitSession(c, msg.SessionID, "resize")
	if !ok {
		return
	}
	payload, _ := json.Marshal(map[string]int{"cols": msg.Cols, "rows": msg.Rows})
	if err := m.sendEnveloped(ctx, protocol.TypeTerminalResize, token.SessionID, token.MachineID, payload); err != nil {
		m.logger.Warn("terminal resize dropped", "sessionId", token.SessionID, "error", err)
	}
}

// admitSession validates ownership, capability, and the per-session rate
// bucket in one place. The machine the action lands on comes from the token,
// never from the client frame.
func (m *Manager) admitSession(c *clientConn, sessionID, capability string) (*terminal.SessionToken, bool) {
	token, err := m.terminal.Validate(sessionID)
	if err != nil {
		_ = c.send(protocol.ErrorFrame{Error: fmt.Sprintf("session invalid: %v", err)})
		return nil, false
	}
	if token.UserID != c.identity.UserID {
		_ = c.send(protocol.ErrorFrame{Error: "session not owned by caller"})
		return nil, false
	}
	if !token.HasCapability(capability) {
		_ = c.send(protocol.ErrorFrame{Error: fmt.Sprintf("session lacks %q capability", capability)})
		return nil, false
	}
	if !m.terminal.Admit(sessionID) {
		return nil, false
	}
	return token, true
}

func (m *Manager) handleExecuteCommand(ctx context.Context, c *clientConn, raw []byte) {
	var msg protocol.ExecuteCommand
	if err := json.Unmarshal(raw, &msg); err != nil || msg.MachineID == "" || msg.Command == "" {
		_ = c.send(protocol.ErrorFrame{Error: "execute_command requires machineId and command"})
		return
	}
	if c.identity.Role != "admin" {
		_ = c.send(protocol.ErrorFrame{Error: "execute_command requires admin role"})
		return
	}
	commandID := msg.CommandID
	if commandID == "" {
		commandID = uuid.New().String()
	}
	if err := m.agents.SendCommand(ctx, msg.MachineID, commandID, msg.Command); err != nil {
		_ = c.send(protocol.ErrorFrame{Error: fmt.Sprintf("dispatch failed: %v", err)})
		return
	}
	m.logger.Info("one-shot command dispatched",
		"userId", c.identity.UserID, "machineId", msg.MachineID, "commandId", commandID)
}

// handleInstruction forwards update_agent and trigger_scan pokes. These carry
// no payload so they travel unwrapped.
func (m *Manager) handleInstruction(c *clientConn, raw []byte) {
	var msg protocol.AgentInstruction
	if err := json.Unmarshal(raw, &msg); err != nil || msg.MachineID == "" {
		_ = c.send(protocol.ErrorFrame{Error: "machineId required"})
		return
	}
	if c.identity.Role != "admin" {
		_ = c.send(protocol.ErrorFrame{Error: "admin role required"})
		return
	}
	if err := m.agents.Send(msg.MachineID, protocol.AgentInstruction{Type: msg.Type, MachineID: msg.MachineID}); err != nil {
		_ = c.send(protocol.ErrorFrame{Error: fmt.Sprintf("agent unreachable: %v", err)})
	}
}

// sendEnveloped wraps an agent-bound action in the HMAC envelope and delivers
// it.
func (m *Manager) sendEnveloped(ctx context.Context, msgType, sessionID, machineID string, payload json.RawMessage) error {
	secret, err := m.agents.AgentSecret(ctx, machineID)
	if err != nil {
		return fmt.Errorf("agent secret: %w", err)
	}
	env, err := m.terminal.Wrap(msgType, sessionID, machineID, secret, payload)
	if err != nil {
		return fmt.Errorf("wrap %s: %w", msgType, err)
	}
	return m.agents.Send(machineID, env)
}

func (m *Manager) disconnect(c *clientConn) {
	m.mu.Lock()
	if _, ok := m.conns[c]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c)
	m.mu.Unlock()

	metrics.ClientsConnected.Dec()
	if c.identity != nil {
		m.terminal.EndAllForUser(context.Background(), c.identity.UserID)
		metrics.TerminalSessions.Set(float64(m.terminal.ActiveSessions()))
		m.logger.Info("client disconnected", "userId", c.identity.UserID)
	}
}

// ConnectedClients returns the number of live operator streams.
func (m *Manager) ConnectedClients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
