// Package agent manages WebSocket connections from fleet agents: registration,
// heartbeats, command responses, terminal output, and discovery reports.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetd-io/fleetd/internal/cache"
	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/events"
	"github.com/fleetd-io/fleetd/internal/metrics"
	"github.com/fleetd-io/fleetd/internal/secrets"
	"github.com/fleetd-io/fleetd/internal/store"
	"github.com/fleetd-io/fleetd/internal/terminal"
	"github.com/fleetd-io/fleetd/pkg/protocol"
)

// maxMessageBytes is the read limit for agent connections. Individual string
// fields are truncated at 1 MiB; the frame limit leaves room for several.
const maxMessageBytes = 4 << 20

// ErrAgentOffline is returned when a message targets a machine with no live
// stream.
var ErrAgentOffline = errors.New("agent not connected")

// CommandSink receives command lifecycle notifications. The job orchestrator
// implements it; a nil sink is valid before wiring completes.
type CommandSink interface {
	HandleCommandResponse(ctx context.Context, resp *protocol.CommandResponse)
	AgentConnected(machineID string)
	AgentDisconnected(machineID string)
}

// Manager owns all agent streams.
type Manager struct {
	store    store.Store
	cache    *cache.Cache
	bus      *events.Bus
	secrets  *secrets.Service
	terminal *terminal.Service
	cfg      config.Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*agentConn // machineID → conn
	sink  CommandSink
}

type agentConn struct {
	machineID string
	secret    string // decrypted agent secret, cached for envelope checks
	ws        *websocket.Conn
	mu        sync.Mutex
	gates     throttle
}

func (c *agentConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *agentConn) close(code int, reason string) {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
	c.mu.Unlock()
	_ = c.ws.Close()
}

// NewManager creates an agent session manager.
func NewManager(s store.Store, c *cache.Cache, bus *events.Bus, sec *secrets.Service, term *terminal.Service, cfg config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:    s,
		cache:    c,
		bus:      bus,
		secrets:  sec,
		terminal: term,
		cfg:      cfg,
		logger:   logger.With("component", "agent"),
		upgrader: makeUpgrader(cfg.Server.AllowedOrigins),
		conns:    make(map[string]*agentConn),
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// SetCommandSink wires the job orchestrator in after construction; the
// orchestrator needs the manager as its dispatcher, so the dependency runs
// both ways.
func (m *Manager) SetCommandSink(sink CommandSink) {
	m.sink = sink
}

// HandleWS handles a WebSocket connection from an agent. The first message
// must be a register; everything else on a fresh stream is a protocol
// violation.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	c := &agentConn{ws: ws}
	var stopKeepalive func()
	defer func() {
		if stopKeepalive != nil {
			stopKeepalive()
		}
		m.disconnect(c)
		_ = ws.Close()
	}()

	ctx := context.Background()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var hdr protocol.Header
		if err := json.Unmarshal(raw, &hdr); err != nil {
			c.close(websocket.CloseProtocolError, "unparsable message")
			return
		}
		if hdr.Type == "" {
			_ = c.send(protocol.ErrorFrame{
				Error:  "Protocol violation: type field required",
				Action: protocol.TypeUpdateAgent,
			})
			c.close(websocket.ClosePolicyViolation, "protocol violation")
			return
		}

		metrics.MessagesReceived.WithLabelValues("agent", hdr.Type).Inc()

		if c.machineID == "" && hdr.Type != protocol.TypeRegister {
			c.close(websocket.ClosePolicyViolation, "registration required")
			return
		}

		switch hdr.Type {
		case protocol.TypeRegister:
			if err := m.handleRegister(ctx, c, raw); err != nil {
				m.logger.Warn("agent registration failed", "error", err)
				c.close(websocket.ClosePolicyViolation, "registration failed")
				return
			}
			stopKeepalive = startKeepalive(ws, &c.mu)
		case protocol.TypeHeartbeat:
			m.handleHeartbeat(ctx, c, raw)
		case protocol.TypeCommandResponse:
			m.handleCommandResponse(ctx, c, raw)
		case protocol.TypeTerminalOutput:
			m.handleTerminalOutput(c, raw)
		case protocol.TypePortDiscovery:
			m.handlePortDiscovery(ctx, c, raw)
		case protocol.TypeMetrics:
			m.handleMetrics(ctx, c, raw)
		case protocol.TypeSecurityEvent:
			m.handleSecurityEvent(ctx, c, raw)
		default:
			m.logger.Debug("unknown agent message type", "type", hdr.Type, "machineId", c.machineID)
		}
	}
}

func (m *Manager) handleRegister(ctx context.Context, c *agentConn, raw []byte) error {
	var msg protocol.Register
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	var cut bool
	msg.OSInfo, cut = truncateField(msg.OSInfo)
	if cut {
		m.logger.Warn("osInfo truncated", "hostname", msg.Hostname)
	}
	if err := validateRegister(&msg); err != nil {
		return err
	}

	secretHash := secrets.Hash(msg.SecretKey)
	now := time.Now()

	machine, err := m.store.GetMachineBySecretHash(ctx, secretHash)
	if err != nil {
		return err
	}
	if machine == nil {
		machine, err = m.store.GetMachineByHostnameIP(ctx, msg.Hostname, msg.IP)
		if err != nil {
			return err
		}
	}

	isNew := machine == nil
	if isNew {
		machine = &store.Machine{
			ID:        uuid.New().String(),
			Tags:      "{}",
			CreatedAt: now,
		}
	}

	encrypted, err := m.secrets.Encrypt(msg.SecretKey)
	if err != nil {
		return err
	}
	machine.Hostname = msg.Hostname
	machine.IP = msg.IP
	machine.OS = msg.OSInfo
	machine.Status = store.MachineOnline
	machine.LastSeen = now
	machine.EncryptedSecret = encrypted
	machine.SecretHash = secretHash

	if err := m.store.UpsertMachine(ctx, machine); err != nil {
		return err
	}
	m.cache.PutMachine(*machine)

	c.machineID = machine.ID
	c.secret = msg.SecretKey

	m.mu.Lock()
	if old, ok := m.conns[machine.ID]; ok && old != c {
		// Reconnect supersedes the previous stream.
		old.machineID = ""
		old.close(websocket.ClosePolicyViolation, "superseded by new connection")
	} else if !ok {
		metrics.AgentsConnected.Inc()
	}
	m.conns[machine.ID] = c
	m.mu.Unlock()

	if err := c.send(protocol.Registered{Type: protocol.TypeRegistered, MachineID: machine.ID}); err != nil {
		return err
	}

	if isNew {
		m.bus.PublishType(protocol.EventMachineRegistered, machine)
	}
	m.bus.PublishType(protocol.EventMachineStatusChanged, map[string]any{
		"machineId": machine.ID,
		"status":    store.MachineOnline,
	})
	if m.sink != nil {
		m.sink.AgentConnected(machine.ID)
	}

	m.logger.Info("agent registered",
		"machineId", machine.ID, "hostname", machine.Hostname, "new", isNew)
	return nil
}

func (m *Manager) handleHeartbeat(ctx context.Context, c *agentConn, raw []byte) {
	var msg protocol.Heartbeat
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("heartbeat parse failed", "machineId", c.machineID, "error", err)
		return
	}
	now := time.Now()

	if c.gates.allowStatus(m.cfg.Heartbeat, now) {
		if err := m.store.SetMachineStatus(ctx, c.machineID, store.MachineOnline, now); err != nil {
			m.logger.Error("update machine status", "machineId", c.machineID, "error", err)
		}
		m.cache.SetStatus(c.machineID, store.MachineOnline, now)
	}

	if msg.Metrics != nil && c.gates.allowMetrics(m.cfg.Heartbeat, now) {
		m.recordMetric(ctx, c.machineID, msg.Metrics, now)
	}

	if len(msg.Ports) > 0 && c.gates.allowPorts(m.cfg.Heartbeat, now) {
		m.recordPorts(ctx, c.machineID, msg.Ports, now)
	}

	if c.gates.allowBroadcast(m.cfg.Heartbeat, now) {
		m.bus.PublishType(protocol.EventMachineHeartbeat, map[string]any{
			"machineId": c.machineID,
			"lastSeen":  now,
		})
	}
}

func (m *Manager) handleCommandResponse(ctx context.Context, c *agentConn, raw []byte) {
	var msg protocol.CommandResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("command_response parse failed", "machineId", c.machineID, "error", err)
		return
	}
	// A missing commandId is forwarded anyway; the orchestrator can still
	// correlate it to the machine's most recent inflight command.
	if msg.CommandID == "" {
		m.logger.Debug("command_response without commandId", "machineId", c.machineID)
	}
	msg.MachineID = c.machineID // connection identity is authoritative

	if msg.Output != "" {
		out, cut := truncateField(msg.Output)
		if cut {
			m.logger.Warn("command output truncated", "commandId", msg.CommandID)
		}
		normalized, ok := normalizeOutput(out)
		if !ok {
			metrics.OutputChunksDropped.WithLabelValues("binary_or_noise").Inc()
			m.logger.Debug("command output chunk dropped", "commandId", msg.CommandID)
			msg.Output = ""
		} else {
			msg.Output = normalized
		}
	}

	if msg.Output != "" {
		m.bus.PublishType(protocol.EventCommandOutput, map[string]any{
			"commandId": msg.CommandID,
			"machineId": msg.MachineID,
			"output":    msg.Output,
		})
	}
	if msg.Completed {
		// One-shot commands have no job execution row, so this broadcast is
		// the only completion signal web clients get.
		m.bus.PublishType(protocol.EventCommandCompleted, map[string]any{
			"commandId": msg.CommandID,
			"machineId": msg.MachineID,
			"exitCode":  msg.ExitCode,
		})
	}

	if m.sink != nil {
		m.sink.HandleCommandResponse(ctx, &msg)
	}
}

func (m *Manager) handleTerminalOutput(c *agentConn, raw []byte) {
	var msg protocol.TerminalOutput
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("terminal_output parse failed", "machineId", c.machineID, "error", err)
		return
	}

	if msg.HMAC != "" {
		env := &protocol.SecureMessage{
			Type:      protocol.TypeTerminalOutput,
			SessionID: msg.SessionID,
			MachineID: c.machineID,
			Payload:   msg.Output,
			Nonce:     msg.Nonce,
			Timestamp: msg.Timestamp,
			HMAC:      msg.HMAC,
		}
		if err := m.terminal.Verify(env, c.secret); err != nil {
			metrics.EnvelopeFailures.WithLabelValues(envelopeFailureReason(err)).Inc()
			return // drop silently, no detail to sender
		}
	}

	// Terminal output is passed verbatim; the browser-side emulator owns
	// control bytes and ANSI sequences.
	m.bus.PublishType(protocol.EventTerminalOutput, map[string]any{
		"sessionId": msg.SessionID,
		"machineId": c.machineID,
		"output":    msg.Output,
	})
}

func envelopeFailureReason(err error) string {
	switch err {
	case terminal.ErrStaleTimestamp:
		return "stale_timestamp"
	case terminal.ErrReplayedNonce:
		return "replay"
	case terminal.ErrBadSignature:
		return "bad_signature"
	default:
		return "other"
	}
}

func (m *Manager) handlePortDiscovery(ctx context.Context, c *agentConn, raw []byte) {
	var msg protocol.PortDiscovery
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("port_discovery parse failed", "machineId", c.machineID, "error", err)
		return
	}
	now := time.Now()
	if !c.gates.allowPorts(m.cfg.Heartbeat, now) {
		return
	}
	m.recordPorts(ctx, c.machineID, msg.Ports, now)
}

func (m *Manager) handleMetrics(ctx context.Context, c *agentConn, raw []byte) {
	var msg protocol.MetricsReport
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Metrics == nil {
		m.logger.Warn("metrics parse failed", "machineId", c.machineID, "error", err)
		return
	}
	now := time.Now()
	if !c.gates.allowMetrics(m.cfg.Heartbeat, now) {
		return
	}
	m.recordMetric(ctx, c.machineID, msg.Metrics, now)
}

func (m *Manager) handleSecurityEvent(ctx context.Context, c *agentConn, raw []byte) {
	var msg protocol.SecurityEvent
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("security_event parse failed", "machineId", c.machineID, "error", err)
		return
	}
	ev := &store.SecurityEvent{
		ID:        uuid.New().String(),
		MachineID: c.machineID,
		Severity:  msg.Severity,
		Kind:      msg.Kind,
		Message:   msg.Message,
		CreatedAt: time.Now(),
	}
	if err := m.store.InsertSecurityEvent(ctx, ev); err != nil {
		m.logger.Error("insert security event", "machineId", c.machineID, "error", err)
		return
	}
	m.bus.PublishType(protocol.EventSecurityEvent, ev)
}

func (m *Manager) recordMetric(ctx context.Context, machineID string, sample *protocol.MetricSample, now time.Time) {
	metric := store.Metric{
		MachineID: machineID,
		CPUUsage:  sample.CPUUsage,
		RAMUsage:  sample.RAMUsage,
		RAMUsed:   sample.RAMUsed,
		RAMTotal:  sample.RAMTotal,
		DiskUsage: sample.DiskUsage,
		DiskUsed:  sample.DiskUsed,
		DiskTotal: sample.DiskTotal,
		Uptime:    sample.Uptime,
		CreatedAt: now,
	}
	if err := m.store.InsertMetric(ctx, &metric); err != nil {
		m.logger.Error("insert metric", "machineId", machineID, "error", err)
		return
	}
	m.cache.SetMetric(metric)
	m.bus.PublishType(protocol.EventMachineMetrics, map[string]any{
		"machineId": machineID,
		"metrics":   sample,
	})
}

func (m *Manager) recordPorts(ctx context.Context, machineID string, ports []protocol.Port, now time.Time) {
	records := make([]store.PortRecord, 0, len(ports))
	for _, p := range ports {
		records = append(records, store.PortRecord{
			MachineID: machineID,
			Port:      p.Port,
			Proto:     p.Proto,
			Service:   p.Service,
			State:     p.State,
			LastSeen:  now,
		})
	}
	staleBefore := now.Add(-m.cfg.Heartbeat.PortStaleAfter.Duration)
	if err := m.store.UpsertPorts(ctx, machineID, records, staleBefore); err != nil {
		m.logger.Error("upsert ports", "machineId", machineID, "error", err)
		return
	}
	m.cache.SetPorts(machineID, records)
	m.bus.PublishType(protocol.EventPortsUpdated, map[string]any{
		"machineId": machineID,
		"ports":     ports,
	})
}

// disconnect tears down a registered connection: registry entry removed,
// machine marked offline, subscribers notified, orchestrator told so it can
// start the disconnect grace period for inflight commands.
func (m *Manager) disconnect(c *agentConn) {
	if c.machineID == "" {
		return // never registered, or superseded
	}

	m.mu.Lock()
	if current, ok := m.conns[c.machineID]; !ok || current != c {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.machineID)
	metrics.AgentsConnected.Dec()
	m.mu.Unlock()

	ctx := context.Background()
	now := time.Now()
	if err := m.store.SetMachineStatus(ctx, c.machineID, store.MachineOffline, now); err != nil {
		m.logger.Error("mark machine offline", "machineId", c.machineID, "error", err)
	}
	m.cache.SetStatus(c.machineID, store.MachineOffline, now)
	m.bus.PublishType(protocol.EventMachineStatusChanged, map[string]any{
		"machineId": c.machineID,
		"status":    store.MachineOffline,
	})
	if m.sink != nil {
		m.sink.AgentDisconnected(c.machineID)
	}
	m.logger.Info("agent disconnected", "machineId", c.machineID)
}

// Send delivers a message to a connected agent.
func (m *Manager) Send(machineID string, v any) error {
	m.mu.RLock()
	c, ok := m.conns[machineID]
	m.mu.RUnlock()
	if !ok {
		return ErrAgentOffline
	}
	return c.send(v)
}

// SendCommand delivers an execute_command envelope to an agent. The envelope
// is signed under a short-lived system session so the agent can verify the
// command's origin and freshness.
func (m *Manager) SendCommand(ctx context.Context, machineID, commandID, command string) error {
	secret, err := m.AgentSecret(ctx, machineID)
	if err != nil {
		return fmt.Errorf("agent secret: %w", err)
	}

	token, err := m.terminal.Issue(ctx, "system", machineID, []string{"execute_command"}, false)
	if err != nil {
		return fmt.Errorf("issue session: %w", err)
	}
	defer m.terminal.End(ctx, token.SessionID)

	payload, err := json.Marshal(map[string]string{
		"commandId": commandID,
		"command":   command,
	})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	env, err := m.terminal.Wrap(protocol.TypeExecuteCommand, token.SessionID, machineID, secret, payload)
	if err != nil {
		return fmt.Errorf("wrap command: %w", err)
	}
	return m.Send(machineID, env)
}

// IsMachineOnline reports whether the machine has a live stream.
func (m *Manager) IsMachineOnline(machineID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[machineID]
	return ok
}

// AgentSecret returns the decrypted secret for a connected machine, falling
// back to decrypting the stored one when the agent is offline.
func (m *Manager) AgentSecret(ctx context.Context, machineID string) (string, error) {
	m.mu.RLock()
	c, ok := m.conns[machineID]
	m.mu.RUnlock()
	if ok && c.secret != "" {
		return c.secret, nil
	}

	machine, err := m.store.GetMachine(ctx, machineID)
	if err != nil {
		return "", err
	}
	if machine == nil || machine.EncryptedSecret == "" {
		return "", ErrAgentOffline
	}
	return m.secrets.Decrypt(machine.EncryptedSecret)
}

// ConnectedMachines returns the IDs of all machines with live streams.
func (m *Manager) ConnectedMachines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}
