// Package protocol defines the wire protocol messages exchanged between
// fleetd and its peers (agent ↔ server ↔ web client) over WebSocket.
//
// All messages are flat JSON objects with a required "type" field that
// determines the remaining structure. Field names are camelCase for
// compatibility with deployed agents.
package protocol

import "encoding/json"

// Header is the minimal shape every inbound frame must satisfy. Frames
// without a type are protocol violations.
type Header struct {
	Type string `json:"type"`
}

// --- Agent → Server message types ---

const (
	TypeRegister        = "register"
	TypeHeartbeat       = "heartbeat"
	TypeCommandResponse = "command_response"
	TypeTerminalOutput  = "terminal_output"
	TypePortDiscovery   = "port_discovery"
	TypeMetrics         = "metrics"
	TypeSecurityEvent   = "security_event"
)

// --- Server → Agent message types ---

const (
	TypeSpawnShell     = "spawn_shell"
	TypeTerminalStdin  = "terminal_stdin"
	TypeExecuteCommand = "execute_command"
	TypeUpdateAgent    = "update_agent"
	TypeTriggerScan    = "trigger_scan"
	TypeRegistered     = "registered"
)

// --- Web client → Server message types ---

const (
	TypeSpawnTerminal  = "spawn_terminal"
	TypeTerminalInput  = "terminal_input"
	TypeTerminalResize = "terminal_resize"
)

// --- Server → Web client broadcast event types ---

const (
	EventMachineRegistered      = "machine_registered"
	EventMachineStatusChanged   = "machine_status_changed"
	EventMachineHeartbeat       = "machine_heartbeat"
	EventMachineMetrics         = "machine_metrics"
	EventPortsUpdated           = "ports_updated"
	EventSecurityEvent          = "security_event"
	EventAuditLog               = "audit_log"
	EventScanCompleted          = "scan_completed"
	EventScanProgress           = "scan_progress"
	EventSecurityEventsResolved = "security_events_resolved"
	EventCommandOutput          = "command_output"
	EventCommandCompleted       = "command_completed"
	EventTerminalOutput         = "terminal_output"
	EventTerminalSessionCreated = "terminal_session_created"
	EventJobUpdated             = "job_updated"
	EventJobExecutionUpdated    = "job_execution_updated"
	EventJobExecutionOutput     = "job_execution_output"
	EventError                  = "error"
)

// Register is the first message an agent sends on a fresh stream.
type Register struct {
	Type      string `json:"type"`
	SecretKey string `json:"secretKey"` // 64 hex chars
	Hostname  string `json:"hostname"`  // ≤255
	IP        string `json:"ip"`        // IPv4 dotted-quad
	OSInfo    string `json:"osInfo"`
}

// Registered acknowledges a successful registration.
type Registered struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
}

// MetricSample is a point-in-time resource reading for a machine.
type MetricSample struct {
	CPUUsage  float64 `json:"cpuUsage"`
	RAMUsage  float64 `json:"ramUsage"`
	RAMUsed   uint64  `json:"ramUsed"`
	RAMTotal  uint64  `json:"ramTotal"`
	DiskUsage float64 `json:"diskUsage"`
	DiskUsed  uint64  `json:"diskUsed"`
	DiskTotal uint64  `json:"diskTotal"`
	Uptime    uint64  `json:"uptime"`
	Timestamp int64   `json:"timestamp,omitempty"` // unix ms, agent clock
}

// Port describes an open port observed on a machine.
type Port struct {
	Port    int    `json:"port"`
	Proto   string `json:"proto"`
	Service string `json:"service,omitempty"`
	State   string `json:"state,omitempty"`
}

// Heartbeat is the agent's periodic status report. Metrics and ports are
// optional; each is processed under its own throttle gate.
type Heartbeat struct {
	Type      string        `json:"type"`
	MachineID string        `json:"machineId,omitempty"`
	Metrics   *MetricSample `json:"metrics,omitempty"`
	Ports     []Port        `json:"ports,omitempty"`
}

// CommandResponse carries output and completion state for a dispatched
// command. A nil ExitCode on a completed response is treated as success with
// a warning logged; some agent versions omit the field.
type CommandResponse struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	MachineID string `json:"machineId"`
	Output    string `json:"output,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Completed bool   `json:"completed"`
}

// TerminalOutput is raw terminal data from an agent PTY. Output is passed
// verbatim to web subscribers; the browser-side terminal emulator interprets
// control bytes and ANSI sequences. The HMAC fields are present when the
// agent wraps output in a secure envelope.
type TerminalOutput struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId"`
	Output    string `json:"output"`
	HMAC      string `json:"hmac,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PortDiscovery is a standalone port scan report.
type PortDiscovery struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	Ports     []Port `json:"ports"`
}

// MetricsReport is a standalone metric submission, throttled like heartbeat
// metrics.
type MetricsReport struct {
	Type      string        `json:"type"`
	MachineID string        `json:"machineId"`
	Metrics   *MetricSample `json:"metrics"`
}

// SecurityEvent is forwarded by agents when local detection fires.
type SecurityEvent struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	Severity  string `json:"severity"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// ErrorFrame is a structured protocol error sent before closing a stream.
type ErrorFrame struct {
	Error  string `json:"error"`
	Action string `json:"action,omitempty"`
}

// --- Secure envelope ---

// SecureMessage wraps a machine-bound operator action. Payload is a JSON
// string, not an object: the HMAC is computed over that exact string, so both
// sides must normalize the payload identically before signing.
type SecureMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId"`
	Payload   string `json:"payload"`
	Nonce     string `json:"nonce"`     // 128-bit random, hex
	Timestamp string `json:"timestamp"` // ISO-8601 with ms precision
	HMAC      string `json:"hmac"`
}

// --- Operator (web client) → Server messages ---

// SpawnTerminal asks for a new terminal session on a machine.
type SpawnTerminal struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
}

// TerminalInput carries operator keystrokes for an open terminal session.
type TerminalInput struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId,omitempty"`
	Data      string `json:"data"`
}

// TerminalResize reports a client-side terminal geometry change.
type TerminalResize struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId,omitempty"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// ExecuteCommand runs a one-shot command on a single machine.
type ExecuteCommand struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	CommandID string `json:"commandId,omitempty"`
	Command   string `json:"command"`
}

// AgentInstruction is an unwrapped administrative poke (update_agent,
// trigger_scan). These carry no payload HMAC; their audit trail lives on the
// agent side.
type AgentInstruction struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
}

// TerminalSessionCreated tells the requesting operator their session is live.
type TerminalSessionCreated struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"sessionId"`
	MachineID    string   `json:"machineId"`
	ExpiresAt    int64    `json:"expiresAt"`
	Capabilities []string `json:"capabilities"`
}

// Event is a broadcast frame pushed to subscribed web clients.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
