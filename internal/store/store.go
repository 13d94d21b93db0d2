// Package store defines the persistence interface for fleetd and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Job and execution statuses. Transitions are strictly forward:
// PENDING → RUNNING → {SUCCESS, FAILED, SKIPPED, ABORTED}.
const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusSkipped = "SKIPPED"
	StatusAborted = "ABORTED"
)

// Machine statuses.
const (
	MachineOnline  = "online"
	MachineOffline = "offline"
)

// Store is the persistence interface for fleetd.
type Store interface {
	// Machines
	UpsertMachine(ctx context.Context, m *Machine) error
	GetMachine(ctx context.Context, id string) (*Machine, error)
	GetMachineBySecretHash(ctx context.Context, secretHash string) (*Machine, error)
	GetMachineByHostnameIP(ctx context.Context, hostname, ip string) (*Machine, error)
	ListMachines(ctx context.Context) ([]Machine, error)
	SetMachineStatus(ctx context.Context, id, status string, lastSeen time.Time) error
	MarkSilentMachinesOffline(ctx context.Context, seenBefore time.Time) ([]string, error)
	DeleteMachine(ctx context.Context, id string) error

	// Metrics
	InsertMetric(ctx context.Context, m *Metric) error
	LatestMetrics(ctx context.Context) ([]Metric, error)
	ListMetrics(ctx context.Context, machineID string, limit int) ([]Metric, error)
	PurgeOldMetrics(ctx context.Context, before time.Time) (int64, error)

	// Ports. UpsertPorts applies the upserts and the stale-port delete in one
	// transaction so a just-seen port never appears absent between the two.
	UpsertPorts(ctx context.Context, machineID string, ports []PortRecord, staleBefore time.Time) error
	ListPorts(ctx context.Context, machineID string) ([]PortRecord, error)
	ListAllPorts(ctx context.Context) ([]PortRecord, error)

	// Jobs
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]Job, error)
	UpdateJobStatus(ctx context.Context, id, status string, startedAt, completedAt *time.Time) error

	// Job executions
	CreateJobExecution(ctx context.Context, e *JobExecution) error
	GetJobExecution(ctx context.Context, id string) (*JobExecution, error)
	GetJobExecutionByCommandID(ctx context.Context, commandID string) (*JobExecution, error)
	ListJobExecutions(ctx context.Context, jobID string) ([]JobExecution, error)
	UpdateJobExecution(ctx context.Context, id, status string, exitCode *int, errMsg string, startedAt, completedAt *time.Time) error
	AppendJobExecutionOutput(ctx context.Context, id, chunk string) error

	// Machine groups
	CreateGroup(ctx context.Context, g *MachineGroup) error
	GetGroup(ctx context.Context, id string) (*MachineGroup, error)
	ListGroups(ctx context.Context) ([]MachineGroup, error)
	DeleteGroup(ctx context.Context, id string) error

	// Security events
	InsertSecurityEvent(ctx context.Context, ev *SecurityEvent) error
	ListUnresolvedSecurityEvents(ctx context.Context) ([]SecurityEvent, error)
	ResolveSecurityEvents(ctx context.Context, machineID string) (int64, error)

	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Machine access (binary ACL)
	GrantMachineAccess(ctx context.Context, userID, machineID string) error
	RevokeMachineAccess(ctx context.Context, userID, machineID string) error
	HasMachineAccess(ctx context.Context, userID, machineID string) (bool, error)

	// Audit
	LogAuditEvent(ctx context.Context, ev *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Machine is a managed host with an installed agent.
type Machine struct {
	ID              string    `json:"id"`
	Hostname        string    `json:"hostname"`
	IP              string    `json:"ip"`
	OS              string    `json:"os"`
	Status          string    `json:"status"` // "online" or "offline"
	LastSeen        time.Time `json:"last_seen"`
	EncryptedSecret string    `json:"-"`
	SecretHash      string    `json:"-"`
	Role            string    `json:"role,omitempty"`
	Tags            string    `json:"tags"` // JSON-encoded map
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Metric is one resource sample for a machine.
type Metric struct {
	ID        int64     `json:"id"`
	MachineID string    `json:"machine_id"`
	CPUUsage  float64   `json:"cpu_usage"`
	RAMUsage  float64   `json:"ram_usage"`
	RAMUsed   uint64    `json:"ram_used"`
	RAMTotal  uint64    `json:"ram_total"`
	DiskUsage float64   `json:"disk_usage"`
	DiskUsed  uint64    `json:"disk_used"`
	DiskTotal uint64    `json:"disk_total"`
	Uptime    uint64    `json:"uptime"`
	CreatedAt time.Time `json:"created_at"`
}

// PortRecord is an observed open port. (machine_id, port, proto) is unique.
type PortRecord struct {
	MachineID string    `json:"machine_id"`
	Port      int       `json:"port"`
	Proto     string    `json:"proto"`
	Service   string    `json:"service"`
	State     string    `json:"state"`
	LastSeen  time.Time `json:"last_seen"`
}

// Job is a bulk command run against a target set.
type Job struct {
	ID           string     `json:"id"`
	Command      string     `json:"command"`
	Mode         string     `json:"mode"` // "parallel" or "rolling"
	Status       string     `json:"status"`
	Strategy     string     `json:"strategy"`    // JSON-encoded strategy parameters
	TargetType   string     `json:"target_type"` // "adhoc", "group", "dynamic"
	TotalTargets int        `json:"total_targets"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// JobExecution is the per-machine leg of a job. Output only grows.
type JobExecution struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	MachineID   string     `json:"machine_id"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Output      string     `json:"output"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// MachineGroup is a named target set: static membership or a stored dynamic
// query re-evaluated at dispatch time.
type MachineGroup struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`    // "static" or "dynamic"
	Members   string    `json:"members"` // JSON-encoded []string, static groups
	Query     string    `json:"query"`   // JSON-encoded query, dynamic groups
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SecurityEvent is an agent-reported detection.
type SecurityEvent struct {
	ID        string    `json:"id"`
	MachineID string    `json:"machine_id"`
	Severity  string    `json:"severity"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

// User is an operator account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	MachineID string          `json:"machine_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for listing audit events.
type AuditFilter struct {
	Action    string
	UserID    string
	MachineID string
	SessionID string
	JobID     string
	Limit     int
	Offset    int
}
