package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			ip TEXT NOT NULL,
			os TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			encrypted_secret TEXT NOT NULL DEFAULT '',
			secret_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '{}',
			notes TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machines_secret_hash ON machines(secret_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_machines_hostname_ip ON machines(hostname, ip)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			cpu_usage REAL NOT NULL DEFAULT 0,
			ram_usage REAL NOT NULL DEFAULT 0,
			ram_used INTEGER NOT NULL DEFAULT 0,
			ram_total INTEGER NOT NULL DEFAULT 0,
			disk_usage REAL NOT NULL DEFAULT 0,
			disk_used INTEGER NOT NULL DEFAULT 0,
			disk_total INTEGER NOT NULL DEFAULT 0,
			uptime INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_machine_created ON metrics(machine_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS ports (
			machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			port INTEGER NOT NULL,
			proto TEXT NOT NULL,
			service TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (machine_id, port, proto)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			command TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			strategy TEXT NOT NULL DEFAULT '{}',
			target_type TEXT NOT NULL DEFAULT 'adhoc',
			total_targets INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS job_executions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			machine_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			exit_code INTEGER,
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			UNIQUE (job_id, machine_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_executions_job_id ON job_executions(job_id)`,
		`CREATE TABLE IF NOT EXISTS machine_groups (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			type TEXT NOT NULL DEFAULT 'static',
			members TEXT NOT NULL DEFAULT '[]',
			query TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			kind TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_machine ON security_events(machine_id)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS machine_access (
			user_id TEXT NOT NULL,
			machine_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, machine_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			machine_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Machines ---

const machineCols = "id, hostname, ip, os, status, last_seen, encrypted_secret, secret_hash, role, tags, notes, created_at"

func scanMachine(row interface{ Scan(...any) error }) (*Machine, error) {
	var m Machine
	err := row.Scan(&m.ID, &m.Hostname, &m.IP, &m.OS, &m.Status, &m.LastSeen,
		&m.EncryptedSecret, &m.SecretHash, &m.Role, &m.Tags, &m.Notes, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) UpsertMachine(ctx context.Context, m *Machine) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (`+machineCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET hostname=excluded.hostname, ip=excluded.ip, os=excluded.os,
		   status=excluded.status, last_seen=excluded.last_seen,
		   encrypted_secret=excluded.encrypted_secret, secret_hash=excluded.secret_hash,
		   role=excluded.role, tags=excluded.tags, notes=excluded.notes`,
		m.ID, m.Hostname, m.IP, m.OS, m.Status, m.LastSeen,
		m.EncryptedSecret, m.SecretHash, m.Role, m.Tags, m.Notes, m.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	return scanMachine(s.db.QueryRowContext(ctx,
		"SELECT "+machineCols+" FROM machines WHERE id = ?", id))
}

func (s *SQLiteStore) GetMachineBySecretHash(ctx context.Context, secretHash string) (*Machine, error) {
	return scanMachine(s.db.QueryRowContext(ctx,
		"SELECT "+machineCols+" FROM machines WHERE secret_hash = ?", secretHash))
}

func (s *SQLiteStore) GetMachineByHostnameIP(ctx context.Context, hostname, ip string) (*Machine, error) {
	return scanMachine(s.db.QueryRowContext(ctx,
		"SELECT "+machineCols+" FROM machines WHERE hostname = ? AND ip = ?", hostname, ip))
}

func (s *SQLiteStore) ListMachines(ctx context.Context) ([]Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+machineCols+" FROM machines ORDER BY hostname")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []Machine
	for rows.Next() {
		var m Machine
		if err := rows.Scan(&m.ID, &m.Hostname, &m.IP, &m.OS, &m.Status, &m.LastSeen,
			&m.EncryptedSecret, &m.SecretHash, &m.Role, &m.Tags, &m.Notes, &m.CreatedAt); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (s *SQLiteStore) SetMachineStatus(ctx context.Context, id, status string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE machines SET status = ?, last_seen = ? WHERE id = ?",
		status, lastSeen, id,
	)
	return err
}

func (s *SQLiteStore) MarkSilentMachinesOffline(ctx context.Context, seenBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM machines WHERE status = ? AND last_seen < ?",
		MachineOnline, seenBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE machines SET status = ? WHERE id = ?", MachineOffline, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *SQLiteStore) DeleteMachine(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM machines WHERE id = ?", id)
	return err
}

// --- Metrics ---

func (s *SQLiteStore) InsertMetric(ctx context.Context, m *Metric) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (machine_id, cpu_usage, ram_usage, ram_used, ram_total, disk_usage, disk_used, disk_total, uptime, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MachineID, m.CPUUsage, m.RAMUsage, m.RAMUsed, m.RAMTotal,
		m.DiskUsage, m.DiskUsed, m.DiskTotal, m.Uptime, m.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) LatestMetrics(ctx context.Context) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.machine_id, m.cpu_usage, m.ram_usage, m.ram_used, m.ram_total,
		        m.disk_usage, m.disk_used, m.disk_total, m.uptime, m.created_at
		 FROM metrics m
		 JOIN (SELECT machine_id, MAX(id) AS max_id FROM metrics GROUP BY machine_id) latest
		   ON m.id = latest.max_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetrics(rows)
}

func (s *SQLiteStore) ListMetrics(ctx context.Context, machineID string, limit int) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, machine_id, cpu_usage, ram_usage, ram_used, ram_total, disk_usage, disk_used, disk_total, uptime, created_at
		 FROM metrics WHERE machine_id = ? ORDER BY id DESC LIMIT ?`,
		machineID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetrics(rows)
}

func scanMetrics(rows *sql.Rows) ([]Metric, error) {
	var metrics []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.MachineID, &m.CPUUsage, &m.RAMUsage, &m.RAMUsed, &m.RAMTotal,
			&m.DiskUsage, &m.DiskUsed, &m.DiskTotal, &m.Uptime, &m.CreatedAt); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

func (s *SQLiteStore) PurgeOldMetrics(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM metrics WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Ports ---

func (s *SQLiteStore) UpsertPorts(ctx context.Context, machineID string, ports []PortRecord, staleBefore time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range ports {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ports (machine_id, port, proto, service, state, last_seen) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(machine_id, port, proto) DO UPDATE SET service=excluded.service, state=excluded.state, last_seen=excluded.last_seen`,
			machineID, p.Port, p.Proto, p.Service, p.State, p.LastSeen,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM ports WHERE machine_id = ? AND last_seen < ?",
		machineID, staleBefore,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListPorts(ctx context.Context, machineID string) ([]PortRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT machine_id, port, proto, service, state, last_seen FROM ports WHERE machine_id = ? ORDER BY port",
		machineID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPorts(rows)
}

func (s *SQLiteStore) ListAllPorts(ctx context.Context) ([]PortRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT machine_id, port, proto, service, state, last_seen FROM ports ORDER BY machine_id, port")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPorts(rows)
}

func scanPorts(rows *sql.Rows) ([]PortRecord, error) {
	var ports []PortRecord
	for rows.Next() {
		var p PortRecord
		if err := rows.Scan(&p.MachineID, &p.Port, &p.Proto, &p.Service, &p.State, &p.LastSeen); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, command, mode, status, strategy, target_type, total_targets, created_by, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Command, j.Mode, j.Status, j.Strategy, j.TargetType, j.TotalTargets, j.CreatedBy,
		j.CreatedAt, j.StartedAt, j.CompletedAt,
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.QueryRowContext(ctx,
		`SELECT id, command, mode, status, strategy, target_type, total_targets, created_by, created_at, started_at, completed_at
		 FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Command, &j.Mode, &j.Status, &j.Strategy, &j.TargetType, &j.TotalTargets,
		&j.CreatedBy, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, mode, status, strategy, target_type, total_targets, created_by, created_at, started_at, completed_at
		 FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Command, &j.Mode, &j.Status, &j.Strategy, &j.TargetType,
			&j.TotalTargets, &j.CreatedBy, &j.CreatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string, startedAt, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?,
		   started_at = COALESCE(?, started_at),
		   completed_at = COALESCE(?, completed_at)
		 WHERE id = ?`,
		status, startedAt, completedAt, id,
	)
	return err
}

// --- Job executions ---

const executionCols = "id, job_id, machine_id, status, exit_code, output, error, created_at, started_at, completed_at"

func scanExecution(row interface{ Scan(...any) error }) (*JobExecution, error) {
	var e JobExecution
	err := row.Scan(&e.ID, &e.JobID, &e.MachineID, &e.Status, &e.ExitCode, &e.Output, &e.Error,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) CreateJobExecution(ctx context.Context, e *JobExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_executions (`+executionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, e.MachineID, e.Status, e.ExitCode, e.Output, e.Error,
		e.CreatedAt, e.StartedAt, e.CompletedAt,
	)
	return err
}

func (s *SQLiteStore) GetJobExecution(ctx context.Context, id string) (*JobExecution, error) {
	return scanExecution(s.db.QueryRowContext(ctx,
		"SELECT "+executionCols+" FROM job_executions WHERE id = ?", id))
}

func (s *SQLiteStore) GetJobExecutionByCommandID(ctx context.Context, commandID string) (*JobExecution, error) {
	// Command IDs double as execution IDs; this exists so output can still be
	// persisted when the in-memory inflight mapping is gone.
	return s.GetJobExecution(ctx, commandID)
}

func (s *SQLiteStore) ListJobExecutions(ctx context.Context, jobID string) ([]JobExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+executionCols+" FROM job_executions WHERE job_id = ? ORDER BY created_at", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []JobExecution
	for rows.Next() {
		var e JobExecution
		if err := rows.Scan(&e.ID, &e.JobID, &e.MachineID, &e.Status, &e.ExitCode, &e.Output, &e.Error,
			&e.CreatedAt, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (s *SQLiteStore) UpdateJobExecution(ctx context.Context, id, status string, exitCode *int, errMsg string, startedAt, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET status = ?,
		   exit_code = COALESCE(?, exit_code),
		   error = CASE WHEN ? != '' THEN ? ELSE error END,
		   started_at = COALESCE(?, started_at),
		   completed_at = COALESCE(?, completed_at)
		 WHERE id = ?`,
		status, exitCode, errMsg, errMsg, startedAt, completedAt, id,
	)
	return err
}

func (s *SQLiteStore) AppendJobExecutionOutput(ctx context.Context, id, chunk string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE job_executions SET output = output || ? WHERE id = ?",
		chunk, id,
	)
	return err
}

// --- Machine groups ---

func (s *SQLiteStore) CreateGroup(ctx context.Context, g *MachineGroup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machine_groups (id, name, type, members, query, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type,
		   members=excluded.members, query=excluded.query, updated_at=excluded.updated_at`,
		g.ID, g.Name, g.Type, g.Members, g.Query, g.CreatedAt, g.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*MachineGroup, error) {
	var g MachineGroup
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, type, members, query, created_at, updated_at FROM machine_groups WHERE id = ?", id,
	).Scan(&g.ID, &g.Name, &g.Type, &g.Members, &g.Query, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *SQLiteStore) ListGroups(ctx context.Context) ([]MachineGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, type, members, query, created_at, updated_at FROM machine_groups ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []MachineGroup
	for rows.Next() {
		var g MachineGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Type, &g.Members, &g.Query, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) DeleteGroup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM machine_groups WHERE id = ?", id)
	return err
}

// --- Security events ---

func (s *SQLiteStore) InsertSecurityEvent(ctx context.Context, ev *SecurityEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (id, machine_id, severity, kind, message, resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.MachineID, ev.Severity, ev.Kind, ev.Message, ev.Resolved, ev.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListUnresolvedSecurityEvents(ctx context.Context) ([]SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, machine_id, severity, kind, message, resolved, created_at
		 FROM security_events WHERE resolved = 0 ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		if err := rows.Scan(&ev.ID, &ev.MachineID, &ev.Severity, &ev.Kind, &ev.Message, &ev.Resolved, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) ResolveSecurityEvents(ctx context.Context, machineID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE security_events SET resolved = 1 WHERE machine_id = ? AND resolved = 0", machineID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)",
		u.ID, u.Username, u.PasswordHash, u.Role, u.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?", username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Machine access ---

func (s *SQLiteStore) GrantMachineAccess(ctx context.Context, userID, machineID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machine_access (user_id, machine_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, machine_id) DO NOTHING`,
		userID, machineID, time.Now(),
	)
	return err
}

func (s *SQLiteStore) RevokeMachineAccess(ctx context.Context, userID, machineID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM machine_access WHERE user_id = ? AND machine_id = ?", userID, machineID)
	return err
}

func (s *SQLiteStore) HasMachineAccess(ctx context.Context, userID, machineID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM machine_access WHERE user_id = ? AND machine_id = ?",
		userID, machineID,
	).Scan(&count)
	return count > 0, err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, ev *AuditEvent) error {
	detail := ""
	if ev.Detail != nil {
		detail = string(ev.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, user_id, machine_id, session_id, job_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Action, ev.UserID, ev.MachineID, ev.SessionID, ev.JobID, detail, ev.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := "SELECT id, action, user_id, machine_id, session_id, job_id, detail, created_at FROM audit_log WHERE 1=1"
	var args []any

	if filter.Action != "" {
		query += " AND action LIKE ?"
		args = append(args, filter.Action+"%")
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.MachineID != "" {
		query += " AND machine_id = ?"
		args = append(args, filter.MachineID)
	}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, filter.JobID)
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.MachineID, &e.SessionID, &e.JobID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_log WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
