package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL via pgx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres connects to PostgreSQL and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			ip TEXT NOT NULL,
			os TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			encrypted_secret TEXT NOT NULL DEFAULT '',
			secret_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '{}',
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machines_secret_hash ON machines(secret_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_machines_hostname_ip ON machines(hostname, ip)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id BIGSERIAL PRIMARY KEY,
			machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			cpu_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
			ram_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
			ram_used BIGINT NOT NULL DEFAULT 0,
			ram_total BIGINT NOT NULL DEFAULT 0,
			disk_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
			disk_used BIGINT NOT NULL DEFAULT 0,
			disk_total BIGINT NOT NULL DEFAULT 0,
			uptime BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_machine_created ON metrics(machine_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS ports (
			machine_id TEXT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			port INTEGER NOT NULL,
			proto TEXT NOT NULL,
			service TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS job_executions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			machine_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			exit_code INTEGER,
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			UNIQUE (job_id, machine_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_executions_job_id ON job_executions(job_id)`,
		`CREATE TABLE IF NOT EXISTS machine_groups (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			type TEXT NOT NULL DEFAULT 'static',
			members TEXT NOT NULL DEFAULT '[]',
			query TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			kind TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_machine ON security_events(machine_id)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS machine_access (
			user_id TEXT NOT NULL,
			machine_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Machines ---

func (s *PostgresStore) UpsertMachine(ctx context.Context, m *Machine) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (`+machineCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT(id) DO UPDATE SET hostname=excluded.hostname, ip=excluded.ip, os=excluded.os,
		   status=excluded.status, last_seen=excluded.last_seen,
		   encrypted_secret=excluded.encrypted_secret, secret_hash=excluded.secret_hash,
		   role=excluded.role, tags=excluded.tags, notes=excluded.notes`,
		m.ID, m.Hostname, m.IP, m.OS, m.Status, m.LastSeen,
		m.EncryptedSecret, m.SecretHash, m.Role, m.Tags, m.Notes, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	return scanMachine(s.db.QueryRowContext(ctx,
		"SELECT "+machineCols+" FROM machines WHERE id = $1", id))
}

func (s *PostgresStore) GetMachineBySecretHash(ctx context.Context, secretHash string) (*Machine, error) {
	return scanMachine(s.db.QueryRowContext(ctx,
		"SELECT "+machineCols+" FROM machines WHERE secret_hash = $1", secretHash))
}

func (s *PostgresStore) GetMachineByHostnameIP(ctx context.Context, hostname, ip string) (*Machine, error) {
	return scanMachine(s.db.QueryRowContext(ctx,
		"SELECT "+machineCols+" FROM machines WHERE hostname = $1 AND ip = $2", hostname, ip))
}

func (s *PostgresStore) ListMachines(ctx context.Context) ([]Machine, error) {
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

func (s *PostgresStore) SetMachineStatus(ctx context.Context, id, status string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE machines SET status = $1, last_seen = $2 WHERE id = $3",
		status, lastSeen, id,
	)
	return err
}

func (s *PostgresStore) MarkSilentMachinesOffline(ctx context.Context, seenBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"UPDATE machines SET status = $1 WHERE status = $2 AND last_seen < $3 RETURNING id",
		MachineOffline, MachineOnline, seenBefore,
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
	return ids, rows.Err()
}

func (s *PostgresStore) DeleteMachine(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM machines WHERE id = $1", id)
	return err
}

// --- Metrics ---

func (s *PostgresStore) InsertMetric(ctx context.Context, m *Metric) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (machine_id, cpu_usage, ram_usage, ram_used, ram_total, disk_usage, disk_used, disk_total, uptime, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.MachineID, m.CPUUsage, m.RAMUsage, m.RAMUsed, m.RAMTotal,
		m.DiskUsage, m.DiskUsed, m.DiskTotal, m.Uptime, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) LatestMetrics(ctx context.Context) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ON (machine_id) id, machine_id, cpu_usage, ram_usage, ram_used, ram_total,
		        disk_usage, disk_used, disk_total, uptime, created_at
		 FROM metrics ORDER BY machine_id, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetrics(rows)
}

func (s *PostgresStore) ListMetrics(ctx context.Context, machineID string, limit int) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, machine_id, cpu_usage, ram_usage, ram_used, ram_total, disk_usage, disk_used, disk_total, uptime, created_at
		 FROM metrics WHERE machine_id = $1 ORDER BY id DESC LIMIT $2`,
		machineID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMetrics(rows)
}

func (s *PostgresStore) PurgeOldMetrics(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM metrics WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Ports ---

func (s *PostgresStore) UpsertPorts(ctx context.Context, machineID string, ports []PortRecord, staleBefore time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range ports {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ports (machine_id, port, proto, service, state, last_seen) VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT(machine_id, port, proto) DO UPDATE SET service=excluded.service, state=excluded.state, last_seen=excluded.last_seen`,
			machineID, p.Port, p.Proto, p.Service, p.State, p.LastSeen,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM ports WHERE machine_id = $1 AND last_seen < $2",
		machineID, staleBefore,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) ListPorts(ctx context.Context, machineID string) ([]PortRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT machine_id, port, proto, service, state, last_seen FROM ports WHERE machine_id = $1 ORDER BY port",
		machineID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPorts(rows)
}

func (s *PostgresStore) ListAllPorts(ctx context.Context) ([]PortRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT machine_id, port, proto, service, state, last_seen FROM ports ORDER BY machine_id, port")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPorts(rows)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, command, mode, status, strategy, target_type, total_targets, created_by, created_at, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, j.Command, j.Mode, j.Status, j.Strategy, j.TargetType, j.TotalTargets, j.CreatedBy,
		j.CreatedAt, j.StartedAt, j.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.QueryRowContext(ctx,
		`SELECT id, command, mode, status, strategy, target_type, total_targets, created_by, created_at, started_at, completed_at
		 FROM jobs WHERE id = $1`, id,
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

func (s *PostgresStore) ListJobs(ctx context.Context, limit, offset int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, mode, status, strategy, target_type, total_targets, created_by, created_at, started_at, completed_at
		 FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
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

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id, status string, startedAt, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1,
		   started_at = COALESCE($2, started_at),
		   completed_at = COALESCE($3, completed_at)
		 WHERE id = $4`,
		status, startedAt, completedAt, id,
	)
	return err
}

// --- Job executions ---

func (s *PostgresStore) CreateJobExecution(ctx context.Context, e *JobExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_executions (`+executionCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.JobID, e.MachineID, e.Status, e.ExitCode, e.Output, e.Error,
		e.CreatedAt, e.StartedAt, e.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetJobExecution(ctx context.Context, id string) (*JobExecution, error) {
	return scanExecution(s.db.QueryRowContext(ctx,
		"SELECT "+executionCols+" FROM job_executions WHERE id = $1", id))
}

func (s *PostgresStore) GetJobExecutionByCommandID(ctx context.Context, commandID string) (*JobExecution, error) {
	return s.GetJobExecution(ctx, commandID)
}

func (s *PostgresStore) ListJobExecutions(ctx context.Context, jobID string) ([]JobExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+executionCols+" FROM job_executions WHERE job_id = $1 ORDER BY created_at", jobID)
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

func (s *PostgresStore) UpdateJobExecution(ctx context.Context, id, status string, exitCode *int, errMsg string, startedAt, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET status = $1,
		   exit_code = COALESCE($2, exit_code),
		   error = CASE WHEN $3 != '' THEN $3 ELSE error END,
		   started_at = COALESCE($4, started_at),
		   completed_at = COALESCE($5, completed_at)
		 WHERE id = $6`,
		status, exitCode, errMsg, startedAt, completedAt, id,
	)
	return err
}

func (s *PostgresStore) AppendJobExecutionOutput(ctx context.Context, id, chunk string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE job_executions SET output = output || $1 WHERE id = $2",
		chunk, id,
	)
	return err
}

// --- Machine groups ---

func (s *PostgresStore) CreateGroup(ctx context.Context, g *MachineGroup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machine_groups (id, name, type, members, query, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type,
		   members=excluded.members, query=excluded.query, updated_at=excluded.updated_at`,
		g.ID, g.Name, g.Type, g.Members, g.Query, g.CreatedAt, g.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*MachineGroup, error) {
	var g MachineGroup
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, type, members, query, created_at, updated_at FROM machine_groups WHERE id = $1", id,
	).Scan(&g.ID, &g.Name, &g.Type, &g.Members, &g.Query, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]MachineGroup, error) {
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

func (s *PostgresStore) DeleteGroup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM machine_groups WHERE id = $1", id)
	return err
}

// --- Security events ---

func (s *PostgresStore) InsertSecurityEvent(ctx context.Context, ev *SecurityEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (id, machine_id, severity, kind, message, resolved, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.MachineID, ev.Severity, ev.Kind, ev.Message, ev.Resolved, ev.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListUnresolvedSecurityEvents(ctx context.Context) ([]SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, machine_id, severity, kind, message, resolved, created_at
		 FROM security_events WHERE resolved = FALSE ORDER BY created_at DESC`)
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

func (s *PostgresStore) ResolveSecurityEvents(ctx context.Context, machineID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE security_events SET resolved = TRUE WHERE machine_id = $1 AND resolved = FALSE", machineID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		u.ID, u.Username, u.PasswordHash, u.Role, u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1", username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM users WHERE id = $1", id,
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

func (s *PostgresStore) GrantMachineAccess(ctx context.Context, userID, machineID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machine_access (user_id, machine_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT(user_id, machine_id) DO NOTHING`,
		userID, machineID, time.Now(),
	)
	return err
}

func (s *PostgresStore) RevokeMachineAccess(ctx context.Context, userID, machineID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM machine_access WHERE user_id = $1 AND machine_id = $2", userID, machineID)
	return err
}

func (s *PostgresStore) HasMachineAccess(ctx context.Context, userID, machineID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM machine_access WHERE user_id = $1 AND machine_id = $2",
		userID, machineID,
	).Scan(&count)
	return count > 0, err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, ev *AuditEvent) error {
	detail := ""
	if ev.Detail != nil {
		detail = string(ev.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, user_id, machine_id, session_id, job_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.Action, ev.UserID, ev.MachineID, ev.SessionID, ev.JobID, detail, ev.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := "SELECT id, action, user_id, machine_id, session_id, job_id, detail, created_at FROM audit_log WHERE 1=1"
	var args []any

	add := func(clause string, val any) {
		args = append(args, val)
		query += fmt.Sprintf(clause, len(args))
	}

	if filter.Action != "" {
		add(" AND action LIKE $%d", filter.Action+"%")
	}
	if filter.UserID != "" {
		add(" AND user_id = $%d", filter.UserID)
	}
	if filter.MachineID != "" {
		add(" AND machine_id = $%d", filter.MachineID)
	}
	if filter.SessionID != "" {
		add(" AND session_id = $%d", filter.SessionID)
	}
	if filter.JobID != "" {
		add(" AND job_id = $%d", filter.JobID)
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	add(" LIMIT $%d", limit)

	if filter.Offset > 0 {
		add(" OFFSET $%d", filter.Offset)
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_log WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
