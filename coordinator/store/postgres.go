package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id       TEXT PRIMARY KEY,
	hostname       TEXT NOT NULL DEFAULT '',
	ip_address     TEXT NOT NULL DEFAULT '',
	os_info        TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'active',
	last_heartbeat TIMESTAMPTZ,
	registered_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS scans (
	scan_id       TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	scan_type     TEXT NOT NULL,
	target_path   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT NOT NULL DEFAULT '',
	result_json   JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_scans_agent_status ON scans (agent_id, status);
CREATE INDEX IF NOT EXISTS idx_scans_created ON scans (created_at DESC);

CREATE TABLE IF NOT EXISTS packages (
	id              BIGSERIAL PRIMARY KEY,
	scan_id         TEXT NOT NULL REFERENCES scans (scan_id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	version         TEXT NOT NULL DEFAULT '',
	package_manager TEXT NOT NULL DEFAULT '',
	architecture    TEXT NOT NULL DEFAULT '',
	metadata        JSONB
);
CREATE INDEX IF NOT EXISTS idx_packages_scan ON packages (scan_id);

CREATE TABLE IF NOT EXISTS vulnerabilities (
	id              BIGSERIAL PRIMARY KEY,
	scan_id         TEXT NOT NULL REFERENCES scans (scan_id) ON DELETE CASCADE,
	cve_id          TEXT NOT NULL,
	severity        TEXT NOT NULL DEFAULT '',
	package_name    TEXT NOT NULL DEFAULT '',
	package_version TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	cvss_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	fixed_version   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_scan ON vulnerabilities (scan_id);
`

// NewPostgresStore initializes a PostgresStore with a connection pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Agent Operations ---

func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (agent_id, hostname, ip_address, os_info, status, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			ip_address = EXCLUDED.ip_address,
			os_info = EXCLUDED.os_info,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat
	`
	_, err := s.pool.Exec(ctx, query,
		agent.AgentID, agent.Hostname, agent.IPAddress, agent.OSInfo,
		agent.Status, agent.LastHeartbeat, agent.RegisteredAt,
	)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	query := `
		SELECT agent_id, hostname, ip_address, os_info, status, last_heartbeat, registered_at
		FROM agents WHERE agent_id = $1
	`
	var a Agent
	err := s.pool.QueryRow(ctx, query, agentID).Scan(
		&a.AgentID, &a.Hostname, &a.IPAddress, &a.OSInfo, &a.Status,
		&a.LastHeartbeat, &a.RegisteredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT agent_id, hostname, ip_address, os_info, status, last_heartbeat, registered_at
		FROM agents ORDER BY registered_at DESC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]*Agent, 0)
	for rows.Next() {
		var a Agent
		if err := rows.Scan(
			&a.AgentID, &a.Hostname, &a.IPAddress, &a.OSInfo, &a.Status,
			&a.LastHeartbeat, &a.RegisteredAt,
		); err != nil {
			return nil, err
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) TouchAgent(ctx context.Context, agentID string, t time.Time) error {
	query := `UPDATE agents SET last_heartbeat = $1, status = 'active' WHERE agent_id = $2`
	tag, err := s.pool.Exec(ctx, query, t, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, agentID string) error {
	// No FK from scans to agents: historical scans are orphaned, not deleted.
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Scan Operations ---

func (s *PostgresStore) CreateScan(ctx context.Context, scan *Scan) error {
	query := `
		INSERT INTO scans (scan_id, agent_id, scan_type, target_path, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		scan.ScanID, scan.AgentID, scan.ScanType, scan.TargetPath, scan.Status, scan.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetScan(ctx context.Context, scanID string) (*Scan, error) {
	query := `
		SELECT scan_id, agent_id, scan_type, target_path, status, error_message, result_json,
		       created_at, started_at, completed_at
		FROM scans WHERE scan_id = $1
	`
	var sc Scan
	err := s.pool.QueryRow(ctx, query, scanID).Scan(
		&sc.ScanID, &sc.AgentID, &sc.ScanType, &sc.TargetPath, &sc.Status,
		&sc.ErrorMessage, &sc.Result, &sc.CreatedAt, &sc.StartedAt, &sc.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) ListScans(ctx context.Context, f ScanFilter) ([]*Scan, error) {
	query := `
		SELECT scan_id, agent_id, scan_type, target_path, status, error_message, result_json,
		       created_at, started_at, completed_at
		FROM scans WHERE 1=1
	`
	args := make([]interface{}, 0, 3)
	if f.Status != "" {
		args = append(args, f.Status)
		query += ` AND status = $1`
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		query += ` AND agent_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *PostgresStore) PendingScans(ctx context.Context, agentID string) ([]*Scan, error) {
	query := `
		SELECT scan_id, agent_id, scan_type, target_path, status, error_message, result_json,
		       created_at, started_at, completed_at
		FROM scans WHERE agent_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *PostgresStore) ClaimScan(ctx context.Context, scanID string, t time.Time) error {
	// Single conditional UPDATE: the claim is atomic, no lock machinery needed.
	query := `UPDATE scans SET status = 'running', started_at = $2 WHERE scan_id = $1 AND status = 'pending'`
	tag, err := s.pool.Exec(ctx, query, scanID, t)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish missing from already-claimed.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scans WHERE scan_id = $1)`, scanID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *PostgresStore) CommitResult(ctx context.Context, c *ResultCommit) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM scans WHERE scan_id = $1 FOR UPDATE`, c.ScanID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	if IsTerminal(current) {
		if current == c.Status {
			return false, nil // idempotent retry, keep stored state
		}
		return false, ErrConflict
	}
	if current == ScanPending {
		return false, ErrConflict
	}

	_, err = tx.Exec(ctx, `
		UPDATE scans SET status = $2, completed_at = $3, error_message = $4, result_json = $5
		WHERE scan_id = $1
	`, c.ScanID, c.Status, c.CompletedAt, c.ErrorMessage, c.Result)
	if err != nil {
		return false, err
	}

	// Replace-on-ingest: drop prior children, insert the supplied sets.
	if _, err = tx.Exec(ctx, `DELETE FROM packages WHERE scan_id = $1`, c.ScanID); err != nil {
		return false, err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM vulnerabilities WHERE scan_id = $1`, c.ScanID); err != nil {
		return false, err
	}

	for _, p := range c.Packages {
		_, err = tx.Exec(ctx, `
			INSERT INTO packages (scan_id, name, version, package_manager, architecture, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, c.ScanID, p.Name, p.Version, p.PackageManager, p.Architecture, p.Metadata)
		if err != nil {
			return false, err
		}
	}
	for _, v := range c.Vulnerabilities {
		_, err = tx.Exec(ctx, `
			INSERT INTO vulnerabilities (scan_id, cve_id, severity, package_name, package_version, description, cvss_score, fixed_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, c.ScanID, v.CVEID, v.Severity, v.PackageName, v.PackageVersion, v.Description, v.CVSSScore, v.FixedVersion)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) StaleRunning(ctx context.Context, olderThan time.Time) ([]*Scan, error) {
	query := `
		SELECT scan_id, agent_id, scan_type, target_path, status, error_message, result_json,
		       created_at, started_at, completed_at
		FROM scans WHERE status = 'running' AND started_at < $1
		ORDER BY started_at ASC
	`
	rows, err := s.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// --- Result Sub-Records ---

func (s *PostgresStore) ListPackages(ctx context.Context, scanID string) ([]*Package, error) {
	query := `
		SELECT name, version, package_manager, architecture, metadata
		FROM packages WHERE scan_id = $1 ORDER BY name
	`
	rows, err := s.pool.Query(ctx, query, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pkgs := make([]*Package, 0)
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.Name, &p.Version, &p.PackageManager, &p.Architecture, &p.Metadata); err != nil {
			return nil, err
		}
		pkgs = append(pkgs, &p)
	}
	return pkgs, rows.Err()
}

func (s *PostgresStore) ListVulnerabilities(ctx context.Context, scanID string) ([]*Vulnerability, error) {
	query := `
		SELECT cve_id, severity, package_name, package_version, description, cvss_score, fixed_version
		FROM vulnerabilities WHERE scan_id = $1
		ORDER BY
			CASE severity
				WHEN 'CRITICAL' THEN 1
				WHEN 'HIGH' THEN 2
				WHEN 'MEDIUM' THEN 3
				WHEN 'LOW' THEN 4
				ELSE 5
			END
	`
	rows, err := s.pool.Query(ctx, query, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vulns := make([]*Vulnerability, 0)
	for rows.Next() {
		var v Vulnerability
		if err := rows.Scan(&v.CVEID, &v.Severity, &v.PackageName, &v.PackageVersion, &v.Description, &v.CVSSScore, &v.FixedVersion); err != nil {
			return nil, err
		}
		vulns = append(vulns, &v)
	}
	return vulns, rows.Err()
}

// --- Statistics ---

func (s *PostgresStore) Stats(ctx context.Context, activeSince time.Time) (*Stats, error) {
	stats := &Stats{
		ScansByStatus:             make(map[string]int),
		VulnerabilitiesBySeverity: make(map[string]int),
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&stats.TotalAgents); err != nil {
		return nil, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents WHERE last_heartbeat > $1`, activeSince).Scan(&stats.ActiveAgents); err != nil {
		return nil, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scans`).Scan(&stats.TotalScans); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM scans GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ScansByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scans WHERE created_at > NOW() - INTERVAL '24 hours'`).Scan(&stats.ScansLast24h); err != nil {
		return nil, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vulnerabilities`).Scan(&stats.TotalVulnerabilities); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT severity, COUNT(*) FROM vulnerabilities GROUP BY severity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		stats.VulnerabilitiesBySeverity[severity] = count
	}
	return stats, rows.Err()
}

// --- helpers ---

func scanRows(rows pgx.Rows) ([]*Scan, error) {
	scans := make([]*Scan, 0)
	for rows.Next() {
		var sc Scan
		if err := rows.Scan(
			&sc.ScanID, &sc.AgentID, &sc.ScanType, &sc.TargetPath, &sc.Status,
			&sc.ErrorMessage, &sc.Result, &sc.CreatedAt, &sc.StartedAt, &sc.CompletedAt,
		); err != nil {
			return nil, err
		}
		scans = append(scans, &sc)
	}
	return scans, rows.Err()
}
