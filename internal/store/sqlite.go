package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle (used by TSDB).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS health_state (
			org TEXT NOT NULL,
			provider_key TEXT NOT NULL,
			healthy INTEGER NOT NULL DEFAULT 1,
			score REAL NOT NULL DEFAULT 1.0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			cooldown_until TEXT NOT NULL DEFAULT '',
			last_reason TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (org, provider_key)
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			org TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL,
			provider_key TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 1,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 200,
			error_class TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_model ON request_logs(model)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT 'default',
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			name TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '["chat"]',
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			expires_at TEXT,
			rotation_days INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			monthly_budget_usd REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Health State

func (s *SQLiteStore) SaveHealthState(ctx context.Context, rec HealthStateRecord) error {
	healthyInt := 0
	if rec.Healthy {
		healthyInt = 1
	}
	cooldown := ""
	if !rec.CooldownUntil.IsZero() {
		cooldown = rec.CooldownUntil.UTC().Format(time.RFC3339)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_state (org, provider_key, healthy, score, consecutive_failures, cooldown_until, last_reason, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(org, provider_key) DO UPDATE SET
		   healthy=excluded.healthy,
		   score=excluded.score,
		   consecutive_failures=excluded.consecutive_failures,
		   cooldown_until=excluded.cooldown_until,
		   last_reason=excluded.last_reason,
		   updated_at=excluded.updated_at`,
		rec.Org, rec.ProviderKey, healthyInt, rec.Score, rec.ConsecutiveFailures,
		cooldown, rec.LastReason, updated.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListHealthStates(ctx context.Context) ([]HealthStateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org, provider_key, healthy, score, consecutive_failures, cooldown_until, last_reason, updated_at
		 FROM health_state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var states []HealthStateRecord
	for rows.Next() {
		var rec HealthStateRecord
		var healthyInt int
		var cooldown, updated string
		if err := rows.Scan(&rec.Org, &rec.ProviderKey, &healthyInt, &rec.Score,
			&rec.ConsecutiveFailures, &cooldown, &rec.LastReason, &updated); err != nil {
			return nil, err
		}
		rec.Healthy = healthyInt != 0
		if cooldown != "" {
			rec.CooldownUntil, _ = time.Parse(time.RFC3339, cooldown)
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		states = append(states, rec)
	}
	return states, rows.Err()
}

// Request Logs

func (s *SQLiteStore) LogRequest(ctx context.Context, entry RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (timestamp, org, model, provider_key, attempts, total_tokens, cost_usd, latency_ms, status_code, error_class, request_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(time.RFC3339), entry.Org, entry.Model, entry.ProviderKey, entry.Attempts,
		entry.TotalTokens, entry.CostUSD, entry.LatencyMs, entry.StatusCode,
		entry.ErrorClass, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, org, model, provider_key, attempts, total_tokens, cost_usd, latency_ms, status_code, error_class, request_id
		 FROM request_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []RequestLog
	for rows.Next() {
		var l RequestLog
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.Org, &l.Model, &l.ProviderKey, &l.Attempts,
			&l.TotalTokens, &l.CostUSD, &l.LatencyMs, &l.StatusCode, &l.ErrorClass, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339, ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetMonthlySpend sums request costs for an org since the start of the
// current calendar month (UTC).
func (s *SQLiteStore) GetMonthlySpend(ctx context.Context, org string) (float64, error) {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var spend float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM request_logs WHERE org = ? AND timestamp >= ?`,
		org, monthStart.Format(time.RFC3339)).Scan(&spend)
	if err != nil {
		return 0, err
	}
	return spend, nil
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

// Audit Logs

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var l AuditEntry
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.Action, &l.Resource, &l.Detail, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339, ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// API Keys

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key APIKeyRecord) error {
	var lastUsed, expires *string
	if key.LastUsedAt != nil {
		t := key.LastUsedAt.UTC().Format(time.RFC3339)
		lastUsed = &t
	}
	if key.ExpiresAt != nil {
		t := key.ExpiresAt.UTC().Format(time.RFC3339)
		expires = &t
	}
	enabledInt := 0
	if key.Enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, org_id, key_hash, key_prefix, name, scopes, created_at, last_used_at, expires_at, rotation_days, enabled, monthly_budget_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.OrgID, key.KeyHash, key.KeyPrefix, key.Name, key.Scopes,
		key.CreatedAt.UTC().Format(time.RFC3339), lastUsed, expires,
		key.RotationDays, enabledInt, key.MonthlyBudgetUSD)
	return err
}

func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error) {
	var k APIKeyRecord
	var createdAt string
	var lastUsed, expires sql.NullString
	var enabledInt int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, key_hash, key_prefix, name, scopes, created_at, last_used_at, expires_at, rotation_days, enabled, monthly_budget_usd
		 FROM api_keys WHERE id = ?`, id).
		Scan(&k.ID, &k.OrgID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Scopes,
			&createdAt, &lastUsed, &expires, &k.RotationDays, &enabledInt, &k.MonthlyBudgetUSD)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339, lastUsed.String)
		k.LastUsedAt = &t
	}
	if expires.Valid {
		t, _ := time.Parse(time.RFC3339, expires.String)
		k.ExpiresAt = &t
	}
	k.Enabled = enabledInt != 0
	return &k, nil
}

func (s *SQLiteStore) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error) {
	return s.queryAPIKeys(ctx,
		`SELECT id, org_id, key_hash, key_prefix, name, scopes, created_at, last_used_at, expires_at, rotation_days, enabled, monthly_budget_usd
		 FROM api_keys WHERE key_prefix = ? AND enabled = 1`, prefix)
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	return s.queryAPIKeys(ctx,
		`SELECT id, org_id, key_hash, key_prefix, name, scopes, created_at, last_used_at, expires_at, rotation_days, enabled, monthly_budget_usd
		 FROM api_keys ORDER BY created_at DESC`)
}

func (s *SQLiteStore) queryAPIKeys(ctx context.Context, query string, args ...any) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []APIKeyRecord
	for rows.Next() {
		var k APIKeyRecord
		var createdAt string
		var lastUsed, expires sql.NullString
		var enabledInt int
		if err := rows.Scan(&k.ID, &k.OrgID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Scopes,
			&createdAt, &lastUsed, &expires, &k.RotationDays, &enabledInt, &k.MonthlyBudgetUSD); err != nil {
			return nil, err
		}
		k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if lastUsed.Valid {
			t, _ := time.Parse(time.RFC3339, lastUsed.String)
			k.LastUsedAt = &t
		}
		if expires.Valid {
			t, _ := time.Parse(time.RFC3339, expires.String)
			k.ExpiresAt = &t
		}
		k.Enabled = enabledInt != 0
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) UpdateAPIKey(ctx context.Context, key APIKeyRecord) error {
	var lastUsed, expires *string
	if key.LastUsedAt != nil {
		t := key.LastUsedAt.UTC().Format(time.RFC3339)
		lastUsed = &t
	}
	if key.ExpiresAt != nil {
		t := key.ExpiresAt.UTC().Format(time.RFC3339)
		expires = &t
	}
	enabledInt := 0
	if key.Enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET org_id=?, key_hash=?, key_prefix=?, name=?, scopes=?, last_used_at=?, expires_at=?, rotation_days=?, enabled=?, monthly_budget_usd=?
		 WHERE id=?`,
		key.OrgID, key.KeyHash, key.KeyPrefix, key.Name, key.Scopes,
		lastUsed, expires, key.RotationDays, enabledInt, key.MonthlyBudgetUSD, key.ID)
	return err
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}
