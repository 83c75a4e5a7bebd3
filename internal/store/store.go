package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for the gateway.
type Store interface {
	// Health state snapshots, keyed by (org, provider).
	SaveHealthState(ctx context.Context, s HealthStateRecord) error
	ListHealthStates(ctx context.Context) ([]HealthStateRecord, error)

	// Request log (for audit and dashboard)
	LogRequest(ctx context.Context, entry RequestLog) error
	ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error)
	GetMonthlySpend(ctx context.Context, org string) (float64, error)

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Audit logging
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// API keys
	CreateAPIKey(ctx context.Context, key APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error)
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error)
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	UpdateAPIKey(ctx context.Context, key APIKeyRecord) error
	DeleteAPIKey(ctx context.Context, id string) error

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// HealthStateRecord is the persisted form of a health tracker state.
type HealthStateRecord struct {
	Org                 string    `json:"org"`
	ProviderKey         string    `json:"provider_key"`
	Healthy             bool      `json:"healthy"`
	Score               float64   `json:"score"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	LastReason          string    `json:"last_reason,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// AuditEntry captures an admin mutation for the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`               // e.g. "apikey.create", "health.reset", "registry.reload"
	Resource  string    `json:"resource"`             // e.g. "openai", "key-id"
	Detail    string    `json:"detail,omitempty"`     // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}

// RequestLog captures a single routed request for audit/dashboard.
type RequestLog struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Org         string    `json:"org"`
	Model       string    `json:"model"`
	ProviderKey string    `json:"provider_key"`
	Attempts    int       `json:"attempts"`
	TotalTokens int       `json:"total_tokens"`
	CostUSD     float64   `json:"cost_usd"`
	LatencyMs   int64     `json:"latency_ms"`
	StatusCode  int       `json:"status_code"`
	ErrorClass  string    `json:"error_class,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
}

// APIKeyRecord is the persisted form of a gateway API key.
type APIKeyRecord struct {
	ID           string     `json:"id"`
	OrgID        string     `json:"org_id"`
	KeyHash      string     `json:"key_hash"`
	KeyPrefix    string     `json:"key_prefix"`
	Name         string     `json:"name"`
	Scopes       string     `json:"scopes"` // JSON array, e.g. ["chat","admin"]
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RotationDays int        `json:"rotation_days"`
	Enabled      bool       `json:"enabled"`
	// MonthlyBudgetUSD caps the org's monthly spend; 0 means unlimited.
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd"`
}
