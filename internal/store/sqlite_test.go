package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrate(t *testing.T) {
	s := newTestStore(t)
	// Running migrate twice should be idempotent.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestHealthStateUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := HealthStateRecord{
		Org: "acme", ProviderKey: "openai",
		Healthy: false, Score: 0.35, ConsecutiveFailures: 3,
		CooldownUntil: time.Now().Add(4 * time.Minute).UTC(),
		LastReason:    "upstream 503",
	}
	if err := s.SaveHealthState(ctx, rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Second save for the same pair replaces, not duplicates.
	rec.Healthy = true
	rec.ConsecutiveFailures = 0
	rec.CooldownUntil = time.Time{}
	if err := s.SaveHealthState(ctx, rec); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	states, err := s.ListHealthStates(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 state, got %d", len(states))
	}
	if !states[0].Healthy {
		t.Error("expected healthy after upsert")
	}
	if !states[0].CooldownUntil.IsZero() {
		t.Errorf("expected cleared cooldown, got %v", states[0].CooldownUntil)
	}
}

func TestHealthStatePerOrgRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, org := range []string{"acme", "globex"} {
		if err := s.SaveHealthState(ctx, HealthStateRecord{
			Org: org, ProviderKey: "openai", Healthy: true, Score: 1.0,
		}); err != nil {
			t.Fatalf("save %s failed: %v", org, err)
		}
	}

	states, err := s.ListHealthStates(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(states) != 2 {
		t.Errorf("expected 2 rows (one per org), got %d", len(states))
	}
}

func TestRequestLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := RequestLog{
		Timestamp:   time.Now().UTC(),
		Org:         "acme",
		Model:       "gpt-4o",
		ProviderKey: "openai",
		Attempts:    1,
		TotalTokens: 420,
		CostUSD:     0.0031,
		LatencyMs:   350,
		StatusCode:  200,
		RequestID:   "req-123",
	}
	if err := s.LogRequest(ctx, entry); err != nil {
		t.Fatalf("log request failed: %v", err)
	}

	// Log a second entry
	entry.Model = "claude-opus"
	entry.ProviderKey = "anthropic-proxy"
	entry.Attempts = 2
	entry.LatencyMs = 500
	if err := s.LogRequest(ctx, entry); err != nil {
		t.Fatalf("log request 2 failed: %v", err)
	}

	logs, err := s.ListRequestLogs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list logs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("expected 2 logs, got %d", len(logs))
	}
	// Most recent first
	if logs[0].Model != "claude-opus" {
		t.Errorf("expected claude-opus first (most recent), got %s", logs[0].Model)
	}
	if logs[0].Attempts != 2 {
		t.Errorf("expected 2 attempts recorded, got %d", logs[0].Attempts)
	}
}

func TestRequestLogsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := RequestLog{
			Timestamp:   time.Now().UTC(),
			Org:         "acme",
			Model:       "gpt-4o",
			ProviderKey: "openai",
			StatusCode:  200,
		}
		if err := s.LogRequest(ctx, entry); err != nil {
			t.Fatalf("log request failed: %v", err)
		}
	}

	logs, err := s.ListRequestLogs(ctx, 3, 0)
	if err != nil {
		t.Fatalf("list logs failed: %v", err)
	}
	if len(logs) != 3 {
		t.Errorf("expected 3 logs with limit, got %d", len(logs))
	}
}

func TestRequestLogsDefaultLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	logs, err := s.ListRequestLogs(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list logs failed: %v", err)
	}
	if logs != nil {
		t.Errorf("expected nil logs for empty db, got %d", len(logs))
	}
}

func TestVaultBlobPersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	salt := []byte("test-salt-16byte")
	data := map[string]string{
		"openai_key":  "enc-aes-gcm-openai",
		"mistral_key": "enc-aes-gcm-mistral",
	}

	if err := s.SaveVaultBlob(ctx, salt, data); err != nil {
		t.Fatalf("save vault blob failed: %v", err)
	}

	gotSalt, gotData, err := s.LoadVaultBlob(ctx)
	if err != nil {
		t.Fatalf("load vault blob failed: %v", err)
	}
	if string(gotSalt) != string(salt) {
		t.Errorf("expected salt %q, got %q", salt, gotSalt)
	}
	if len(gotData) != 2 {
		t.Errorf("expected 2 keys, got %d", len(gotData))
	}
	if gotData["openai_key"] != "enc-aes-gcm-openai" {
		t.Errorf("unexpected value: %s", gotData["openai_key"])
	}
}

func TestVaultBlobUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Save initial blob.
	if err := s.SaveVaultBlob(ctx, []byte("salt1"), map[string]string{"k": "v1"}); err != nil {
		t.Fatalf("save 1 failed: %v", err)
	}

	// Upsert with new data.
	if err := s.SaveVaultBlob(ctx, []byte("salt2"), map[string]string{"k": "v2"}); err != nil {
		t.Fatalf("save 2 failed: %v", err)
	}

	gotSalt, gotData, err := s.LoadVaultBlob(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(gotSalt) != "salt2" {
		t.Errorf("expected salt2, got %s", gotSalt)
	}
	if gotData["k"] != "v2" {
		t.Errorf("expected v2, got %s", gotData["k"])
	}
}

func TestVaultBlobEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	salt, data, err := s.LoadVaultBlob(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if salt != nil {
		t.Errorf("expected nil salt, got %v", salt)
	}
	if data != nil {
		t.Errorf("expected nil data, got %v", data)
	}
}

func TestAuditLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    "health.reset",
		Resource:  "openai",
		Detail:    `{"org":"acme"}`,
		RequestID: "req-9",
	}
	if err := s.LogAudit(ctx, entry); err != nil {
		t.Fatalf("log audit failed: %v", err)
	}

	logs, err := s.ListAuditLogs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(logs))
	}
	if logs[0].Action != "health.reset" || logs[0].Resource != "openai" {
		t.Errorf("unexpected entry: %+v", logs[0])
	}
}

func TestAPIKeyCRUDWithOrg(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := APIKeyRecord{
		ID: "key-1", OrgID: "acme", KeyHash: "hash", KeyPrefix: "synaxis_abc1",
		Name: "ci", Scopes: `["chat"]`, CreatedAt: time.Now().UTC(), Enabled: true,
	}
	if err := s.CreateAPIKey(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := s.GetAPIKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.OrgID != "acme" {
		t.Fatalf("expected org acme, got %+v", got)
	}

	byPrefix, err := s.GetAPIKeysByPrefix(ctx, "synaxis_abc1")
	if err != nil {
		t.Fatalf("prefix lookup failed: %v", err)
	}
	if len(byPrefix) != 1 {
		t.Errorf("expected 1 key by prefix, got %d", len(byPrefix))
	}

	rec.Enabled = false
	if err := s.UpdateAPIKey(ctx, rec); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	byPrefix, _ = s.GetAPIKeysByPrefix(ctx, "synaxis_abc1")
	if len(byPrefix) != 0 {
		t.Errorf("disabled key should not match prefix lookup, got %d", len(byPrefix))
	}

	if err := s.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	got, _ = s.GetAPIKey(ctx, "key-1")
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestAPIKeyBudgetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := APIKeyRecord{
		ID: "key-b", OrgID: "acme", KeyHash: "hash", KeyPrefix: "synaxis_bud1",
		Name: "budgeted", Scopes: `["chat"]`, CreatedAt: time.Now().UTC(),
		Enabled: true, MonthlyBudgetUSD: 25.5,
	}
	if err := s.CreateAPIKey(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := s.GetAPIKey(ctx, "key-b")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.MonthlyBudgetUSD != 25.5 {
		t.Errorf("expected budget 25.5, got %v", got.MonthlyBudgetUSD)
	}

	rec.MonthlyBudgetUSD = 100
	if err := s.UpdateAPIKey(ctx, rec); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, _ = s.GetAPIKey(ctx, "key-b")
	if got.MonthlyBudgetUSD != 100 {
		t.Errorf("expected budget 100 after update, got %v", got.MonthlyBudgetUSD)
	}
}

func TestGetMonthlySpend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	entries := []RequestLog{
		{Timestamp: now, Org: "acme", Model: "gpt-4o", ProviderKey: "openai", CostUSD: 1.25, StatusCode: 200},
		{Timestamp: now, Org: "acme", Model: "gpt-4o", ProviderKey: "openai", CostUSD: 0.75, StatusCode: 200},
		{Timestamp: now, Org: "other", Model: "gpt-4o", ProviderKey: "openai", CostUSD: 9.99, StatusCode: 200},
		{Timestamp: now.AddDate(0, -2, 0), Org: "acme", Model: "gpt-4o", ProviderKey: "openai", CostUSD: 50, StatusCode: 200},
	}
	for _, e := range entries {
		if err := s.LogRequest(ctx, e); err != nil {
			t.Fatalf("log failed: %v", err)
		}
	}

	spend, err := s.GetMonthlySpend(ctx, "acme")
	if err != nil {
		t.Fatalf("spend query failed: %v", err)
	}
	if spend != 2.0 {
		t.Errorf("expected spend 2.0 for current month, got %v", spend)
	}

	spend, err = s.GetMonthlySpend(ctx, "nobody")
	if err != nil {
		t.Fatalf("spend query failed: %v", err)
	}
	if spend != 0 {
		t.Errorf("expected zero spend, got %v", spend)
	}
}
