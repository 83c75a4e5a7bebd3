package apikey

import (
	"context"
	"testing"
	"time"

	"github.com/rudironsoni/synaxis/internal/store"
)

func logSpend(t *testing.T, s store.Store, org string, cost float64) {
	t.Helper()
	err := s.LogRequest(context.Background(), store.RequestLog{
		Timestamp:   time.Now().UTC(),
		Org:         org,
		Model:       "gpt-4o",
		ProviderKey: "openai",
		CostUSD:     cost,
		StatusCode:  200,
	})
	if err != nil {
		t.Fatalf("log request failed: %v", err)
	}
}

func TestCheckBudget_Unlimited(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s)

	// Budget of 0 means unlimited.
	rec := &store.APIKeyRecord{
		ID:               "key1",
		OrgID:            "acme",
		MonthlyBudgetUSD: 0,
	}
	if err := bc.CheckBudget(context.Background(), rec); err != nil {
		t.Errorf("expected nil error for unlimited budget, got %v", err)
	}
}

func TestCheckBudget_NilRecord(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s)

	if err := bc.CheckBudget(context.Background(), nil); err != nil {
		t.Errorf("expected nil error for nil record, got %v", err)
	}
}

func TestCheckBudget_UnderBudget(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s)
	ctx := context.Background()

	rec := &store.APIKeyRecord{
		ID:               "key-under",
		OrgID:            "acme",
		MonthlyBudgetUSD: 10.0,
	}

	logSpend(t, s, "acme", 2.50)
	logSpend(t, s, "acme", 3.00)

	if err := bc.CheckBudget(ctx, rec); err != nil {
		t.Errorf("expected nil error for under-budget org, got %v", err)
	}
}

func TestCheckBudget_ExceedsBudget(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s)
	ctx := context.Background()

	rec := &store.APIKeyRecord{
		ID:               "key-over",
		OrgID:            "acme",
		MonthlyBudgetUSD: 5.0,
	}

	logSpend(t, s, "acme", 3.00)
	logSpend(t, s, "acme", 3.00)

	err := bc.CheckBudget(ctx, rec)
	if err == nil {
		t.Fatal("expected error for over-budget org, got nil")
	}

	budgetErr, ok := err.(*BudgetExceededError)
	if !ok {
		t.Fatalf("expected *BudgetExceededError, got %T", err)
	}
	if budgetErr.Org != "acme" {
		t.Errorf("expected org acme, got %s", budgetErr.Org)
	}
	if budgetErr.BudgetUSD != 5.0 {
		t.Errorf("expected budget $5.00, got $%.2f", budgetErr.BudgetUSD)
	}
	if budgetErr.SpentUSD != 6.0 {
		t.Errorf("expected spent $6.00, got $%.2f", budgetErr.SpentUSD)
	}
}

func TestCheckBudget_ExactBudget(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s)
	ctx := context.Background()

	rec := &store.APIKeyRecord{
		ID:               "key-exact",
		OrgID:            "acme",
		MonthlyBudgetUSD: 5.0,
	}

	logSpend(t, s, "acme", 5.00)

	err := bc.CheckBudget(ctx, rec)
	if err == nil {
		t.Fatal("expected error when spend equals budget, got nil")
	}

	budgetErr, ok := err.(*BudgetExceededError)
	if !ok {
		t.Fatalf("expected *BudgetExceededError, got %T", err)
	}
	if budgetErr.SpentUSD != 5.0 {
		t.Errorf("expected spent $5.00, got $%.2f", budgetErr.SpentUSD)
	}
}

func TestCheckBudget_BudgetIsPerOrg(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s)
	ctx := context.Background()

	// Org A: $5 budget, $4 spent. Org B: $5 budget, $6 spent.
	recA := &store.APIKeyRecord{ID: "key-a", OrgID: "org-a", MonthlyBudgetUSD: 5.0}
	recB := &store.APIKeyRecord{ID: "key-b", OrgID: "org-b", MonthlyBudgetUSD: 5.0}
	logSpend(t, s, "org-a", 4.00)
	logSpend(t, s, "org-b", 6.00)

	if err := bc.CheckBudget(ctx, recA); err != nil {
		t.Errorf("expected org-a to pass, got %v", err)
	}
	if err := bc.CheckBudget(ctx, recB); err == nil {
		t.Error("expected org-b to fail budget check")
	}
}

func TestCheckBudget_SharedAcrossOrgKeys(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s)
	ctx := context.Background()

	// Two keys in the same org share one spend pool.
	logSpend(t, s, "acme", 6.00)

	rec1 := &store.APIKeyRecord{ID: "key-1", OrgID: "acme", MonthlyBudgetUSD: 5.0}
	rec2 := &store.APIKeyRecord{ID: "key-2", OrgID: "acme", MonthlyBudgetUSD: 5.0}

	if err := bc.CheckBudget(ctx, rec1); err == nil {
		t.Error("expected key-1 to fail, org is over budget")
	}
	if err := bc.CheckBudget(ctx, rec2); err == nil {
		t.Error("expected key-2 to fail, org is over budget")
	}
}

func TestCheckBudget_InvalidateRefreshesSpend(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s)
	ctx := context.Background()

	rec := &store.APIKeyRecord{
		ID:               "key-fresh",
		OrgID:            "acme",
		MonthlyBudgetUSD: 10.0,
	}

	logSpend(t, s, "acme", 3.00)

	// First check caches $3 < $10.
	if err := bc.CheckBudget(ctx, rec); err != nil {
		t.Fatalf("first check failed: %v", err)
	}

	// Push the org over budget, then invalidate so the next check sees it.
	logSpend(t, s, "acme", 8.00)
	bc.InvalidateCache("acme")

	err := bc.CheckBudget(ctx, rec)
	if err == nil {
		t.Fatal("expected check to fail after cache invalidation")
	}

	budgetErr, ok := err.(*BudgetExceededError)
	if !ok {
		t.Fatalf("expected *BudgetExceededError, got %T", err)
	}
	if budgetErr.SpentUSD != 11.0 {
		t.Errorf("expected spent $11.00, got $%.2f", budgetErr.SpentUSD)
	}
}

func TestCheckBudget_CachedSpendWithinTTL(t *testing.T) {
	s := newTestStore(t)
	bc := NewBudgetChecker(s)
	ctx := context.Background()

	rec := &store.APIKeyRecord{
		ID:               "key-cached",
		OrgID:            "acme",
		MonthlyBudgetUSD: 10.0,
	}

	logSpend(t, s, "acme", 3.00)
	if err := bc.CheckBudget(ctx, rec); err != nil {
		t.Fatalf("first check failed: %v", err)
	}

	// Without invalidation the cached $3 is used even though the DB now
	// shows the org over budget.
	logSpend(t, s, "acme", 8.00)
	if err := bc.CheckBudget(ctx, rec); err != nil {
		t.Errorf("expected cached check to pass within TTL, got %v", err)
	}
}

func TestBudgetExceededError_Error(t *testing.T) {
	err := &BudgetExceededError{
		Org:       "acme",
		BudgetUSD: 10.00,
		SpentUSD:  12.50,
	}
	expected := "monthly budget exceeded for org acme: budget=$10.00, spent=$12.5000"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}
