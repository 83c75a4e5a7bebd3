package apikey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rudironsoni/synaxis/internal/store"
)

// Spend totals are cached briefly so hot orgs don't hit the store on every
// request. A budget can therefore be overshot by up to one TTL of traffic.
const budgetCacheTTL = 30 * time.Second

// BudgetExceededError is returned when an org has exceeded its monthly budget.
type BudgetExceededError struct {
	Org       string
	BudgetUSD float64
	SpentUSD  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("monthly budget exceeded for org %s: budget=$%.2f, spent=$%.4f", e.Org, e.BudgetUSD, e.SpentUSD)
}

type cachedSpend struct {
	amount    float64
	expiresAt time.Time
}

// BudgetChecker validates per-org monthly spending limits against the
// request log totals in the store.
type BudgetChecker struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]cachedSpend // org -> cached spend

	nowFunc func() time.Time // test hook
}

func NewBudgetChecker(s store.Store) *BudgetChecker {
	return &BudgetChecker{
		store:   s,
		cache:   make(map[string]cachedSpend),
		nowFunc: time.Now,
	}
}

// CheckBudget verifies whether the key's org is within its monthly spending
// limit. Returns nil if the budget is unlimited (0) or not exceeded, and a
// *BudgetExceededError when the monthly spend has reached the budget.
func (bc *BudgetChecker) CheckBudget(ctx context.Context, rec *store.APIKeyRecord) error {
	if rec == nil || rec.MonthlyBudgetUSD <= 0 {
		return nil
	}

	spent, err := bc.monthlySpend(ctx, rec.OrgID)
	if err != nil {
		return fmt.Errorf("budget check: %w", err)
	}

	if spent >= rec.MonthlyBudgetUSD {
		return &BudgetExceededError{
			Org:       rec.OrgID,
			BudgetUSD: rec.MonthlyBudgetUSD,
			SpentUSD:  spent,
		}
	}
	return nil
}

// monthlySpend returns the org's spend this month, consulting the cache
// before the store.
func (bc *BudgetChecker) monthlySpend(ctx context.Context, org string) (float64, error) {
	bc.mu.RLock()
	cached, ok := bc.cache[org]
	bc.mu.RUnlock()
	if ok && bc.nowFunc().Before(cached.expiresAt) {
		return cached.amount, nil
	}

	spent, err := bc.store.GetMonthlySpend(ctx, org)
	if err != nil {
		return 0, err
	}

	bc.mu.Lock()
	bc.cache[org] = cachedSpend{
		amount:    spent,
		expiresAt: bc.nowFunc().Add(budgetCacheTTL),
	}
	bc.mu.Unlock()

	return spent, nil
}

// InvalidateCache removes the cached spend for an org.
// Call this after logging a request so the next budget check is fresh.
func (bc *BudgetChecker) InvalidateCache(org string) {
	bc.mu.Lock()
	delete(bc.cache, org)
	bc.mu.Unlock()
}
