package store

import (
	"context"
	"time"

	"github.com/sells-group/prep-cli/internal/credit"
	"github.com/sells-group/prep-cli/internal/model"
)

// CreditLedger adapts a Store's credit_balances table to credit.AdminLedger.
type CreditLedger struct {
	store Store
}

var _ credit.AdminLedger = (*CreditLedger)(nil)

// NewCreditLedger wraps s.
func NewCreditLedger(s Store) *CreditLedger {
	return &CreditLedger{store: s}
}

func (l *CreditLedger) Check(ctx context.Context, userID string, amount float64) (credit.CheckResult, error) {
	available, err := l.store.CheckCredits(ctx, userID, amount)
	if err != nil {
		return credit.CheckResult{}, err
	}
	return credit.CheckResult{Allowed: available >= amount, Available: available}, nil
}

func (l *CreditLedger) Consume(ctx context.Context, userID string, amount float64) (bool, error) {
	return l.store.ConsumeCredits(ctx, userID, amount)
}

func (l *CreditLedger) Grant(ctx context.Context, userID string, amount float64) (float64, error) {
	return l.store.GrantCredits(ctx, userID, amount)
}

func (l *CreditLedger) Balance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	return l.store.GetBalance(ctx, userID)
}

func (l *CreditLedger) ResetMonthly(ctx context.Context, now time.Time) (int64, error) {
	return l.store.ResetMonthlyUsage(ctx, now)
}
