// Package credit defines the credit ledger contract and the policy applied
// when the ledger's atomic primitive is unavailable.
package credit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prep-cli/internal/model"
)

// ErrUnavailable means the ledger's atomic primitive could not be used, e.g.
// the table or function is not provisioned or the backend is unreachable.
var ErrUnavailable = eris.New("credit: ledger unavailable")

// ErrInsufficientCredits is returned by callers that turn a failed consume
// or check into an error.
var ErrInsufficientCredits = eris.New("credit: insufficient credits")

// CheckResult is the advisory answer to a balance pre-flight.
type CheckResult struct {
	Allowed   bool    `json:"allowed"`
	Available float64 `json:"available"`
}

// Ledger is the credit balance store. Consume must be a single atomic
// conditional decrement: it deducts amount iff balance >= amount and returns
// false without any partial debit otherwise. Check is advisory only.
type Ledger interface {
	Check(ctx context.Context, userID string, amount float64) (CheckResult, error)
	Consume(ctx context.Context, userID string, amount float64) (bool, error)
}

// Admin is implemented by ledgers that support operator top-ups.
type Admin interface {
	Grant(ctx context.Context, userID string, amount float64) (float64, error)
	Balance(ctx context.Context, userID string) (*model.CreditBalance, error)
	// ResetMonthly zeroes monthly usage for balances not yet reset in now's
	// month and returns how many were reset.
	ResetMonthly(ctx context.Context, now time.Time) (int64, error)
}

// AdminLedger is a ledger that also supports top-ups.
type AdminLedger interface {
	Ledger
	Admin
}
