package credit

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prep-cli/internal/metrics"
)

// Policy decides what happens when the ledger is unavailable.
type Policy string

const (
	// PolicyAllow lets the work through unbilled and logs loudly.
	PolicyAllow Policy = "allow"
	// PolicyDeny refuses the work.
	PolicyDeny Policy = "deny"
)

// ParsePolicy parses a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyAllow, PolicyDeny:
		return Policy(s), nil
	}
	return "", eris.Errorf("credit: unknown degraded policy %q", s)
}

// Result is the outcome of a guarded consume.
type Result struct {
	// Consumed is true when credits were deducted, or when the ledger was
	// unavailable and the policy allowed the work anyway.
	Consumed bool
	// Degraded is true when the ledger could not be used.
	Degraded bool
}

// Guard applies the degraded policy around a Ledger.
type Guard struct {
	ledger  Ledger
	policy  Policy
	metrics *metrics.Metrics
}

// NewGuard creates a Guard. An empty policy means PolicyAllow.
func NewGuard(ledger Ledger, policy Policy, m *metrics.Metrics) *Guard {
	if policy == "" {
		policy = PolicyAllow
	}
	return &Guard{ledger: ledger, policy: policy, metrics: m}
}

// Policy returns the configured degraded policy.
func (g *Guard) Policy() Policy { return g.policy }

// Consume deducts amount from the user's balance. It never returns an error:
// ledger failures are resolved by the policy.
func (g *Guard) Consume(ctx context.Context, userID string, amount float64) Result {
	if amount <= 0 {
		return Result{Consumed: true}
	}

	log := zap.L().With(
		zap.String("user_id", userID),
		zap.Float64("credits", amount),
	)

	ok, err := g.ledger.Consume(ctx, userID, amount)
	if isContextDone(err) {
		log.Warn("credit: consume abandoned, caller context done", zap.Error(err))
		g.metrics.IncConsume("abandoned", 0)
		return Result{}
	}
	if err != nil {
		return g.degraded(log, "consume", err)
	}
	if !ok {
		log.Warn("credit: insufficient balance, nothing deducted")
		g.metrics.IncConsume("insufficient", amount)
		return Result{}
	}

	log.Debug("credit: consumed")
	g.metrics.IncConsume("consumed", amount)
	return Result{Consumed: true}
}

// Check is an advisory pre-flight. Ledger failures are resolved by the
// policy; the returned bool reports whether the answer is degraded.
func (g *Guard) Check(ctx context.Context, userID string, amount float64) (CheckResult, bool) {
	res, err := g.ledger.Check(ctx, userID, amount)
	if err == nil {
		return res, false
	}
	if isContextDone(err) {
		return CheckResult{}, false
	}

	log := zap.L().With(zap.String("user_id", userID), zap.Float64("credits", amount))
	r := g.degraded(log, "check", err)
	return CheckResult{Allowed: r.Consumed}, true
}

func (g *Guard) degraded(log *zap.Logger, op string, err error) Result {
	g.metrics.IncDegraded(metrics.DegradedCredits)

	fields := []zap.Field{
		zap.String("op", op),
		zap.String("policy", string(g.policy)),
		zap.Bool("degraded", true),
		zap.Bool("unavailable", errors.Is(err, ErrUnavailable)),
		zap.Error(err),
	}

	if g.policy == PolicyDeny {
		log.Error("credit: ledger unavailable, denying", fields...)
		g.metrics.IncConsume("unavailable_denied", 0)
		return Result{Degraded: true}
	}

	log.Error("credit: ledger unavailable, allowing UNBILLED work", fields...)
	g.metrics.IncConsume("unavailable_allowed", 0)
	return Result{Consumed: true, Degraded: true}
}

// isContextDone reports whether err comes from the caller giving up rather
// than from the ledger.
func isContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
