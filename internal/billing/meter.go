// Package billing turns one generation call's usage into a durable usage
// record, a priced charge and, for chargeable work, a credit debit.
package billing

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/prep-cli/internal/cost"
	"github.com/sells-group/prep-cli/internal/credit"
	"github.com/sells-group/prep-cli/internal/metrics"
	"github.com/sells-group/prep-cli/internal/model"
	"github.com/sells-group/prep-cli/internal/store"
)

// Receipt describes what happened to one usage record.
type Receipt struct {
	UsageID string      `json:"usage_id,omitempty"`
	Charge  cost.Charge `json:"charge"`
	// Consumed is true when credits were deducted or the degraded policy let
	// the work through.
	Consumed bool `json:"consumed"`
	// Degraded is true when coefficients or the credit ledger fell back.
	Degraded bool `json:"degraded"`
}

// Meter records usage, prices it and consumes credits.
type Meter struct {
	ledger   store.UsageLedger
	resolver *cost.Resolver
	calc     *cost.Calculator
	guard    *credit.Guard
	metrics  *metrics.Metrics
}

// NewMeter creates a Meter. A nil ledger skips usage records; a nil guard
// skips consumption.
func NewMeter(ledger store.UsageLedger, resolver *cost.Resolver, guard *credit.Guard, m *metrics.Metrics) *Meter {
	if resolver == nil {
		resolver = cost.NewResolver(nil, cost.DefaultCoefficients(), m)
	}
	return &Meter{
		ledger:   ledger,
		resolver: resolver,
		calc:     cost.NewCalculator(),
		guard:    guard,
		metrics:  m,
	}
}

// Charge meters one generation call for userID. Usage is recorded first so
// raw usage survives billing failures; consumption happens before the cost is
// attached and is never rolled back. Charge never fails: every step past the
// generation call is best-effort.
func (m *Meter) Charge(ctx context.Context, userID string, rec model.UsageRecord, chargeable bool) Receipt {
	rec.UserID = userID
	log := zap.L().With(
		zap.String("user_id", userID),
		zap.String("meeting_id", rec.MeetingID),
		zap.String("kind", string(rec.SubjectKind)),
		zap.String("subject", rec.SubjectKey),
	)

	var receipt Receipt

	if m.ledger != nil {
		id, err := m.ledger.RecordUsage(ctx, &rec)
		if err != nil {
			log.Warn("billing: record usage failed, continuing", zap.Bool("degraded", true), zap.Error(err))
			m.metrics.IncDegraded(metrics.DegradedUsageRecord)
		} else {
			receipt.UsageID = id
		}
	}

	coeffs, degraded := m.resolver.Resolve(ctx)
	receipt.Degraded = degraded
	receipt.Charge = m.calc.Compute(rec, coeffs)
	m.metrics.AddCost(string(rec.SubjectKind), receipt.Charge.CostUSD)

	log.Info("billing: usage priced",
		zap.Float64("cost_usd", receipt.Charge.CostUSD),
		zap.Float64("credits", receipt.Charge.Credits),
		zap.Float64("effective_tokens", cost.EffectiveTokens(rec.Usage, coeffs)),
		zap.Int64("search_queries", rec.SearchQueryCount),
		zap.String("coefficients_version", coeffs.Version),
		zap.Bool("chargeable", chargeable),
	)

	charged := 0.0
	if chargeable && receipt.Charge.Credits > 0 && m.guard != nil {
		res := m.guard.Consume(ctx, userID, receipt.Charge.Credits)
		receipt.Consumed = res.Consumed
		receipt.Degraded = receipt.Degraded || res.Degraded
		if res.Consumed && !res.Degraded {
			charged = receipt.Charge.Credits
		}
	}

	if m.ledger != nil && receipt.UsageID != "" {
		if err := m.ledger.AttachCost(ctx, receipt.UsageID, receipt.Charge.CostUSD, charged); err != nil {
			log.Warn("billing: attach cost failed, consumption stands",
				zap.String("usage_id", receipt.UsageID),
				zap.Bool("degraded", true),
				zap.Error(err),
			)
			m.metrics.IncDegraded(metrics.DegradedUsageAttach)
		}
	}

	return receipt
}
