package cost

import (
	"math"

	"github.com/sells-group/prep-cli/internal/model"
)

// roundingEpsilon absorbs float noise so an exact multiple of the rounding
// step is not pushed up to the next step.
const roundingEpsilon = 1e-9

// Charge is the priced outcome of one usage record.
type Charge struct {
	CostUSD float64 `json:"cost_usd"`
	Credits float64 `json:"credits"`
}

// IsZero reports whether nothing is owed.
func (c Charge) IsZero() bool { return c.Credits == 0 }

// Calculator computes costs and credits for API usage.
type Calculator struct{}

// NewCalculator creates a Calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// TokenCost prices the token categories of a usage record.
func (c *Calculator) TokenCost(u model.TokenUsage, coeffs Coefficients) float64 {
	perM := func(tokens int64, price float64) float64 {
		return (float64(nonNegative(tokens)) / 1e6) * price
	}
	return perM(u.Input, coeffs.InputPerMTok) +
		perM(u.Output, coeffs.OutputPerMTok) +
		perM(u.Cached, coeffs.CachedPerMTok) +
		perM(u.Thinking, coeffs.ThinkingPerMTok) +
		perM(u.ToolUse, coeffs.ToolUsePerMTok)
}

// SearchCost prices search queries billed per thousand.
func (c *Calculator) SearchCost(queries int64, coeffs Coefficients) float64 {
	return (float64(nonNegative(queries)) / 1000) * coeffs.SearchPer1K
}

// Compute converts a usage record into USD and ceiling-rounded credits.
func (c *Calculator) Compute(rec model.UsageRecord, coeffs Coefficients) Charge {
	costUSD := c.TokenCost(rec.Usage, coeffs) + c.SearchCost(rec.SearchQueryCount, coeffs)
	return Charge{
		CostUSD: costUSD,
		Credits: c.Credits(costUSD, coeffs),
	}
}

// Credits converts USD to credits, rounding up to the configured step.
func (c *Calculator) Credits(costUSD float64, coeffs Coefficients) float64 {
	if costUSD <= 0 || coeffs.USDPerCredit <= 0 || coeffs.RoundingStep <= 0 {
		return 0
	}
	steps := math.Ceil((costUSD/coeffs.USDPerCredit)/coeffs.RoundingStep - roundingEpsilon)
	// Any positive cost is at least one step.
	return max(steps, 1) * coeffs.RoundingStep
}

// EffectiveTokens weights every token category by its price relative to the
// input price, giving a single count comparable across models.
func EffectiveTokens(u model.TokenUsage, coeffs Coefficients) float64 {
	if coeffs.InputPerMTok <= 0 {
		return float64(u.Total())
	}
	weight := func(tokens int64, price float64) float64 {
		return float64(nonNegative(tokens)) * price / coeffs.InputPerMTok
	}
	return weight(u.Input, coeffs.InputPerMTok) +
		weight(u.Output, coeffs.OutputPerMTok) +
		weight(u.Cached, coeffs.CachedPerMTok) +
		weight(u.Thinking, coeffs.ThinkingPerMTok) +
		weight(u.ToolUse, coeffs.ToolUsePerMTok)
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
