package cost

import (
	"math"

	"github.com/rotisserie/eris"
)

// Config-store keys for each coefficient.
const (
	KeyInputPerMTok    = "input_per_mtok"
	KeyOutputPerMTok   = "output_per_mtok"
	KeyCachedPerMTok   = "cached_per_mtok"
	KeyThinkingPerMTok = "thinking_per_mtok"
	KeyToolUsePerMTok  = "tool_use_per_mtok"
	KeySearchPer1K     = "search_per_1k"
	KeyUSDPerCredit    = "usd_per_credit"
	KeyRoundingStep    = "credit_rounding_step"
	KeyVersion         = "coefficients_version"
)

// MinRoundingStep is the smallest credit rounding step. Ledgers store
// balances in thousandths of a credit.
const MinRoundingStep = 0.001

// VersionDefault marks coefficients taken entirely from the fallback table.
const VersionDefault = "default"

// Coefficients is the pricing table used to turn usage into credits. Token
// prices are USD per million tokens; search price is USD per 1000 queries.
type Coefficients struct {
	Version         string  `yaml:"version" mapstructure:"version"`
	InputPerMTok    float64 `yaml:"input_per_mtok" mapstructure:"input_per_mtok"`
	OutputPerMTok   float64 `yaml:"output_per_mtok" mapstructure:"output_per_mtok"`
	CachedPerMTok   float64 `yaml:"cached_per_mtok" mapstructure:"cached_per_mtok"`
	ThinkingPerMTok float64 `yaml:"thinking_per_mtok" mapstructure:"thinking_per_mtok"`
	ToolUsePerMTok  float64 `yaml:"tool_use_per_mtok" mapstructure:"tool_use_per_mtok"`
	SearchPer1K     float64 `yaml:"search_per_1k" mapstructure:"search_per_1k"`
	USDPerCredit    float64 `yaml:"usd_per_credit" mapstructure:"usd_per_credit"`
	RoundingStep    float64 `yaml:"credit_rounding_step" mapstructure:"credit_rounding_step"`
}

// DefaultCoefficients returns the hard-coded fallback pricing.
func DefaultCoefficients() Coefficients {
	return Coefficients{
		Version:         VersionDefault,
		InputPerMTok:    0.30,
		OutputPerMTok:   2.50,
		CachedPerMTok:   0.075,
		ThinkingPerMTok: 2.50,
		ToolUsePerMTok:  0.30,
		SearchPer1K:     35.00,
		USDPerCredit:    0.01,
		RoundingStep:    0.05,
	}
}

// Validate checks every coefficient with ValidateValue.
func (c Coefficients) Validate() error {
	for key, v := range c.values() {
		if err := ValidateValue(key, v); err != nil {
			return err
		}
	}
	return nil
}

// ValidateValue checks one coefficient: it must be a finite positive number,
// and the rounding step must be at least MinRoundingStep.
func ValidateValue(key string, v float64) error {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return eris.Errorf("cost: coefficient %s must be > 0, got %g", key, v)
	}
	if key == KeyRoundingStep && v < MinRoundingStep {
		return eris.Errorf("cost: coefficient %s must be >= %g, got %g", key, MinRoundingStep, v)
	}
	return nil
}

func (c Coefficients) values() map[string]float64 {
	return map[string]float64{
		KeyInputPerMTok:    c.InputPerMTok,
		KeyOutputPerMTok:   c.OutputPerMTok,
		KeyCachedPerMTok:   c.CachedPerMTok,
		KeyThinkingPerMTok: c.ThinkingPerMTok,
		KeyToolUsePerMTok:  c.ToolUsePerMTok,
		KeySearchPer1K:     c.SearchPer1K,
		KeyUSDPerCredit:    c.USDPerCredit,
		KeyRoundingStep:    c.RoundingStep,
	}
}

// field returns a pointer to the coefficient stored under key.
func (c *Coefficients) field(key string) *float64 {
	switch key {
	case KeyInputPerMTok:
		return &c.InputPerMTok
	case KeyOutputPerMTok:
		return &c.OutputPerMTok
	case KeyCachedPerMTok:
		return &c.CachedPerMTok
	case KeyThinkingPerMTok:
		return &c.ThinkingPerMTok
	case KeyToolUsePerMTok:
		return &c.ToolUsePerMTok
	case KeySearchPer1K:
		return &c.SearchPer1K
	case KeyUSDPerCredit:
		return &c.USDPerCredit
	case KeyRoundingStep:
		return &c.RoundingStep
	}
	return nil
}

// Keys lists the config-store keys for every priced coefficient.
func Keys() []string {
	return []string{
		KeyInputPerMTok,
		KeyOutputPerMTok,
		KeyCachedPerMTok,
		KeyThinkingPerMTok,
		KeyToolUsePerMTok,
		KeySearchPer1K,
		KeyUSDPerCredit,
		KeyRoundingStep,
	}
}
