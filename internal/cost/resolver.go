package cost

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/prep-cli/internal/metrics"
)

// ConfigStore reads named numeric coefficients. found is false when the key is
// absent; err is non-nil only when the store itself could not be read.
type ConfigStore interface {
	GetCostCoefficient(ctx context.Context, key string) (value float64, found bool, err error)
}

// Resolver assembles the active Coefficients from a ConfigStore, falling back
// to a static table. It holds no resolved state between calls.
type Resolver struct {
	store    ConfigStore
	fallback Coefficients
	metrics  *metrics.Metrics
}

// NewResolver creates a Resolver. A nil store always yields the fallback.
func NewResolver(store ConfigStore, fallback Coefficients, m *metrics.Metrics) *Resolver {
	return &Resolver{store: store, fallback: fallback, metrics: m}
}

// Fallback returns the static fallback table.
func (r *Resolver) Fallback() Coefficients { return r.fallback }

// Resolve returns the coefficients to use for one billing call. Absent or
// invalid keys take the fallback value for that key. If the store
// errors, the whole fallback table is returned and degraded is true. Resolve
// never fails.
func (r *Resolver) Resolve(ctx context.Context) (coeffs Coefficients, degraded bool) {
	if r.store == nil {
		return r.fallback, false
	}

	log := zap.L().With(zap.String("component", "cost.resolver"))
	out := r.fallback
	overridden := 0

	for _, key := range Keys() {
		v, found, err := r.store.GetCostCoefficient(ctx, key)
		if err != nil {
			log.Warn("cost: coefficient store unavailable, using fallback table",
				zap.String("key", key),
				zap.Bool("degraded", true),
				zap.Error(err),
			)
			r.metrics.IncDegraded(metrics.DegradedCoefficients)
			return r.fallback, true
		}
		if !found {
			continue
		}
		if err := ValidateValue(key, v); err != nil {
			log.Warn("cost: ignoring invalid coefficient",
				zap.String("key", key),
				zap.Float64("value", v),
				zap.Error(err),
			)
			continue
		}
		*out.field(key) = v
		overridden++
	}

	if overridden > 0 {
		out.Version = r.version(ctx, overridden)
	}
	return out, false
}

func (r *Resolver) version(ctx context.Context, overridden int) string {
	v, found, err := r.store.GetCostCoefficient(ctx, KeyVersion)
	if err == nil && found && v > 0 {
		return fmt.Sprintf("v%g", v)
	}
	return fmt.Sprintf("store(%d keys)", overridden)
}
