package cost

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/prep-cli/internal/metrics"
)

type mapStore struct {
	values map[string]float64
	err    error
}

func (s *mapStore) GetCostCoefficient(_ context.Context, key string) (float64, bool, error) {
	if s.err != nil {
		return 0, false, s.err
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func TestResolveNilStore(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil, DefaultCoefficients(), nil)

	got, degraded := r.Resolve(context.Background())
	assert.False(t, degraded)
	assert.Equal(t, DefaultCoefficients(), got)
}

func TestResolveOverridesPerKey(t *testing.T) {
	t.Parallel()
	store := &mapStore{values: map[string]float64{
		KeyInputPerMTok:  0.50,
		KeyOutputPerMTok: -2, // invalid, falls back
		KeyRoundingStep:  0.1,
		KeyVersion:       3,
	}}
	r := NewResolver(store, DefaultCoefficients(), nil)

	got, degraded := r.Resolve(context.Background())
	assert.False(t, degraded)
	assert.InDelta(t, 0.50, got.InputPerMTok, 1e-12)
	assert.InDelta(t, DefaultCoefficients().OutputPerMTok, got.OutputPerMTok, 1e-12)
	assert.InDelta(t, 0.1, got.RoundingStep, 1e-12)
	assert.InDelta(t, DefaultCoefficients().SearchPer1K, got.SearchPer1K, 1e-12)
	assert.Equal(t, "v3", got.Version)
	assert.NoError(t, got.Validate())
}

func TestResolveEmptyStoreUsesFallback(t *testing.T) {
	t.Parallel()
	r := NewResolver(&mapStore{}, DefaultCoefficients(), nil)

	got, degraded := r.Resolve(context.Background())
	assert.False(t, degraded)
	assert.Equal(t, VersionDefault, got.Version)
}

func TestResolveStoreErrorIsDegraded(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	store := &mapStore{err: errors.New("connection refused")}
	r := NewResolver(store, DefaultCoefficients(), m)

	got, degraded := r.Resolve(context.Background())
	assert.True(t, degraded)
	assert.Equal(t, DefaultCoefficients(), got)
	assert.InDelta(t, 1, testutil.ToFloat64(m.DegradedTotal.WithLabelValues(metrics.DegradedCoefficients)), 0.001)
}

func TestResolveUnversionedOverride(t *testing.T) {
	t.Parallel()
	store := &mapStore{values: map[string]float64{KeySearchPer1K: 20}}
	got, _ := NewResolver(store, DefaultCoefficients(), nil).Resolve(context.Background())
	assert.Equal(t, "store(1 keys)", got.Version)
}

func TestResolveIgnoresRoundingStepBelowMinimum(t *testing.T) {
	t.Parallel()
	store := &mapStore{values: map[string]float64{KeyRoundingStep: 0.0001}}
	got, degraded := NewResolver(store, DefaultCoefficients(), nil).Resolve(context.Background())
	assert.False(t, degraded)
	assert.InDelta(t, DefaultCoefficients().RoundingStep, got.RoundingStep, 1e-12)
	assert.Equal(t, VersionDefault, got.Version)
}
