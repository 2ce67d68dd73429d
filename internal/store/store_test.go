package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prep-cli/internal/cost"
	"github.com/sells-group/prep-cli/internal/credit"
)

var (
	_ Store            = (*SQLiteStore)(nil)
	_ Store            = (*PostgresStore)(nil)
	_ cost.ConfigStore = (Store)(nil)
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreditLedgerAdapter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		l := NewCreditLedger(s)

		bal, err := l.Grant(ctx, "u1", 1)
		require.NoError(t, err)
		assert.InDelta(t, 1, bal, 1e-9)

		res, err := l.Check(ctx, "u1", 0.5)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.InDelta(t, 1, res.Available, 1e-9)

		res, err = l.Check(ctx, "u1", 1.05)
		require.NoError(t, err)
		assert.False(t, res.Allowed)

		ok, err := l.Consume(ctx, "u1", 0.75)
		require.NoError(t, err)
		assert.True(t, ok)

		b, err := l.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.InDelta(t, 0.25, b.Balance, 1e-9)
	})

	t.Run("GuardOverLedger", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		g := credit.NewGuard(NewCreditLedger(s), credit.PolicyDeny, nil)

		_, err := s.GrantCredits(ctx, "u1", 0.3)
		require.NoError(t, err)

		assert.Equal(t, credit.Result{Consumed: true}, g.Consume(ctx, "u1", 0.3))
		assert.Equal(t, credit.Result{}, g.Consume(ctx, "u1", 0.05))
	})

	t.Run("ResolverOverStore", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SetCostCoefficient(ctx, cost.KeyUSDPerCredit, 0.02))
		require.NoError(t, s.SetCostCoefficient(ctx, cost.KeyVersion, 2))

		r := cost.NewResolver(s, cost.DefaultCoefficients(), nil)
		coeffs, degraded := r.Resolve(ctx)
		assert.False(t, degraded)
		assert.InDelta(t, 0.02, coeffs.USDPerCredit, 1e-12)
		assert.InDelta(t, cost.DefaultCoefficients().InputPerMTok, coeffs.InputPerMTok, 1e-12)
		assert.Equal(t, "v2", coeffs.Version)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
