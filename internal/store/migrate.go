package store

import (
	"context"
	"embed"
	"errors"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers pgx5://
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// migrateURL rewrites a postgres DSN to the scheme the pgx/v5 migrate driver
// registers.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

func (s *PostgresStore) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open embedded migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(s.dsn))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: init migrate")
	}
	return m, nil
}

// Migrate applies all pending up migrations.
func (s *PostgresStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return eris.Wrap(err, "postgres: migrate up")
	}
	version, dirty, _ := m.Version()
	zap.L().Info("postgres: migrations applied",
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// MigrateDown rolls back the given number of migrations.
func (s *PostgresStore) MigrateDown(_ context.Context, steps int) error {
	if steps <= 0 {
		return eris.Errorf("postgres: migrate down steps must be > 0, got %d", steps)
	}
	m, err := s.migrator()
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return eris.Wrap(err, "postgres: migrate down")
	}
	return nil
}
