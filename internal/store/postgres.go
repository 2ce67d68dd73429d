package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prep-cli/internal/credit"
	"github.com/sells-group/prep-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	dsn     string
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	qGetMeeting = `SELECT id, user_id, title, start_time, host_domain, status FROM meetings WHERE id = $1`

	qListAttendees = `SELECT email, name, domain, is_internal FROM meeting_attendees WHERE meeting_id = $1 ORDER BY position`

	qSetMeetingStatus = `UPDATE meetings SET status = $1, updated_at = $2 WHERE id = $3`

	qUpsertPrepNote = `INSERT INTO prep_notes (id, meeting_id, user_id, note, generated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (meeting_id) DO UPDATE SET id = EXCLUDED.id, user_id = EXCLUDED.user_id, note = EXCLUDED.note, generated_at = EXCLUDED.generated_at`

	qGetPrepNote = `SELECT note FROM prep_notes WHERE meeting_id = $1`

	qRecordUsage = `INSERT INTO usage_records (id, user_id, meeting_id, subject_kind, subject_key, model_name,
		input_tokens, output_tokens, cached_tokens, thinking_tokens, tool_use_tokens, search_query_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	qAttachCost = `UPDATE usage_records SET computed_cost_usd = $1, credits_charged = $2, charged_at = $3
		WHERE id = $4 AND computed_cost_usd IS NULL`

	qUsageExists = `SELECT EXISTS (SELECT 1 FROM usage_records WHERE id = $1)`

	qListUsage = `SELECT id, user_id, meeting_id, subject_kind, subject_key, model_name,
		input_tokens, output_tokens, cached_tokens, thinking_tokens, tool_use_tokens, search_query_count,
		computed_cost_usd, credits_charged, created_at
		FROM usage_records WHERE meeting_id = $1 ORDER BY created_at, id`

	qConsumeCredits = `SELECT consume_credits($1, $2)`

	qGetBalance = `SELECT balance FROM credit_balances WHERE user_id = $1`

	qGetCreditRow = `SELECT user_id, balance, monthly_used, last_reset_at FROM credit_balances WHERE user_id = $1`

	qGrantCredits = `INSERT INTO credit_balances (user_id, balance, monthly_used, last_reset_at) VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id) DO UPDATE SET balance = credit_balances.balance + EXCLUDED.balance
		RETURNING balance`

	qResetMonthly = `UPDATE credit_balances SET monthly_used = 0, last_reset_at = $1 WHERE last_reset_at < $2`

	qGetCoefficient = `SELECT value FROM cost_coefficients WHERE key = $1`

	qSetCoefficient = `INSERT INTO cost_coefficients (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

	qListCoefficients = `SELECT key, value FROM cost_coefficients ORDER BY key`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot research and billing paths.
var preparedStatements = map[string]string{
	"get_meeting":      qGetMeeting,
	"list_attendees":   qListAttendees,
	"record_usage":     qRecordUsage,
	"attach_cost":      qAttachCost,
	"get_coefficient":  qGetCoefficient,
	"get_balance":      qGetBalance,
	"upsert_prep_note": qUpsertPrepNote,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Statements referencing tables that a fresh database lacks are skipped
	// so `migrate` can still connect.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				if isUndefinedObject(err) {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, dsn: connString, closeFn: pool.Close}, nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// isUndefinedObject reports whether err is Postgres undefined_function or
// undefined_table, i.e. the schema has not been provisioned.
func isUndefinedObject(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42883" || pgErr.Code == "42P01"
	}
	return false
}

// --- Meetings ---

func (s *PostgresStore) GetMeetingWithAttendees(ctx context.Context, meetingID string) (*model.Meeting, error) {
	var m model.Meeting
	var start *time.Time
	var status string

	err := s.pool.QueryRow(ctx, qGetMeeting, meetingID).
		Scan(&m.ID, &m.UserID, &m.Title, &start, &m.HostDomain, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: meeting %s", meetingID)
		}
		return nil, eris.Wrapf(err, "postgres: get meeting %s", meetingID)
	}
	if start != nil {
		m.StartTime = *start
	}
	m.Status = model.MeetingStatus(status)

	rows, err := s.pool.Query(ctx, qListAttendees, meetingID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attendees %s", meetingID)
	}
	defer rows.Close()

	for rows.Next() {
		var a model.Attendee
		if err := rows.Scan(&a.Email, &a.Name, &a.Domain, &a.IsInternal); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attendee")
		}
		m.Attendees = append(m.Attendees, a)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list attendees iterate")
	}
	return &m, nil
}

func (s *PostgresStore) SaveMeeting(ctx context.Context, m *model.Meeting) error {
	if m.Status == "" {
		m.Status = model.MeetingStatusPending
	}
	now := time.Now().UTC()

	var start *time.Time
	if !m.StartTime.IsZero() {
		t := m.StartTime.UTC()
		start = &t
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save meeting")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO meetings (id, user_id, title, start_time, host_domain, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, title = EXCLUDED.title,
		 start_time = EXCLUDED.start_time, host_domain = EXCLUDED.host_domain, updated_at = EXCLUDED.updated_at`,
		m.ID, m.UserID, m.Title, start, model.NormalizeDomain(m.HostDomain), string(m.Status), now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert meeting %s", m.ID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM meeting_attendees WHERE meeting_id = $1`, m.ID); err != nil {
		return eris.Wrapf(err, "postgres: clear attendees %s", m.ID)
	}

	if len(m.Attendees) > 0 {
		rows := make([][]any, 0, len(m.Attendees))
		for i, a := range m.Attendees {
			rows = append(rows, []any{m.ID, i, a.Email, a.Name, a.Domain, a.IsInternal})
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"meeting_attendees"},
			[]string{"meeting_id", "position", "email", "name", "domain", "is_internal"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: copy attendees %s", m.ID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit save meeting")
}

func (s *PostgresStore) SetMeetingStatus(ctx context.Context, meetingID string, status model.MeetingStatus) error {
	tag, err := s.pool.Exec(ctx, qSetMeetingStatus, string(status), time.Now().UTC(), meetingID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set meeting status %s", meetingID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: meeting %s", meetingID)
	}
	return nil
}

func (s *PostgresStore) UpsertPrepNote(ctx context.Context, note *model.PrepNote) error {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	if note.GeneratedAt.IsZero() {
		note.GeneratedAt = time.Now().UTC()
	}
	noteJSON, err := json.Marshal(note)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal prep note")
	}

	_, err = s.pool.Exec(ctx, qUpsertPrepNote, note.ID, note.MeetingID, note.UserID, noteJSON, note.GeneratedAt)
	return eris.Wrapf(err, "postgres: upsert prep note %s", note.MeetingID)
}

func (s *PostgresStore) GetPrepNote(ctx context.Context, meetingID string) (*model.PrepNote, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, qGetPrepNote, meetingID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: prep note %s", meetingID)
		}
		return nil, eris.Wrapf(err, "postgres: get prep note %s", meetingID)
	}
	var note model.PrepNote
	if err := json.Unmarshal(data, &note); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal prep note")
	}
	return &note, nil
}

// --- Usage ledger ---

func (s *PostgresStore) RecordUsage(ctx context.Context, rec *model.UsageRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	u := rec.Usage
	_, err := s.pool.Exec(ctx, qRecordUsage,
		rec.ID, rec.UserID, rec.MeetingID, string(rec.SubjectKind), rec.SubjectKey, rec.ModelName,
		u.Input, u.Output, u.Cached, u.Thinking, u.ToolUse, rec.SearchQueryCount, rec.CreatedAt,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: record usage")
	}
	return rec.ID, nil
}

func (s *PostgresStore) AttachCost(ctx context.Context, usageID string, costUSD, credits float64) error {
	tag, err := s.pool.Exec(ctx, qAttachCost, costUSD, credits, time.Now().UTC(), usageID)
	if err != nil {
		return eris.Wrapf(err, "postgres: attach cost %s", usageID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, qUsageExists, usageID).Scan(&exists); err != nil {
		return eris.Wrapf(err, "postgres: check usage %s", usageID)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "postgres: usage %s", usageID)
	}
	return eris.Wrapf(ErrAlreadyCharged, "postgres: usage %s", usageID)
}

func (s *PostgresStore) ListUsage(ctx context.Context, meetingID string) ([]model.UsageRecord, error) {
	rows, err := s.pool.Query(ctx, qListUsage, meetingID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list usage")
	}
	defer rows.Close()

	var out []model.UsageRecord
	for rows.Next() {
		var r model.UsageRecord
		var kind string
		if err := rows.Scan(&r.ID, &r.UserID, &r.MeetingID, &kind, &r.SubjectKey, &r.ModelName,
			&r.Usage.Input, &r.Usage.Output, &r.Usage.Cached, &r.Usage.Thinking, &r.Usage.ToolUse,
			&r.SearchQueryCount, &r.ComputedCostUSD, &r.CreditsCharged, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan usage")
		}
		r.SubjectKind = model.SubjectKind(kind)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list usage iterate")
}

// --- Credits ---

func (s *PostgresStore) ConsumeCredits(ctx context.Context, userID string, amount float64) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, qConsumeCredits, userID, amount).Scan(&ok); err != nil {
		if isUndefinedObject(err) {
			return false, eris.Wrapf(credit.ErrUnavailable, "postgres: consume_credits: %v", err)
		}
		return false, eris.Wrapf(err, "postgres: consume credits %s", userID)
	}
	return ok, nil
}

func (s *PostgresStore) CheckCredits(ctx context.Context, userID string, _ float64) (float64, error) {
	var bal float64
	err := s.pool.QueryRow(ctx, qGetBalance, userID).Scan(&bal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		if isUndefinedObject(err) {
			return 0, eris.Wrapf(credit.ErrUnavailable, "postgres: credit_balances: %v", err)
		}
		return 0, eris.Wrapf(err, "postgres: check credits %s", userID)
	}
	return bal, nil
}

func (s *PostgresStore) GrantCredits(ctx context.Context, userID string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, eris.Errorf("postgres: grant amount must be > 0, got %g", amount)
	}
	var bal float64
	if err := s.pool.QueryRow(ctx, qGrantCredits, userID, amount, time.Now().UTC()).Scan(&bal); err != nil {
		return 0, eris.Wrapf(err, "postgres: grant credits %s", userID)
	}
	return bal, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	var b model.CreditBalance
	err := s.pool.QueryRow(ctx, qGetCreditRow, userID).Scan(&b.UserID, &b.Balance, &b.MonthlyUsed, &b.LastResetAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.CreditBalance{UserID: userID}, nil
		}
		return nil, eris.Wrapf(err, "postgres: get balance %s", userID)
	}
	return &b, nil
}

func (s *PostgresStore) ResetMonthlyUsage(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, qResetMonthly, now.UTC(), monthStart(now))
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset monthly usage")
	}
	return tag.RowsAffected(), nil
}

// --- Cost coefficients ---

func (s *PostgresStore) GetCostCoefficient(ctx context.Context, key string) (float64, bool, error) {
	var v float64
	err := s.pool.QueryRow(ctx, qGetCoefficient, key).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, eris.Wrapf(err, "postgres: get coefficient %s", key)
	}
	return v, true, nil
}

func (s *PostgresStore) SetCostCoefficient(ctx context.Context, key string, value float64) error {
	if value <= 0 {
		return eris.Errorf("postgres: coefficient %s must be > 0", key)
	}
	_, err := s.pool.Exec(ctx, qSetCoefficient, key, value, time.Now().UTC())
	return eris.Wrapf(err, "postgres: set coefficient %s", key)
}

func (s *PostgresStore) ListCostCoefficients(ctx context.Context) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx, qListCoefficients)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list coefficients")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan coefficient")
		}
		out[k] = v
	}
	return out, eris.Wrap(rows.Err(), "postgres: list coefficients iterate")
}
