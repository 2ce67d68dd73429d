package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prep-cli/internal/credit"
	"github.com/sells-group/prep-cli/internal/model"
)

// SQLite keeps credits as integer milli-credits so the conditional decrement
// is exact.
const milliCredits = 1000

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at path with WAL mode and a busy timeout
// applied to every pooled connection.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !memory {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS meetings (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	start_time  TEXT,
	host_domain TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meeting_attendees (
	meeting_id  TEXT NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	email       TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	domain      TEXT NOT NULL DEFAULT '',
	is_internal INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (meeting_id, position)
);

CREATE TABLE IF NOT EXISTS prep_notes (
	id           TEXT PRIMARY KEY,
	meeting_id   TEXT NOT NULL UNIQUE,
	user_id      TEXT NOT NULL,
	note         TEXT NOT NULL,
	generated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	meeting_id         TEXT NOT NULL,
	subject_kind       TEXT NOT NULL,
	subject_key        TEXT NOT NULL DEFAULT '',
	model_name         TEXT NOT NULL DEFAULT '',
	input_tokens       INTEGER NOT NULL DEFAULT 0,
	output_tokens      INTEGER NOT NULL DEFAULT 0,
	cached_tokens      INTEGER NOT NULL DEFAULT 0,
	thinking_tokens    INTEGER NOT NULL DEFAULT 0,
	tool_use_tokens    INTEGER NOT NULL DEFAULT 0,
	search_query_count INTEGER NOT NULL DEFAULT 0,
	computed_cost_usd  REAL,
	credits_charged    REAL,
	created_at         TEXT NOT NULL,
	charged_at         TEXT
);

CREATE INDEX IF NOT EXISTS idx_usage_records_meeting_id ON usage_records(meeting_id);

CREATE TABLE IF NOT EXISTS credit_balances (
	user_id       TEXT PRIMARY KEY,
	balance_milli INTEGER NOT NULL DEFAULT 0 CHECK (balance_milli >= 0),
	used_milli    INTEGER NOT NULL DEFAULT 0,
	last_reset_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_coefficients (
	key        TEXT PRIMARY KEY,
	value      REAL NOT NULL CHECK (value > 0),
	updated_at TEXT NOT NULL
);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteTime is fixed width so stored timestamps compare correctly as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(sqliteTime) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(sqliteTime, s)
	return t
}

func toMilli(credits float64) int64 { return int64(math.Round(credits * milliCredits)) }

func fromMilli(m int64) float64 { return float64(m) / milliCredits }

// consumeMilli is toMilli for a positive debit; it never rounds down to zero.
func consumeMilli(credits float64) int64 { return max(toMilli(credits), 1) }

// isNoSuchTable reports whether err means the schema is not provisioned.
func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

// --- Meetings ---

func (s *SQLiteStore) GetMeetingWithAttendees(ctx context.Context, meetingID string) (*model.Meeting, error) {
	var m model.Meeting
	var start sql.NullString
	var status string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, start_time, host_domain, status FROM meetings WHERE id = ?`,
		meetingID,
	).Scan(&m.ID, &m.UserID, &m.Title, &start, &m.HostDomain, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: meeting %s", meetingID)
		}
		return nil, eris.Wrapf(err, "sqlite: get meeting %s", meetingID)
	}
	if start.Valid {
		m.StartTime = parseTime(start.String)
	}
	m.Status = model.MeetingStatus(status)

	rows, err := s.db.QueryContext(ctx,
		`SELECT email, name, domain, is_internal FROM meeting_attendees WHERE meeting_id = ? ORDER BY position`,
		meetingID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attendees %s", meetingID)
	}
	defer rows.Close()

	for rows.Next() {
		var a model.Attendee
		if err := rows.Scan(&a.Email, &a.Name, &a.Domain, &a.IsInternal); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attendee")
		}
		m.Attendees = append(m.Attendees, a)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list attendees iterate")
	}
	return &m, nil
}

func (s *SQLiteStore) SaveMeeting(ctx context.Context, m *model.Meeting) error {
	if m.Status == "" {
		m.Status = model.MeetingStatusPending
	}
	now := fmtTime(time.Now())

	var start sql.NullString
	if !m.StartTime.IsZero() {
		start = sql.NullString{String: fmtTime(m.StartTime), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save meeting")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO meetings (id, user_id, title, start_time, host_domain, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id, title = excluded.title,
		 start_time = excluded.start_time, host_domain = excluded.host_domain, updated_at = excluded.updated_at`,
		m.ID, m.UserID, m.Title, start, model.NormalizeDomain(m.HostDomain), string(m.Status), now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert meeting %s", m.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM meeting_attendees WHERE meeting_id = ?`, m.ID); err != nil {
		return eris.Wrapf(err, "sqlite: clear attendees %s", m.ID)
	}
	for i, a := range m.Attendees {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO meeting_attendees (meeting_id, position, email, name, domain, is_internal) VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, i, a.Email, a.Name, a.Domain, a.IsInternal,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert attendee %s", a.Email)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save meeting")
}

func (s *SQLiteStore) SetMeetingStatus(ctx context.Context, meetingID string, status model.MeetingStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), fmtTime(time.Now()), meetingID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set meeting status %s", meetingID)
	}
	return checkRowsAffected(res, "meeting", meetingID)
}

func (s *SQLiteStore) UpsertPrepNote(ctx context.Context, note *model.PrepNote) error {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	if note.GeneratedAt.IsZero() {
		note.GeneratedAt = time.Now().UTC()
	}
	noteJSON, err := json.Marshal(note)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal prep note")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prep_notes (id, meeting_id, user_id, note, generated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (meeting_id) DO UPDATE SET id = excluded.id, user_id = excluded.user_id,
		 note = excluded.note, generated_at = excluded.generated_at`,
		note.ID, note.MeetingID, note.UserID, string(noteJSON), fmtTime(note.GeneratedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert prep note %s", note.MeetingID)
}

func (s *SQLiteStore) GetPrepNote(ctx context.Context, meetingID string) (*model.PrepNote, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT note FROM prep_notes WHERE meeting_id = ?`, meetingID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: prep note %s", meetingID)
		}
		return nil, eris.Wrapf(err, "sqlite: get prep note %s", meetingID)
	}
	var note model.PrepNote
	if err := json.Unmarshal([]byte(data), &note); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal prep note")
	}
	return &note, nil
}

// --- Usage ledger ---

func (s *SQLiteStore) RecordUsage(ctx context.Context, rec *model.UsageRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	u := rec.Usage
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, user_id, meeting_id, subject_kind, subject_key, model_name,
		 input_tokens, output_tokens, cached_tokens, thinking_tokens, tool_use_tokens, search_query_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.MeetingID, string(rec.SubjectKind), rec.SubjectKey, rec.ModelName,
		u.Input, u.Output, u.Cached, u.Thinking, u.ToolUse, rec.SearchQueryCount, fmtTime(rec.CreatedAt),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: record usage")
	}
	return rec.ID, nil
}

func (s *SQLiteStore) AttachCost(ctx context.Context, usageID string, costUSD, credits float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE usage_records SET computed_cost_usd = ?, credits_charged = ?, charged_at = ?
		 WHERE id = ? AND computed_cost_usd IS NULL`,
		costUSD, credits, fmtTime(time.Now()), usageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: attach cost %s", usageID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM usage_records WHERE id = ?)`, usageID,
	).Scan(&exists); err != nil {
		return eris.Wrapf(err, "sqlite: check usage %s", usageID)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "sqlite: usage %s", usageID)
	}
	return eris.Wrapf(ErrAlreadyCharged, "sqlite: usage %s", usageID)
}

func (s *SQLiteStore) ListUsage(ctx context.Context, meetingID string) ([]model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, meeting_id, subject_kind, subject_key, model_name,
		 input_tokens, output_tokens, cached_tokens, thinking_tokens, tool_use_tokens, search_query_count,
		 computed_cost_usd, credits_charged, created_at
		 FROM usage_records WHERE meeting_id = ? ORDER BY created_at, id`,
		meetingID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list usage")
	}
	defer rows.Close()

	var out []model.UsageRecord
	for rows.Next() {
		var r model.UsageRecord
		var kind, created string
		var cost, credits sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.UserID, &r.MeetingID, &kind, &r.SubjectKey, &r.ModelName,
			&r.Usage.Input, &r.Usage.Output, &r.Usage.Cached, &r.Usage.Thinking, &r.Usage.ToolUse,
			&r.SearchQueryCount, &cost, &credits, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan usage")
		}
		r.SubjectKind = model.SubjectKind(kind)
		r.CreatedAt = parseTime(created)
		if cost.Valid {
			r.ComputedCostUSD = &cost.Float64
		}
		if credits.Valid {
			r.CreditsCharged = &credits.Float64
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list usage iterate")
}

// --- Credits ---

func (s *SQLiteStore) ConsumeCredits(ctx context.Context, userID string, amount float64) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	amt := consumeMilli(amount)
	res, err := s.db.ExecContext(ctx,
		`UPDATE credit_balances SET balance_milli = balance_milli - ?, used_milli = used_milli + ?
		 WHERE user_id = ? AND balance_milli >= ?`,
		amt, amt, userID, amt,
	)
	if err != nil {
		if isNoSuchTable(err) {
			return false, eris.Wrapf(credit.ErrUnavailable, "sqlite: consume: %v", err)
		}
		return false, eris.Wrapf(err, "sqlite: consume credits %s", userID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: consume rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) CheckCredits(ctx context.Context, userID string, _ float64) (float64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `SELECT balance_milli FROM credit_balances WHERE user_id = ?`, userID).Scan(&bal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		if isNoSuchTable(err) {
			return 0, eris.Wrapf(credit.ErrUnavailable, "sqlite: check: %v", err)
		}
		return 0, eris.Wrapf(err, "sqlite: check credits %s", userID)
	}
	return fromMilli(bal), nil
}

func (s *SQLiteStore) GrantCredits(ctx context.Context, userID string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, eris.Errorf("sqlite: grant amount must be > 0, got %g", amount)
	}
	var bal int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO credit_balances (user_id, balance_milli, used_milli, last_reset_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT (user_id) DO UPDATE SET balance_milli = balance_milli + excluded.balance_milli
		 RETURNING balance_milli`,
		userID, toMilli(amount), fmtTime(time.Now()),
	).Scan(&bal)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: grant credits %s", userID)
	}
	return fromMilli(bal), nil
}

func (s *SQLiteStore) GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	var bal, used int64
	var reset string
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_milli, used_milli, last_reset_at FROM credit_balances WHERE user_id = ?`, userID,
	).Scan(&bal, &used, &reset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.CreditBalance{UserID: userID}, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get balance %s", userID)
	}
	return &model.CreditBalance{
		UserID:      userID,
		Balance:     fromMilli(bal),
		MonthlyUsed: fromMilli(used),
		LastResetAt: parseTime(reset),
	}, nil
}

func (s *SQLiteStore) ResetMonthlyUsage(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credit_balances SET used_milli = 0, last_reset_at = ? WHERE last_reset_at < ?`,
		fmtTime(now), fmtTime(monthStart(now)),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset monthly usage")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Cost coefficients ---

func (s *SQLiteStore) GetCostCoefficient(ctx context.Context, key string) (float64, bool, error) {
	var v float64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cost_coefficients WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, eris.Wrapf(err, "sqlite: get coefficient %s", key)
	}
	return v, true, nil
}

func (s *SQLiteStore) SetCostCoefficient(ctx context.Context, key string, value float64) error {
	if value <= 0 {
		return eris.Errorf("sqlite: coefficient %s must be > 0", key)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_coefficients (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, fmtTime(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: set coefficient %s", key)
}

func (s *SQLiteStore) ListCostCoefficients(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM cost_coefficients ORDER BY key`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list coefficients")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan coefficient")
		}
		out[k] = v
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list coefficients iterate")
}
