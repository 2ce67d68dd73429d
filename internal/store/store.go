package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prep-cli/internal/model"
)

// ErrNotFound is returned when a meeting, note or usage record does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrAlreadyCharged is returned when cost is attached to a usage record that
// already carries one.
var ErrAlreadyCharged = eris.New("store: usage record already charged")

// MeetingReader loads meetings for research.
type MeetingReader interface {
	GetMeetingWithAttendees(ctx context.Context, meetingID string) (*model.Meeting, error)
}

// PrepNoteSink persists research output.
type PrepNoteSink interface {
	UpsertPrepNote(ctx context.Context, note *model.PrepNote) error
	SetMeetingStatus(ctx context.Context, meetingID string, status model.MeetingStatus) error
}

// UsageLedger is the append-then-attach log of billable generation calls.
// AttachCost fills cost and credits once; a second call returns
// ErrAlreadyCharged.
type UsageLedger interface {
	RecordUsage(ctx context.Context, rec *model.UsageRecord) (string, error)
	AttachCost(ctx context.Context, usageID string, costUSD, credits float64) error
}

// Store defines the persistence interface for prep-cli. Both implementations
// satisfy cost.ConfigStore; CreditLedger adapts them to credit.AdminLedger.
type Store interface {
	MeetingReader
	PrepNoteSink
	UsageLedger

	// Meetings
	SaveMeeting(ctx context.Context, m *model.Meeting) error
	GetPrepNote(ctx context.Context, meetingID string) (*model.PrepNote, error)

	// Usage
	ListUsage(ctx context.Context, meetingID string) ([]model.UsageRecord, error)

	// Credits
	CheckCredits(ctx context.Context, userID string, amount float64) (float64, error)
	ConsumeCredits(ctx context.Context, userID string, amount float64) (bool, error)
	GrantCredits(ctx context.Context, userID string, amount float64) (float64, error)
	GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error)
	ResetMonthlyUsage(ctx context.Context, now time.Time) (int64, error)

	// Cost coefficients
	GetCostCoefficient(ctx context.Context, key string) (float64, bool, error)
	SetCostCoefficient(ctx context.Context, key string, value float64) error
	ListCostCoefficients(ctx context.Context) (map[string]float64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// monthStart returns midnight UTC on the first day of t's month.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
