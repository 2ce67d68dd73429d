// Package research runs one subject's research: search, prompt, generate,
// meter and parse. Tasks never fail outward; every problem degrades into the
// returned result.
package research

import (
	"context"
	"fmt"
	"time"

	"github.com/sells-group/prep-cli/internal/billing"
	"github.com/sells-group/prep-cli/internal/model"
)

// SearchResult is one hit from a search backend.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// SearchBackend runs web searches.
type SearchBackend interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// Generation is a text-generation response with its billable usage.
type Generation struct {
	Text             string
	Model            string
	Usage            model.TokenUsage
	SearchQueryCount int64
}

// Generator produces text from a system instruction and a prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (*Generation, error)
}

// Meter records and bills one generation call.
type Meter interface {
	Charge(ctx context.Context, userID string, rec model.UsageRecord, chargeable bool) billing.Receipt
}

// Context carries the meeting-level facts a task needs.
type Context struct {
	MeetingID    string
	UserID       string
	MeetingTitle string
}

// Stage names where a task failed.
type Stage string

const (
	StageGenerate Stage = "generate"
	StagePanic    Stage = "panic"
)

// Error describes why a subject's research degraded.
type Error struct {
	Kind    model.SubjectKind
	Subject string
	Stage   Stage
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("research: %s %s: %s: %v", e.Kind, e.Subject, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome is the result of one task. Result is always usable; Err is set when
// the result is a failure placeholder.
type Outcome[R any] struct {
	Result  R
	Err     *Error
	Receipt *billing.Receipt
	Elapsed time.Duration
}

// Failed reports whether the task degraded to a failure placeholder.
func (o Outcome[R]) Failed() bool { return o.Err != nil }

// Config tunes a task.
type Config struct {
	MaxResults      int
	SearchTimeout   time.Duration
	GenerateTimeout time.Duration
	// ContextLimit bounds the search context block in characters.
	ContextLimit int
	// FallbackChars is how much raw text survives a parse failure.
	FallbackChars int
}

// DefaultConfig returns the standard task settings.
func DefaultConfig() Config {
	return Config{
		MaxResults:      5,
		SearchTimeout:   15 * time.Second,
		GenerateTimeout: 60 * time.Second,
		ContextLimit:    6000,
		FallbackChars:   500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = d.SearchTimeout
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = d.GenerateTimeout
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = d.ContextLimit
	}
	if c.FallbackChars <= 0 {
		c.FallbackChars = d.FallbackChars
	}
	return c
}
