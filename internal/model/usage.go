package model

import "time"

// SubjectKind attributes a usage record to the kind of work that produced it.
type SubjectKind string

const (
	SubjectPerson       SubjectKind = "person"
	SubjectCompany      SubjectKind = "company"
	SubjectOrchestrator SubjectKind = "orchestrator"
)

// TokenUsage tracks token consumption per billing category.
type TokenUsage struct {
	Input    int64 `json:"input_tokens"`
	Output   int64 `json:"output_tokens"`
	Cached   int64 `json:"cached_tokens"`
	Thinking int64 `json:"thinking_tokens"`
	ToolUse  int64 `json:"tool_use_tokens"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.Input += other.Input
	t.Output += other.Output
	t.Cached += other.Cached
	t.Thinking += other.Thinking
	t.ToolUse += other.ToolUse
}

// Total is the unweighted sum of all categories.
func (t TokenUsage) Total() int64 {
	return t.Input + t.Output + t.Cached + t.Thinking + t.ToolUse
}

// IsZero reports whether no tokens were used.
func (t TokenUsage) IsZero() bool { return t.Total() == 0 }

// UsageRecord is one billable text-generation call. Cost and credits stay nil
// until attached, and are written at most once.
type UsageRecord struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	MeetingID        string      `json:"meeting_id"`
	SubjectKind      SubjectKind `json:"subject_kind"`
	SubjectKey       string      `json:"subject_key"`
	ModelName        string      `json:"model_name"`
	Usage            TokenUsage  `json:"usage"`
	SearchQueryCount int64       `json:"search_query_count"`
	ComputedCostUSD  *float64    `json:"computed_cost_usd,omitempty"`
	CreditsCharged   *float64    `json:"credits_charged,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// CreditBalance is a user's spendable credit state.
type CreditBalance struct {
	UserID      string    `json:"user_id"`
	Balance     float64   `json:"balance"`
	MonthlyUsed float64   `json:"monthly_used"`
	LastResetAt time.Time `json:"last_reset_at"`
}
