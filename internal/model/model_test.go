package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeetingStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status MeetingStatus
		want   string
	}{
		{MeetingStatusPending, "pending"},
		{MeetingStatusResearching, "researching"},
		{MeetingStatusReady, "ready"},
		{MeetingStatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
		})
	}
}

func TestAttendeeEmailDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		attendee Attendee
		want     string
	}{
		{"explicit domain wins", Attendee{Email: "bob@other.com", Domain: "WWW.Other.com"}, "other.com"},
		{"derived from email", Attendee{Email: "Carol@Other.COM"}, "other.com"},
		{"no at sign", Attendee{Email: "nobody"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.attendee.EmailDomain())
		})
	}
}

func TestPersonKeyAndDisplayName(t *testing.T) {
	t.Parallel()

	p := Person{Email: " Bob.Smith@Other.com "}
	assert.Equal(t, "bob.smith@other.com", p.Key())
	assert.Equal(t, "Bob Smith", p.DisplayName())

	assert.Equal(t, "Jane Doe", Person{Email: "\tjane_doe@other.com\n"}.DisplayName())

	named := Person{Name: "Robert Smith", Email: "bob@other.com"}
	assert.Equal(t, "Robert Smith", named.DisplayName())
}

func TestCompanyNameFromDomain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Acme Labs", CompanyNameFromDomain("acme-labs.io"))
	assert.Equal(t, "Other", CompanyNameFromDomain("www.other.com"))
	assert.Equal(t, "other.com", Company{Domain: "Other.com"}.Key())
}

func TestTokenUsageAdd(t *testing.T) {
	t.Parallel()

	a := TokenUsage{Input: 100, Output: 50, Cached: 10, Thinking: 5, ToolUse: 1}
	a.Add(TokenUsage{Input: 1, Output: 2, Cached: 3, Thinking: 4, ToolUse: 5})

	assert.Equal(t, TokenUsage{Input: 101, Output: 52, Cached: 13, Thinking: 9, ToolUse: 6}, a)
	assert.Equal(t, int64(181), a.Total())
	assert.False(t, a.IsZero())
	assert.True(t, TokenUsage{}.IsZero())
}

func TestPrepNoteFailedCount(t *testing.T) {
	t.Parallel()

	note := &PrepNote{
		Attendees: []PersonResearch{
			{Narrative: "ok"},
			{Narrative: FailureNarrative("boom"), Error: "boom"},
		},
		Companies: []CompanyResearch{
			{Narrative: FailureNarrative("timeout"), Error: "timeout"},
		},
	}
	assert.Equal(t, 2, note.FailedCount())
	assert.Equal(t, "Research failed: boom", note.Attendees[1].Narrative)
}
