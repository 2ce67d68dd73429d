package model

import "time"

// MaxTalkingPoints caps the aggregated talking points on a PrepNote.
const MaxTalkingPoints = 10

// PrepNote is the synthesized output of one research run. It is upserted by
// meeting id, so a later run replaces an earlier one.
type PrepNote struct {
	ID            string            `json:"id"`
	MeetingID     string            `json:"meeting_id"`
	UserID        string            `json:"user_id"`
	MeetingTitle  string            `json:"meeting_title"`
	Summary       string            `json:"summary"`
	Attendees     []PersonResearch  `json:"attendees"`
	Companies     []CompanyResearch `json:"companies"`
	TalkingPoints []string          `json:"talking_points"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// FailedCount returns how many entries on the note carry an error marker.
func (n *PrepNote) FailedCount() int {
	count := 0
	for _, a := range n.Attendees {
		if a.Failed() {
			count++
		}
	}
	for _, c := range n.Companies {
		if c.Failed() {
			count++
		}
	}
	return count
}
