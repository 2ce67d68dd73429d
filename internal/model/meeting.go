package model

import (
	"strings"
	"time"
)

// MeetingStatus represents where a meeting is in its research lifecycle.
type MeetingStatus string

const (
	MeetingStatusPending     MeetingStatus = "pending"
	MeetingStatusResearching MeetingStatus = "researching"
	MeetingStatusReady       MeetingStatus = "ready"
	MeetingStatusFailed      MeetingStatus = "failed"
)

// Attendee is a single invitee on a meeting.
type Attendee struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Domain     string `json:"domain"`
	IsInternal bool   `json:"is_internal"`
}

// EmailDomain returns the attendee's domain, falling back to the part of the
// email after the @ when Domain is empty.
func (a Attendee) EmailDomain() string {
	if a.Domain != "" {
		return NormalizeDomain(a.Domain)
	}
	if i := strings.LastIndex(a.Email, "@"); i >= 0 {
		return NormalizeDomain(a.Email[i+1:])
	}
	return ""
}

// Meeting is a calendar meeting with its attendees.
type Meeting struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	StartTime  time.Time     `json:"start_time"`
	UserID     string        `json:"user_id"`
	HostDomain string        `json:"host_domain,omitempty"`
	Status     MeetingStatus `json:"status"`
	Attendees  []Attendee    `json:"attendees"`
}

// NormalizeEmail lower-cases and trims an email for identity comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeDomain lower-cases a domain and strips a leading "www.".
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(d, "www.")
}
