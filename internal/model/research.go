package model

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Person is an external attendee selected for research.
type Person struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	InferredCompany string `json:"inferred_company,omitempty"`
}

// Key identifies a person by case-insensitive email.
func (p Person) Key() string { return NormalizeEmail(p.Email) }

// DisplayName returns Name, or a title-cased version of the email local part.
func (p Person) DisplayName() string {
	if strings.TrimSpace(p.Name) != "" {
		return strings.TrimSpace(p.Name)
	}
	local := p.Key()
	if i := strings.Index(local, "@"); i >= 0 {
		local = local[:i]
	}
	local = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local)
	return cases.Title(language.English).String(local)
}

// Company is an external organization selected for research, one per domain.
type Company struct {
	Domain       string `json:"domain"`
	InferredName string `json:"inferred_name,omitempty"`
}

// Key identifies a company by its normalized domain.
func (c Company) Key() string { return NormalizeDomain(c.Domain) }

// CompanyNameFromDomain guesses a display name from a domain, e.g.
// "acme-labs.io" becomes "Acme Labs".
func CompanyNameFromDomain(domain string) string {
	d := NormalizeDomain(domain)
	if i := strings.Index(d, "."); i > 0 {
		d = d[:i]
	}
	d = strings.ReplaceAll(d, "-", " ")
	return cases.Title(language.English).String(d)
}

// ResultMode says whether a research result came from schema-validated
// output or from the raw-text fallback.
type ResultMode string

const (
	ResultModeParsed   ResultMode = "parsed"
	ResultModeFallback ResultMode = "fallback"
)

// PersonResearch is the research record for one attendee.
type PersonResearch struct {
	Person         Person     `json:"person"`
	Mode           ResultMode `json:"mode"`
	Narrative      string     `json:"narrative"`
	Error          string     `json:"error,omitempty"`
	Role           string     `json:"role,omitempty"`
	Company        string     `json:"company,omitempty"`
	Tenure         string     `json:"tenure,omitempty"`
	Background     []string   `json:"background,omitempty"`
	RecentActivity []string   `json:"recent_activity,omitempty"`
	TalkingPoints  []string   `json:"talking_points,omitempty"`
}

// Failed reports whether this entry carries an error marker.
func (r PersonResearch) Failed() bool { return r.Error != "" }

// CompanyResearch is the research record for one external domain.
type CompanyResearch struct {
	Company       Company    `json:"company"`
	Mode          ResultMode `json:"mode"`
	Narrative     string     `json:"narrative"`
	Error         string     `json:"error,omitempty"`
	Name          string     `json:"name,omitempty"`
	Description   string     `json:"description,omitempty"`
	Industry      string     `json:"industry,omitempty"`
	Size          string     `json:"size,omitempty"`
	Products      []string   `json:"products,omitempty"`
	RecentNews    []string   `json:"recent_news,omitempty"`
	TalkingPoints []string   `json:"talking_points,omitempty"`
}

// Failed reports whether this entry carries an error marker.
func (r CompanyResearch) Failed() bool { return r.Error != "" }

// FailureNarrative is the narrative stored on a degraded result.
func FailureNarrative(reason string) string {
	return "Research failed: " + reason
}
