package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sells-group/prep-cli/internal/model"
)

// TalkingPointExtractor aggregates talking points from research results,
// returning at most max points in first-found order.
type TalkingPointExtractor interface {
	Extract(people []model.PersonResearch, companies []model.CompanyResearch, max int) []string
}

// NewExtractor returns the extractor named by kind: "structured" or
// "heuristic" (the default).
func NewExtractor(kind string) TalkingPointExtractor {
	if strings.EqualFold(strings.TrimSpace(kind), "structured") {
		return StructuredExtractor{}
	}
	return HeuristicExtractor{}
}

// HeuristicExtractor scans narratives for a "talking points" or "insights"
// section and collects its bullet lines.
type HeuristicExtractor struct{}

var (
	sectionHeading = regexp.MustCompile(`(?i)^(?:#{1,6}\s*)?(?:\*\*|__)?\s*(?:key\s+)?(?:talking\s+points?|insights?)\b`)
	bulletLine     = regexp.MustCompile(`^\s*(?:[-*•+]|\d+[.)])\s+(.+)$`)
	markdownHead   = regexp.MustCompile(`^\s*#{1,6}\s`)
)

// Extract implements TalkingPointExtractor.
func (HeuristicExtractor) Extract(people []model.PersonResearch, companies []model.CompanyResearch, max int) []string {
	c := newCollector(max)
	for _, p := range people {
		if p.Failed() {
			continue
		}
		for _, tp := range scanNarrative(p.Narrative) {
			if !c.add(tp) {
				return c.points
			}
		}
	}
	for _, co := range companies {
		if co.Failed() {
			continue
		}
		for _, tp := range scanNarrative(co.Narrative) {
			if !c.add(tp) {
				return c.points
			}
		}
	}
	return c.points
}

// scanNarrative returns the bullet lines under every talking-points section
// in text. A section ends at the next heading or at the first non-bullet
// line after its bullets.
func scanNarrative(text string) []string {
	var out []string
	inSection := false
	sawBullet := false

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if sectionHeading.MatchString(trimmed) {
			inSection = true
			sawBullet = false
			continue
		}
		if !inSection {
			continue
		}
		if trimmed == "" {
			continue
		}
		if markdownHead.MatchString(trimmed) {
			inSection = false
			continue
		}
		if m := bulletLine.FindStringSubmatch(trimmed); m != nil {
			sawBullet = true
			out = append(out, m[1])
			continue
		}
		if sawBullet {
			inSection = false
		}
	}
	return out
}

// StructuredExtractor aggregates the parsed TalkingPoints fields.
type StructuredExtractor struct{}

// Extract implements TalkingPointExtractor.
func (StructuredExtractor) Extract(people []model.PersonResearch, companies []model.CompanyResearch, max int) []string {
	c := newCollector(max)
	for _, p := range people {
		for _, tp := range p.TalkingPoints {
			if !c.add(tp) {
				return c.points
			}
		}
	}
	for _, co := range companies {
		for _, tp := range co.TalkingPoints {
			if !c.add(tp) {
				return c.points
			}
		}
	}
	return c.points
}

// collector de-duplicates and caps talking points.
type collector struct {
	max    int
	seen   map[string]bool
	points []string
}

func newCollector(max int) *collector {
	if max <= 0 {
		max = model.MaxTalkingPoints
	}
	return &collector{max: max, seen: make(map[string]bool), points: []string{}}
}

// add appends tp and reports whether there is room for more.
func (c *collector) add(tp string) bool {
	if len(c.points) >= c.max {
		return false
	}
	tp = cleanPoint(tp)
	key := strings.ToLower(tp)
	if tp != "" && !c.seen[key] {
		c.seen[key] = true
		c.points = append(c.points, tp)
	}
	return len(c.points) < c.max
}

func cleanPoint(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	return strings.Join(strings.Fields(s), " ")
}

// Summarize builds the one-paragraph overview of a run.
func Summarize(title string, people []model.PersonResearch, companies []model.CompanyResearch) string {
	if title == "" {
		title = "this meeting"
	} else {
		title = fmt.Sprintf("%q", title)
	}
	if len(people) == 0 && len(companies) == 0 {
		return fmt.Sprintf("No external attendees to research for %s.", title)
	}

	names := make([]string, 0, len(people))
	for _, p := range people {
		names = append(names, p.Person.DisplayName())
	}
	orgs := make([]string, 0, len(companies))
	for _, c := range companies {
		name := c.Name
		if name == "" {
			name = c.Company.InferredName
		}
		if name == "" {
			name = model.CompanyNameFromDomain(c.Company.Domain)
		}
		orgs = append(orgs, name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Prep for %s: %s", title, plural(len(people), "external attendee", "external attendees"))
	if len(names) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, " from %s", plural(len(companies), "company", "companies"))
	if len(orgs) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(orgs, ", "))
	}
	b.WriteString(".")

	failed := 0
	for _, p := range people {
		if p.Failed() {
			failed++
		}
	}
	for _, c := range companies {
		if c.Failed() {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(&b, " Research failed for %s.", plural(failed, "subject", "subjects"))
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
