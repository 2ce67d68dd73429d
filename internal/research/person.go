package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prep-cli/internal/metrics"
	"github.com/sells-group/prep-cli/internal/model"
)

const personKeywords = "professional profile background recent activity"

const personSystem = `You are a sales research analyst preparing a briefing before a meeting.
You research one meeting attendee at a time using only the search results provided.
Be factual and concise. Never invent roles, employers or events that the results do not mention.`

const personInstruction = `Research this meeting attendee ahead of the meeting "%s".

Name: %s
Email: %s
Company: %s

Summarize who they are professionally, their current role and how long they have held it,
relevant background, and anything they have done or said recently that could open a conversation.`

const personSchema = `{
  "narrative": "2-4 sentence professional summary",
  "role": "current title",
  "company": "current employer",
  "tenure": "time in current role, e.g. \"3 years\"",
  "background": ["prior roles, education or expertise"],
  "recent_activity": ["recent posts, talks, launches or news"],
  "talking_points": ["conversation openers"]
}`

type personResponse struct {
	Narrative      string   `json:"narrative"`
	Role           string   `json:"role"`
	Company        string   `json:"company"`
	Tenure         string   `json:"tenure"`
	Background     []string `json:"background"`
	RecentActivity []string `json:"recent_activity"`
	TalkingPoints  []string `json:"talking_points"`
}

func (p personResponse) empty() bool {
	return strings.TrimSpace(p.Narrative) == "" &&
		strings.TrimSpace(p.Role) == "" &&
		strings.TrimSpace(p.Company) == "" &&
		strings.TrimSpace(p.Tenure) == "" &&
		len(cleanList(p.Background)) == 0 &&
		len(cleanList(p.RecentActivity)) == 0 &&
		len(cleanList(p.TalkingPoints)) == 0
}

// PersonTask researches one external attendee. It is the only chargeable
// research kind.
type PersonTask struct {
	r *runner[model.Person, model.PersonResearch]
}

// NewPersonTask creates a PersonTask. search and meter may be nil.
func NewPersonTask(search SearchBackend, gen Generator, meter Meter, cfg Config, m *metrics.Metrics) *PersonTask {
	return &PersonTask{r: newRunner(personSpec(), search, gen, meter, cfg, m)}
}

// Run researches p. It never returns an error; failures degrade into the
// returned outcome.
func (t *PersonTask) Run(ctx context.Context, p model.Person, rc Context) Outcome[model.PersonResearch] {
	return t.r.run(ctx, p, rc)
}

// PersonQuery is the search query for a person: name, inferred company and
// the profile keywords.
func PersonQuery(p model.Person) string {
	parts := []string{p.DisplayName()}
	if c := strings.TrimSpace(p.InferredCompany); c != "" {
		parts = append(parts, c)
	}
	parts = append(parts, personKeywords)
	return strings.Join(parts, " ")
}

func personSpec() kindSpec[model.Person, model.PersonResearch] {
	return kindSpec[model.Person, model.PersonResearch]{
		kind:       model.SubjectPerson,
		chargeable: true,
		system:     personSystem,
		schema:     personSchema,
		key:        model.Person.Key,
		query:      PersonQuery,
		instruction: func(p model.Person, rc Context) string {
			company := p.InferredCompany
			if company == "" {
				company = "unknown"
			}
			return fmt.Sprintf(personInstruction, rc.MeetingTitle, p.DisplayName(), p.Email, company)
		},
		parse:    parsePerson,
		fallback: personFallback,
		failed: func(p model.Person, reason string) model.PersonResearch {
			return model.PersonResearch{
				Person:    p,
				Mode:      model.ResultModeFallback,
				Narrative: model.FailureNarrative(reason),
				Error:     reason,
			}
		},
	}
}

func parsePerson(p model.Person, text string) (model.PersonResearch, error) {
	var resp personResponse
	if err := decodeJSON(text, &resp); err != nil {
		return model.PersonResearch{}, err
	}
	if resp.empty() {
		return model.PersonResearch{}, eris.New("research: person response has no content")
	}
	points := cleanList(resp.TalkingPoints)
	return model.PersonResearch{
		Person:         p,
		Mode:           model.ResultModeParsed,
		Narrative:      withTalkingPoints(resp.Narrative, points),
		Role:           strings.TrimSpace(resp.Role),
		Company:        strings.TrimSpace(resp.Company),
		Tenure:         strings.TrimSpace(resp.Tenure),
		Background:     cleanList(resp.Background),
		RecentActivity: cleanList(resp.RecentActivity),
		TalkingPoints:  points,
	}, nil
}

func personFallback(p model.Person, raw string) model.PersonResearch {
	return model.PersonResearch{
		Person:    p,
		Mode:      model.ResultModeFallback,
		Narrative: raw,
	}
}
