package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prep-cli/internal/metrics"
	"github.com/sells-group/prep-cli/internal/model"
)

const companyKeywords = "overview products services news funding"

const companySystem = `You are a sales research analyst preparing a briefing before a meeting.
You research one company at a time using only the search results provided.
Prefer recent, verifiable facts. Say nothing about the company that the results do not support.`

const companyInstruction = `Research this company ahead of the meeting "%s".

Company: %s
Website domain: %s

Describe what the company does, its industry and approximate size,
its main products or services, and any recent news such as funding, launches or leadership changes.`

const companySchema = `{
  "narrative": "2-4 sentence company overview",
  "name": "company name",
  "description": "one-line description",
  "industry": "primary industry",
  "size": "employee count or range",
  "products": ["main products or services"],
  "recent_news": ["recent funding, launches, hires or press"],
  "talking_points": ["conversation openers"]
}`

type companyResponse struct {
	Narrative     string   `json:"narrative"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Industry      string   `json:"industry"`
	Size          string   `json:"size"`
	Products      []string `json:"products"`
	RecentNews    []string `json:"recent_news"`
	TalkingPoints []string `json:"talking_points"`
}

func (c companyResponse) empty() bool {
	return strings.TrimSpace(c.Narrative) == "" &&
		strings.TrimSpace(c.Name) == "" &&
		strings.TrimSpace(c.Description) == "" &&
		strings.TrimSpace(c.Industry) == "" &&
		strings.TrimSpace(c.Size) == "" &&
		len(cleanList(c.Products)) == 0 &&
		len(cleanList(c.RecentNews)) == 0 &&
		len(cleanList(c.TalkingPoints)) == 0
}

// CompanyTask researches one external company. Its usage is recorded but
// never consumes credits.
type CompanyTask struct {
	r *runner[model.Company, model.CompanyResearch]
}

// NewCompanyTask creates a CompanyTask. search and meter may be nil.
func NewCompanyTask(search SearchBackend, gen Generator, meter Meter, cfg Config, m *metrics.Metrics) *CompanyTask {
	return &CompanyTask{r: newRunner(companySpec(), search, gen, meter, cfg, m)}
}

// Run researches c. It never returns an error; failures degrade into the
// returned outcome.
func (t *CompanyTask) Run(ctx context.Context, c model.Company, rc Context) Outcome[model.CompanyResearch] {
	return t.r.run(ctx, c, rc)
}

// CompanyQuery is the search query for a company: name, domain and the
// overview keywords.
func CompanyQuery(c model.Company) string {
	return strings.Join([]string{companyName(c), c.Key(), companyKeywords}, " ")
}

func companyName(c model.Company) string {
	if n := strings.TrimSpace(c.InferredName); n != "" {
		return n
	}
	return model.CompanyNameFromDomain(c.Domain)
}

func companySpec() kindSpec[model.Company, model.CompanyResearch] {
	return kindSpec[model.Company, model.CompanyResearch]{
		kind:       model.SubjectCompany,
		chargeable: false,
		system:     companySystem,
		schema:     companySchema,
		key:        model.Company.Key,
		query:      CompanyQuery,
		instruction: func(c model.Company, rc Context) string {
			return fmt.Sprintf(companyInstruction, rc.MeetingTitle, companyName(c), c.Key())
		},
		parse:    parseCompany,
		fallback: companyFallback,
		failed: func(c model.Company, reason string) model.CompanyResearch {
			return model.CompanyResearch{
				Company:   c,
				Mode:      model.ResultModeFallback,
				Narrative: model.FailureNarrative(reason),
				Error:     reason,
			}
		},
	}
}

func parseCompany(c model.Company, text string) (model.CompanyResearch, error) {
	var resp companyResponse
	if err := decodeJSON(text, &resp); err != nil {
		return model.CompanyResearch{}, err
	}
	if resp.empty() {
		return model.CompanyResearch{}, eris.New("research: company response has no content")
	}
	points := cleanList(resp.TalkingPoints)
	name := strings.TrimSpace(resp.Name)
	if name == "" {
		name = companyName(c)
	}
	return model.CompanyResearch{
		Company:       c,
		Mode:          model.ResultModeParsed,
		Narrative:     withTalkingPoints(resp.Narrative, points),
		Name:          name,
		Description:   strings.TrimSpace(resp.Description),
		Industry:      strings.TrimSpace(resp.Industry),
		Size:          strings.TrimSpace(resp.Size),
		Products:      cleanList(resp.Products),
		RecentNews:    cleanList(resp.RecentNews),
		TalkingPoints: points,
	}, nil
}

func companyFallback(c model.Company, raw string) model.CompanyResearch {
	return model.CompanyResearch{
		Company:   c,
		Mode:      model.ResultModeFallback,
		Narrative: raw,
	}
}
