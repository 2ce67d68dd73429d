package pipeline

import (
	"strings"

	"github.com/sells-group/prep-cli/internal/model"
)

// Partition selects the external people and companies to research. An
// attendee is internal when flagged or when their domain is the host
// company's. People are de-duplicated by email and companies by domain, in
// first-seen order.
func Partition(m *model.Meeting) ([]model.Person, []model.Company) {
	host := model.NormalizeDomain(m.HostDomain)

	var people []model.Person
	var companies []model.Company
	seenPeople := make(map[string]bool)
	seenDomains := make(map[string]bool)

	for _, a := range m.Attendees {
		email := model.NormalizeEmail(a.Email)
		if email == "" || !strings.Contains(email, "@") {
			continue
		}
		domain := a.EmailDomain()
		if a.IsInternal || (host != "" && domain == host) {
			continue
		}

		if !seenPeople[email] {
			seenPeople[email] = true
			people = append(people, model.Person{
				Name:            strings.TrimSpace(a.Name),
				Email:           email,
				InferredCompany: model.CompanyNameFromDomain(domain),
			})
		}

		if domain != "" && !seenDomains[domain] {
			seenDomains[domain] = true
			companies = append(companies, model.Company{
				Domain:       domain,
				InferredName: model.CompanyNameFromDomain(domain),
			})
		}
	}
	return people, companies
}
