package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/prep-cli/internal/model"
	"github.com/sells-group/prep-cli/internal/research"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetMeetingWithAttendees(ctx context.Context, meetingID string) (*model.Meeting, error) {
	args := m.Called(ctx, meetingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Meeting), args.Error(1)
}

func (m *mockStore) UpsertPrepNote(ctx context.Context, note *model.PrepNote) error {
	args := m.Called(ctx, note)
	return args.Error(0)
}

func (m *mockStore) SetMeetingStatus(ctx context.Context, meetingID string, status model.MeetingStatus) error {
	args := m.Called(ctx, meetingID, status)
	return args.Error(0)
}

// --- Researcher fakes ---

type personFunc func(ctx context.Context, p model.Person) model.PersonResearch

func (f personFunc) Run(ctx context.Context, p model.Person, _ research.Context) research.Outcome[model.PersonResearch] {
	return research.Outcome[model.PersonResearch]{Result: f(ctx, p)}
}

type companyFunc func(ctx context.Context, c model.Company) model.CompanyResearch

func (f companyFunc) Run(ctx context.Context, c model.Company, _ research.Context) research.Outcome[model.CompanyResearch] {
	return research.Outcome[model.CompanyResearch]{Result: f(ctx, c)}
}

// countingResearchers records every subject it is asked to research.
type countingResearchers struct {
	mu        sync.Mutex
	people    []string
	companies []string
	inFlight  atomic.Int32
	peak      atomic.Int32
}

func (c *countingResearchers) enter() {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (c *countingResearchers) person() personFunc {
	return func(_ context.Context, p model.Person) model.PersonResearch {
		c.enter()
		defer c.inFlight.Add(-1)
		c.mu.Lock()
		c.people = append(c.people, p.Key())
		c.mu.Unlock()
		return model.PersonResearch{
			Person:    p,
			Mode:      model.ResultModeParsed,
			Narrative: p.DisplayName() + " is a buyer.\n\n## Talking Points\n- Ask " + p.DisplayName() + " about budget",
		}
	}
}

func (c *countingResearchers) company() companyFunc {
	return func(_ context.Context, co model.Company) model.CompanyResearch {
		c.enter()
		defer c.inFlight.Add(-1)
		c.mu.Lock()
		c.companies = append(c.companies, co.Key())
		c.mu.Unlock()
		return model.CompanyResearch{
			Company:   co,
			Mode:      model.ResultModeParsed,
			Name:      co.InferredName,
			Narrative: co.InferredName + " sells software.",
		}
	}
}
