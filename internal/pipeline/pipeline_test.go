package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prep-cli/internal/metrics"
	"github.com/sells-group/prep-cli/internal/model"
	"github.com/sells-group/prep-cli/internal/store"
)

func scenarioMeeting() *model.Meeting {
	return &model.Meeting{
		ID:         "m1",
		UserID:     "u1",
		Title:      "Acme x Other",
		HostDomain: "acme.com",
		Attendees: []model.Attendee{
			{Email: "alice@acme.com", Name: "Alice", Domain: "acme.com", IsInternal: true},
			{Email: "bob@other.com", Name: "Bob", Domain: "other.com"},
			{Email: "carol@other.com", Name: "Carol", Domain: "other.com"},
		},
	}
}

func expectHappyStore(st *mockStore, m *model.Meeting) {
	st.On("GetMeetingWithAttendees", mock.Anything, m.ID).Return(m, nil)
	st.On("SetMeetingStatus", mock.Anything, m.ID, model.MeetingStatusResearching).Return(nil)
	st.On("UpsertPrepNote", mock.Anything, mock.AnythingOfType("*model.PrepNote")).Return(nil)
	st.On("SetMeetingStatus", mock.Anything, m.ID, model.MeetingStatusReady).Return(nil)
}

func TestResearchMeeting_EndToEnd(t *testing.T) {
	st := &mockStore{}
	expectHappyStore(st, scenarioMeeting())
	rs := &countingResearchers{}
	m := metrics.New()

	p := New(st, rs.person(), rs.company(), nil, Config{}, m)
	note, err := p.ResearchMeeting(context.Background(), "m1")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"bob@other.com", "carol@other.com"}, rs.people)
	assert.Equal(t, []string{"other.com"}, rs.companies)

	require.Len(t, note.Attendees, 2)
	require.Len(t, note.Companies, 1)
	assert.Equal(t, "bob@other.com", note.Attendees[0].Person.Email)
	assert.Equal(t, "carol@other.com", note.Attendees[1].Person.Email)
	assert.Equal(t, "m1", note.MeetingID)
	assert.Equal(t, "u1", note.UserID)
	assert.Equal(t, "Acme x Other", note.MeetingTitle)
	assert.Equal(t, `Prep for "Acme x Other": 2 external attendees (Bob, Carol) from 1 company (Other).`, note.Summary)
	assert.Equal(t, []string{"Ask Bob about budget", "Ask Carol about budget"}, note.TalkingPoints)
	assert.False(t, note.GeneratedAt.IsZero())

	st.AssertExpectations(t)
	// Status moves researching then ready.
	var statuses []model.MeetingStatus
	for _, c := range st.Calls {
		if c.Method == "SetMeetingStatus" {
			statuses = append(statuses, c.Arguments.Get(2).(model.MeetingStatus))
		}
	}
	assert.Equal(t, []model.MeetingStatus{model.MeetingStatusResearching, model.MeetingStatusReady}, statuses)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MeetingsTotal.WithLabelValues("ready")))
}

func TestResearchMeeting_CompanyDeduplication(t *testing.T) {
	meeting := &model.Meeting{
		ID:     "m2",
		UserID: "u1",
		Attendees: []model.Attendee{
			{Email: "a@globex.com", Domain: "globex.com"},
			{Email: "b@globex.com", Domain: "globex.com"},
			{Email: "c@Globex.com"},
			{Email: "d@initech.io", Domain: "initech.io"},
		},
	}
	st := &mockStore{}
	expectHappyStore(st, meeting)
	rs := &countingResearchers{}

	note, err := New(st, rs.person(), rs.company(), nil, Config{}, nil).ResearchMeeting(context.Background(), "m2")
	require.NoError(t, err)

	assert.Len(t, rs.companies, 2)
	assert.ElementsMatch(t, []string{"globex.com", "initech.io"}, rs.companies)
	assert.Len(t, rs.people, 4)
	assert.Len(t, note.Companies, 2)
}

func TestResearchMeeting_PartialFailure(t *testing.T) {
	meeting := &model.Meeting{
		ID:     "m3",
		UserID: "u1",
		Attendees: []model.Attendee{
			{Email: "one@other.com"},
			{Email: "two@other.com"},
			{Email: "three@other.com"},
		},
	}
	st := &mockStore{}
	expectHappyStore(st, meeting)
	rs := &countingResearchers{}
	ok := rs.person()
	people := personFunc(func(ctx context.Context, p model.Person) model.PersonResearch {
		if p.Email == "two@other.com" {
			panic("generation client exploded")
		}
		return ok(ctx, p)
	})

	note, err := New(st, people, rs.company(), nil, Config{MaxConcurrency: 3}, nil).ResearchMeeting(context.Background(), "m3")
	require.NoError(t, err)

	require.Len(t, note.Attendees, 3)
	assert.False(t, note.Attendees[0].Failed())
	assert.True(t, note.Attendees[1].Failed())
	assert.False(t, note.Attendees[2].Failed())
	assert.Equal(t, "two@other.com", note.Attendees[1].Person.Email)
	assert.True(t, strings.HasPrefix(note.Attendees[1].Narrative, "Research failed: "))
	assert.Contains(t, note.Summary, "Research failed for 1 subject.")
	assert.Equal(t, 1, note.FailedCount())
}

func TestResearchMeeting_NotFound(t *testing.T) {
	st := &mockStore{}
	st.On("GetMeetingWithAttendees", mock.Anything, "missing").
		Return(nil, eris.Wrap(store.ErrNotFound, "sqlite: meeting missing"))

	_, err := New(st, personFunc(nil), companyFunc(nil), nil, Config{}, nil).ResearchMeeting(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMeetingNotFound))
	st.AssertNotCalled(t, "SetMeetingStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestResearchMeeting_FetchError(t *testing.T) {
	st := &mockStore{}
	st.On("GetMeetingWithAttendees", mock.Anything, "m1").Return(nil, errors.New("connection refused"))

	_, err := New(st, personFunc(nil), companyFunc(nil), nil, Config{}, nil).ResearchMeeting(context.Background(), "m1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMeetingNotFound))
}

func TestResearchMeeting_PersistenceFailure(t *testing.T) {
	m := metrics.New()
	st := &mockStore{}
	meeting := scenarioMeeting()
	st.On("GetMeetingWithAttendees", mock.Anything, "m1").Return(meeting, nil)
	st.On("SetMeetingStatus", mock.Anything, "m1", model.MeetingStatusResearching).Return(nil)
	st.On("UpsertPrepNote", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	st.On("SetMeetingStatus", mock.Anything, "m1", model.MeetingStatusFailed).Return(nil)
	rs := &countingResearchers{}

	note, err := New(st, rs.person(), rs.company(), nil, Config{}, m).ResearchMeeting(context.Background(), "m1")
	require.Error(t, err)
	assert.Nil(t, note)
	assert.True(t, errors.Is(err, ErrPersistence))

	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "save prep note", pe.Step)
	assert.Contains(t, err.Error(), "disk full")

	st.AssertCalled(t, "SetMeetingStatus", mock.Anything, "m1", model.MeetingStatusFailed)
	st.AssertNotCalled(t, "SetMeetingStatus", mock.Anything, "m1", model.MeetingStatusReady)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MeetingsTotal.WithLabelValues("failed")))
}

func TestResearchMeeting_MarkReadyFailure(t *testing.T) {
	st := &mockStore{}
	st.On("GetMeetingWithAttendees", mock.Anything, "m1").Return(scenarioMeeting(), nil)
	st.On("SetMeetingStatus", mock.Anything, "m1", model.MeetingStatusResearching).Return(nil)
	st.On("UpsertPrepNote", mock.Anything, mock.Anything).Return(nil)
	st.On("SetMeetingStatus", mock.Anything, "m1", model.MeetingStatusReady).Return(errors.New("timeout"))
	st.On("SetMeetingStatus", mock.Anything, "m1", model.MeetingStatusFailed).Return(errors.New("timeout"))
	rs := &countingResearchers{}

	_, err := New(st, rs.person(), rs.company(), nil, Config{}, nil).ResearchMeeting(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
}

func TestResearchMeeting_StatusUpdateIsBestEffort(t *testing.T) {
	m := metrics.New()
	st := &mockStore{}
	st.On("GetMeetingWithAttendees", mock.Anything, "m1").Return(scenarioMeeting(), nil)
	st.On("SetMeetingStatus", mock.Anything, "m1", model.MeetingStatusResearching).Return(errors.New("locked"))
	st.On("UpsertPrepNote", mock.Anything, mock.Anything).Return(nil)
	st.On("SetMeetingStatus", mock.Anything, "m1", model.MeetingStatusReady).Return(nil)
	rs := &countingResearchers{}

	note, err := New(st, rs.person(), rs.company(), nil, Config{}, m).ResearchMeeting(context.Background(), "m1")
	require.NoError(t, err)
	assert.Len(t, note.Attendees, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegradedTotal.WithLabelValues(metrics.DegradedStatus)))
}

func TestResearchMeeting_NoExternalAttendees(t *testing.T) {
	meeting := &model.Meeting{
		ID:         "m4",
		UserID:     "u1",
		Title:      "Standup",
		HostDomain: "acme.com",
		Attendees:  []model.Attendee{{Email: "a@acme.com"}, {Email: "b@acme.com", IsInternal: true}},
	}
	st := &mockStore{}
	expectHappyStore(st, meeting)
	rs := &countingResearchers{}

	note, err := New(st, rs.person(), rs.company(), nil, Config{}, nil).ResearchMeeting(context.Background(), "m4")
	require.NoError(t, err)
	assert.Empty(t, note.Attendees)
	assert.Empty(t, note.Companies)
	assert.Empty(t, note.TalkingPoints)
	assert.Equal(t, `No external attendees to research for "Standup".`, note.Summary)
}

func TestResearchMeeting_BoundedConcurrencyKeepsOrder(t *testing.T) {
	meeting := &model.Meeting{ID: "m5", UserID: "u1"}
	for _, e := range []string{"a", "b", "c", "d", "e", "f"} {
		meeting.Attendees = append(meeting.Attendees, model.Attendee{Email: e + "@" + e + ".com"})
	}
	st := &mockStore{}
	expectHappyStore(st, meeting)
	rs := &countingResearchers{}
	inner := rs.person()
	people := personFunc(func(ctx context.Context, p model.Person) model.PersonResearch {
		// Earlier subjects finish later.
		delay := time.Duration(6-strings.Index("abcdef", p.Email[:1])) * 5 * time.Millisecond
		time.Sleep(delay)
		return inner(ctx, p)
	})

	note, err := New(st, people, rs.company(), nil, Config{MaxConcurrency: 2}, nil).ResearchMeeting(context.Background(), "m5")
	require.NoError(t, err)

	require.Len(t, note.Attendees, 6)
	for i, e := range []string{"a", "b", "c", "d", "e", "f"} {
		assert.Equal(t, e+"@"+e+".com", note.Attendees[i].Person.Email)
	}
	assert.LessOrEqual(t, rs.peak.Load(), int32(2))
}

func TestResearchMeeting_TimeoutKeepsCompletedSubjects(t *testing.T) {
	meeting := &model.Meeting{
		ID:     "m6",
		UserID: "u1",
		Attendees: []model.Attendee{
			{Email: "fast@other.com"},
			{Email: "slow@other.com"},
			{Email: "late@other.com"},
		},
	}
	st := &mockStore{}
	expectHappyStore(st, meeting)
	rs := &countingResearchers{}
	ok := rs.person()
	people := personFunc(func(ctx context.Context, p model.Person) model.PersonResearch {
		if p.Email == "slow@other.com" {
			<-ctx.Done()
			return model.PersonResearch{Person: p, Narrative: model.FailureNarrative(ctx.Err().Error()), Error: ctx.Err().Error()}
		}
		return ok(ctx, p)
	})

	cfg := Config{MaxConcurrency: 1, Timeout: 30 * time.Millisecond}
	note, err := New(st, people, rs.company(), nil, cfg, nil).ResearchMeeting(context.Background(), "m6")
	require.NoError(t, err)

	require.Len(t, note.Attendees, 3)
	assert.False(t, note.Attendees[0].Failed(), "completed subject is kept")
	assert.True(t, note.Attendees[1].Failed())
	assert.True(t, note.Attendees[2].Failed())
	assert.Contains(t, note.Attendees[2].Error, "timed out")
	require.Len(t, note.Companies, 1)
	assert.True(t, note.Companies[0].Failed())
	st.AssertCalled(t, "UpsertPrepNote", mock.Anything, mock.Anything)
}

func TestResearchMeeting_CallerCancellationStillPersists(t *testing.T) {
	st := &mockStore{}
	meeting := scenarioMeeting()
	st.On("GetMeetingWithAttendees", mock.Anything, "m1").Return(meeting, nil)
	st.On("SetMeetingStatus", mock.Anything, "m1", mock.Anything).Return(nil)
	st.On("UpsertPrepNote", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	rs := &countingResearchers{}
	ok := rs.person()
	people := personFunc(func(c context.Context, p model.Person) model.PersonResearch {
		cancel()
		return ok(c, p)
	})

	_, err := New(st, people, rs.company(), nil, Config{MaxConcurrency: 1}, nil).ResearchMeeting(ctx, "m1")
	require.NoError(t, err)
	st.AssertCalled(t, "UpsertPrepNote", mock.Anything, mock.Anything)
}
