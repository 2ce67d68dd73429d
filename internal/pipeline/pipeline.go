// Package pipeline orchestrates one meeting's research: it fans out person
// and company research, synthesizes a prep note and persists it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prep-cli/internal/metrics"
	"github.com/sells-group/prep-cli/internal/model"
	"github.com/sells-group/prep-cli/internal/research"
	"github.com/sells-group/prep-cli/internal/store"
)

// ErrMeetingNotFound is returned when the meeting id is unknown.
var ErrMeetingNotFound = eris.New("pipeline: meeting not found")

// ErrPersistence matches any failure to save a finished run.
var ErrPersistence = eris.New("pipeline: persistence failed")

// PersistenceError wraps the store error that prevented saving a run. It
// matches ErrPersistence with errors.Is.
type PersistenceError struct {
	MeetingID string
	Step      string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("pipeline: meeting %s: %s: %v", e.MeetingID, e.Step, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is reports whether target is ErrPersistence.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// PersonResearcher researches one attendee.
type PersonResearcher interface {
	Run(ctx context.Context, p model.Person, rc research.Context) research.Outcome[model.PersonResearch]
}

// CompanyResearcher researches one company.
type CompanyResearcher interface {
	Run(ctx context.Context, c model.Company, rc research.Context) research.Outcome[model.CompanyResearch]
}

// MeetingStore is the persistence the orchestrator needs.
type MeetingStore interface {
	store.MeetingReader
	store.PrepNoteSink
}

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrency bounds in-flight research tasks. 1 runs them sequentially.
	MaxConcurrency int
	// Timeout bounds the research fan-out. Zero means no limit.
	Timeout time.Duration
	// MaxTalkingPoints caps the aggregated talking points.
	MaxTalkingPoints int
}

// Pipeline runs research for meetings.
type Pipeline struct {
	store     MeetingStore
	people    PersonResearcher
	companies CompanyResearcher
	extractor TalkingPointExtractor
	cfg       Config
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a Pipeline. A nil extractor uses HeuristicExtractor.
func New(st MeetingStore, people PersonResearcher, companies CompanyResearcher, extractor TalkingPointExtractor, cfg Config, m *metrics.Metrics) *Pipeline {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 6
	}
	if cfg.MaxTalkingPoints <= 0 {
		cfg.MaxTalkingPoints = model.MaxTalkingPoints
	}
	if extractor == nil {
		extractor = HeuristicExtractor{}
	}
	return &Pipeline{
		store:     st,
		people:    people,
		companies: companies,
		extractor: extractor,
		cfg:       cfg,
		metrics:   m,
		tracer:    otel.Tracer("github.com/sells-group/prep-cli/internal/pipeline"),
		now:       time.Now,
	}
}

// ResearchMeeting researches every external attendee and company on a
// meeting and saves the resulting prep note. Only an unknown meeting or a
// failure to save the note is returned as an error; subject failures are
// recorded on the note.
func (p *Pipeline) ResearchMeeting(ctx context.Context, meetingID string) (*model.PrepNote, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.research_meeting",
		trace.WithAttributes(attribute.String("meeting_id", meetingID)))
	defer span.End()

	log := zap.L().With(zap.String("meeting_id", meetingID))

	meeting, err := p.store.GetMeetingWithAttendees(ctx, meetingID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrMeetingNotFound, "pipeline: meeting %s", meetingID)
		}
		return nil, eris.Wrapf(err, "pipeline: fetch meeting %s", meetingID)
	}
	log = log.With(zap.String("user_id", meeting.UserID))

	p.setStatus(ctx, log, meetingID, model.MeetingStatusResearching)

	people, companies := Partition(meeting)
	span.SetAttributes(
		attribute.Int("people", len(people)),
		attribute.Int("companies", len(companies)),
	)
	log.Info("pipeline: researching meeting",
		zap.Int("people", len(people)),
		zap.Int("companies", len(companies)),
		zap.Int("attendees", len(meeting.Attendees)),
	)

	rc := research.Context{
		MeetingID:    meeting.ID,
		UserID:       meeting.UserID,
		MeetingTitle: meeting.Title,
	}
	personResults, companyResults := p.fanOut(ctx, log, rc, people, companies)

	note := &model.PrepNote{
		MeetingID:     meeting.ID,
		UserID:        meeting.UserID,
		MeetingTitle:  meeting.Title,
		Summary:       Summarize(meeting.Title, personResults, companyResults),
		Attendees:     personResults,
		Companies:     companyResults,
		TalkingPoints: p.extractor.Extract(personResults, companyResults, p.cfg.MaxTalkingPoints),
		GeneratedAt:   p.now().UTC(),
	}

	// The run is done; saving it must not depend on the caller still waiting.
	persistCtx := context.WithoutCancel(ctx)
	if err := p.persist(persistCtx, log, note); err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.metrics.ObserveMeeting(string(model.MeetingStatusFailed), time.Since(start), -1)
		return nil, err
	}

	failed := note.FailedCount()
	span.SetAttributes(attribute.Int("failed", failed))
	p.metrics.ObserveMeeting(string(model.MeetingStatusReady), time.Since(start), len(note.TalkingPoints))
	log.Info("pipeline: prep note ready",
		zap.String("note_id", note.ID),
		zap.Int("failed", failed),
		zap.Int("talking_points", len(note.TalkingPoints)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return note, nil
}

// fanOut runs person then company tasks with bounded concurrency. Results keep
// input order. With a timeout, subjects not finished in time degrade and
// finished ones are kept.
func (p *Pipeline) fanOut(ctx context.Context, log *zap.Logger, rc research.Context, people []model.Person, companies []model.Company) ([]model.PersonResearch, []model.CompanyResearch) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	personResults := make([]model.PersonResearch, len(people))
	companyResults := make([]model.CompanyResearch, len(companies))

	var g errgroup.Group
	g.SetLimit(p.cfg.MaxConcurrency)

	for i, person := range people {
		g.Go(func() error {
			personResults[i] = runGuarded(ctx, log, person.Key(), func(ctx context.Context) model.PersonResearch {
				return p.people.Run(ctx, person, rc).Result
			}, func(reason string) model.PersonResearch {
				return model.PersonResearch{
					Person:    person,
					Mode:      model.ResultModeFallback,
					Narrative: model.FailureNarrative(reason),
					Error:     reason,
				}
			})
			return nil
		})
	}
	for i, company := range companies {
		g.Go(func() error {
			companyResults[i] = runGuarded(ctx, log, company.Key(), func(ctx context.Context) model.CompanyResearch {
				return p.companies.Run(ctx, company, rc).Result
			}, func(reason string) model.CompanyResearch {
				return model.CompanyResearch{
					Company:   company,
					Mode:      model.ResultModeFallback,
					Narrative: model.FailureNarrative(reason),
					Error:     reason,
				}
			})
			return nil
		})
	}
	_ = g.Wait()

	return personResults, companyResults
}

// runGuarded runs one subject, converting a panic or an expired context into
// a failure entry.
func runGuarded[R any](ctx context.Context, log *zap.Logger, subject string, run func(context.Context) R, failed func(reason string) R) (res R) {
	if err := ctx.Err(); err != nil {
		log.Warn("pipeline: skipping subject, research deadline passed", zap.String("subject", subject))
		return failed("research timed out before this subject started")
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("pipeline: research task panicked",
				zap.String("subject", subject),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			res = failed(fmt.Sprintf("unexpected error: %v", rec))
		}
	}()
	return run(ctx)
}

func (p *Pipeline) persist(ctx context.Context, log *zap.Logger, note *model.PrepNote) error {
	if err := p.store.UpsertPrepNote(ctx, note); err != nil {
		log.Error("pipeline: save prep note failed", zap.Error(err))
		p.setStatus(ctx, log, note.MeetingID, model.MeetingStatusFailed)
		return &PersistenceError{MeetingID: note.MeetingID, Step: "save prep note", Err: err}
	}
	if err := p.store.SetMeetingStatus(ctx, note.MeetingID, model.MeetingStatusReady); err != nil {
		log.Error("pipeline: mark meeting ready failed", zap.Error(err))
		p.setStatus(ctx, log, note.MeetingID, model.MeetingStatusFailed)
		return &PersistenceError{MeetingID: note.MeetingID, Step: "mark ready", Err: err}
	}
	return nil
}

// setStatus updates meeting status best-effort.
func (p *Pipeline) setStatus(ctx context.Context, log *zap.Logger, meetingID string, status model.MeetingStatus) {
	if err := p.store.SetMeetingStatus(ctx, meetingID, status); err != nil {
		log.Warn("pipeline: failed to update status",
			zap.String("status", string(status)),
			zap.Bool("degraded", true),
			zap.Error(err),
		)
		p.metrics.IncDegraded(metrics.DegradedStatus)
	}
}
