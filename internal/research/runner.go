package research

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/prep-cli/internal/metrics"
	"github.com/sells-group/prep-cli/internal/model"
)

const tracerName = "github.com/sells-group/prep-cli/internal/research"

// kindSpec holds everything that differs between person and company research.
type kindSpec[S, R any] struct {
	kind       model.SubjectKind
	chargeable bool
	system     string
	schema     string

	key         func(S) string
	query       func(S) string
	instruction func(S, Context) string
	// parse decodes and validates a response into a parsed result.
	parse    func(S, string) (R, error)
	fallback func(S, string) R
	failed   func(S, string) R
}

// runner drives one subject through search, generation, metering and parsing.
type runner[S, R any] struct {
	spec    kindSpec[S, R]
	search  SearchBackend
	gen     Generator
	meter   Meter
	cfg     Config
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func newRunner[S, R any](spec kindSpec[S, R], search SearchBackend, gen Generator, meter Meter, cfg Config, m *metrics.Metrics) *runner[S, R] {
	return &runner[S, R]{
		spec:    spec,
		search:  search,
		gen:     gen,
		meter:   meter,
		cfg:     cfg.withDefaults(),
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

func (r *runner[S, R]) run(ctx context.Context, subject S, rc Context) (out Outcome[R]) {
	start := time.Now()
	key := r.spec.key(subject)
	kind := string(r.spec.kind)

	ctx, span := r.tracer.Start(ctx, "research."+kind, trace.WithAttributes(
		attribute.String("meeting_id", rc.MeetingID),
		attribute.String("subject", key),
	))
	defer span.End()

	log := zap.L().With(
		zap.String("meeting_id", rc.MeetingID),
		zap.String("kind", kind),
		zap.String("subject", key),
	)

	outcome := "parsed"
	defer func() {
		if p := recover(); p != nil {
			log.Error("research: task panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			receipt := out.Receipt
			out = r.failure(subject, key, StagePanic, eris.Errorf("panic: %v", p))
			out.Receipt = receipt
			outcome = "failed"
		}
		out.Elapsed = time.Since(start)
		span.SetAttributes(attribute.String("outcome", outcome))
		if out.Err != nil {
			span.SetStatus(codes.Error, out.Err.Error())
		}
		r.metrics.ObserveTask(kind, outcome, out.Elapsed)
	}()

	results, searched := r.runSearch(ctx, log, r.spec.query(subject))
	prompt := buildPrompt(
		r.spec.instruction(subject, rc),
		buildContext(results, r.cfg.ContextLimit),
		r.spec.schema,
	)

	genCtx, cancel := context.WithTimeout(ctx, r.cfg.GenerateTimeout)
	gen, err := r.gen.Generate(genCtx, r.spec.system, prompt)
	cancel()
	if err == nil && gen == nil {
		err = eris.New("research: generator returned no response")
	}
	if err != nil {
		log.Warn("research: generation failed", zap.Error(err))
		outcome = "failed"
		return r.failure(subject, key, StageGenerate, err)
	}

	queries := gen.SearchQueryCount
	if searched {
		queries++
	}
	if r.meter != nil {
		// The generation already ran and will be used; its usage is billed even
		// if the research deadline passed meanwhile.
		receipt := r.meter.Charge(context.WithoutCancel(ctx), rc.UserID, model.UsageRecord{
			MeetingID:        rc.MeetingID,
			SubjectKind:      r.spec.kind,
			SubjectKey:       key,
			ModelName:        gen.Model,
			Usage:            gen.Usage,
			SearchQueryCount: queries,
		}, r.spec.chargeable)
		out.Receipt = &receipt
	}

	parsed, err := r.spec.parse(subject, gen.Text)
	if err != nil {
		log.Warn("research: unstructured response, using raw text", zap.Error(err))
		outcome = "fallback"
		out.Result = r.spec.fallback(subject, fallbackNarrative(gen.Text, r.cfg.FallbackChars))
		return out
	}

	out.Result = parsed
	log.Debug("research: subject complete", zap.Duration("elapsed", time.Since(start)))
	return out
}

// runSearch queries the search backend and reports whether the search ran.
// Failures degrade to no results.
func (r *runner[S, R]) runSearch(ctx context.Context, log *zap.Logger, query string) ([]SearchResult, bool) {
	if r.search == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
	defer cancel()

	results, err := r.search.Search(ctx, query, r.cfg.MaxResults)
	if err != nil {
		log.Warn("research: search failed, continuing without results",
			zap.String("query", query),
			zap.Bool("degraded", true),
			zap.Error(err),
		)
		r.metrics.IncDegraded(metrics.DegradedSearch)
		return nil, false
	}
	if len(results) > r.cfg.MaxResults {
		results = results[:r.cfg.MaxResults]
	}
	return results, true
}

func (r *runner[S, R]) failure(subject S, key string, stage Stage, err error) Outcome[R] {
	return Outcome[R]{
		Result: r.spec.failed(subject, err.Error()),
		Err:    &Error{Kind: r.spec.kind, Subject: key, Stage: stage, Err: err},
	}
}
