package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Degraded-mode components reported through DegradedTotal.
const (
	DegradedCoefficients = "coefficients_fallback"
	DegradedCredits      = "credit_ledger_unavailable"
	DegradedUsageRecord  = "usage_record_failed"
	DegradedUsageAttach  = "usage_attach_failed"
	DegradedSearch       = "search_failed"
	DegradedStatus       = "status_update_failed"
)

// Metrics holds all Prometheus collectors for prep-cli. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Research metrics.
	ResearchTasksTotal    *prometheus.CounterVec
	ResearchTaskDuration  *prometheus.HistogramVec
	MeetingsTotal         *prometheus.CounterVec
	MeetingDuration       prometheus.Histogram
	TalkingPointsProduced prometheus.Histogram

	// Billing metrics.
	UsageCostUSDTotal    *prometheus.CounterVec
	CreditsConsumedTotal prometheus.Counter
	CreditConsumeTotal   *prometheus.CounterVec
	DegradedTotal        *prometheus.CounterVec

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ServerStartTime prometheus.Gauge
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		ResearchTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_research_tasks_total",
			Help: "Research tasks by subject kind and result mode.",
		}, []string{"kind", "outcome"}),

		ResearchTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prep_research_task_duration_seconds",
			Help:    "Research task duration in seconds.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"kind"}),

		MeetingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_meetings_researched_total",
			Help: "Meeting research runs by final status.",
		}, []string{"status"}),

		MeetingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prep_meeting_duration_seconds",
			Help:    "End-to-end meeting research duration in seconds.",
			Buckets: []float64{5, 10, 20, 40, 80, 160, 320},
		}),

		TalkingPointsProduced: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prep_talking_points",
			Help:    "Talking points per prep note.",
			Buckets: prometheus.LinearBuckets(0, 2, 6),
		}),

		UsageCostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_usage_cost_usd_total",
			Help: "Computed generation cost in USD by subject kind.",
		}, []string{"kind"}),

		CreditsConsumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prep_credits_consumed_total",
			Help: "Credits deducted from user balances.",
		}),

		CreditConsumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_credit_consume_total",
			Help: "Credit consumption attempts by result.",
		}, []string{"result"}),

		DegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_degraded_total",
			Help: "Degraded-mode occurrences by component.",
		}, []string{"component"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prep_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prep_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prep_server_start_time_seconds",
			Help: "Unix timestamp when the process started.",
		}),
	}

	reg.MustRegister(
		m.ResearchTasksTotal,
		m.ResearchTaskDuration,
		m.MeetingsTotal,
		m.MeetingDuration,
		m.TalkingPointsProduced,
		m.UsageCostUSDTotal,
		m.CreditsConsumedTotal,
		m.CreditConsumeTotal,
		m.DegradedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTask records one finished research task.
func (m *Metrics) ObserveTask(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ResearchTasksTotal.WithLabelValues(kind, outcome).Inc()
	m.ResearchTaskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveMeeting records one finished meeting run.
func (m *Metrics) ObserveMeeting(status string, d time.Duration, talkingPoints int) {
	if m == nil {
		return
	}
	m.MeetingsTotal.WithLabelValues(status).Inc()
	m.MeetingDuration.Observe(d.Seconds())
	if talkingPoints >= 0 {
		m.TalkingPointsProduced.Observe(float64(talkingPoints))
	}
}

// AddCost adds computed generation cost for a subject kind.
func (m *Metrics) AddCost(kind string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.UsageCostUSDTotal.WithLabelValues(kind).Add(usd)
}

// IncConsume records a credit consumption attempt. Credits are only added to
// the consumed counter when result is "consumed".
func (m *Metrics) IncConsume(result string, credits float64) {
	if m == nil {
		return
	}
	m.CreditConsumeTotal.WithLabelValues(result).Inc()
	if result == "consumed" && credits > 0 {
		m.CreditsConsumedTotal.Add(credits)
	}
}

// IncDegraded records a degraded-mode occurrence.
func (m *Metrics) IncDegraded(component string) {
	if m == nil {
		return
	}
	m.DegradedTotal.WithLabelValues(component).Inc()
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, pattern string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pattern).Observe(d.Seconds())
}
