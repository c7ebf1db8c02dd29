package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StepOutcome 步骤结果标签
type StepOutcome string

const (
	StepOutcomeCompleted StepOutcome = "completed"
	StepOutcomeFailed    StepOutcome = "failed"
	StepOutcomePermanent StepOutcome = "permanent"
	StepOutcomeSkipped   StepOutcome = "skipped"
	StepOutcomeReset     StepOutcome = "reset"
	// StepOutcomeLate 事务已进入补偿或终态后才返回的结果
	StepOutcomeLate StepOutcome = "late"
)

// CompensationResult 补偿结果标签
type CompensationResult string

const (
	CompensationStarted   CompensationResult = "started"
	CompensationCompleted CompensationResult = "completed"
	CompensationFailed    CompensationResult = "failed"
	CompensationExhausted CompensationResult = "exhausted"
)

// 轮询任务结果
const (
	PollOK      = "ok"
	PollError   = "error"
	PollSkipped = "skipped"
)

// Metrics holds Prometheus metrics for the saga orchestrator.
type Metrics struct {
	StepDuration      *prometheus.HistogramVec
	StepOutcomes      *prometheus.CounterVec
	Compensations     *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	PollRuns          *prometheus.CounterVec
	PollDuration      *prometheus.HistogramVec
	GatewayCalls      *prometheus.CounterVec
	Timeouts          prometheus.Counter
	PaybacksCreated   prometheus.Counter
	PaybacksCompleted prometheus.Counter
	gatherer          prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Saga step execution latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step_type"}),
		StepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_outcomes_total",
			Help: "Saga step outcomes by step type.",
		}, []string{"step_type", "outcome"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Compensation lifecycle events by type.",
		}, []string{"type", "result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_transaction_transitions_total",
			Help: "Transaction status transitions by target status.",
		}, []string{"to"}),
		PollRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_poll_runs_total",
			Help: "Polling job runs by result.",
		}, []string{"job", "result"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_poll_duration_seconds",
			Help:    "Polling job duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_gateway_calls_total",
			Help: "Downstream service calls by operation and result.",
		}, []string{"operation", "result"}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_client_timeouts_total",
			Help: "Transactions cancelled after client decision timeout.",
		}),
		PaybacksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_paybacks_created_total",
			Help: "Payback records created from flagged carts.",
		}),
		PaybacksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_paybacks_completed_total",
			Help: "Paybacks refunded by the payment service.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.StepDuration,
		m.StepOutcomes,
		m.Compensations,
		m.Transitions,
		m.PollRuns,
		m.PollDuration,
		m.GatewayCalls,
		m.Timeouts,
		m.PaybacksCreated,
		m.PaybacksCompleted,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveStep records step latency.
func (m *Metrics) ObserveStep(stepType string, d time.Duration) {
	m.StepDuration.WithLabelValues(stepType).Observe(d.Seconds())
}

// IncStepOutcome increments the counter for a step outcome.
func (m *Metrics) IncStepOutcome(stepType string, outcome StepOutcome) {
	m.StepOutcomes.WithLabelValues(stepType, string(outcome)).Inc()
}

// IncCompensation increments the counter for a compensation event.
func (m *Metrics) IncCompensation(kind string, result CompensationResult) {
	m.Compensations.WithLabelValues(kind, string(result)).Inc()
}

func (m *Metrics) IncTransition(to string) {
	m.Transitions.WithLabelValues(to).Inc()
}

// ObservePoll records one polling job run.
func (m *Metrics) ObservePoll(job, result string, d time.Duration) {
	m.PollRuns.WithLabelValues(job, result).Inc()
	if result != PollSkipped {
		m.PollDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *Metrics) IncGatewayCall(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.GatewayCalls.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) IncTimeouts() {
	m.Timeouts.Inc()
}

func (m *Metrics) IncPaybacksCreated() {
	m.PaybacksCreated.Inc()
}

func (m *Metrics) IncPaybacksCompleted() {
	m.PaybacksCompleted.Inc()
}
