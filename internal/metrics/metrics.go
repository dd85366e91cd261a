package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the counters.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Metrics holds the service counters. A nil *Metrics records nothing.
type Metrics struct {
	turns              *prometheus.CounterVec
	extractionAttempts *prometheus.CounterVec
	invoicesCreated    *prometheus.CounterVec
	quotaDecisions     *prometheus.CounterVec
	throttled          prometheus.Counter
	renders            *prometheus.CounterVec
	renderDuration     prometheus.Histogram
}

// New creates the counters and registers them with registerer. A nil
// registerer falls back to the default one.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_agent_conversation_turns_total",
			Help: "Conversation turns by resulting stage.",
		}, []string{"stage"}),
		extractionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_agent_extraction_attempts_total",
			Help: "Model extraction attempts by outcome.",
		}, []string{"outcome"}),
		invoicesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_agent_invoices_created_total",
			Help: "Invoices persisted by source.",
		}, []string{"source"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_agent_quota_decisions_total",
			Help: "Monthly quota checks by tier and outcome.",
		}, []string{"tier", "outcome"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoice_agent_requests_throttled_total",
			Help: "Requests rejected by the hourly request throttle.",
		}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_agent_pdf_renders_total",
			Help: "PDF renders by outcome.",
		}, []string{"outcome"}),
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoice_agent_pdf_render_duration_seconds",
			Help:    "PDF render latency.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}

	registerer.MustRegister(
		m.turns,
		m.extractionAttempts,
		m.invoicesCreated,
		m.quotaDecisions,
		m.throttled,
		m.renders,
		m.renderDuration,
	)
	return m
}

func (m *Metrics) Turn(stage string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(stage).Inc()
}

func (m *Metrics) ExtractionAttempt(outcome string) {
	if m == nil {
		return
	}
	m.extractionAttempts.WithLabelValues(outcome).Inc()
}

// InvoiceCreated counts a persisted invoice; source is "conversation" or "direct".
func (m *Metrics) InvoiceCreated(source string) {
	if m == nil {
		return
	}
	m.invoicesCreated.WithLabelValues(source).Inc()
}

func (m *Metrics) QuotaDecision(tier string, allowed bool) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if !allowed {
		outcome = OutcomeRejected
	}
	m.quotaDecisions.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

// Render records one PDF render and its duration in seconds.
func (m *Metrics) Render(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.renders.WithLabelValues(outcome).Inc()
	m.renderDuration.Observe(seconds)
}
