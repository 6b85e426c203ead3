package solar

import "github.com/prometheus/client_golang/prometheus"

// Hooks are optional callbacks fired at pipeline milestones. Nil fields are skipped.
type Hooks struct {
	OnScan        func(result string)
	OnAlert       func(action string)
	OnAutomation  func(outcome string, seconds float64)
	OnTicket      func(action string)
	OnAllocRetry  func(prefix string)
	OnNotifyError func(sink string)
}

func (h Hooks) scan(result string) {
	if h.OnScan != nil {
		h.OnScan(result)
	}
}

func (h Hooks) alert(action string) {
	if h.OnAlert != nil {
		h.OnAlert(action)
	}
}

func (h Hooks) automation(outcome string, seconds float64) {
	if h.OnAutomation != nil {
		h.OnAutomation(outcome, seconds)
	}
}

func (h Hooks) ticket(action string) {
	if h.OnTicket != nil {
		h.OnTicket(action)
	}
}

func (h Hooks) notifyError(sink string) {
	if h.OnNotifyError != nil {
		h.OnNotifyError(sink)
	}
}

// Metrics holds Prometheus metrics for scan ingestion and automation.
type Metrics struct {
	ScansTotal         *prometheus.CounterVec
	AlertsTotal        *prometheus.CounterVec
	AutomationsTotal   *prometheus.CounterVec
	AutomationDuration prometheus.Histogram
	TicketsTotal       *prometheus.CounterVec
	AllocRetriesTotal  *prometheus.CounterVec
	NotifyErrorsTotal  *prometheus.CounterVec
}

// NewMetrics registers and returns solar metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarwatch_scans_total",
			Help: "Total ingested scans by result (created, merged).",
		}, []string{"result"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarwatch_alerts_total",
			Help: "Alert lifecycle transitions by action.",
		}, []string{"action"}),
		AutomationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarwatch_automations_total",
			Help: "Ticket automation runs by outcome.",
		}, []string{"outcome"}),
		AutomationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "solarwatch_automation_duration_seconds",
			Help:    "Duration of ticket automation runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms .. ~2.5s
		}),
		TicketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarwatch_tickets_total",
			Help: "Ticket operations by action.",
		}, []string{"action"}),
		AllocRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarwatch_id_alloc_retries_total",
			Help: "Identifier allocations retried after a uniqueness conflict.",
		}, []string{"prefix"}),
		NotifyErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarwatch_notify_errors_total",
			Help: "Failed post-commit notifications by sink.",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.ScansTotal,
		m.AlertsTotal,
		m.AutomationsTotal,
		m.AutomationDuration,
		m.TicketsTotal,
		m.AllocRetriesTotal,
		m.NotifyErrorsTotal,
	)

	return m
}

// Hooks returns Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnScan: func(result string) {
			m.ScansTotal.WithLabelValues(result).Inc()
		},
		OnAlert: func(action string) {
			m.AlertsTotal.WithLabelValues(action).Inc()
		},
		OnAutomation: func(outcome string, seconds float64) {
			m.AutomationsTotal.WithLabelValues(outcome).Inc()
			m.AutomationDuration.Observe(seconds)
		},
		OnTicket: func(action string) {
			m.TicketsTotal.WithLabelValues(action).Inc()
		},
		OnAllocRetry: func(prefix string) {
			m.AllocRetriesTotal.WithLabelValues(prefix).Inc()
		},
		OnNotifyError: func(sink string) {
			m.NotifyErrorsTotal.WithLabelValues(sink).Inc()
		},
	}
}
