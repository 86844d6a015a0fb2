package utils

import (
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loansAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loans_applied_total",
		Help: "Total number of loan applications",
	}, []string{"loan_type"})

	loanTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loans_status_transitions_total",
		Help: "Loan status transitions by target status",
	}, []string{"status"})

	loansDisbursedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loans_disbursed_amount_total",
		Help: "Total principal disbursed via M-Pesa",
	})

	deductionsAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loans_deductions_amount_total",
		Help: "Total amount deducted from loan balances",
	}, []string{"type"})

	grantTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grants_status_transitions_total",
		Help: "Grant status transitions by target status",
	}, []string{"status"})

	mpesaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_requests_total",
		Help: "Outbound M-Pesa API requests",
	}, []string{"api", "result"})

	mpesaCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_callbacks_total",
		Help: "Inbound M-Pesa callbacks",
	}, []string{"kind", "result"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_sent_total",
		Help: "Notifications delivered per channel",
	}, []string{"channel", "result"})

	jobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loans_job_queue_depth",
		Help: "Current depth of the background job queue",
	})

	//nolint:unused // registered for scraping
	activeGoroutines = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "loans_goroutines_active",
		Help: "Number of active goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loans_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status_code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loans_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
)

// MetricsCollector collects application metrics. A nil collector is a no-op.
type MetricsCollector struct {
	startTime       time.Time
	loansApplied    int64
	disbursements   int64
	callbacks       int64
	notifications   int64
	jobsProcessed   int64
	queueDepth      int64
	httpRequests    int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime: time.Now(),
	}
}

// RecordLoanApplied counts a new loan application.
func (m *MetricsCollector) RecordLoanApplied(loanType string) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.loansApplied, 1)
	loansAppliedTotal.WithLabelValues(loanType).Inc()
}

// RecordLoanTransition counts a loan moving into status.
func (m *MetricsCollector) RecordLoanTransition(status string) {
	if m == nil {
		return
	}
	loanTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordDisbursement adds a successful payout.
func (m *MetricsCollector) RecordDisbursement(amount float64) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.disbursements, 1)
	loansDisbursedAmount.Add(amount)
}

// RecordDeduction adds a balance reduction of the given type.
func (m *MetricsCollector) RecordDeduction(kind string, amount float64) {
	if m == nil {
		return
	}
	deductionsAmount.WithLabelValues(kind).Add(amount)
}

// RecordGrantTransition counts a grant moving into status.
func (m *MetricsCollector) RecordGrantTransition(status string) {
	if m == nil {
		return
	}
	grantTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordMpesaRequest counts an outbound Daraja call.
func (m *MetricsCollector) RecordMpesaRequest(api string, err error) {
	if m == nil {
		return
	}
	mpesaRequestsTotal.WithLabelValues(api, resultLabel(err)).Inc()
}

// RecordCallback counts an inbound Daraja callback.
func (m *MetricsCollector) RecordCallback(kind, result string) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.callbacks, 1)
	mpesaCallbacksTotal.WithLabelValues(kind, result).Inc()
}

// RecordNotification counts a delivery attempt on a channel.
func (m *MetricsCollector) RecordNotification(channel string, err error) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.notifications, 1)
	notificationsTotal.WithLabelValues(channel, resultLabel(err)).Inc()
}

// IncrementJobsProcessed counts a finished background job.
func (m *MetricsCollector) IncrementJobsProcessed() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.jobsProcessed, 1)
}

// SetQueueDepth sets the current queue depth.
func (m *MetricsCollector) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	atomic.StoreInt64(&m.queueDepth, int64(depth))
	jobQueueDepth.Set(float64(depth))
}

// RecordHTTPRequest records an HTTP request metric.
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.httpRequests, 1)
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// GetMetrics returns the current metrics as a JSON-serializable struct.
func (m *MetricsCollector) GetMetrics() *Metrics {
	return &Metrics{
		Uptime:        time.Since(m.startTime).String(),
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		QueueDepth:    atomic.LoadInt64(&m.queueDepth),
		LoansApplied:  atomic.LoadInt64(&m.loansApplied),
		Disbursements: atomic.LoadInt64(&m.disbursements),
		Callbacks:     atomic.LoadInt64(&m.callbacks),
		Notifications: atomic.LoadInt64(&m.notifications),
		JobsProcessed: atomic.LoadInt64(&m.jobsProcessed),
		HTTPRequests:  atomic.LoadInt64(&m.httpRequests),
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Metrics represents the application metrics.
type Metrics struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Goroutines    int    `json:"goroutines"`
	QueueDepth    int64  `json:"queue_depth"`
	LoansApplied  int64  `json:"loans_applied"`
	Disbursements int64  `json:"disbursements"`
	Callbacks     int64  `json:"mpesa_callbacks"`
	Notifications int64  `json:"notifications"`
	JobsProcessed int64  `json:"jobs_processed"`
	HTTPRequests  int64  `json:"http_requests"`
}
