package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты, которыми помечаются счётчики.
const (
	ResultOK        = "ok"
	ResultConflict  = "conflict"
	ResultError     = "error"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultSkipped   = "skipped"
)

// LifecycleMetrics содержит метрики оркестратора жизненного цикла заказа.
type LifecycleMetrics struct {
	// Переходы статусов
	transitions *prometheus.CounterVec

	// Платёжные события
	webhooks          *prometheus.CounterVec
	reconciliationFix prometheus.Counter
	paymentReminders  prometheus.Counter
	ttnRequests       *prometheus.CounterVec
	pickupReminders   *prometheus.CounterVec
	returnsDetected   *prometheus.CounterVec

	// Фоновые задачи
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	activeJobs  prometheus.Gauge
}

// NewLifecycleMetrics создаёт (или переиспользует) метрики в DefaultRegisterer.
func NewLifecycleMetrics() *LifecycleMetrics {
	return NewLifecycleMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewLifecycleMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewLifecycleMetricsWithRegisterer(registerer prometheus.Registerer) *LifecycleMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &LifecycleMetrics{
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_order_transitions_total",
			Help: "Total number of order status transitions grouped by edge and result.",
		}, []string{"from", "to", "result"}),
		webhooks: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_payment_webhooks_total",
			Help: "Total number of payment webhooks grouped by provider and result.",
		}, []string{"provider", "result"}),
		reconciliationFix: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_reconciliation_fixes_total",
			Help: "Total number of payments repaired by reconciliation.",
		}),
		paymentReminders: registerCounter(registerer, prometheus.CounterOpts{
			Name: "marketplace_payment_reminders_total",
			Help: "Total number of enqueued payment reminders.",
		}),
		ttnRequests: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_ttn_requests_total",
			Help: "Total number of TTN ensure calls grouped by result.",
		}, []string{"result"}),
		pickupReminders: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_pickup_reminders_total",
			Help: "Total number of pickup reminders grouped by level.",
		}, []string{"level"}),
		returnsDetected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_returns_detected_total",
			Help: "Total number of detected returns grouped by stage.",
		}, []string{"stage"}),
		jobRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "marketplace_job_runs_total",
			Help: "Total number of scheduler job runs grouped by job and result.",
		}, []string{"job", "result"}),
		jobDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "marketplace_job_duration_seconds",
			Help:    "Duration of scheduler job runs in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"job"}),
		activeJobs: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "marketplace_active_jobs",
			Help: "Number of currently running scheduler jobs.",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordTransition учитывает попытку перехода from → to.
func (m *LifecycleMetrics) RecordTransition(from, to, result string) {
	m.transitions.WithLabelValues(from, to, result).Inc()
}

// RecordWebhook учитывает входящий webhook провайдера.
func (m *LifecycleMetrics) RecordWebhook(provider, result string) {
	m.webhooks.WithLabelValues(provider, result).Inc()
}

// RecordReconciliationFix увеличивает счётчик платежей, восстановленных сверкой.
func (m *LifecycleMetrics) RecordReconciliationFix() {
	m.reconciliationFix.Inc()
}

// RecordPaymentReminder увеличивает счётчик напоминаний об оплате.
func (m *LifecycleMetrics) RecordPaymentReminder() {
	m.paymentReminders.Inc()
}

// RecordTTN учитывает вызов создания накладной.
func (m *LifecycleMetrics) RecordTTN(result string) {
	m.ttnRequests.WithLabelValues(result).Inc()
}

// RecordPickupReminder учитывает напоминание о самовывозе.
func (m *LifecycleMetrics) RecordPickupReminder(level string) {
	m.pickupReminders.WithLabelValues(level).Inc()
}

// RecordReturn учитывает обнаруженный возврат.
func (m *LifecycleMetrics) RecordReturn(stage string) {
	m.returnsDetected.WithLabelValues(stage).Inc()
}

// RecordJobStarted увеличивает количество выполняющихся задач.
func (m *LifecycleMetrics) RecordJobStarted() {
	m.activeJobs.Inc()
}

// RecordJobFinished фиксирует результат и длительность запуска задачи.
func (m *LifecycleMetrics) RecordJobFinished(job string, duration time.Duration, err error) {
	m.activeJobs.Dec()
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordJobSkipped учитывает пропуск запуска из-за перекрытия.
func (m *LifecycleMetrics) RecordJobSkipped(job string) {
	m.jobRuns.WithLabelValues(job, ResultSkipped).Inc()
}

// OrDefault возвращает m или метрики из DefaultRegisterer.
func OrDefault(m *LifecycleMetrics) *LifecycleMetrics {
	if m == nil {
		return NewLifecycleMetrics()
	}
	return m
}
