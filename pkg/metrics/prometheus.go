// Package metrics provides Prometheus metrics for the ritual cycle service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the ritual service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	registry         prometheus.Registerer

	// Cycle workflow
	submissions       *prometheus.CounterVec
	generations       *prometheus.CounterVec
	generationLatency *prometheus.HistogramVec
	generationErrors  *prometheus.CounterVec
	claimContention   prometheus.Counter
	agreements        *prometheus.CounterVec
	swaps             *prometheus.CounterVec

	// Change notification
	notificationsPublished prometheus.Counter
	subscribers            prometheus.Gauge

	// Store
	storeOperations *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec

	// Background generation queue
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	queueEnqueued    prometheus.Counter
	queueDequeued    prometheus.Counter
	queueRejected    *prometheus.CounterVec

	// Workers
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerIdleCount         prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter
	workerRetries           prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorsByEndpoint    *prometheus.CounterVec
	errorsByComponent   *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// latencyBuckets covers sub-millisecond store calls up to minute-long generations.
var latencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000} //nolint:gochecknoglobals

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "ritual",
		subsystem:        "cycles",
		histogramBuckets: latencyBuckets,
		enabled:          true,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.submissions = m.counterVec("submissions_total", "Partner input submissions by outcome", "status")
	m.generations = m.counterVec("generation_invocations_total", "Generation invocations by result status", "status")
	m.generationLatency = m.histogramVec("generation_latency_milliseconds", "Provider call latency in milliseconds", "provider")
	m.generationErrors = m.counterVec("generation_errors_total", "Generation failures by classified code", "code")
	m.claimContention = m.counter("generation_claim_contention_total", "Generation attempts that found a live claim")
	m.agreements = m.counterVec("agreement_computations_total", "Reconciliation runs by resulting state", "state")
	m.swaps = m.counterVec("swaps_total", "Proposal swaps by outcome", "status")

	m.notificationsPublished = m.counter("notifications_published_total", "Cycle change notifications published")
	m.subscribers = m.gauge("subscribers", "Live change subscriptions")

	m.storeOperations = m.counterVec("store_operations_total", "Store operations by driver, operation and status", "driver", "operation", "status")
	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Store operation latency in milliseconds", "driver", "operation")

	m.queueSize = m.gauge("queue_size", "Pending background generation tasks")
	m.queueCapacity = m.gauge("queue_capacity", "Background generation queue capacity")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue size divided by capacity")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Tasks accepted by the queue")
	m.queueDequeued = m.counter("queue_dequeued_total", "Tasks handed to workers")
	m.queueRejected = m.counterVec("queue_rejected_total", "Tasks rejected by the queue", "reason")

	m.workerCount = m.gauge("worker_count", "Configured generation workers")
	m.workerActiveCount = m.gauge("worker_active_count", "Workers currently running a task")
	m.workerIdleCount = m.gauge("worker_idle_count", "Workers waiting for a task")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Task processing latency in milliseconds")
	m.workerErrors = m.counter("worker_errors_total", "Tasks that ended in a failure")
	m.workerRetries = m.counter("worker_retries_total", "Tasks re-enqueued after a retryable failure")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")
	m.errorsByEndpoint = m.counterVec("errors_by_endpoint_total", "Errors by endpoint and error code", "endpoint", "method", "error_type")
	m.errorsByComponent = m.counterVec("errors_by_component_total", "Errors by component and error type", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap memory in use")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Current goroutine count")
	m.systemGCPauseTime = m.histogram("system_gc_pause_milliseconds", "Most recent GC pause in milliseconds")
}

func on() bool { return globalManager != nil && globalManager.enabled }

// RecordSubmission records a partner input submission outcome.
func RecordSubmission(status string) {
	if on() {
		globalManager.submissions.WithLabelValues(status).Inc()
	}
}

// RecordGenerationInvocation records an invoker run by result status.
func RecordGenerationInvocation(status string) {
	if on() {
		globalManager.generations.WithLabelValues(status).Inc()
	}
}

// RecordGenerationLatency records provider latency.
func RecordGenerationLatency(provider string, latencyMs float64) {
	if on() {
		globalManager.generationLatency.WithLabelValues(provider).Observe(latencyMs)
	}
}

// RecordGenerationError records a classified generation failure.
func RecordGenerationError(code string) {
	if on() {
		globalManager.generationErrors.WithLabelValues(code).Inc()
	}
}

// RecordClaimContention records an invocation that lost the claim race.
func RecordClaimContention() {
	if on() {
		globalManager.claimContention.Inc()
	}
}

// RecordAgreement records a reconciliation run by state.
func RecordAgreement(state string) {
	if on() {
		globalManager.agreements.WithLabelValues(state).Inc()
	}
}

// RecordSwap records a proposal swap outcome.
func RecordSwap(status string) {
	if on() {
		globalManager.swaps.WithLabelValues(status).Inc()
	}
}

// RecordNotificationPublished counts a published change.
func RecordNotificationPublished() {
	if on() {
		globalManager.notificationsPublished.Inc()
	}
}

// UpdateSubscriberCount sets the number of live subscriptions.
func UpdateSubscriberCount(count int) {
	if on() {
		globalManager.subscribers.Set(float64(count))
	}
}

// RecordStoreOperation records a store call and its latency.
func RecordStoreOperation(driver, operation, status string, d time.Duration) {
	if on() {
		globalManager.storeOperations.WithLabelValues(driver, operation, status).Inc()
		globalManager.storeLatency.WithLabelValues(driver, operation).Observe(float64(d.Microseconds()) / 1000)
	}
}

// UpdateQueueSize updates the queue backlog gauge.
func UpdateQueueSize(size int) {
	if on() {
		globalManager.queueSize.Set(float64(size))
	}
}

// UpdateQueueCapacity updates the queue capacity gauge.
func UpdateQueueCapacity(capacity int) {
	if on() {
		globalManager.queueCapacity.Set(float64(capacity))
	}
}

// UpdateQueueUtilization updates the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	if on() {
		globalManager.queueUtilization.Set(utilization)
	}
}

// RecordQueueEnqueue counts an accepted task.
func RecordQueueEnqueue() {
	if on() {
		globalManager.queueEnqueued.Inc()
	}
}

// RecordQueueDequeue counts a task handed to a worker.
func RecordQueueDequeue() {
	if on() {
		globalManager.queueDequeued.Inc()
	}
}

// RecordQueueRejected counts a task the queue refused.
func RecordQueueRejected(reason string) {
	if on() {
		globalManager.queueRejected.WithLabelValues(reason).Inc()
	}
}

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) {
	if on() {
		globalManager.workerCount.Set(float64(count))
	}
}

// UpdateWorkerActiveCount sets the number of busy workers.
func UpdateWorkerActiveCount(count int) {
	if on() {
		globalManager.workerActiveCount.Set(float64(count))
	}
}

// UpdateWorkerIdleCount sets the number of idle workers.
func UpdateWorkerIdleCount(count int) {
	if on() {
		globalManager.workerIdleCount.Set(float64(count))
	}
}

// RecordWorkerProcessingLatency records how long a task took.
func RecordWorkerProcessingLatency(latencyMs float64) {
	if on() {
		globalManager.workerProcessingLatency.Observe(latencyMs)
	}
}

// RecordWorkerError counts a failed task.
func RecordWorkerError() {
	if on() {
		globalManager.workerErrors.Inc()
	}
}

// RecordWorkerRetry counts a re-enqueued task.
func RecordWorkerRetry() {
	if on() {
		globalManager.workerRetries.Inc()
	}
}

// RecordHTTPRequest counts an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if on() {
		globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, durationMs float64) {
	if on() {
		globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
	}
}

// RecordErrorByEndpoint counts an error response.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	if on() {
		globalManager.errorsByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
	}
}

// RecordErrorByComponent counts an internal error.
func RecordErrorByComponent(component, errorType string) {
	if on() {
		globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
	}
}

// UpdateSystemMemoryUsage sets heap usage.
func UpdateSystemMemoryUsage(bytes uint64) {
	if on() {
		globalManager.systemMemoryUsage.Set(float64(bytes))
	}
}

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(count int) {
	if on() {
		globalManager.systemGoroutineCount.Set(float64(count))
	}
}

// RecordSystemGCPauseTime records the latest GC pause.
func RecordSystemGCPauseTime(pauseMs float64) {
	if on() {
		globalManager.systemGCPauseTime.Observe(pauseMs)
	}
}

// Configure rebuilds the global manager with opts on a fresh registry.
// Call it once at startup, before metrics are recorded or served.
func Configure(opts ...Option) {
	customRegistry = prometheus.NewRegistry()
	globalManager = NewManager(append(opts, WithPrometheusRegistry(customRegistry))...)
}

// GetRegistry returns the custom Prometheus registry.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
