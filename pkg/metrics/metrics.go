package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "river_messages_total",
			Help: "Total number of broker messages handled by a river (count)",
		},
		[]string{"river", "status"},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "river_operations_total",
			Help: "Total number of bulk operations applied to the store (count)",
		},
		[]string{"river", "action", "status"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "river_parse_errors_total",
			Help: "Total number of messages rejected as malformed bulk payloads (count)",
		},
		[]string{"river"},
	)

	FilteredOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "river_filtered_operations_total",
			Help: "Total number of operations dropped by the operation filter (count)",
		},
		[]string{"river"},
	)

	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "river_batch_duration_ms",
			Help:    "Duration of one bulk write including retries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"river", "status"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "river_batch_size",
			Help:    "Number of operations per bulk write (count)",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"river"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"river", "operation"},
	)

	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "river_reconnects_total",
			Help: "Total number of successful broker reconnections (count)",
		},
		[]string{"river"},
	)

	DeadLetterMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to the dead-letter source (count)",
		},
		[]string{"river", "source", "reason"},
	)

	RiverState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "river_state",
			Help: "Current river lifecycle state (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed) (state code)",
		},
		[]string{"river"},
	)

	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "river_session_state",
			Help: "Current consumer session state (0=closed, 1=connected, 2=subscribed, 3=consuming, 4=reconnecting) (state code)",
		},
		[]string{"river"},
	)

	MessageQueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "message_queue_size",
			Help: "Current number of messages waiting between delivery and processing (count)",
		},
		[]string{"river"},
	)

	MessageQueueWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "message_queue_wait_duration_ms",
			Help:    "Duration messages wait in queue before processing in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"river"},
	)

	BrokerMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_read_total",
			Help: "Total number of messages read from the broker (count)",
		},
		[]string{"broker", "source"},
	)

	BrokerMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_written_total",
			Help: "Total number of messages written to the broker (count)",
		},
		[]string{"broker", "source"},
	)

	BrokerMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_message_size_bytes",
			Help:    "Size of broker messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"broker", "source", "direction"},
	)

	StoreRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_requests_total",
			Help: "Total number of requests sent to the document store (count)",
		},
		[]string{"store", "operation", "status"},
	)

	StoreRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_request_duration_ms",
			Help:    "Duration of document store requests in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"store", "operation"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. It is safe to call
// from several entry points; only the first call registers.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MessagesTotal,
			OperationsTotal,
			ParseErrorsTotal,
			FilteredOperationsTotal,
			BatchDuration,
			BatchSize,
			RetryAttemptsTotal,
			ReconnectsTotal,
			DeadLetterMessagesTotal,
			RiverState,
			SessionState,
			MessageQueueSize,
			MessageQueueWaitDuration,
			BrokerMessagesReadTotal,
			BrokerMessagesWrittenTotal,
			BrokerMessageSizeBytes,
			StoreRequestsTotal,
			StoreRequestDuration,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
		)
	})
}

func IncMessages(river, status string) {
	MessagesTotal.WithLabelValues(river, status).Inc()
}

func IncOperation(river, action, status string) {
	OperationsTotal.WithLabelValues(river, action, status).Inc()
}

func IncParseError(river string) {
	ParseErrorsTotal.WithLabelValues(river).Inc()
}

func AddFilteredOperations(river string, n int) {
	FilteredOperationsTotal.WithLabelValues(river).Add(float64(n))
}

func ObserveBatch(river, status string, size int, duration time.Duration) {
	BatchDuration.WithLabelValues(river, status).Observe(float64(duration.Milliseconds()))
	BatchSize.WithLabelValues(river).Observe(float64(size))
}

func IncRetryAttempt(river, operation string) {
	RetryAttemptsTotal.WithLabelValues(river, operation).Inc()
}

func IncReconnect(river string) {
	ReconnectsTotal.WithLabelValues(river).Inc()
}

func IncDeadLetter(river, source, reason string) {
	DeadLetterMessagesTotal.WithLabelValues(river, source, reason).Inc()
}

func SetRiverState(river string, code int) {
	RiverState.WithLabelValues(river).Set(float64(code))
}

func SetSessionState(river string, code int) {
	SessionState.WithLabelValues(river).Set(float64(code))
}

func SetMessageQueueSize(river string, size int) {
	MessageQueueSize.WithLabelValues(river).Set(float64(size))
}

func ObserveMessageQueueWaitDuration(river string, duration time.Duration) {
	MessageQueueWaitDuration.WithLabelValues(river).Observe(float64(duration.Milliseconds()))
}

func IncBrokerMessagesRead(broker, source string, sizeBytes int) {
	BrokerMessagesReadTotal.WithLabelValues(broker, source).Inc()
	BrokerMessageSizeBytes.WithLabelValues(broker, source, "in").Observe(float64(sizeBytes))
}

func IncBrokerMessagesWritten(broker, source string, sizeBytes int) {
	BrokerMessagesWrittenTotal.WithLabelValues(broker, source).Inc()
	BrokerMessageSizeBytes.WithLabelValues(broker, source, "out").Observe(float64(sizeBytes))
}

func ObserveStoreRequest(store, operation, status string, duration time.Duration) {
	StoreRequestsTotal.WithLabelValues(store, operation, status).Inc()
	StoreRequestDuration.WithLabelValues(store, operation).Observe(float64(duration.Milliseconds()))
}
