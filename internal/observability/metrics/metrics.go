package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	metricPrefix = "devicelink_"

	resultInserted  = "inserted"
	resultDuplicate = "duplicate"
	resultError     = "error"
	resultRejected  = "rejected"
)

var (
	registerOnce sync.Once

	ingestTotal   *prometheus.CounterVec
	ingestLatency *prometheus.HistogramVec
	ingestDropped *prometheus.CounterVec

	brokerConnected  prometheus.Gauge
	brokerReconnects prometheus.Counter
	brokerPublish    *prometheus.CounterVec

	commandRequests prometheus.Counter
	commandResults  *prometheus.CounterVec

	deviceRegistrations *prometheus.CounterVec
	deviceAuthFailures  *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers collectors and the queue gauges backed by sources.
// Only the first call has an effect.
func Init(sources GaugeSources, logger logrus.FieldLogger) {
	registerOnce.Do(func() {
		ingestTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_ingest_total",
				Help: "Telemetry ingest attempts by transport and result",
			},
			[]string{"transport", "result"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "telemetry_ingest_latency_seconds",
				Help:    "Telemetry ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport"},
		)
		ingestDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "broker_messages_dropped_total",
				Help: "Broker messages dropped before ingest by reason",
			},
			[]string{"reason"},
		)

		brokerConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "broker_connected",
				Help: "1 when the broker connection is up",
			},
		)
		brokerReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "broker_reconnect_attempts_total",
				Help: "Broker reconnect attempts",
			},
		)
		brokerPublish = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "broker_publish_total",
				Help: "Broker publishes by result",
			},
			[]string{"result"},
		)

		commandRequests = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total enqueued commands",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Command lifecycle results by status",
			},
			[]string{"status"},
		)

		deviceRegistrations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_registrations_total",
				Help: "Device register calls by result",
			},
			[]string{"result"},
		)
		deviceAuthFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_auth_failures_total",
				Help: "Rejected device credentials by reason",
			},
			[]string{"reason"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total export operations by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			ingestTotal,
			ingestLatency,
			ingestDropped,
			brokerConnected,
			brokerReconnects,
			brokerPublish,
			commandRequests,
			commandResults,
			deviceRegistrations,
			deviceAuthFailures,
			exportTotal,
			exportLatency,
		)

		registerQueueGauges(sources, logger)
	})
}

// ObserveIngest records one telemetry ingest attempt.
func ObserveIngest(transport, result string, duration time.Duration) {
	if transport == "" {
		transport = "unknown"
	}
	if result == "" {
		result = resultInserted
	}
	if ingestTotal != nil {
		ingestTotal.WithLabelValues(transport, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(transport).Observe(duration.Seconds())
	}
}

// IncBrokerDropped increments the dropped broker message counter.
func IncBrokerDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestDropped != nil {
		ingestDropped.WithLabelValues(reason).Inc()
	}
}

// SetBrokerConnected updates the connection gauge.
func SetBrokerConnected(up bool) {
	if brokerConnected == nil {
		return
	}
	if up {
		brokerConnected.Set(1)
		return
	}
	brokerConnected.Set(0)
}

// IncBrokerReconnect increments reconnect attempts.
func IncBrokerReconnect() {
	if brokerReconnects != nil {
		brokerReconnects.Inc()
	}
}

// IncBrokerPublish increments publish results.
func IncBrokerPublish(result string) {
	if result == "" {
		result = "unknown"
	}
	if brokerPublish != nil {
		brokerPublish.WithLabelValues(result).Inc()
	}
}

// IncCommandIssued increments enqueued command counter.
func IncCommandIssued() {
	if commandRequests != nil {
		commandRequests.Inc()
	}
}

// IncCommandResult increments command result counter.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// IncDeviceRegistration increments register calls.
func IncDeviceRegistration(result string) {
	if result == "" {
		result = "unknown"
	}
	if deviceRegistrations != nil {
		deviceRegistrations.WithLabelValues(result).Inc()
	}
}

// IncDeviceAuthFailure increments rejected device credentials.
func IncDeviceAuthFailure(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if deviceAuthFailures != nil {
		deviceAuthFailures.WithLabelValues(reason).Inc()
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = ResultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	IngestResultInserted  = resultInserted
	IngestResultDuplicate = resultDuplicate
	IngestResultError     = resultError
	IngestResultRejected  = resultRejected

	ResultSuccess = "success"
	ResultError   = resultError

	CommandResultPending = "pending"
	CommandResultSent    = "sent"
	CommandResultAcked   = "acked"
	CommandResultFailed  = "publish_failed"
)
