// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the gateway.
//
// Metrics cover the streaming question path (fragments, time to first
// fragment, stream duration, active streams) and the session CRUD
// surface. All operations are thread-safe via Prometheus's internal
// locking; metrics are exposed on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "kodiak"

const streamingSubsystem = "streaming"

// StreamingMetrics holds the Prometheus metrics for question turns.
// Initialize once at startup via InitMetrics, or with a private
// registry in tests via NewStreamingMetrics.
type StreamingMetrics struct {
	// RequestsTotal counts question turns by transport and status.
	// Labels: transport (sse, ws, blocking), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// FragmentsTotal counts streamed fragments by transport.
	FragmentsTotal *prometheus.CounterVec

	// TimeToFirstFragmentSeconds measures latency to the first
	// fragment event. Labels: transport
	TimeToFirstFragmentSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures whole-turn duration.
	// Labels: transport, status
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks in-flight streaming turns by transport.
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts failures by transport and error code.
	// Labels: transport, error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE keepalive comments sent.
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts callers that hung up mid-stream.
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide metrics instance, set by
// InitMetrics.
var DefaultMetrics *StreamingMetrics

// InitMetrics registers the gateway metrics on the default Prometheus
// registry. Call once at startup; a second call panics on duplicate
// registration.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = NewStreamingMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewStreamingMetrics registers the metric set on the given
// registerer. Tests pass a private prometheus.NewRegistry().
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total question turns by transport and status",
			},
			[]string{"transport", "status"},
		),
		FragmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "fragments_total",
				Help:      "Total streamed fragments by transport",
			},
			[]string{"transport"},
		),
		TimeToFirstFragmentSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from request to first fragment in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"transport"},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Whole-turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"transport", "status"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Currently active streaming turns",
			},
			[]string{"transport"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total turn failures by transport and error code",
			},
			[]string{"transport", "error_code"},
		),
		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"transport"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"transport"},
		),
	}
}

// ErrorCode categorizes a failed turn for the errors counter.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeUnauthorized indicates a chat ownership denial.
	ErrorCodeUnauthorized ErrorCode = "unauthorized"

	// ErrorCodeNotFound indicates an unknown chat id.
	ErrorCodeNotFound ErrorCode = "not_found"

	// ErrorCodeConflict indicates a turn racing a live generation.
	ErrorCodeConflict ErrorCode = "conflict"

	// ErrorCodeModelUnavailable indicates a missing model artifact.
	ErrorCodeModelUnavailable ErrorCode = "model_unavailable"

	// ErrorCodeGeneration indicates an engine failure mid-turn.
	ErrorCodeGeneration ErrorCode = "generation"

	// ErrorCodeInternal indicates any other server-side failure.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the caller hung up.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// Transport labels the surface a turn arrived on.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "ws"
	TransportBlocking  Transport = "blocking"
)

// RecordRequest records a completed turn.
func (m *StreamingMetrics) RecordRequest(transport Transport, success bool) {
	m.RequestsTotal.WithLabelValues(string(transport), statusLabel(success)).Inc()
}

// RecordError records a failed turn by category.
func (m *StreamingMetrics) RecordError(transport Transport, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(transport), string(code)).Inc()
}

// RecordFragment counts one delivered fragment.
func (m *StreamingMetrics) RecordFragment(transport Transport) {
	m.FragmentsTotal.WithLabelValues(string(transport)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(transport Transport) {
	m.ActiveStreams.WithLabelValues(string(transport)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(transport Transport) {
	m.ActiveStreams.WithLabelValues(string(transport)).Dec()
}

// RecordTimeToFirstFragment records first-fragment latency.
func (m *StreamingMetrics) RecordTimeToFirstFragment(transport Transport, seconds float64) {
	m.TimeToFirstFragmentSeconds.WithLabelValues(string(transport)).Observe(seconds)
}

// RecordStreamDuration records whole-turn duration.
func (m *StreamingMetrics) RecordStreamDuration(transport Transport, seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(transport), statusLabel(success)).Observe(seconds)
}

// RecordKeepAlive counts one keepalive ping.
func (m *StreamingMetrics) RecordKeepAlive(transport Transport) {
	m.KeepAlivesTotal.WithLabelValues(string(transport)).Inc()
}

// RecordClientDisconnect counts one mid-stream hangup.
func (m *StreamingMetrics) RecordClientDisconnect(transport Transport) {
	m.ClientDisconnectsTotal.WithLabelValues(string(transport)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
