package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Socket metrics
	SocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmr_socket_connections_active",
			Help: "Currently connected agent sockets",
		},
	)

	SocketConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmr_socket_connections_total",
			Help: "Total accepted agent connections",
		},
	)

	SocketDisconnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmr_socket_disconnections_total",
			Help: "Total agent disconnections",
		},
	)

	SocketConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dmr_socket_connection_duration_seconds",
			Help:    "Agent session duration",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
		},
	)

	SocketErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmr_socket_errors_total",
			Help: "Socket-level errors by stage",
		},
		[]string{"stage"}, // "auth", "subscribe", "read", "write"
	)

	SocketEventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmr_socket_events_received_total",
			Help: "Inbound socket events",
		},
		[]string{"event"},
	)

	SocketEventsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmr_socket_events_sent_total",
			Help: "Outbound socket events",
		},
		[]string{"event"},
	)

	SocketReceivedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmr_socket_received_bytes_total",
			Help: "Bytes received over agent sockets",
		},
	)

	SocketTransmittedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmr_socket_transmitted_bytes_total",
			Help: "Bytes transmitted over agent sockets",
		},
	)

	// Message pipeline metrics
	MessagesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmr_messages_received_total",
			Help: "Messages received from agents",
		},
	)

	MessagesForwardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmr_messages_forwarded_total",
			Help: "Messages forwarded to recipient queues",
		},
	)

	MessageProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmr_message_processing_duration_seconds",
			Help:    "Inbound message processing duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"event"},
	)

	ValidationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmr_validation_failures_total",
			Help: "Messages diverted to the validation-failures queue",
		},
		[]string{"type"},
	)

	// Directory metrics
	DirectoryRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmr_directory_refresh_total",
			Help: "Directory refresh attempts",
		},
		[]string{"result"}, // "ok" or "error"
	)

	DirectoryParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmr_directory_participants",
			Help: "Participants in the current directory snapshot",
		},
	)

	// Broker metrics
	QueueOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmr_queue_operations_total",
			Help: "Broker queue operations",
		},
		[]string{"op", "result"},
	)
)
