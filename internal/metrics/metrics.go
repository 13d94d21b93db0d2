// Package metrics exposes fleetd's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsConnected is the number of live agent streams.
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Name:      "agents_connected",
		Help:      "Number of currently connected agents.",
	})

	// ClientsConnected is the number of live web client streams.
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Name:      "clients_connected",
		Help:      "Number of currently connected web clients.",
	})

	// MessagesReceived counts inbound WebSocket messages by peer and type.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Name:      "messages_received_total",
		Help:      "Inbound WebSocket messages by peer kind and message type.",
	}, []string{"peer", "type"})

	// EnvelopeFailures counts rejected secure envelopes by reason.
	EnvelopeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Name:      "envelope_failures_total",
		Help:      "Secure envelope verification failures by reason.",
	}, []string{"reason"})

	// OutputChunksDropped counts command output chunks rejected by the
	// normalizer.
	OutputChunksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Name:      "output_chunks_dropped_total",
		Help:      "Command output chunks dropped by the normalizer, by reason.",
	}, []string{"reason"})

	// JobsCreated counts submitted jobs.
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetd",
		Name:      "jobs_created_total",
		Help:      "Jobs submitted to the orchestrator.",
	})

	// ExecutionsFinished counts finished job executions by terminal status.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Name:      "executions_finished_total",
		Help:      "Job executions reaching a terminal status.",
	}, []string{"status"})

	// TerminalSessions is the number of active terminal sessions.
	TerminalSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Name:      "terminal_sessions_active",
		Help:      "Active secure terminal sessions.",
	})
)
