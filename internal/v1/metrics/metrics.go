package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the room orchestrator.
//
// Naming convention: namespace_subsystem_name
// - namespace: parley (application-level grouping)
// - subsystem: session, room, llm (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages stored, events broadcast)
// - Histogram: Latency distributions (LLM call duration)

var (
	// ActiveSessions tracks the current number of open session streams.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "session",
		Name:      "streams_active",
		Help:      "Current number of open room session streams",
	})

	// ActiveRooms tracks the current number of rooms held in the store.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms in the store",
	})

	// OnlineParticipants tracks connected users per room.
	OnlineParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "participants_online",
		Help:      "Number of online participants in each room",
	}, []string{"room_id"})

	// MessagesStored counts messages appended to room histories.
	MessagesStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "room",
		Name:      "messages_total",
		Help:      "Total messages appended to room histories",
	}, []string{"sender_type"})

	// EventsBroadcast counts server events fanned out by the registry.
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "session",
		Name:      "events_broadcast_total",
		Help:      "Total server events enqueued to session handlers",
	}, []string{"event_type"})

	// LLMCalls counts LLM invocations by outcome.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total LLM invocations",
	}, []string{"kind", "status"})

	// CircuitBreakerState exposes the chat provider breaker state
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "provider",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "provider",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected because the circuit breaker was open",
	}, []string{"service"})

	// LLMCallDuration tracks wall-clock duration of LLM streaming calls.
	LLMCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "parley",
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "Wall-clock duration of LLM streaming calls",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})
)

func IncSession() {
	ActiveSessions.Inc()
}

func DecSession() {
	ActiveSessions.Dec()
}
