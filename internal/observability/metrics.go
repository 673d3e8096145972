package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_gateway_active_sessions",
		Help: "Number of active voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_sessions_total",
		Help: "Total number of voice sessions accepted",
	})

	rejectedSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_sessions_rejected_total",
		Help: "Total number of rejected session attempts",
	}, []string{"reason"}) // reason: "capacity", "auth", "connect"

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Conversation metrics
	utterances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_utterances_total",
		Help: "Total number of finalized user utterances",
	})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_barge_ins_total",
		Help: "Total number of replies cancelled by user barge-in",
	})

	replies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_replies_total",
		Help: "Total number of reply tasks by outcome",
	}, []string{"outcome"}) // outcome: "completed", "cancelled", "error"

	replyFirstChunkLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_reply_first_chunk_seconds",
		Help:    "Latency from utterance finalization to first synthesized chunk",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Synthesis metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_synthesis_requests_total",
		Help: "Total number of synthesis chunk requests",
	}, []string{"status"}) // status: "success", "empty", "error"

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_synthesis_latency_seconds",
		Help:    "Per-chunk synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// SessionMetrics tracks metrics for a single session
type SessionMetrics struct {
	sessionID      string
	startTime      time.Time
	utteranceTime  time.Time
	synthesisTime  time.Time
	firstChunkSeen bool
	mu             sync.Mutex
}

// NewSessionMetrics creates a metrics tracker for one session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordUtterance records a finalized utterance and starts the
// time-to-first-audio clock for the reply it triggers.
func (m *SessionMetrics) RecordUtterance() {
	utterances.Inc()
	m.mu.Lock()
	m.utteranceTime = time.Now()
	m.firstChunkSeen = false
	m.mu.Unlock()
}

// RecordBargeIn records a reply cancelled by new user speech
func (m *SessionMetrics) RecordBargeIn() {
	bargeIns.Inc()
}

// RecordReplyOutcome records how a reply task ended
func (m *SessionMetrics) RecordReplyOutcome(outcome string) {
	replies.WithLabelValues(outcome).Inc()
}

// RecordSynthesisStart marks the start of one chunk's synthesis
func (m *SessionMetrics) RecordSynthesisStart() {
	m.mu.Lock()
	m.synthesisTime = time.Now()
	m.mu.Unlock()
}

// RecordSynthesisEnd records the end of one chunk's synthesis
func (m *SessionMetrics) RecordSynthesisEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synthesisTime.IsZero() {
		synthesisLatency.Observe(time.Since(m.synthesisTime).Seconds())
	}
	if !m.firstChunkSeen && status == "success" && !m.utteranceTime.IsZero() {
		replyFirstChunkLatency.Observe(time.Since(m.utteranceTime).Seconds())
		m.firstChunkSeen = true
	}
	synthesisRequests.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordSessionRejected records a rejected session attempt
func RecordSessionRejected(reason string) {
	rejectedSessions.WithLabelValues(reason).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
