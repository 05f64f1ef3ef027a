// Package metrics exposes the Prometheus counters and gauges the
// transport's observability layer fills in: request/retry/timeout
// counts, CRC failures, and event dispatch depth.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is nil-safe: every method tolerates a nil receiver so
// callers that don't want metrics can pass a nil *Metrics around
// without branching at every call site.
type Metrics struct {
	RequestsTotal         prometheus.Counter
	RetriesTotal          prometheus.Counter
	TimeoutsTotal         prometheus.Counter
	RetriesExhaustedTotal prometheus.Counter
	CRCErrorsTotal        prometheus.Counter
	EventsDispatchedTotal prometheus.Counter
	EventsUnhandledTotal  prometheus.Counter
	AckQueueDepth         prometheus.Gauge
	EventQueueDepth       prometheus.Gauge
}

// New creates a Metrics registered against reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the global
// default registry; passing prometheus.DefaultRegisterer wires it up
// for a real process exposing /metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssh", Subsystem: "request", Name: "total",
			Help: "Requests issued to the embedded controller.",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssh", Subsystem: "request", Name: "retries_total",
			Help: "Retry attempts consumed across all requests.",
		}),
		TimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssh", Subsystem: "request", Name: "timeouts_total",
			Help: "Requests that failed because an ACK, or the response after an ACK, did not arrive in time.",
		}),
		RetriesExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssh", Subsystem: "request", Name: "retries_exhausted_total",
			Help: "Requests that failed after receiving only RETRY frames.",
		}),
		CRCErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssh", Subsystem: "reassembler", Name: "crc_errors_total",
			Help: "Frames discarded due to CRC mismatch.",
		}),
		EventsDispatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssh", Subsystem: "event", Name: "dispatched_total",
			Help: "Events handed to a registered handler.",
		}),
		EventsUnhandledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssh", Subsystem: "event", Name: "unhandled_total",
			Help: "Events ACKed with no registered subscriber.",
		}),
		AckQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ssh", Subsystem: "event", Name: "ack_queue_depth",
			Help: "Pending items on the single-worker ACK-emission queue.",
		}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ssh", Subsystem: "event", Name: "handler_queue_depth",
			Help: "Pending items on the multi-worker handler-invocation queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal, m.RetriesTotal, m.TimeoutsTotal, m.RetriesExhaustedTotal,
			m.CRCErrorsTotal, m.EventsDispatchedTotal, m.EventsUnhandledTotal,
			m.AckQueueDepth, m.EventQueueDepth,
		)
	}
	return m
}

func (m *Metrics) incRequests() {
	if m != nil {
		m.RequestsTotal.Inc()
	}
}

func (m *Metrics) incRetries() {
	if m != nil {
		m.RetriesTotal.Inc()
	}
}

func (m *Metrics) incTimeouts() {
	if m != nil {
		m.TimeoutsTotal.Inc()
	}
}

func (m *Metrics) incRetriesExhausted() {
	if m != nil {
		m.RetriesExhaustedTotal.Inc()
	}
}

func (m *Metrics) incCRCErrors() {
	if m != nil {
		m.CRCErrorsTotal.Inc()
	}
}

func (m *Metrics) incEventsDispatched() {
	if m != nil {
		m.EventsDispatchedTotal.Inc()
	}
}

func (m *Metrics) incEventsUnhandled() {
	if m != nil {
		m.EventsUnhandledTotal.Inc()
	}
}

// IncRequests records a request being issued.
func (m *Metrics) IncRequests() { m.incRequests() }

// IncRetries records one retry attempt being consumed.
func (m *Metrics) IncRetries() { m.incRetries() }

// IncTimeouts records a request failing because an ACK or a response
// did not arrive in time.
func (m *Metrics) IncTimeouts() { m.incTimeouts() }

// IncRetriesExhausted records a request failing after only RETRY frames.
func (m *Metrics) IncRetriesExhausted() { m.incRetriesExhausted() }

// IncCRCErrors records a frame discarded for a CRC mismatch.
func (m *Metrics) IncCRCErrors() { m.incCRCErrors() }

// IncEventsDispatched records an event handed to a registered handler.
func (m *Metrics) IncEventsDispatched() { m.incEventsDispatched() }

// IncEventsUnhandled records an event ACKed with no subscriber.
func (m *Metrics) IncEventsUnhandled() { m.incEventsUnhandled() }

// SetAckQueueDepth reports the current ACK-queue backlog.
func (m *Metrics) SetAckQueueDepth(n int) {
	if m != nil {
		m.AckQueueDepth.Set(float64(n))
	}
}

// SetEventQueueDepth reports the current handler-queue backlog.
func (m *Metrics) SetEventQueueDepth(n int) {
	if m != nil {
		m.EventQueueDepth.Set(float64(n))
	}
}
