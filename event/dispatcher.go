// Package event implements the event dispatcher (spec §4.4): every
// command frame the reassembler classifies as an event is handed to
// Dispatch, which schedules an ACK on a single-threaded queue and, if
// a subscriber is registered, schedules (or runs inline) its handler.
package event

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/iwanders/surface-serial-hub/frame"
	"github.com/iwanders/surface-serial-hub/internal/logging"
	"github.com/iwanders/surface-serial-hub/metrics"
)

// Immediate is the delay-function sentinel meaning "run the handler
// inline, on the reassembler's goroutine, right now" — the
// high-priority path spec §4.4 calls out for latency-sensitive
// subscribers such as keyboard events.
const Immediate time.Duration = -1

// Handler processes one event's payload. A non-zero return is logged
// but never surfaced to the peer or to the caller that registered it.
type Handler func(payload []byte, userData interface{}) int

// DelayFunc computes how long to defer handler invocation after the
// event's ACK has been scheduled. Returning Immediate runs the handler
// inline instead of queuing it.
type DelayFunc func(payload []byte, userData interface{}) time.Duration

// AckEmitter writes a single ACK control frame for an event's
// ctrl-sequence. Implemented by the controller facade, which knows the
// link and can re-check liveness before writing.
type AckEmitter interface {
	EmitEventAck(seq uint8) error
}

// StateChecker reports whether the controller is still Initialized.
// The ACK worker re-checks this immediately before emitting (spec
// §4.4 step 2) since the event may have been queued moments before a
// concurrent teardown.
type StateChecker interface {
	Initialized() bool
}

// Recorder observes dispatched events for out-of-process telemetry.
// It is optional: a Dispatcher with no Recorder set simply skips the
// call. Implemented by the controller facade, which forwards to its
// telemetry sink.
type Recorder interface {
	RecordEvent(seq uint8, rqid uint16, payload []byte)
}

const (
	defaultAckQueueDepth     = 32
	defaultHandlerQueueDepth = 64
	defaultHandlerWorkers    = 4
)

type subscription struct {
	handler  Handler
	delayFn  DelayFunc
	userData interface{}
	wg       *sync.WaitGroup
}

type workItem struct {
	id      string
	rqid    uint16
	seq     uint8
	payload []byte
}

type handlerJob struct {
	item *workItem
	sub  *subscription
}

// Dispatcher owns the ACK-emission queue, the handler-invocation
// queue, and the subscription registry.
type Dispatcher struct {
	mu   sync.Mutex
	subs map[uint16]*subscription

	state    StateChecker
	emitter  AckEmitter
	recorder Recorder
	log      *logging.Logger
	metrics  *metrics.Metrics

	ackQueue     chan *workItem
	handlerQueue chan handlerJob

	workers sync.WaitGroup
	closed  bool
}

// New creates a Dispatcher and starts its ACK worker and handler
// worker pool. Stop must be called to flush and tear them down.
func New(state StateChecker, emitter AckEmitter, log *logging.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = logging.Default()
	}
	d := &Dispatcher{
		subs:         make(map[uint16]*subscription),
		state:        state,
		emitter:      emitter,
		log:          log,
		metrics:      m,
		ackQueue:     make(chan *workItem, defaultAckQueueDepth),
		handlerQueue: make(chan handlerJob, defaultHandlerQueueDepth),
	}
	d.workers.Add(1)
	go d.runAckWorker()
	for i := 0; i < defaultHandlerWorkers; i++ {
		d.workers.Add(1)
		go d.runHandlerWorker()
	}
	return d
}

// SetRecorder attaches (or clears, with nil) the telemetry recorder
// invoked for every dispatched event. Not safe to call concurrently
// with Dispatch; set it once, right after New, before traffic flows.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// Dispatch is called from the reassembler's goroutine with a
// validated event frame. It must never block: both queue sends are
// non-blocking, dropping (with a logged warning) under backpressure
// the same way the inbound frame queue does.
func (d *Dispatcher) Dispatch(p frame.Packet) {
	item := &workItem{
		id:      xid.New().String(),
		rqid:    p.RequestID,
		seq:     p.Seq,
		payload: append([]byte(nil), p.Payload...),
	}

	select {
	case d.ackQueue <- item:
	default:
		d.log.WithRequestID(item.rqid).WithSeq(item.seq).Warnf("event ack queue full, dropping ack-work")
	}
	d.metrics.SetAckQueueDepth(len(d.ackQueue))

	if d.recorder != nil {
		d.recorder.RecordEvent(item.seq, item.rqid, item.payload)
	}

	sub, ok := d.acquireForDispatch(item.rqid)
	if !ok {
		d.log.WithRequestID(item.rqid).WithEvent(item.id).Debugf("no handler registered for event")
		d.metrics.IncEventsUnhandled()
		return
	}

	delay := time.Duration(0)
	if sub.delayFn != nil {
		delay = sub.delayFn(item.payload, sub.userData)
	}
	if delay == Immediate {
		d.invoke(sub, item)
		return
	}
	d.scheduleHandler(sub, item, delay)
}

func (d *Dispatcher) scheduleHandler(sub *subscription, item *workItem, delay time.Duration) {
	job := handlerJob{item: item, sub: sub}
	if delay <= 0 {
		d.enqueueHandlerJob(job)
		return
	}
	time.AfterFunc(delay, func() { d.enqueueHandlerJob(job) })
}

func (d *Dispatcher) enqueueHandlerJob(job handlerJob) {
	select {
	case d.handlerQueue <- job:
	default:
		d.log.WithRequestID(job.item.rqid).WithEvent(job.item.id).Warnf("event handler queue full, dropping handler-work")
		job.sub.wg.Done()
	}
	d.metrics.SetEventQueueDepth(len(d.handlerQueue))
}

// acquireForDispatch looks up the subscription for rqid and, if
// found, marks one handler invocation in flight before releasing the
// lock. This makes lookup-and-reserve atomic with respect to
// RemoveHandler, which only deletes the map entry under the same lock.
func (d *Dispatcher) acquireForDispatch(rqid uint16) (*subscription, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[rqid]
	if !ok {
		return nil, false
	}
	sub.wg.Add(1)
	return sub, true
}

func (d *Dispatcher) invoke(sub *subscription, item *workItem) {
	defer sub.wg.Done()
	status := sub.handler(item.payload, sub.userData)
	if status != 0 {
		d.log.WithRequestID(item.rqid).WithEvent(item.id).Warnf("event handler returned status %d", status)
	}
	d.metrics.IncEventsDispatched()
}

func (d *Dispatcher) runAckWorker() {
	defer d.workers.Done()
	for item := range d.ackQueue {
		d.metrics.SetAckQueueDepth(len(d.ackQueue))
		if !d.state.Initialized() {
			d.log.WithRequestID(item.rqid).Debugf("dropping event ack: controller no longer initialized")
			continue
		}
		if err := d.emitter.EmitEventAck(item.seq); err != nil {
			d.log.WithSeq(item.seq).Warnf("failed to emit event ack: %v", err)
		}
	}
}

func (d *Dispatcher) runHandlerWorker() {
	defer d.workers.Done()
	for job := range d.handlerQueue {
		d.metrics.SetEventQueueDepth(len(d.handlerQueue))
		d.invoke(job.sub, job.item)
	}
}

// SetHandler registers handler for rqid with no delay function:
// every event for rqid is queued onto the handler worker pool.
func (d *Dispatcher) SetHandler(rqid uint16, handler Handler, userData interface{}) {
	d.setSubscription(rqid, handler, nil, userData)
}

// SetDelayedHandler registers handler for rqid along with a delay
// function consulted on every dispatch to decide between inline
// (Immediate) and deferred queueing.
func (d *Dispatcher) SetDelayedHandler(rqid uint16, handler Handler, delayFn DelayFunc, userData interface{}) {
	d.setSubscription(rqid, handler, delayFn, userData)
}

func (d *Dispatcher) setSubscription(rqid uint16, handler Handler, delayFn DelayFunc, userData interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[rqid] = &subscription{handler: handler, delayFn: delayFn, userData: userData, wg: &sync.WaitGroup{}}
}

// RemoveHandler unregisters rqid's subscription and returns only
// after every handler invocation already scheduled for it has
// completed (spec testable property 7).
func (d *Dispatcher) RemoveHandler(rqid uint16) {
	d.mu.Lock()
	sub, ok := d.subs[rqid]
	if ok {
		delete(d.subs, rqid)
	}
	d.mu.Unlock()
	if ok {
		sub.wg.Wait()
	}
}

// Flush waits for every subscription currently registered to finish
// any in-flight handler invocation, without unregistering them. Used
// during controller teardown (spec §4.5's queue-flush step).
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	subs := make([]*subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()
	for _, sub := range subs {
		sub.wg.Wait()
	}
}

// ClearSubscriptions removes every subscription after flushing
// in-flight handler work (spec §4.5 remove: "clear subscriptions").
func (d *Dispatcher) ClearSubscriptions() {
	d.Flush()
	d.mu.Lock()
	d.subs = make(map[uint16]*subscription)
	d.mu.Unlock()
}

// Stop drains and terminates the ACK and handler worker goroutines.
// It does not flush in-flight time.AfterFunc delays; callers that need
// that guarantee should call Flush first and stop registering new
// events before calling Stop.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.ackQueue)
	close(d.handlerQueue)
	d.workers.Wait()
}
