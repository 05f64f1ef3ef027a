// Package controller is the client-facing facade: it owns the link,
// the receiver state, the request/response counters, and the event
// dispatcher, and exposes the public client API.
//
// This package never holds package-level controller state: New
// returns an explicit instance, and the optional Registry below is
// there only for callers that still want a name-addressable lookup
// (e.g. a CLI that opens one controller per device path).
package controller

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/iwanders/surface-serial-hub/event"
	"github.com/iwanders/surface-serial-hub/frame"
	"github.com/iwanders/surface-serial-hub/internal/logging"
	"github.com/iwanders/surface-serial-hub/link"
	"github.com/iwanders/surface-serial-hub/metrics"
	"github.com/iwanders/surface-serial-hub/reassembler"
	"github.com/iwanders/surface-serial-hub/request"
	"github.com/iwanders/surface-serial-hub/sshtransport"
	"github.com/iwanders/surface-serial-hub/telemetry"
)

// State is the controller lifecycle (spec §4.6).
type State int

const (
	Uninitialized State = iota
	Initialized
	Suspended
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Reserved EC commands the controller issues on its own behalf (spec §6).
const (
	commandTC          = 0x01
	cmdResume          = 0x16
	cmdSuspend         = 0x15
	cmdEnableEvent     = 0x0b
	cmdDisableEvent    = 0x0c
	baseStatusTC       = 0x11
	baseStatusIID      = 0x00
	baseStatusCID      = 0x0D
	baseStatusAttached = 0x01
)

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithConfig overrides the request engine's timeout/retry parameters.
func WithConfig(cfg request.Config) Option {
	return func(c *Controller) { c.reqCfg = cfg }
}

// WithLogger overrides the default logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithName tags every log line this controller emits (and every
// reassembler/engine/dispatcher log line it owns) with a controller
// name, useful when a process runs more than one controller at once.
func WithName(name string) Option {
	return func(c *Controller) { c.name = name }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTelemetry attaches an optional Redis trace sink: every issued
// request and every dispatched event is published as a CBOR record.
// A nil Sink (the default, via telemetry.NewDiscardSink or a bare nil)
// makes this a no-op, matching spec.md's "no persistence" Non-goal —
// this is a live external observer, not protocol state.
func WithTelemetry(s *telemetry.Sink) Option {
	return func(c *Controller) { c.telemetry = s }
}

// WithRequestIDSpace overrides the default event-bit split (spec §3
// calls this EC-defined).
func WithRequestIDSpace(s sshtransport.RequestIDSpace) Option {
	return func(c *Controller) { c.idSpace = s }
}

// WithShortCircuitBaseStatus enables the legacy quirk (spec §6): the
// base-status request (tc=0x11, iid=0x00, cid=0x0D, snc) returns a
// literal "base attached" byte without touching the wire, breaking a
// lid-notify loop some EC firmware revisions exhibit.
func WithShortCircuitBaseStatus() Option {
	return func(c *Controller) { c.shortCircuitBaseStatus = true }
}

// Controller is one explicit instance of the transport: one link, one
// outstanding-request mutex, one set of counters, one dispatcher.
type Controller struct {
	// mu is the controller mutex (spec §5): held for the duration of
	// an entire request, guaranteeing at most one outstanding request
	// and exclusive use of the counters and the writer buffer.
	mu    sync.Mutex
	state State

	link    link.Port
	writer  *lockedWriter
	reasm   *reassembler.Reassembler
	engine  *request.Engine
	dispatcher *event.Dispatcher

	idSpace sshtransport.RequestIDSpace
	seq     uint8
	rqidCtr uint16

	reqCfg    request.Config
	log       *logging.Logger
	name      string
	metrics   *metrics.Metrics
	telemetry *telemetry.Sink

	shortCircuitBaseStatus bool

	consumersMu sync.Mutex
	consumers   []Consumer

	stopRead chan struct{}
	readDone chan struct{}
}

// lockedWriter serializes every byte write to the physical link: the
// request engine's frames and the event dispatcher's ACK frames must
// never interleave on the wire.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// New constructs a Controller bound to port. The instance starts
// Uninitialized; call Probe to bring it up. The inbound read loop
// starts immediately so that bytes arriving before Probe (e.g. a
// stale ACK from a previous session) are drained rather than wedging
// the port buffer.
func New(port link.Port, opts ...Option) *Controller {
	c := &Controller{
		link:    port,
		writer:  &lockedWriter{w: port},
		idSpace: sshtransport.RequestIDSpace{EventBits: 5},
		rqidCtr: 1,
		reqCfg:  request.DefaultConfig(),
		log:     logging.Default(),

		stopRead: make(chan struct{}),
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name != "" {
		c.log = c.log.WithController(c.name)
	}

	c.dispatcher = event.New(c, c, c.log, c.metrics)
	c.dispatcher.SetRecorder(c)
	c.reasm = reassembler.New(frame.MaxMessageLen, c.idSpace, c.dispatcher, c.log, c.metrics)
	c.engine = request.New(c.writer, c.reasm, c.reqCfg, c.log, c.metrics)
	c.engine.SetRetryRecorder(c)

	go c.readLoop()
	return c
}

// Initialized implements event.StateChecker.
func (c *Controller) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Initialized
}

// EmitEventAck implements event.AckEmitter: it writes a single ACK
// control frame for an event's ctrl-sequence, outside the request
// engine's retry machinery (spec §4.4 step 2).
func (c *Controller) EmitEventAck(seq uint8) error {
	buf := make([]byte, frame.SynLen+frame.ControlTotalLen+frame.TermLen)
	n, err := frame.EncodeControlMessage(buf, frame.TypeAck, seq)
	if err != nil {
		return err
	}
	_, err = c.writer.Write(buf[:n])
	return err
}

// RecordEvent implements event.Recorder: it republishes a dispatched
// event to the optional telemetry sink. A nil sink (the default) makes
// this a no-op.
func (c *Controller) RecordEvent(seq uint8, rqid uint16, payload []byte) {
	c.telemetry.Publish(context.Background(), telemetry.Record{
		Kind:      telemetry.KindEvent,
		Seq:       seq,
		RequestID: rqid,
		Payload:   payload,
	})
}

// RecordRetry implements request.RetryRecorder: it republishes a
// consumed retry attempt to the optional telemetry sink, the same
// no-op-by-default shape as RecordEvent.
func (c *Controller) RecordRetry(seq uint8, rqid uint16) {
	c.telemetry.Publish(context.Background(), telemetry.Record{
		Kind:      telemetry.KindRetry,
		Seq:       seq,
		RequestID: rqid,
	})
}

func (c *Controller) readLoop() {
	defer close(c.readDone)
	buf := make([]byte, 512)
	for {
		select {
		case <-c.stopRead:
			return
		default:
		}
		n, err := c.link.Read(buf)
		if err != nil {
			if err == io.EOF || err == link.ErrClosed {
				return
			}
			c.log.Warnf("link read error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n > 0 {
			c.reasm.Feed(buf[:n])
		}
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Probe brings the controller from Uninitialized to Initialized
// (spec §4.5): it issues an EC-resume request and, on success, marks
// the controller ready to serve client requests.
func (c *Controller) Probe() error {
	c.mu.Lock()
	if c.state != Uninitialized {
		c.mu.Unlock()
		return sshtransport.New(sshtransport.ErrInvalidArgument)
	}
	c.mu.Unlock()

	if err := c.sendLifecycleCommand(cmdResume); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = Initialized
	c.mu.Unlock()
	return nil
}

// Remove tears the controller down: issues EC-suspend best-effort,
// flushes the event dispatcher, clears subscriptions, detaches every
// registered consumer, marks Uninitialized, then closes the link. The
// state transition happens before the link is closed so that any
// event-path observer racing teardown sees Uninitialized before the
// port (and the memory it read into) goes away.
func (c *Controller) Remove() error {
	if err := c.sendLifecycleCommand(cmdSuspend); err != nil {
		c.log.Warnf("EC-suspend during remove failed (continuing teardown): %v", err)
	}

	c.dispatcher.ClearSubscriptions()
	c.detachAllConsumers()

	c.mu.Lock()
	c.state = Uninitialized
	c.mu.Unlock()

	close(c.stopRead)
	closeErr := c.link.Close()
	<-c.readDone
	c.dispatcher.Stop()
	return closeErr
}

// Suspend toggles Initialized -> Suspended, issuing EC-suspend.
func (c *Controller) Suspend() error {
	c.mu.Lock()
	if c.state != Initialized {
		c.mu.Unlock()
		return stateError(c.state)
	}
	c.mu.Unlock()

	if err := c.sendLifecycleCommand(cmdSuspend); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = Suspended
	c.mu.Unlock()
	return nil
}

// Resume toggles Suspended -> Initialized, issuing EC-resume.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.state != Suspended {
		c.mu.Unlock()
		return stateError(c.state)
	}
	c.mu.Unlock()

	if err := c.sendLifecycleCommand(cmdResume); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = Initialized
	c.mu.Unlock()
	return nil
}

func (c *Controller) sendLifecycleCommand(cid byte) error {
	req := sshtransport.Request{TargetCategory: commandTC, CommandID: cid}
	return c.doSend(req, nil)
}

func stateError(s State) error {
	if s == Suspended {
		return sshtransport.New(sshtransport.ErrSuspended)
	}
	return sshtransport.New(sshtransport.ErrNotInitialized)
}

// Request is the public client operation (spec §4.3): request(req,
// optional response_buf) -> result.
func (c *Controller) Request(req sshtransport.Request, resp *sshtransport.ResponseBuffer) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Initialized {
		return stateError(state)
	}

	if c.shortCircuitBaseStatus && isBaseStatusRequest(req) {
		if resp.Capacity() < 1 {
			return sshtransport.New(sshtransport.ErrInvalidArgument)
		}
		resp.Data[0] = baseStatusAttached
		resp.Length = 1
		return nil
	}

	return c.doSend(req, resp)
}

func isBaseStatusRequest(req sshtransport.Request) bool {
	return req.TargetCategory == baseStatusTC && req.InstanceID == baseStatusIID &&
		req.CommandID == baseStatusCID && req.SNC
}

// doSend performs one request under the controller mutex (spec §4.3's
// "executed under the controller mutex so that counters, the writer
// buffer, and the receiver expectation form one atomic update"). It
// does not itself check Initialized: Request checks it for client
// calls, while the controller's own lifecycle commands (resume,
// suspend) call doSend directly since resume is what *makes* the
// controller Initialized and suspend runs on the way out of it.
func (c *Controller) doSend(req sshtransport.Request, resp *sshtransport.ResponseBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.seq
	rqid := c.idSpace.FromCounter(c.rqidCtr)

	err := c.engine.Send(req, resp, seq, rqid)
	if err != nil {
		c.telemetry.Publish(context.Background(), telemetry.Record{
			Kind: telemetry.KindError, Seq: seq, RequestID: rqid, Detail: err.Error(),
		})
		return err
	}
	c.telemetry.Publish(context.Background(), telemetry.Record{
		Kind: telemetry.KindRequest, Seq: seq, RequestID: rqid,
	})
	c.seq++
	c.rqidCtr = c.idSpace.NextCounter(c.rqidCtr)
	return nil
}

// EnableEventSource subscribes the EC to emit events for rqid on
// target category tc. unknown is an opaque byte the original protocol
// never documents the meaning of; it is passed through verbatim.
func (c *Controller) EnableEventSource(tc, unknown byte, rqid uint16) error {
	return c.eventSourceRequest(cmdEnableEvent, tc, unknown, rqid)
}

// DisableEventSource unsubscribes the EC from emitting events for rqid.
func (c *Controller) DisableEventSource(tc, unknown byte, rqid uint16) error {
	return c.eventSourceRequest(cmdDisableEvent, tc, unknown, rqid)
}

func (c *Controller) eventSourceRequest(cid, tc, unknown byte, rqid uint16) error {
	if !c.idSpace.IsEvent(rqid) {
		return sshtransport.New(sshtransport.ErrInvalidArgument)
	}
	payload := []byte{tc, unknown, byte(rqid), byte(rqid >> 8)}
	req := sshtransport.Request{TargetCategory: tc, CommandID: cid, SNC: true, Payload: payload}
	resp := &sshtransport.ResponseBuffer{Data: make([]byte, 1)}
	if err := c.Request(req, resp); err != nil {
		return err
	}
	if status := resp.Filled(); len(status) == 1 && status[0] != 0 {
		c.log.WithRequestID(rqid).Warnf("event source request (cid=0x%02x tc=0x%02x) returned status 0x%02x", cid, tc, status[0])
	}
	return nil
}

// SetEventHandler registers handler for rqid, queued on the dispatcher's worker pool.
func (c *Controller) SetEventHandler(rqid uint16, handler event.Handler, userData interface{}) {
	c.dispatcher.SetHandler(rqid, handler, userData)
}

// SetDelayedEventHandler registers handler for rqid along with a delay
// function; returning event.Immediate runs the handler inline.
func (c *Controller) SetDelayedEventHandler(rqid uint16, handler event.Handler, delayFn event.DelayFunc, userData interface{}) {
	c.dispatcher.SetDelayedHandler(rqid, handler, delayFn, userData)
}

// RemoveEventHandler unregisters rqid's handler and waits for any
// in-flight invocation to finish.
func (c *Controller) RemoveEventHandler(rqid uint16) {
	c.dispatcher.RemoveHandler(rqid)
}
