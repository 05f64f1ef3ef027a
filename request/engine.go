// Package request implements the host side of the request/response/ACK
// state machine (spec §4.3): encode, flush, wait for ACK, retry on
// timeout or RETRY up to a bounded number of attempts, then (for
// requests marked snc) wait for the response frame and emit its own
// ACK. Only one request is ever outstanding; the caller (the
// controller facade) is responsible for serializing calls to Send.
package request

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/iwanders/surface-serial-hub/frame"
	"github.com/iwanders/surface-serial-hub/internal/logging"
	"github.com/iwanders/surface-serial-hub/metrics"
	"github.com/iwanders/surface-serial-hub/reassembler"
	"github.com/iwanders/surface-serial-hub/sshtransport"
)

// Writer is the minimal link dependency: a single synchronous write of
// a fully-framed message. Any link.Port satisfies it.
type Writer interface {
	Write(p []byte) (int, error)
}

// RetryRecorder observes each retry attempt consumed by the ACK-wait
// loop, for out-of-process telemetry. Optional: an Engine with none
// set simply skips the call. Implemented by the controller facade,
// which forwards to its telemetry sink (spec §9's dispatched-event
// Recorder follows the same optional-observer shape).
type RetryRecorder interface {
	RecordRetry(seq uint8, rqid uint16)
}

// Config holds the three link/retry parameters spec §5 calls out as
// configurable per controller instance.
type Config struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	NumRetry     int
}

// DefaultConfig returns the spec's documented defaults: 1000ms
// read/write timeouts, 3 retries.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: time.Second,
		ReadTimeout:  time.Second,
		NumRetry:     3,
	}
}

// errRetry marks a single attempt as having failed in a retryable way
// (silence, or an explicit RETRY frame). It never escapes Send.
var errRetry = errors.New("request: attempt did not complete")

// Engine drives one outstanding request end to end. It does not own
// the sequence/request-id counters — those belong to the controller,
// which holds the mutual-exclusion lock around the whole request
// lifecycle (spec §4.5) — but it does own the scratch encode buffer,
// since no two Send calls can be in flight at once.
type Engine struct {
	link    Writer
	reasm   *reassembler.Reassembler
	cfg     Config
	log     *logging.Logger
	metrics *metrics.Metrics

	writeBuf []byte
	ackBuf   []byte

	retryRecorder RetryRecorder
}

// SetRetryRecorder attaches (or clears, with nil) the optional retry
// telemetry observer. Not safe to call concurrently with Send; set it
// once, right after New, before traffic flows.
func (e *Engine) SetRetryRecorder(r RetryRecorder) {
	e.retryRecorder = r
}

// New creates an Engine. cfg's zero value is replaced with DefaultConfig.
func New(link Writer, reasm *reassembler.Reassembler, cfg Config, log *logging.Logger, m *metrics.Metrics) *Engine {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if cfg.NumRetry <= 0 {
		cfg.NumRetry = DefaultConfig().NumRetry
	}
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		link:     link,
		reasm:    reasm,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		writeBuf: make([]byte, frame.MaxMessageLen),
		ackBuf:   make([]byte, frame.SynLen+frame.ControlTotalLen+frame.TermLen),
	}
}

// Send encodes req under (seq, rqid), transmits it, and drives the
// ACK/retry/response flow through to completion (spec §4.3 steps 1-7).
// seq and rqid are the values the caller's counters currently hold;
// Send does not advance them — the caller increments on a nil error,
// matching the S1 scenario where the response still echoes the
// pre-increment rqid while the controller's persistent counters have
// already moved on to the next request.
func (e *Engine) Send(req sshtransport.Request, resp *sshtransport.ResponseBuffer, seq uint8, rqid uint16) error {
	if len(req.Payload) > frame.MaxPayload {
		return sshtransport.New(sshtransport.ErrInvalidArgument)
	}
	if req.SNC && resp == nil {
		return sshtransport.New(sshtransport.ErrInvalidArgument)
	}

	cf := frame.CommandFrame{
		TargetCategory: req.TargetCategory,
		Flags1:         frame.Flags1Request,
		Flags2:         frame.Flags2Request,
		InstanceID:     req.InstanceID,
		RequestID:      rqid,
		CommandID:      req.CommandID,
		Payload:        req.Payload,
	}
	n, err := frame.EncodeCommandMessage(e.writeBuf, seq, cf)
	if err != nil {
		return sshtransport.Wrap(sshtransport.ErrInvalidArgument, err)
	}
	msg := e.writeBuf[:n]

	e.metrics.IncRequests()
	e.reasm.SetExpectation(seq, rqid, req.SNC)
	defer e.reasm.ClearExpectation()

	if err := e.runAckLoop(msg, seq, rqid); err != nil {
		return err
	}

	if !req.SNC {
		return nil
	}
	return e.awaitResponse(resp)
}

// runAckLoop performs spec §4.3 steps 1-4: flush, wait for ACK, retry
// on timeout or RETRY up to cfg.NumRetry attempts. A write failure
// aborts immediately without consuming a retry.
func (e *Engine) runAckLoop(msg []byte, seq uint8, rqid uint16) error {
	attempt := 0
	sawRetry := false
	sawSilence := false

	recordRetry := func() {
		e.metrics.IncRetries()
		if e.retryRecorder != nil {
			e.retryRecorder.RecordRetry(seq, rqid)
		}
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), uint64(e.cfg.NumRetry-1))
	operr := backoff.Retry(func() error {
		attempt++
		if err := e.writeWithTimeout(msg); err != nil {
			return backoff.Permanent(sshtransport.Wrap(sshtransport.ErrLinkWriteFailed, err))
		}

		pkt, ok := e.waitPacket(e.cfg.ReadTimeout)
		if !ok {
			sawSilence = true
			e.log.WithSeq(seq).WithRequestID(rqid).Debugf("ack wait timed out (attempt %d/%d)", attempt, e.cfg.NumRetry)
			recordRetry()
			return errRetry
		}
		switch pkt.Type {
		case frame.TypeAck:
			return nil
		case frame.TypeRetry:
			sawRetry = true
			e.log.WithSeq(seq).WithRequestID(rqid).Debugf("peer requested retry (attempt %d/%d)", attempt, e.cfg.NumRetry)
			recordRetry()
			return errRetry
		default:
			recordRetry()
			return errRetry
		}
	}, bo)

	if operr == nil {
		return nil
	}
	if te, ok := operr.(*sshtransport.Error); ok {
		return te
	}
	if sawRetry && !sawSilence {
		e.metrics.IncRetriesExhausted()
		return sshtransport.New(sshtransport.ErrRetriesExhausted)
	}
	e.metrics.IncTimeouts()
	return sshtransport.New(sshtransport.ErrTimeout)
}

// awaitResponse performs spec §4.3 steps 5-7: a single (non-retried)
// wait for the response command frame, copy into the caller's buffer,
// then emit the response's own ACK. A failure to emit that ACK is
// logged and swallowed — the peer will simply time out and retry its
// own send, the same fate as any other lost ACK.
func (e *Engine) awaitResponse(resp *sshtransport.ResponseBuffer) error {
	pkt, ok := e.waitPacket(e.cfg.ReadTimeout)
	if !ok {
		e.metrics.IncTimeouts()
		return sshtransport.New(sshtransport.ErrTimeout)
	}
	if len(pkt.Payload) > resp.Capacity() {
		return sshtransport.New(sshtransport.ErrInvalidArgument)
	}
	resp.Length = copy(resp.Data, pkt.Payload)

	n, err := frame.EncodeControlMessage(e.ackBuf, frame.TypeAck, pkt.Seq)
	if err != nil {
		e.log.WithSeq(pkt.Seq).Warnf("failed to encode response ACK: %v", err)
		return nil
	}
	if err := e.writeWithTimeout(e.ackBuf[:n]); err != nil {
		e.log.WithSeq(pkt.Seq).Warnf("failed to emit response ACK: %v", err)
	}
	return nil
}

func (e *Engine) waitPacket(timeout time.Duration) (frame.Packet, bool) {
	select {
	case pkt := <-e.reasm.Packets():
		return pkt, true
	case <-time.After(timeout):
		return frame.Packet{}, false
	}
}

// writeWithTimeout bounds a single Writer.Write call. Most Port
// implementations write synchronously and return quickly; this guards
// against a wedged driver or device hanging the whole request.
func (e *Engine) writeWithTimeout(buf []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := e.link.Write(buf)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(e.cfg.WriteTimeout):
		return errors.New("write timed out")
	}
}
