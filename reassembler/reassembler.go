// Package reassembler turns a best-effort inbound byte stream into a
// sequence of validated logical messages (spec §4.2). It owns the
// sliding evaluation buffer: bytes accumulate until eval_once can
// either make progress (consume a full message, or discard corrupt
// bytes) or must wait for more. It also owns the per-request
// expectation (spec §4.6's receiver substate machine) so that a stray
// ACK or response belonging to an earlier, already-finished request
// can never be mistaken for the current one.
package reassembler

import (
	"sync"

	"github.com/iwanders/surface-serial-hub/frame"
	"github.com/iwanders/surface-serial-hub/internal/logging"
	"github.com/iwanders/surface-serial-hub/metrics"
	"github.com/iwanders/surface-serial-hub/sshtransport"
)

// SG5MsgLenCmdBase is the fixed overhead of a command-shaped message
// (SYN + ctrl + ctrl-CRC + cmd-CRC) outside of ctrl.len itself (spec §4.2).
const SG5MsgLenCmdBase = frame.SynLen + frame.ControlFieldsLen + frame.CRCLen + frame.CRCLen

// defaultQueueDepth bounds the request/response packet queue. Only one
// request is ever outstanding (controller mutex, spec invariant), so a
// small depth is ample slack against a burst of late ACK/RETRY frames.
const defaultQueueDepth = 8

// Substate is the per-outstanding-request receiver state (spec §4.6):
// Discard -> AwaitingControl -> (AwaitingCommand if snc else Discard) -> Discard.
type Substate int

const (
	Discard Substate = iota
	AwaitingControl
	AwaitingCommand
)

// EventSink receives command frames classified as events (request-id
// in the event subspace). Implemented by *event.Dispatcher; kept as an
// interface here so this package doesn't need to import the dispatcher.
type EventSink interface {
	Dispatch(p frame.Packet)
}

// Reassembler holds the sliding evaluation buffer, the per-request
// expectation/substate, and the bounded single-producer/single-consumer
// queue that carries validated control/response packets up to the
// request engine.
type Reassembler struct {
	mu      sync.Mutex
	backing []byte
	fill    int

	idSpace sshtransport.RequestIDSpace
	packets chan frame.Packet
	events  EventSink
	log     *logging.Logger
	metrics *metrics.Metrics

	state        Substate
	expSeq       uint8
	expRqid      uint16
	awaitCommand bool
}

// New creates a Reassembler with an evaluation buffer of the given
// capacity (must be >= frame.MaxMessageLen) and the request-id space
// used to classify command frames as events versus responses. m may
// be nil, in which case CRC-error counting is skipped.
func New(capacity int, idSpace sshtransport.RequestIDSpace, events EventSink, log *logging.Logger, m *metrics.Metrics) *Reassembler {
	if capacity < frame.MaxMessageLen {
		capacity = frame.MaxMessageLen
	}
	if log == nil {
		log = logging.Default()
	}
	return &Reassembler{
		backing: make([]byte, capacity),
		idSpace: idSpace,
		packets: make(chan frame.Packet, defaultQueueDepth),
		events:  events,
		log:     log,
		metrics: m,
		state:   Discard,
	}
}

// Packets returns the channel the request engine waits on. A send into
// this channel is the "completion signal raised on every enqueue"
// spec §4.2 describes.
func (r *Reassembler) Packets() <-chan frame.Packet {
	return r.packets
}

// SetExpectation arms the receiver for one outstanding request: seq is
// the control sequence the request was sent with, rqid is the
// request-id it echoes, and awaitCommand marks whether a response
// command frame (snc) is expected after the ACK.
func (r *Reassembler) SetExpectation(seq uint8, rqid uint16, awaitCommand bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = AwaitingControl
	r.expSeq = seq
	r.expRqid = rqid
	r.awaitCommand = awaitCommand
}

// ClearExpectation returns the receiver to Discard: no frame other
// than an event can be delivered until SetExpectation is called again.
func (r *Reassembler) ClearExpectation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Discard
}

// Reset discards any partially-buffered, unevaluated bytes.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fill = 0
}

// Feed appends a chunk of freshly-read bytes and evaluates as many
// complete messages as the buffer now holds. For any chunking of an
// input stream into pieces, repeated Feed calls produce the same
// sequence of delivered messages as a single Feed of the whole stream,
// because state lives entirely in the evaluation buffer between calls.
func (r *Reassembler) Feed(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		n := copy(r.backing[r.fill:], chunk)
		r.fill += n
		chunk = chunk[n:]

		for {
			consumed := r.evalOnce(r.backing[:r.fill])
			if consumed <= 0 {
				break
			}
			copy(r.backing, r.backing[consumed:r.fill])
			r.fill -= consumed
		}
		if len(chunk) == 0 || r.fill == len(r.backing) {
			break
		}
	}
}

// evalOnce implements the spec §4.2 eval_once policy: it returns 0 if
// buf doesn't yet hold a decidable prefix, or the number of bytes to
// consume (a full valid message, or a discarded corrupt span). Caller
// holds r.mu.
func (r *Reassembler) evalOnce(buf []byte) int {
	if len(buf) < frame.SynLen+frame.ControlFieldsLen {
		return 0
	}
	if !frame.HasSyn(buf) {
		r.log.Warn("invalid SYN marker, discarding buffered bytes")
		return len(buf)
	}

	ctrlStart := frame.SynLen
	typ := buf[ctrlStart]

	switch typ {
	case frame.TypeAck, frame.TypeRetry:
		total := frame.SynLen + frame.ControlTotalLen + frame.TermLen
		if len(buf) < total {
			return 0
		}
		ctrlSection := buf[ctrlStart : ctrlStart+frame.ControlFieldsLen]
		crcSection := buf[ctrlStart+frame.ControlFieldsLen : ctrlStart+frame.ControlTotalLen]
		termSection := buf[ctrlStart+frame.ControlTotalLen : total]

		if !frame.HasTerm(termSection) {
			r.log.Warn("ack/retry missing TERM, discarding all buffered bytes")
			return len(buf)
		}
		if !frame.VerifyCRC(ctrlSection, crcSection) {
			r.log.Warn("ack/retry control CRC invalid, discarding this message")
			r.metrics.IncCRCErrors()
			return total
		}
		_, _, seq := frame.DecodeControlFields(ctrlSection)
		r.acceptControl(typ, seq)
		return total

	case frame.TypeCmd:
		if len(buf) < ctrlStart+frame.ControlTotalLen {
			return 0
		}
		ctrlSection := buf[ctrlStart : ctrlStart+frame.ControlFieldsLen]
		crcSection := buf[ctrlStart+frame.ControlFieldsLen : ctrlStart+frame.ControlTotalLen]
		if !frame.VerifyCRC(ctrlSection, crcSection) {
			// Length is untrusted once the control CRC fails: we
			// cannot know how many bytes this message was supposed
			// to be, so the whole buffer is discarded.
			r.log.Warn("command control CRC invalid, discarding all buffered bytes")
			r.metrics.IncCRCErrors()
			return len(buf)
		}
		_, length, seq := frame.DecodeControlFields(ctrlSection)
		need := SG5MsgLenCmdBase + int(length)
		if len(buf) < need {
			return 0
		}
		cmdSection := buf[ctrlStart+frame.ControlTotalLen : ctrlStart+frame.ControlTotalLen+int(length)]
		cmdCRCSection := buf[ctrlStart+frame.ControlTotalLen+int(length) : need]
		if !frame.VerifyCRC(cmdSection, cmdCRCSection) {
			r.log.Warn("command CRC invalid, discarding this message only")
			r.metrics.IncCRCErrors()
			return need
		}

		cf := frame.DecodeCommandHeader(cmdSection)
		payload := append([]byte(nil), cmdSection[frame.CommandFrameBaseLen:]...)
		pkt := frame.Packet{Type: frame.TypeCmd, Seq: seq, RequestID: cf.RequestID, Payload: payload}

		if r.idSpace.IsEvent(cf.RequestID) {
			// Events are accepted in any substate.
			if r.events != nil {
				r.events.Dispatch(pkt)
			}
		} else {
			r.acceptResponse(pkt)
		}
		return need

	default:
		r.log.Warnf("unknown control type 0x%02x, discarding all buffered bytes", typ)
		return len(buf)
	}
}

// acceptControl applies the ACK/RETRY match-and-deliver rule: a
// mismatch on sequence, or a frame that arrives outside
// AwaitingControl, cannot belong to the outstanding request and is
// silently discarded (spec §4.3 invariants).
func (r *Reassembler) acceptControl(typ byte, seq uint8) {
	if r.state != AwaitingControl || seq != r.expSeq {
		r.log.WithSeq(seq).Debugf("discarding unmatched control frame (type=0x%02x, expected seq=%d in state %d)", typ, r.expSeq, r.state)
		return
	}
	if typ == frame.TypeAck {
		if r.awaitCommand {
			r.state = AwaitingCommand
		} else {
			r.state = Discard
		}
	}
	r.deliver(frame.Packet{Type: typ, Seq: seq})
}

// acceptResponse applies the response match-and-deliver rule: the
// request-id must echo the one the host assigned, and the receiver
// must actually be waiting on a command frame.
func (r *Reassembler) acceptResponse(pkt frame.Packet) {
	if r.state != AwaitingCommand || pkt.RequestID != r.expRqid {
		r.log.WithRequestID(pkt.RequestID).Debugf("discarding unmatched response frame (expected rqid=%d in state %d)", r.expRqid, r.state)
		return
	}
	r.state = Discard
	r.deliver(pkt)
}

func (r *Reassembler) deliver(p frame.Packet) {
	select {
	case r.packets <- p:
	default:
		r.log.WithSeq(p.Seq).Warnf("inbound packet queue full, dropping frame (type=0x%02x)", p.Type)
	}
}
