// Package frame implements the SSH wire format: pure, allocation-free
// encoders and decoders for control and command frames (spec §4.1).
//
// Every multi-byte integer on the wire is little-endian. Encoding the
// same logical request twice produces byte-identical output, which is
// what lets the request engine retransmit without the peer seeing a
// different message (spec §4.3's retry idempotence).
package frame

import "errors"

// Fixed markers (spec §6).
const (
	SynByte0  = 0xAA
	SynByte1  = 0x55
	TermByte0 = 0xFF
	TermByte1 = 0xFF
)

// Control-frame type byte (spec §3, §6).
const (
	TypeCmd   = 0x80
	TypeAck   = 0x40
	TypeRetry = 0x04
)

// Command-frame request/response flag values (spec §6).
const (
	Flags1Request  = 0x01
	Flags2Request  = 0x00
	Flags1Response = 0x00
	Flags2Response = 0x01
)

// Sizes, in bytes.
const (
	SynLen           = 2
	TermLen          = 2
	CRCLen           = 2
	ControlFieldsLen = 4 // type, len, pad, seq
	ControlTotalLen  = ControlFieldsLen + CRCLen

	// CommandFrameBaseLen is the command frame header size excluding
	// payload and CRC: type, tc, f1, f2, iid, rqid_lo, rqid_hi, cid.
	// It is not the message-level overhead added to ctrl.len; that is
	// reassembler.SG5MsgLenCmdBase.
	CommandFrameBaseLen = 8

	// MaxPayload is the largest payload the one-byte ctrl.len field can
	// address once the command frame header is accounted for. The EC
	// may advertise a smaller limit at runtime; this is the wire
	// ceiling, used as the default when no tighter limit is known.
	MaxPayload = 255 - CommandFrameBaseLen

	// MaxMessageLen bounds a full request/response/event message
	// (SYN + ctrl + crc + cmd header + max payload + crc).
	MaxMessageLen = SynLen + ControlTotalLen + CommandFrameBaseLen + MaxPayload + CRCLen
)

var (
	ErrBufferTooSmall  = errors.New("frame: destination buffer too small")
	ErrPayloadTooLarge = errors.New("frame: payload exceeds MaxPayload")
)

// CommandFrame is the decoded content of a command-frame message
// (spec §3's "Frame — command").
type CommandFrame struct {
	TargetCategory byte
	Flags1         byte
	Flags2         byte
	InstanceID     byte
	RequestID      uint16
	CommandID      byte
	Payload        []byte
}

// IsResponse reports whether the flags mark this as a response/event
// frame rather than a request frame.
func (c CommandFrame) IsResponse() bool {
	return c.Flags1 == Flags1Response && c.Flags2 == Flags2Response
}

// EncodeCommandMessage writes a full request-shaped message (spec §3:
// "SYN ctrl crc(ctrl) cmdframe crc(cmdframe)") into buf and returns the
// number of bytes written. The same (seq, cf) always yields the same
// bytes, which is what makes retries byte-identical.
func EncodeCommandMessage(buf []byte, seq uint8, cf CommandFrame) (int, error) {
	if len(cf.Payload) > MaxPayload {
		return 0, ErrPayloadTooLarge
	}
	total := SynLen + ControlTotalLen + CommandFrameBaseLen + len(cf.Payload) + CRCLen
	if len(buf) < total {
		return 0, ErrBufferTooSmall
	}

	n := 0
	buf[n], buf[n+1] = SynByte0, SynByte1
	n += SynLen

	ctrlStart := n
	buf[n] = TypeCmd
	buf[n+1] = uint8(CommandFrameBaseLen + len(cf.Payload))
	buf[n+2] = 0
	buf[n+3] = seq
	n += ControlFieldsLen
	ctrlCRC := CRC16(buf[ctrlStart:n])
	buf[n], buf[n+1] = byte(ctrlCRC), byte(ctrlCRC>>8)
	n += CRCLen

	cmdStart := n
	buf[n] = TypeCmd
	buf[n+1] = cf.TargetCategory
	buf[n+2] = cf.Flags1
	buf[n+3] = cf.Flags2
	buf[n+4] = cf.InstanceID
	buf[n+5] = byte(cf.RequestID)
	buf[n+6] = byte(cf.RequestID >> 8)
	buf[n+7] = cf.CommandID
	n += CommandFrameBaseLen
	n += copy(buf[n:], cf.Payload)
	cmdCRC := CRC16(buf[cmdStart:n])
	buf[n], buf[n+1] = byte(cmdCRC), byte(cmdCRC>>8)
	n += CRCLen

	return n, nil
}

// EncodeControlMessage writes an ACK/RETRY-shaped message (spec §3:
// "SYN ctrl crc(ctrl) TERM") into buf and returns the number of bytes
// written. The host only ever emits ctrlType == TypeAck; TypeRetry is
// a peer-to-host message the codec can still produce for test fixtures.
func EncodeControlMessage(buf []byte, ctrlType byte, seq uint8) (int, error) {
	total := SynLen + ControlTotalLen + TermLen
	if len(buf) < total {
		return 0, ErrBufferTooSmall
	}

	n := 0
	buf[n], buf[n+1] = SynByte0, SynByte1
	n += SynLen

	start := n
	buf[n], buf[n+1], buf[n+2], buf[n+3] = ctrlType, 0, 0, seq
	n += ControlFieldsLen
	crc := CRC16(buf[start:n])
	buf[n], buf[n+1] = byte(crc), byte(crc>>8)
	n += CRCLen

	buf[n], buf[n+1] = TermByte0, TermByte1
	n += TermLen

	return n, nil
}

// HasSyn reports whether data begins with the SYN marker.
func HasSyn(data []byte) bool {
	return len(data) >= SynLen && data[0] == SynByte0 && data[1] == SynByte1
}

// HasTerm reports whether data begins with the TERM marker.
func HasTerm(data []byte) bool {
	return len(data) >= TermLen && data[0] == TermByte0 && data[1] == TermByte1
}

// DecodeControlFields reads the four control-frame fields from data
// (which must be at least ControlFieldsLen long): type, length, seq.
func DecodeControlFields(data []byte) (typ byte, length uint8, seq uint8) {
	return data[0], data[1], data[3]
}

// VerifyCRC reports whether crcBytes (2 bytes, little-endian on the
// wire per spec §4.1) is the CRC16 of section.
func VerifyCRC(section []byte, crcBytes []byte) bool {
	if len(crcBytes) < CRCLen {
		return false
	}
	want := uint16(crcBytes[0]) | uint16(crcBytes[1])<<8
	return CRC16(section) == want
}

// TypeKnown reports whether typ is one of the recognized control types.
func TypeKnown(typ byte) bool {
	return typ == TypeCmd || typ == TypeAck || typ == TypeRetry
}

// DecodeCommandHeader decodes the CommandFrameBaseLen-byte command
// header (no payload, no CRC) found at the start of data.
func DecodeCommandHeader(data []byte) CommandFrame {
	return CommandFrame{
		TargetCategory: data[1],
		Flags1:         data[2],
		Flags2:         data[3],
		InstanceID:     data[4],
		RequestID:      uint16(data[5]) | uint16(data[6])<<8,
		CommandID:      data[7],
	}
}
