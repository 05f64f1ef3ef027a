package frame

import (
	"bytes"
	"testing"
)

// TestEncodeCommandMessageMatchesS1Scenario checks the codec against
// the literal bytes from the spec's S1 scenario: a request for
// tc=0x01, iid=0, cid=0x16, snc=1, empty payload, host seq=0, rqid=2.
func TestEncodeCommandMessageMatchesS1Scenario(t *testing.T) {
	buf := make([]byte, MaxMessageLen)
	cf := CommandFrame{
		TargetCategory: 0x01,
		Flags1:         Flags1Request,
		Flags2:         Flags2Request,
		InstanceID:     0x00,
		RequestID:      2,
		CommandID:      0x16,
	}
	n, err := EncodeCommandMessage(buf, 0, cf)
	if err != nil {
		t.Fatalf("EncodeCommandMessage: %v", err)
	}
	msg := buf[:n]

	wantPrefix := []byte{0xAA, 0x55, 0x80, 0x08, 0x00, 0x00}
	if !bytes.Equal(msg[:6], wantPrefix) {
		t.Fatalf("control prefix = % X, want % X", msg[:6], wantPrefix)
	}
	wantCmd := []byte{0x80, 0x01, 0x01, 0x00, 0x00, 0x02, 0x00, 0x16}
	if !bytes.Equal(msg[8:16], wantCmd) {
		t.Fatalf("command header = % X, want % X", msg[8:16], wantCmd)
	}
	if len(msg) != 18 {
		t.Fatalf("message length = %d, want 18", len(msg))
	}
}

func TestEncodeControlMessageRoundTrips(t *testing.T) {
	buf := make([]byte, 16)
	n, err := EncodeControlMessage(buf, TypeAck, 7)
	if err != nil {
		t.Fatalf("EncodeControlMessage: %v", err)
	}
	msg := buf[:n]

	if !HasSyn(msg) {
		t.Fatal("expected SYN at start of encoded control message")
	}
	if !HasTerm(msg[len(msg)-TermLen:]) {
		t.Fatal("expected TERM at end of encoded control message")
	}
	typ, _, seq := DecodeControlFields(msg[SynLen:])
	if typ != TypeAck || seq != 7 {
		t.Fatalf("decoded (type, seq) = (0x%02x, %d), want (0x%02x, 7)", typ, seq, TypeAck)
	}
	ctrlSection := msg[SynLen : SynLen+ControlFieldsLen]
	crcSection := msg[SynLen+ControlFieldsLen : SynLen+ControlTotalLen]
	if !VerifyCRC(ctrlSection, crcSection) {
		t.Fatal("control CRC does not verify")
	}
}

func TestEncodeCommandMessageIsIdempotent(t *testing.T) {
	cf := CommandFrame{TargetCategory: 3, InstanceID: 1, RequestID: 64, CommandID: 9, Payload: []byte("hello")}
	buf1 := make([]byte, MaxMessageLen)
	buf2 := make([]byte, MaxMessageLen)

	n1, err := EncodeCommandMessage(buf1, 5, cf)
	if err != nil {
		t.Fatal(err)
	}
	n2, err := EncodeCommandMessage(buf2, 5, cf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf1[:n1], buf2[:n2]) {
		t.Fatal("re-encoding the same logical request produced different bytes")
	}
}

func TestEncodeCommandMessageRejectsOversizedPayload(t *testing.T) {
	buf := make([]byte, MaxMessageLen)
	cf := CommandFrame{Payload: make([]byte, MaxPayload+1)}
	if _, err := EncodeCommandMessage(buf, 0, cf); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEncodeCommandMessageRejectsUndersizedBuffer(t *testing.T) {
	buf := make([]byte, 4)
	cf := CommandFrame{RequestID: 2, CommandID: 1}
	if _, err := EncodeCommandMessage(buf, 0, cf); err != ErrBufferTooSmall {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestDecodeCommandHeaderRoundTrips(t *testing.T) {
	buf := make([]byte, MaxMessageLen)
	cf := CommandFrame{
		TargetCategory: 0x11,
		Flags1:         Flags1Response,
		Flags2:         Flags2Response,
		InstanceID:     0x02,
		RequestID:      0x1234,
		CommandID:      0x0D,
		Payload:        []byte{0x01},
	}
	n, err := EncodeCommandMessage(buf, 1, cf)
	if err != nil {
		t.Fatal(err)
	}
	msg := buf[:n]
	cmdSection := msg[SynLen+ControlTotalLen : n-CRCLen]
	got := DecodeCommandHeader(cmdSection)
	if got.TargetCategory != cf.TargetCategory || got.RequestID != cf.RequestID || got.CommandID != cf.CommandID {
		t.Fatalf("decoded header %+v does not match encoded %+v", got, cf)
	}
	if !got.IsResponse() {
		t.Fatal("expected IsResponse() true for response flags")
	}
}
