package frame

// Packet is what the receiver reassembler hands upward once a message
// has been fully validated (spec §4.2's "Delivery to request engine").
// For Type == TypeAck/TypeRetry only Seq is meaningful. For
// Type == TypeCmd, RequestID and Payload carry the decoded command
// frame contents.
type Packet struct {
	Type      byte
	Seq       uint8
	RequestID uint16
	Payload   []byte
}
