// Package link provides the byte-level transport the frame codec and
// reassembler run over: an opened, configured UART, plus a mock
// implementation for tests.
package link

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Parity mirrors spec §6's required parity choices without leaking
// the underlying library's type into callers that only build a Config.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Config holds the UART parameters an external collaborator resolves
// (spec §6: "baud from ACPI") before opening the link.
type Config struct {
	Device string
	Baud   int
	Parity Parity

	// ReadTimeout bounds each individual Read call; it is unrelated to
	// the request engine's READ_TIMEOUT, which bounds waiting for a
	// reassembled message rather than a single syscall.
	ReadTimeout time.Duration
}

// Port is the byte-level dependency the request engine (Writer) and
// the controller's read loop (io.Reader) need. Flush is kept distinct
// from Write so callers cannot forget to drain a buffered writer.
type Port interface {
	io.ReadWriteCloser
	Flush() error
}

// Open opens a native UART using go.bug.st/serial with the requested
// parity and asserts RTS once. Hardware RTS/CTS handshaking is not
// enabled.
func Open(cfg Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   toLibraryParity(cfg.Parity),
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", cfg.Device, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("link: set read timeout: %w", err)
		}
	}
	// go.bug.st/serial does not expose a portable hardware RTS/CTS
	// auto-handshake toggle; RTS is asserted once at open so the EC's
	// CTS-gated transmitter is not held off indefinitely.
	if err := port.SetRTS(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: assert RTS: %w", err)
	}
	return &nativePort{port: port}, nil
}

func toLibraryParity(p Parity) serial.Parity {
	switch p {
	case ParityEven:
		return serial.EvenParity
	case ParityOdd:
		return serial.OddParity
	default:
		return serial.NoParity
	}
}

type nativePort struct {
	port serial.Port
}

func (p *nativePort) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *nativePort) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *nativePort) Close() error                { return p.port.Close() }

// Flush is a no-op: go.bug.st/serial's Write already blocks until the
// OS accepts the bytes, matching spec §4.3's "flush writer to link"
// step once Write returns.
func (p *nativePort) Flush() error { return nil }
