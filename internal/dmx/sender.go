package dmx

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

// Sender writes whole-universe frames to the hardware.
type Sender interface {
	Send(ctx context.Context, universe int, values [UniverseSize]byte) error
	Close() error
}

// Enttec DMX USB Pro message framing.
const (
	enttecStart        = 0x7E
	enttecEnd          = 0xE7
	enttecSendDMXLabel = 6
	dmxStartCode       = 0x00
)

// encodeFrame wraps a universe in an "Output Only Send DMX Packet" message.
func encodeFrame(values [UniverseSize]byte) []byte {
	n := UniverseSize + 1
	buf := make([]byte, 0, n+5)
	buf = append(buf, enttecStart, enttecSendDMXLabel, byte(n&0xFF), byte(n>>8), dmxStartCode)
	buf = append(buf, values[:]...)
	return append(buf, enttecEnd)
}

// SerialSender drives a single universe through an Enttec-compatible USB
// interface.
type SerialSender struct {
	mu       sync.Mutex
	port     io.WriteCloser
	universe int
}

// NewSerialSender opens portName for the given universe.
func NewSerialSender(portName string, baudRate, universe int) (*SerialSender, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("dmx serial: open %s: %w", portName, err)
	}
	return newSerialSender(port, universe), nil
}

func newSerialSender(port io.WriteCloser, universe int) *SerialSender {
	return &SerialSender{port: port, universe: universe}
}

// Send writes one frame.
func (s *SerialSender) Send(ctx context.Context, universe int, values [UniverseSize]byte) error {
	if universe != s.universe {
		return fmt.Errorf("dmx serial: universe %d is not patched (have %d)", universe, s.universe)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := encodeFrame(values)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return fmt.Errorf("dmx serial: closed")
	}
	if _, err := s.port.Write(frame); err != nil {
		return fmt.Errorf("dmx serial: write: %w", err)
	}
	return nil
}

// Close releases the serial port.
func (s *SerialSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// MemorySender keeps the last frame of every universe in memory. It stands
// in for hardware in tests and on hosts without an interface.
type MemorySender struct {
	mu     sync.Mutex
	frames map[int][UniverseSize]byte
	sends  int
	err    error
}

// NewMemorySender creates an empty MemorySender.
func NewMemorySender() *MemorySender {
	return &MemorySender{frames: make(map[int][UniverseSize]byte)}
}

// Send records the frame, or returns the error set with FailWith.
func (m *MemorySender) Send(ctx context.Context, universe int, values [UniverseSize]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.frames[universe] = values
	m.sends++
	return nil
}

// FailWith makes subsequent sends fail with err. nil restores normal
// operation.
func (m *MemorySender) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Frame returns the last frame sent to universe.
func (m *MemorySender) Frame(universe int) ([UniverseSize]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[universe]
	return f, ok
}

// Sends returns the number of successful sends.
func (m *MemorySender) Sends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

// Close is a no-op.
func (m *MemorySender) Close() error { return nil }
