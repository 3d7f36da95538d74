package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/codec/modbus"
	"github.com/fieldmesh/comsrv/internal/model"
)

func init() {
	Register(TypeSerial, func(ch *model.Channel) (Transport, error) {
		if ch.Serial == nil {
			return nil, fmt.Errorf("transport: channel %d has no serial params", ch.ID)
		}
		return &SerialTransport{params: *ch.Serial, gap: modbus.InterFrameSilence(ch.Serial.Baud)}, nil
	})
}

// SerialTransport wraps a serial port (spec.md §4.2): port, baud, bits,
// parity, stop. Send waits out the RTU inter-frame idle gap before each
// write; no framing callback is raised when the idle gap elapses.
type SerialTransport struct {
	params model.SerialParams
	gap    time.Duration

	mu   sync.Mutex
	port serial.Port
}

func parityMode(p string) serial.Parity {
	switch p {
	case "E":
		return serial.EvenParity
	case "O":
		return serial.OddParity
	default:
		return serial.NoParity
	}
}

func stopBitsMode(stop int) serial.StopBits {
	if stop == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

func (s *SerialTransport) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	mode := &serial.Mode{
		BaudRate: s.params.Baud,
		DataBits: s.params.Bits,
		Parity:   parityMode(s.params.Parity),
		StopBits: stopBitsMode(s.params.Stop),
	}
	p, err := serial.Open(s.params.Port, mode)
	if err != nil {
		return errcode.Wrap("transport.SerialTransport.Connect", errcode.ConnRefused, err)
	}
	s.port = p
	return nil
}

func (s *SerialTransport) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *SerialTransport) Send(data []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return errcode.WrapMsg("transport.SerialTransport.Send", errcode.ConnClosed, "not connected")
	}
	// Enforce the RTU inter-frame silence before transmitting, so the
	// remote's receiver treats this as a new frame.
	time.Sleep(s.gap)
	_, err := port.Write(data)
	if err != nil {
		return errcode.Wrap("transport.SerialTransport.Send", errcode.ConnReset, err)
	}
	return nil
}

func (s *SerialTransport) Recv(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return nil, errcode.WrapMsg("transport.SerialTransport.Recv", errcode.ConnClosed, "not connected")
	}
	if timeout > 0 {
		_ = port.SetReadTimeout(timeout)
	}
	buf := make([]byte, 256)
	n, err := port.Read(buf)
	if err != nil {
		return nil, errcode.Wrap("transport.SerialTransport.Recv", errcode.ConnReset, err)
	}
	if n == 0 {
		return nil, errcode.WrapMsg("transport.SerialTransport.Recv", errcode.TimeoutExceeded, "read timeout")
	}
	return buf[:n], nil
}

func (s *SerialTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *SerialTransport) Type() Type { return TypeSerial }
