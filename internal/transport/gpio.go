package transport

import (
	"context"
	"sync"
	"time"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/model"
)

func init() {
	Register(TypeGPIO, func(ch *model.Channel) (Transport, error) {
		return NewGPIOTransport(), nil
	})
}

// GPIOTransport presents a fixed-width DI/DO pin vector as a Transport
// (spec.md §4.2). Send writes a pin-index/level pair; Recv returns the
// current vector snapshot. Levels live in an in-memory vector; no
// platform pin driver is attached, so real pins are not read or driven.
type GPIOTransport struct {
	mu     sync.Mutex
	levels []byte
}

func NewGPIOTransport() *GPIOTransport {
	return &GPIOTransport{levels: make([]byte, 32)}
}

func (g *GPIOTransport) Connect(ctx context.Context) error { return nil }
func (g *GPIOTransport) Disconnect() error                 { return nil }

// Send expects a 2-byte payload: [pin_index, level].
func (g *GPIOTransport) Send(data []byte) error {
	if len(data) != 2 {
		return errcode.WrapMsg("transport.GPIOTransport.Send", errcode.InvalidLength, "expected [pin, level]")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	pin := int(data[0])
	if pin >= len(g.levels) {
		return errcode.WrapMsg("transport.GPIOTransport.Send", errcode.InvalidLength, "pin index out of range")
	}
	g.levels[pin] = data[1]
	return nil
}

func (g *GPIOTransport) Recv(timeout time.Duration) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]byte{}, g.levels...), nil
}

func (g *GPIOTransport) IsConnected() bool { return true }
func (g *GPIOTransport) Type() Type        { return TypeGPIO }
