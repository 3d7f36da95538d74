// Package transport defines the common byte-stream contract channels poll
// over (spec.md §4.2, C2) and a factory registry that builds a concrete
// implementation from a validated channel config, adapted from the
// teacher's device-builder registry (duplicate-registration panics, a
// read-write-mutex-guarded map keyed by a string tag).
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldmesh/comsrv/internal/model"
)

// Type tags a transport implementation.
type Type string

const (
	TypeTCP    Type = "tcp"
	TypeSerial Type = "serial"
	TypeCAN    Type = "can"
	TypeGPIO   Type = "gpio"
	TypeMock   Type = "mock"
)

// Transport is the common contract every protocol driver polls over
// (spec.md §4.2): connect, disconnect, send, recv, is_connected, and its
// own type tag.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(data []byte) error
	Recv(timeout time.Duration) ([]byte, error)
	IsConnected() bool
	Type() Type
}

// Builder constructs a Transport from a channel's transport parameters.
type Builder func(ch *model.Channel) (Transport, error)

var (
	mu       sync.RWMutex
	builders = map[Type]Builder{}
)

// Register adds a builder for a transport type. Panics on duplicate
// registration, matching the teacher's registry: a second registration for
// the same tag is a programming error, not a runtime condition to recover
// from.
func Register(t Type, b Builder) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := builders[t]; exists {
		panic(fmt.Sprintf("duplicate transport builder: %s", t))
	}
	builders[t] = b
}

// New builds the transport for a channel, created once per channel and
// never shared (spec.md §4.2).
func New(ch *model.Channel) (Transport, error) {
	t := protocolTransportType(ch.Protocol)
	mu.RLock()
	b, ok := builders[t]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: no builder registered for %s", t)
	}
	return b(ch)
}

func protocolTransportType(p model.Protocol) Type {
	switch p {
	case model.ProtoModbusTCP, model.ProtoIEC104:
		return TypeTCP
	case model.ProtoModbusRTU, model.ProtoIEC101:
		return TypeSerial
	case model.ProtoCAN:
		return TypeCAN
	default:
		return Type(p)
	}
}
