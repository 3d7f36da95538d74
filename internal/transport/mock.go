package transport

import (
	"context"
	"sync"
	"time"

	"github.com/fieldmesh/comsrv/errcode"
)

// MockTransport is an in-memory Transport for driver/pool tests (spec.md
// §4.2): Send appends to a recorded outbox, Recv pops from a scripted
// inbox queue.
type MockTransport struct {
	mu        sync.Mutex
	connected bool
	Sent      [][]byte
	Inbox     [][]byte
	ConnectErr error
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

func (m *MockTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockTransport) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errcode.WrapMsg("transport.MockTransport.Send", errcode.ConnClosed, "not connected")
	}
	m.Sent = append(m.Sent, append([]byte{}, data...))
	return nil
}

func (m *MockTransport) Recv(timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, errcode.WrapMsg("transport.MockTransport.Recv", errcode.ConnClosed, "not connected")
	}
	if len(m.Inbox) == 0 {
		return nil, errcode.WrapMsg("transport.MockTransport.Recv", errcode.TimeoutExceeded, "inbox empty")
	}
	next := m.Inbox[0]
	m.Inbox = m.Inbox[1:]
	return next, nil
}

// Push queues a response for the next Recv call.
func (m *MockTransport) Push(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inbox = append(m.Inbox, data)
}

func (m *MockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockTransport) Type() Type { return TypeMock }
