package transport

import (
	"context"
	"testing"
	"time"

	"github.com/fieldmesh/comsrv/internal/model"
)

func TestMockTransportSendRecv(t *testing.T) {
	m := NewMockTransport()
	ctx := context.Background()
	if m.IsConnected() {
		t.Fatalf("should not be connected before Connect")
	}
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !m.IsConnected() {
		t.Fatalf("should be connected after Connect")
	}
	if err := m.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(m.Sent) != 1 {
		t.Fatalf("expected 1 recorded send")
	}
	m.Push([]byte{9, 9})
	got, err := m.Recv(time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(got) != 2 || got[0] != 9 {
		t.Fatalf("unexpected recv: %v", got)
	}
}

func TestMockTransportRecvTimeoutOnEmptyInbox(t *testing.T) {
	m := NewMockTransport()
	_ = m.Connect(context.Background())
	if _, err := m.Recv(time.Millisecond); err == nil {
		t.Fatalf("expected error on empty inbox")
	}
}

func TestNewSelectsTransportByProtocol(t *testing.T) {
	ch := &model.Channel{ID: 1, Protocol: model.ProtoModbusTCP, TCP: &model.TCPParams{Host: "127.0.0.1", Port: 502}}
	tr, err := New(ch)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.Type() != TypeTCP {
		t.Fatalf("expected tcp transport, got %s", tr.Type())
	}
}

func TestNewReturnsErrorForMissingParams(t *testing.T) {
	ch := &model.Channel{ID: 2, Protocol: model.ProtoModbusTCP}
	if _, err := New(ch); err == nil {
		t.Fatalf("expected error for channel missing tcp params")
	}
}
