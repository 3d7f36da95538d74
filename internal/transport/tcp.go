package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/model"
)

func init() {
	Register(TypeTCP, func(ch *model.Channel) (Transport, error) {
		if ch.TCP == nil {
			return nil, fmt.Errorf("transport: channel %d has no tcp params", ch.ID)
		}
		return &TCPTransport{host: ch.TCP.Host, port: ch.TCP.Port}, nil
	})
}

// TCPTransport is a reconnect-capable client socket (spec.md §4.2).
type TCPTransport struct {
	host string
	port int

	mu   sync.Mutex
	conn net.Conn
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errcode.Wrap("transport.TCPTransport.Connect", errcode.ConnRefused, err)
	}
	t.conn = conn
	return nil
}

func (t *TCPTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCPTransport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errcode.WrapMsg("transport.TCPTransport.Send", errcode.ConnClosed, "not connected")
	}
	_, err := conn.Write(data)
	if err != nil {
		t.markClosed()
		return errcode.Wrap("transport.TCPTransport.Send", errcode.ConnReset, err)
	}
	return nil
}

func (t *TCPTransport) Recv(timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, errcode.WrapMsg("transport.TCPTransport.Recv", errcode.ConnClosed, "not connected")
	}
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errcode.Wrap("transport.TCPTransport.Recv", errcode.TimeoutExceeded, err)
		}
		t.markClosed()
		return nil, errcode.Wrap("transport.TCPTransport.Recv", errcode.ConnReset, err)
	}
	return buf[:n], nil
}

func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *TCPTransport) Type() Type { return TypeTCP }

func (t *TCPTransport) markClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}
