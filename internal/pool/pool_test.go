package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type mockConn struct {
	id    int
	valid atomic.Bool
}

func (m *mockConn) IsValid() bool { return m.valid.Load() }
func (m *mockConn) Close() error  { m.valid.Store(false); return nil }

func newMockFactory() (Factory[*mockConn], *atomic.Int32) {
	var counter atomic.Int32
	return func(ctx context.Context, key Key) (*mockConn, error) {
		id := int(counter.Add(1)) - 1
		c := &mockConn{id: id}
		c.valid.Store(true)
		return c, nil
	}, &counter
}

func testKey() Key { return Key{Protocol: "test", Address: "127.0.0.1", Port: 8080} }

func TestGetReusesReleasedConnection(t *testing.T) {
	factory, _ := newMockFactory()
	p := New(Config{}, factory)
	defer p.Stop()

	g1, err := p.Get(context.Background(), testKey())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	id1 := g1.Conn().id
	g1.Release()

	g2, err := p.Get(context.Background(), testKey())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g2.Conn().id != id1 {
		t.Fatalf("expected reused connection %d, got %d", id1, g2.Conn().id)
	}
}

func TestGetDropsInvalidConnectionOnRelease(t *testing.T) {
	factory, _ := newMockFactory()
	p := New(Config{}, factory)
	defer p.Stop()

	g1, err := p.Get(context.Background(), testKey())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	g1.Conn().valid.Store(false)
	g1.Release()

	g2, err := p.Get(context.Background(), testKey())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g2.Conn().id == g1.e.conn.id {
		t.Fatalf("expected a new connection after invalid release")
	}
}

func TestTakeDetachesFromPool(t *testing.T) {
	factory, _ := newMockFactory()
	p := New(Config{}, factory)
	defer p.Stop()

	g, err := p.Get(context.Background(), testKey())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	conn := g.Take()
	if !conn.IsValid() {
		t.Fatalf("expected taken connection to remain valid")
	}
	stats := p.Stats()
	if stats.TotalConnections != 0 {
		t.Fatalf("expected 0 pooled connections after take, got %d", stats.TotalConnections)
	}
}

func TestSweepEvictsIdleConnections(t *testing.T) {
	factory, _ := newMockFactory()
	p := New(Config{MaxIdleTime: time.Millisecond}, factory)
	defer p.Stop()

	g, err := p.Get(context.Background(), testKey())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	g.Release()
	time.Sleep(5 * time.Millisecond)
	p.sweep()

	stats := p.Stats()
	if stats.TotalConnections != 0 {
		t.Fatalf("expected idle connection to be evicted, got %d pooled", stats.TotalConnections)
	}
}

func TestStatsReportsKeyCount(t *testing.T) {
	factory, _ := newMockFactory()
	p := New(Config{}, factory)
	defer p.Stop()

	k1 := Key{Protocol: "modbus", Address: "127.0.0.1", Port: 502}
	k2 := Key{Protocol: "iec104", Address: "192.168.1.1", Port: 2404}

	g1, _ := p.Get(context.Background(), k1)
	g2, _ := p.Get(context.Background(), k2)
	g1.Release()
	g2.Release()

	stats := p.Stats()
	if stats.KeyCount != 2 {
		t.Fatalf("expected 2 keys, got %d", stats.KeyCount)
	}
	if stats.TotalConnections != 2 {
		t.Fatalf("expected 2 total connections, got %d", stats.TotalConnections)
	}
}
