// Package pool provides a generic, key-partitioned connection pool with a
// semaphore-bounded creation path, ported from
// original_source/services/comsrv/src/core/connection_pool.rs into Go's
// generics + golang.org/x/sync/semaphore (spec.md §4.3, C3: transports are
// reused across poll cycles rather than dialed per read).
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fieldmesh/comsrv/errcode"
)

// Connection is the subset of a pooled resource the pool itself needs:
// whether it is still usable, and how to tear it down.
type Connection interface {
	IsValid() bool
	Close() error
}

// Key identifies one logical endpoint within the pool. Params is a
// caller-canonicalized string (e.g. "slave_id=1;timeout=5000") rather than a
// map, so Key stays comparable and usable as a Go map key.
type Key struct {
	Protocol string
	Address  string
	Port     int
	Params   string
}

// Config mirrors the original's PoolConfig (spec.md §6.4's pool_* fields).
type Config struct {
	MaxPerKey       int
	MaxTotal        int
	MaxConnectionAge time.Duration
	MaxIdleTime      time.Duration
	ConnectTimeout   time.Duration
	CleanupInterval  time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxPerKey <= 0 {
		c.MaxPerKey = 10
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 100
	}
	if c.MaxConnectionAge <= 0 {
		c.MaxConnectionAge = time.Hour
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

// Factory builds a new connection for key.
type Factory[T Connection] func(ctx context.Context, key Key) (T, error)

type entry[T Connection] struct {
	conn      T
	createdAt time.Time
	lastUsed  time.Time
	useCount  uint64
}

func (e *entry[T]) touch() {
	e.lastUsed = time.Now()
	e.useCount++
}

func (e *entry[T]) expired(maxAge time.Duration) bool { return time.Since(e.createdAt) > maxAge }
func (e *entry[T]) idle(maxIdle time.Duration) bool    { return time.Since(e.lastUsed) > maxIdle }

// Pool is a key-partitioned connection pool. The semaphore bounds
// concurrent connection *creation* the way the original does (the permit
// is held only for the factory call, not for a connection's whole
// lifetime), acting as backpressure against a dial storm rather than a
// steady-state cap on live connections.
type Pool[T Connection] struct {
	cfg     Config
	factory Factory[T]
	sem     *semaphore.Weighted
	inUse   atomic.Int64

	mu     sync.Mutex
	byKey  map[Key][]*entry[T]
	once   sync.Once
	stopCh chan struct{}
}

func New[T Connection](cfg Config, factory Factory[T]) *Pool[T] {
	cfg.setDefaults()
	p := &Pool[T]{
		cfg:     cfg,
		factory: factory,
		sem:     semaphore.NewWeighted(int64(cfg.MaxTotal)),
		byKey:   make(map[Key][]*entry[T]),
		stopCh:  make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Stop ends the background cleanup goroutine. Safe to call more than once.
func (p *Pool[T]) Stop() {
	p.once.Do(func() { close(p.stopCh) })
}

// Guard wraps one checked-out connection; call Release when done with it.
type Guard[T Connection] struct {
	pool *Pool[T]
	key  Key
	e    *entry[T]
	done bool
}

func (g *Guard[T]) Conn() T { return g.e.conn }

// Take detaches the connection from pool management entirely — it will not
// be returned to the free list on Release.
func (g *Guard[T]) Take() T {
	g.done = true
	return g.e.conn
}

// Release returns a still-valid connection to its key's free list, or
// closes it if it's no longer valid or the key's list is already full.
func (g *Guard[T]) Release() {
	if g.done {
		return
	}
	g.done = true
	if !g.e.conn.IsValid() {
		_ = g.e.conn.Close()
		return
	}
	g.pool.mu.Lock()
	list := g.pool.byKey[g.key]
	if len(list) >= g.pool.cfg.MaxPerKey {
		g.pool.mu.Unlock()
		_ = g.e.conn.Close()
		return
	}
	g.pool.byKey[g.key] = append(list, g.e)
	g.pool.mu.Unlock()
}

// Get returns a pooled connection for key, reusing a valid unexpired one
// if the key's free list has one, otherwise dialing a new one via Factory.
func (p *Pool[T]) Get(ctx context.Context, key Key) (*Guard[T], error) {
	p.mu.Lock()
	list := p.byKey[key]
	for len(list) > 0 {
		e := list[len(list)-1]
		list = list[:len(list)-1]
		if e.conn.IsValid() && !e.expired(p.cfg.MaxConnectionAge) {
			e.touch()
			p.byKey[key] = list
			p.mu.Unlock()
			return &Guard[T]{pool: p, key: key, e: e}, nil
		}
		_ = e.conn.Close()
	}
	p.byKey[key] = list
	p.mu.Unlock()
	return p.create(ctx, key)
}

func (p *Pool[T]) create(ctx context.Context, key Key) (*Guard[T], error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	if err := p.sem.Acquire(cctx, 1); err != nil {
		return nil, errcode.WrapMsg("pool.Get", errcode.DialTimeout, "connection pool at capacity")
	}
	p.inUse.Add(1)
	conn, err := p.factory(cctx, key)
	p.sem.Release(1)
	p.inUse.Add(-1)
	if err != nil {
		return nil, errcode.Wrap("pool.Get", errcode.ConnRefused, err)
	}
	now := time.Now()
	return &Guard[T]{pool: p, key: key, e: &entry[T]{conn: conn, createdAt: now, lastUsed: now}}, nil
}

func (p *Pool[T]) cleanupLoop() {
	t := time.NewTicker(p.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.sweep()
		}
	}
}

func (p *Pool[T]) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, list := range p.byKey {
		kept := list[:0]
		for _, e := range list {
			if e.conn.IsValid() && !e.expired(p.cfg.MaxConnectionAge) && !e.idle(p.cfg.MaxIdleTime) {
				kept = append(kept, e)
			} else {
				_ = e.conn.Close()
			}
		}
		if len(kept) == 0 {
			delete(p.byKey, key)
		} else {
			p.byKey[key] = kept
		}
	}
}

// Stats reports pool occupancy (spec.md §6's operator-visible pool
// metrics).
type Stats struct {
	TotalConnections    int
	KeyCount            int
	ConnectionsInFlight int64
	MaxTotalConnections int
}

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	total := 0
	for _, list := range p.byKey {
		total += len(list)
	}
	keys := len(p.byKey)
	p.mu.Unlock()
	return Stats{
		TotalConnections:    total,
		KeyCount:            keys,
		ConnectionsInFlight: p.inUse.Load(),
		MaxTotalConnections: p.cfg.MaxTotal,
	}
}
