package main

import (
	"context"
	"fmt"
	"sync"
)

// memConn is an in-memory storage.Conn, the same shape as
// internal/storage's fakeConn test double, so this demo needs neither a
// running Redis server nor the redis.Cmdable wiring comsrvd uses.
type memConn struct {
	mu    sync.Mutex
	hash  map[string]map[string]string
	lists map[string][]string
}

func newMemConn() *memConn {
	return &memConn{hash: map[string]map[string]string{}, lists: map[string][]string{}}
}

func (c *memConn) HSet(ctx context.Context, key string, values ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hash[key]
	if !ok {
		h = map[string]string{}
		c.hash[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[toString(values[i])] = toString(values[i+1])
	}
	return nil
}

func (c *memConn) HGet(ctx context.Context, key, field string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hash[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (c *memConn) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]string{}
	for k, v := range c.hash[key] {
		out[k] = v
	}
	return out, nil
}

func (c *memConn) RPush(ctx context.Context, key string, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append(c.lists[key], value)
	return nil
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return fmt.Sprintf("%g", x)
	case int64:
		return fmt.Sprintf("%d", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
