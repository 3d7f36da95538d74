package driver

import (
	"context"
	"errors"
	"time"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/transport"
)

// ErrNotReady signals the device has not finished preparing a response
// (e.g. an RTU frame still arriving); the read cycle retries on a backoff
// instead of treating it as a failure.
var ErrNotReady = errors.New("readcycle: not ready")

// ReadCycleConfig mirrors the channel's polling configuration (spec.md
// §6.4): trigger/collect timeouts and the retry ceiling.
type ReadCycleConfig struct {
	TriggerTimeout time.Duration
	CollectTimeout time.Duration
	RetryBackoff   time.Duration
	MaxRetries     int
}

func (c *ReadCycleConfig) setDefaults() {
	if c.TriggerTimeout <= 0 {
		c.TriggerTimeout = 200 * time.Millisecond
	}
	if c.CollectTimeout <= 0 {
		c.CollectTimeout = 500 * time.Millisecond
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 25 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// Collector parses a transport's received bytes into a result, returning
// ErrNotReady when more bytes are still expected.
type Collector func(resp []byte) (any, error)

// RunReadCycle sends a request and collects its response, retrying the
// collect step on ErrNotReady up to MaxRetries with a linear backoff —
// adapted from the teacher's trigger/collect/retry worker loop, collapsed
// into a single synchronous call since comsrv polls one channel's batches
// sequentially rather than fanning out per-point requests.
func RunReadCycle(ctx context.Context, tr transport.Transport, req []byte, cfg ReadCycleConfig, collect Collector) (any, error) {
	cfg.setDefaults()

	tctx, cancel := context.WithTimeout(ctx, cfg.TriggerTimeout)
	defer cancel()
	if err := sendWithContext(tctx, tr, req); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		resp, err := tr.Recv(cfg.CollectTimeout)
		if err != nil {
			return nil, err
		}
		result, err := collect(resp)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrNotReady) && attempt < cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.RetryBackoff * time.Duration(attempt+1)):
			}
			continue
		}
		return nil, err
	}
}

func sendWithContext(ctx context.Context, tr transport.Transport, req []byte) error {
	done := make(chan error, 1)
	go func() { done <- tr.Send(req) }()
	select {
	case err := <-done:
		if err != nil {
			return errcode.Wrap("driver.RunReadCycle", errcode.Of(err), err)
		}
		return nil
	case <-ctx.Done():
		return errcode.WrapMsg("driver.RunReadCycle", errcode.TimeoutExceeded, "trigger timeout")
	}
}
