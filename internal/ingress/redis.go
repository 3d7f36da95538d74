package ingress

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fieldmesh/comsrv/errcode"
)

// RedisTodoLister adapts *redis.Client to TodoLister via BLPOP.
type RedisTodoLister struct {
	client *redis.Client
}

func NewRedisTodoLister(client *redis.Client) *RedisTodoLister {
	return &RedisTodoLister{client: client}
}

func (r *RedisTodoLister) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	res, err := r.client.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, errcode.Wrap("ingress.RedisTodoLister.BLPop", errcode.StorageUnavailable, err)
	}
	if len(res) != 2 {
		return "", "", false, errcode.WrapMsg("ingress.RedisTodoLister.BLPop", errcode.StorageUnavailable, "unexpected BLPOP reply shape")
	}
	return res[0], res[1], true, nil
}

// Subscriber wraps a *redis.Client's PubSub channel for device:control and
// device:adjust, dispatching each message to the Dispatcher (spec.md §4.7
// step 2, §6.2).
type Subscriber struct {
	client *redis.Client
	d      *Dispatcher
}

func NewSubscriber(client *redis.Client, d *Dispatcher) *Subscriber {
	return &Subscriber{client: client, d: d}
}

// Run subscribes to device:control/device:adjust and forwards every message
// to the Dispatcher until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, "device:control", "device:adjust")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.d.HandleLegacyMessage([]byte(msg.Payload)); err != nil {
				s.d.log.WithError(err).WithField("channel", msg.Channel).Warn("ingress: dropping malformed legacy message")
			}
		}
	}
}
