// Package ingress converts the two external command input streams — Redis
// TODO-queue BLPOP and device:control/device:adjust pub-sub — into
// driver-bound commands fanned out over per-channel mailboxes (spec.md
// §4.7, C8). Grounded on
// original_source/services/Hissrv/src/redis_subscriber.rs's channel-name
// parsing and batch/reconnect shape, adapted from async Rust onto the
// teacher's in-process bus (bus.Bus) for the mailbox fan-in instead of a
// Tokio mpsc channel.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fieldmesh/comsrv/bus"
	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/driver"
	"github.com/fieldmesh/comsrv/internal/model"
)

// mailboxTopic returns the bus topic a channel's driver mailbox listens on.
func mailboxTopic(channelID uint16) bus.Topic { return bus.T("ingress", channelID, "todo") }

// Resolver maps the legacy pub/sub payload's channel/point names onto the
// channel id-space commands are dispatched against.
type Resolver interface {
	ChannelIDByName(name string) (uint16, bool)
	PointIDByName(channelID uint16, signalName string) (uint32, model.Kind, bool)
}

// TodoItem is the decoded payload popped off a `{ch}:{C|A}:todo` list
// (spec.md §6.1).
type TodoItem struct {
	PointID   uint32  `json:"point_id"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// TodoLister is the narrow Redis surface the queue dispatcher needs: a
// blocking pop across several keys.
type TodoLister interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) (key string, value string, ok bool, err error)
}

// Dispatcher fans TODO-queue pops and legacy pub/sub messages into the bus,
// one topic per channel (spec.md §4.7).
type Dispatcher struct {
	bus      *bus.Bus
	conn     *bus.Connection
	lister   TodoLister
	resolver Resolver
	log      *logrus.Entry
}

func NewDispatcher(b *bus.Bus, lister TodoLister, resolver Resolver, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{bus: b, conn: b.NewConnection("ingress"), lister: lister, resolver: resolver, log: log}
}

// todoKeyChannel extracts the channel id and type from a `{ch}:{C|A}:todo`
// key, the inverse of storage.todoKey (spec.md §6.1).
func todoKeyChannel(key string) (uint16, model.Kind, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[2] != "todo" {
		return 0, "", false
	}
	id, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, "", false
	}
	kind := model.Kind(parts[1])
	if kind != model.KindControl && kind != model.KindAdjust {
		return 0, "", false
	}
	return uint16(id), kind, true
}

// PollTodoQueues runs the BLPOP dispatch loop across the given channel/type
// keys until ctx is done (spec.md §4.7 step 1).
func (d *Dispatcher) PollTodoQueues(ctx context.Context, keys []string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		key, value, ok, err := d.lister.BLPop(ctx, time.Second, keys...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.WithError(err).Warn("ingress: BLPOP failed")
			continue
		}
		if !ok {
			continue
		}
		d.dispatchTodo(key, value)
	}
}

func (d *Dispatcher) dispatchTodo(key, payload string) {
	channelID, _, ok := todoKeyChannel(key)
	if !ok {
		d.log.WithField("key", key).Warn("ingress: unparsable todo key")
		return
	}
	var item TodoItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		d.log.WithError(err).WithField("key", key).Warn("ingress: malformed todo payload")
		return
	}
	d.publish(channelID, item.PointID, item.Value)
}

// legacyPayload is the device:control/device:adjust pub-sub message shape
// (spec.md §6.2).
type legacyPayload struct {
	ID      string  `json:"id"`
	Channel string  `json:"channel"`
	Point   string  `json:"point"`
	Value   float64 `json:"value"`
}

// HandleLegacyMessage converts one device:control/device:adjust pub-sub
// payload into the same mailbox path the TODO queue uses (spec.md §4.7
// step 2). The pub-sub subscription loop is Subscriber.Run (redis.go),
// which passes each received payload here.
func (d *Dispatcher) HandleLegacyMessage(raw []byte) error {
	var p legacyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return errcode.Wrap("ingress.HandleLegacyMessage", errcode.InvalidConfig, err)
	}
	if d.resolver == nil {
		return errcode.WrapMsg("ingress.HandleLegacyMessage", errcode.InvalidConfig, "no resolver configured")
	}
	channelID, ok := d.resolver.ChannelIDByName(p.Channel)
	if !ok {
		return errcode.WrapMsg("ingress.HandleLegacyMessage", errcode.NotMapped, fmt.Sprintf("unknown channel %q", p.Channel))
	}
	pointID, _, ok := d.resolver.PointIDByName(channelID, p.Point)
	if !ok {
		return errcode.WrapMsg("ingress.HandleLegacyMessage", errcode.NotMapped, fmt.Sprintf("unknown point %q on channel %q", p.Point, p.Channel))
	}
	d.publish(channelID, pointID, p.Value)
	return nil
}

func (d *Dispatcher) publish(channelID uint16, pointID uint32, value float64) {
	d.conn.Publish(d.conn.NewMessage(mailboxTopic(channelID), driver.Command{PointID: pointID, Value: value}, false))
}

// Dispatch submits a command onto a channel's mailbox the same way
// PollTodoQueues/HandleLegacyMessage do, returning a generated command id.
// This is the entry point callers outside the two external input streams
// use — the rule engine's Action nodes (spec.md §4.8) and the instance
// manager's ExecuteAction (spec.md §4.9) — to reach the standard command
// pipeline without going through Redis.
func (d *Dispatcher) Dispatch(ctx context.Context, channelID uint16, pointID uint32, value float64) (string, error) {
	d.publish(channelID, pointID, value)
	return uuid.NewString(), nil
}

// Mailbox exposes one channel's inbound commands as a driver.CommandSource.
// FIFO per channel is guaranteed by the bus's per-subscription queue; no
// ordering is guaranteed across channels (spec.md §4.7).
type Mailbox struct {
	d *Dispatcher
}

func NewMailbox(d *Dispatcher) *Mailbox { return &Mailbox{d: d} }

func (m *Mailbox) Commands(channelID uint16) <-chan driver.Command {
	sub := m.d.conn.Subscribe(mailboxTopic(channelID))
	out := make(chan driver.Command, 16)
	go func() {
		for msg := range sub.Channel() {
			if cmd, ok := msg.Payload.(driver.Command); ok {
				out <- cmd
			}
		}
		close(out)
	}()
	return out
}
