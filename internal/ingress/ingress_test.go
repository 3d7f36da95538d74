package ingress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fieldmesh/comsrv/bus"
	"github.com/fieldmesh/comsrv/internal/model"
)

type fakeLister struct {
	items []struct{ key, value string }
	i     int
}

func (f *fakeLister) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	if f.i >= len(f.items) {
		<-ctx.Done()
		return "", "", false, ctx.Err()
	}
	it := f.items[f.i]
	f.i++
	return it.key, it.value, true, nil
}

type fakeResolver struct{}

func (fakeResolver) ChannelIDByName(name string) (uint16, bool) {
	if name == "plc-1" {
		return 7, true
	}
	return 0, false
}

func (fakeResolver) PointIDByName(channelID uint16, signalName string) (uint32, model.Kind, bool) {
	if channelID == 7 && signalName == "breaker" {
		return 3, model.KindControl, true
	}
	return 0, "", false
}

func TestPollTodoQueuesDispatchesToMailbox(t *testing.T) {
	b := bus.NewBus(4)
	payload, _ := json.Marshal(TodoItem{PointID: 5, Value: 1, Timestamp: 123})
	lister := &fakeLister{items: []struct{ key, value string }{{"7:C:todo", string(payload)}}}
	d := NewDispatcher(b, lister, fakeResolver{}, nil)
	mbox := NewMailbox(d)
	cmds := mbox.Commands(7)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go d.PollTodoQueues(ctx, []string{"7:C:todo"})

	select {
	case cmd := <-cmds:
		if cmd.PointID != 5 || cmd.Value != 1 {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for dispatched command")
	}
}

func TestHandleLegacyMessageResolvesChannelAndPoint(t *testing.T) {
	b := bus.NewBus(4)
	d := NewDispatcher(b, &fakeLister{}, fakeResolver{}, nil)
	mbox := NewMailbox(d)
	cmds := mbox.Commands(7)

	payload, _ := json.Marshal(legacyPayload{ID: "cmd-1", Channel: "plc-1", Point: "breaker", Value: 1})
	if err := d.HandleLegacyMessage(payload); err != nil {
		t.Fatalf("HandleLegacyMessage: %v", err)
	}

	select {
	case cmd := <-cmds:
		if cmd.PointID != 3 || cmd.Value != 1 {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for dispatched command")
	}
}

func TestHandleLegacyMessageRejectsUnknownChannel(t *testing.T) {
	b := bus.NewBus(4)
	d := NewDispatcher(b, &fakeLister{}, fakeResolver{}, nil)
	payload, _ := json.Marshal(legacyPayload{Channel: "unknown", Point: "x", Value: 1})
	if err := d.HandleLegacyMessage(payload); err == nil {
		t.Fatalf("expected error for unknown channel")
	}
}

func TestTodoKeyChannelParsing(t *testing.T) {
	id, kind, ok := todoKeyChannel("12:A:todo")
	if !ok || id != 12 || kind != model.KindAdjust {
		t.Fatalf("unexpected parse: id=%d kind=%s ok=%v", id, kind, ok)
	}
	if _, _, ok := todoKeyChannel("bad"); ok {
		t.Fatalf("expected rejection of malformed key")
	}
	if _, _, ok := todoKeyChannel("12:T:todo"); ok {
		t.Fatalf("telemetry keys are not todo queues")
	}
}
