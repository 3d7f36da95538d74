package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/routing"
)

// fakeConn is an in-memory double for Conn (spec.md §9 decision: avoid
// miniredis in unit tests).
type fakeConn struct {
	mu    sync.Mutex
	hash  map[string]map[string]string
	lists map[string][]string
}

func newFakeConn() *fakeConn {
	return &fakeConn{hash: map[string]map[string]string{}, lists: map[string][]string{}}
}

func (f *fakeConn) HSet(ctx context.Context, key string, values ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hash[key]
	if !ok {
		h = map[string]string{}
		f.hash[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		field := toString(values[i])
		val := toString(values[i+1])
		h[field] = val
	}
	return nil
}

func (f *fakeConn) HGet(ctx context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hash[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (f *fakeConn) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for k, v := range f.hash[key] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeConn) RPush(ctx context.Context, key string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append(f.lists[key], value)
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

func TestWritePointWithTriggerEnqueuesForControlPoints(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, nil)
	ctx := context.Background()

	if err := w.WritePointWithTrigger(ctx, 1, model.KindControl, 5, 1.0); err != nil {
		t.Fatalf("WritePointWithTrigger: %v", err)
	}
	v, ok, err := w.ReadPoint(ctx, 1, model.KindControl, 5)
	if err != nil || !ok {
		t.Fatalf("ReadPoint: %v ok=%v", err, ok)
	}
	if v != 1.0 {
		t.Fatalf("expected 1.0, got %v", v)
	}
	if len(conn.lists["1:C:todo"]) != 1 {
		t.Fatalf("expected one enqueued trigger, got %d", len(conn.lists["1:C:todo"]))
	}
}

func TestWritePointWithTriggerSkipsTriggerForTelemetry(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, nil)
	ctx := context.Background()

	if err := w.WritePointWithTrigger(ctx, 1, model.KindTelemetry, 5, 42.0); err != nil {
		t.Fatalf("WritePointWithTrigger: %v", err)
	}
	if len(conn.lists["1:T:todo"]) != 0 {
		t.Fatalf("telemetry points must not enqueue a trigger")
	}
}

func TestWriteBatchCascadesC2CBoundedByMaxDepth(t *testing.T) {
	conn := newFakeConn()
	routes := routing.New()
	// ch1:T:1 -> ch2:T:1 -> ch3:T:1 -> (would be ch4:T:1, but depth 2 stops it)
	if err := routes.Rebuild(nil, []routing.ForwardRoute{
		{SrcChannelID: 1, SrcChannelType: model.KindTelemetry, SrcChannelPointID: 1, DstChannelID: 2, DstChannelType: model.KindTelemetry, DstChannelPointID: 1},
		{SrcChannelID: 2, SrcChannelType: model.KindTelemetry, SrcChannelPointID: 1, DstChannelID: 3, DstChannelType: model.KindTelemetry, DstChannelPointID: 1},
		{SrcChannelID: 3, SrcChannelType: model.KindTelemetry, SrcChannelPointID: 1, DstChannelID: 4, DstChannelType: model.KindTelemetry, DstChannelPointID: 1},
	}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	w := NewWriter(conn, routes)
	ctx := context.Background()
	err := w.WriteBatch(ctx, []Update{{ChannelID: 1, Kind: model.KindTelemetry, PointID: 1, Engineered: 7.5}})
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	for _, ch := range []uint16{1, 2, 3} {
		v, ok, err := w.ReadPoint(ctx, ch, model.KindTelemetry, 1)
		if err != nil || !ok || v != 7.5 {
			t.Fatalf("channel %d: expected cascaded value 7.5, got %v ok=%v err=%v", ch, v, ok, err)
		}
	}
	if _, ok, _ := w.ReadPoint(ctx, 4, model.KindTelemetry, 1); ok {
		t.Fatalf("channel 4 should not be reached: cascade depth exceeds MaxCascadeDepth")
	}
}

func TestGetChannelPointsRendersRawHex(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, routing.New())
	ctx := context.Background()
	if err := w.WriteBatch(ctx, []Update{
		{ChannelID: 5, Kind: model.KindTelemetry, PointID: 1, Engineered: 12.5, Raw: 256, HasRaw: true},
	}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	points, err := w.GetChannelPoints(ctx, 5, model.KindTelemetry)
	if err != nil {
		t.Fatalf("GetChannelPoints: %v", err)
	}
	pv, ok := points[1]
	if !ok {
		t.Fatalf("expected point 1 in result")
	}
	if pv.RawHex != "00000100" {
		t.Fatalf("expected raw hex 00000100, got %q", pv.RawHex)
	}
}

func TestWriteBatchRoutesC2MIntoInstanceBucket(t *testing.T) {
	conn := newFakeConn()
	routes := routing.New()
	if err := routes.Rebuild([]routing.MeasurementRoute{
		{ChannelID: 1, ChannelType: model.KindTelemetry, ChannelPointID: 9, InstanceID: 42, InstancePointID: 3},
	}, nil); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	w := NewWriter(conn, routes)
	ctx := context.Background()
	if err := w.WriteBatch(ctx, []Update{{ChannelID: 1, Kind: model.KindTelemetry, PointID: 9, Engineered: 3.14}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	h, err := conn.HGetAll(ctx, "inst:42:M")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if h["3"] != "3.14" {
		t.Fatalf("expected instance bucket field 3 = 3.14, got %q", h["3"])
	}
}
