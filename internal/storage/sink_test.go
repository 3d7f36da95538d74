package storage

import (
	"context"
	"testing"

	"github.com/fieldmesh/comsrv/internal/driver"
	"github.com/fieldmesh/comsrv/internal/model"
)

func TestDriverSinkWritesTelemetryThroughBatchPath(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, nil)
	sink := NewDriverSink(w)
	ctx := context.Background()

	err := sink.WriteBatch(ctx, 3, model.KindTelemetry, []driver.PointSample{{PointID: 1, Engineered: 12.5, Raw: 125}})
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	v, ok, err := w.ReadPoint(ctx, 3, model.KindTelemetry, 1)
	if err != nil || !ok || v != 12.5 {
		t.Fatalf("unexpected read: v=%v ok=%v err=%v", v, ok, err)
	}
}

func TestDriverSinkEnqueuesTriggerForControlAck(t *testing.T) {
	conn := newFakeConn()
	w := NewWriter(conn, nil)
	sink := NewDriverSink(w)
	ctx := context.Background()

	err := sink.WriteBatch(ctx, 3, model.KindControl, []driver.PointSample{{PointID: 2, Engineered: 1}})
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if len(conn.lists["3:C:todo"]) != 1 {
		t.Fatalf("expected one enqueued trigger for control ack, got %d", len(conn.lists["3:C:todo"]))
	}
}
