package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/transport"
)

// fakeCodec treats the request as a list of point ids (one byte each) and
// the response as the same number of bytes, one raw value per point.
type fakeCodec struct{}

func (fakeCodec) BuildBatchRead(points []model.Point) ([]byte, Collector, error) {
	req := make([]byte, len(points))
	ids := make([]uint32, len(points))
	for i, p := range points {
		req[i] = byte(p.PointID)
		ids[i] = p.PointID
	}
	collect := func(resp []byte) (any, error) {
		if len(resp) != len(ids) {
			return nil, ErrNotReady
		}
		out := make(map[uint32]float64, len(ids))
		for i, id := range ids {
			out[id] = float64(resp[i])
		}
		return out, nil
	}
	return req, collect, nil
}

func (fakeCodec) BuildWrite(point model.Point, value float64) ([]byte, Collector, error) {
	req := []byte{byte(point.PointID), byte(value)}
	collect := func(resp []byte) (any, error) {
		if len(resp) != 1 {
			return nil, ErrNotReady
		}
		return map[uint32]float64{point.PointID: float64(resp[0])}, nil
	}
	return req, collect, nil
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]PointSample
}

func (s *fakeSink) WriteBatch(ctx context.Context, channelID uint16, kind model.Kind, samples []PointSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]PointSample{}, samples...)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func testChannel() *model.Channel {
	return &model.Channel{
		ID:       7,
		Name:     "test-channel",
		Protocol: model.ProtoModbusTCP,
		Enabled:  true,
		Polling: model.PollingConfig{
			IntervalMS:      10,
			TimeoutMS:       50,
			EnableBatchRead: true,
			BatchSize:       10,
			MaxBatchGap:     0,
		},
		Points: map[uint32]model.Point{
			1: {ChannelID: 7, PointID: 1, Kind: model.KindTelemetry, SignalName: "p1", DataType: model.TypeFloat64, Scale: 1, Offset: 0, Group: "g1", Mapping: model.Mapping{Modbus: &model.ModbusMapping{RegisterAddr: 0}}},
			2: {ChannelID: 7, PointID: 2, Kind: model.KindTelemetry, SignalName: "p2", DataType: model.TypeFloat64, Scale: 1, Offset: 0, Group: "g1", Mapping: model.Mapping{Modbus: &model.ModbusMapping{RegisterAddr: 1}}},
		},
	}
}

func newTestDriver(t *testing.T, mt *transport.MockTransport, sink *fakeSink) *Driver {
	t.Helper()
	ch := testChannel()
	factory := func(*model.Channel) (transport.Transport, error) { return mt, nil }
	return NewWithTransport(ch, fakeCodec{}, sink, nil, ReconnectPolicy{Initial: time.Millisecond, MaxAttempts: 3}, factory)
}

func TestDriverConnectsAndPolls(t *testing.T) {
	mt := transport.NewMockTransport()
	sink := &fakeSink{}
	d := newTestDriver(t, mt, sink)

	mt.Push([]byte{10, 20})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for a batch to be written")
		case <-time.After(time.Millisecond):
		}
	}
	d.Stop()

	if d.State() != StateClosed {
		t.Fatalf("expected Closed after Stop, got %s", d.State())
	}
}

func TestDriverReconnectsOnConnectFailure(t *testing.T) {
	mt := transport.NewMockTransport()
	mt.ConnectErr = errTransportDown
	sink := &fakeSink{}
	d := newTestDriver(t, mt, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(200 * time.Millisecond)
	for d.State() != StateDisconnected {
		select {
		case <-deadline:
			t.Fatalf("expected Disconnected state after failed connect, got %s", d.State())
		case <-time.After(time.Millisecond):
		}
	}
	d.Stop()
}

func TestGroupForBatchCoalescesContiguousRanges(t *testing.T) {
	cfg := model.PollingConfig{EnableBatchRead: true, BatchSize: 10, MaxBatchGap: 0}
	points := []model.Point{
		{PointID: 1, Group: "g", Mapping: model.Mapping{Modbus: &model.ModbusMapping{RegisterAddr: 0}}},
		{PointID: 2, Group: "g", Mapping: model.Mapping{Modbus: &model.ModbusMapping{RegisterAddr: 1}}},
		{PointID: 3, Group: "g", Mapping: model.Mapping{Modbus: &model.ModbusMapping{RegisterAddr: 5}}},
	}
	groups := groupForBatch(points, cfg)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups (contiguous 0-1, then gap at 5), got %d", len(groups))
	}
	if len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Fatalf("unexpected group sizes: %v", groups)
	}
}

func TestGroupForBatchSplitsWhenBatchingDisabled(t *testing.T) {
	cfg := model.PollingConfig{EnableBatchRead: false}
	points := []model.Point{
		{PointID: 1, Group: "g", Mapping: model.Mapping{Modbus: &model.ModbusMapping{RegisterAddr: 0}}},
		{PointID: 2, Group: "g", Mapping: model.Mapping{Modbus: &model.ModbusMapping{RegisterAddr: 1}}},
	}
	groups := groupForBatch(points, cfg)
	if len(groups) != 2 {
		t.Fatalf("expected one group per point when batching disabled, got %d", len(groups))
	}
}

func TestGroupForBatchCoalescesMultiRegisterPoints(t *testing.T) {
	cfg := model.PollingConfig{EnableBatchRead: true, BatchSize: 10, MaxBatchGap: 0}
	points := []model.Point{
		{PointID: 1, Group: "g", Mapping: model.Mapping{Modbus: &model.ModbusMapping{RegisterAddr: 0, RegisterCount: 2}}},
		{PointID: 2, Group: "g", Mapping: model.Mapping{Modbus: &model.ModbusMapping{RegisterAddr: 2, RegisterCount: 2}}},
		{PointID: 3, Group: "g", Mapping: model.Mapping{Modbus: &model.ModbusMapping{RegisterAddr: 10, RegisterCount: 2}}},
	}
	groups := groupForBatch(points, cfg)
	if len(groups) != 2 {
		t.Fatalf("expected the two adjacent 2-register points to coalesce and the far one to split, got %d groups: %v", len(groups), groups)
	}
	if len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Fatalf("unexpected group sizes: %v", groups)
	}
}

// errTransportDown is a sentinel connect error for TestDriverReconnectsOnConnectFailure.
var errTransportDown = &connectDownError{}

type connectDownError struct{}

func (*connectDownError) Error() string { return "transport down" }
