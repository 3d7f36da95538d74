package instance

import (
	"context"
	"fmt"
	"testing"

	"github.com/fieldmesh/comsrv/internal/catalog"
	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/routing"
	"github.com/fieldmesh/comsrv/internal/storage"
)

type fakeConn struct {
	hash map[string]map[string]string
}

func newFakeConn() *fakeConn { return &fakeConn{hash: map[string]map[string]string{}} }

func (f *fakeConn) HSet(ctx context.Context, key string, values ...any) error {
	h, ok := f.hash[key]
	if !ok {
		h = map[string]string{}
		f.hash[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[fmt.Sprint(values[i])] = fmt.Sprint(values[i+1])
	}
	return nil
}

func (f *fakeConn) HGet(ctx context.Context, key, field string) (string, bool, error) {
	h, ok := f.hash[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (f *fakeConn) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return f.hash[key], nil
}

func (f *fakeConn) RPush(ctx context.Context, key, value string) error { return nil }

type fakeDispatcher struct {
	calls []struct {
		channelID uint16
		pointID   uint32
		value     float64
	}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, channelID uint16, pointID uint32, value float64) (string, error) {
	f.calls = append(f.calls, struct {
		channelID uint16
		pointID   uint32
		value     float64
	}{channelID, pointID, value})
	return "cmd-1", nil
}

func newTestManager(t *testing.T) (*Manager, *catalog.Store, *fakeDispatcher) {
	t.Helper()
	store, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.PutProduct(context.Background(), model.Product{
		Name:         "feeder-breaker",
		Measurements: []model.ProductPoint{{Idx: 0, Name: "current"}},
		Actions:      []model.ProductPoint{{Idx: 0, Name: "trip"}},
	}); err != nil {
		t.Fatalf("PutProduct: %v", err)
	}
	routes := routing.New()
	writer := storage.NewWriter(newFakeConn(), routes)
	dispatcher := &fakeDispatcher{}
	mgr := New(store, routes, writer, dispatcher, nil)
	return mgr, store, dispatcher
}

func TestCreateGetDeleteInstance(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	inst, err := mgr.CreateInstance(ctx, CreateRequest{
		InstanceID:   1,
		InstanceName: "feeder-1",
		ProductName:  "feeder-breaker",
		Measurements: []model.Route{{InstancePointID: 0, ChannelID: 7, ChannelType: model.KindTelemetry, ChannelPointID: 12, Enabled: true}},
		Actions:      []model.Route{{InstancePointID: 0, ChannelID: 7, ChannelType: model.KindControl, ChannelPointID: 99, Enabled: true}},
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if inst.Name != "feeder-1" {
		t.Fatalf("unexpected instance: %+v", inst)
	}

	got, err := mgr.GetInstance(ctx, 1)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.ID != 1 {
		t.Fatalf("unexpected get result: %+v", got)
	}

	if err := mgr.DeleteInstance(ctx, 1); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if _, err := mgr.GetInstance(ctx, 1); err == nil {
		t.Fatalf("expected not-found after delete")
	}
}

func TestCreateInstanceUnknownProductFails(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	if _, err := mgr.CreateInstance(context.Background(), CreateRequest{InstanceID: 1, InstanceName: "x", ProductName: "nope"}); err == nil {
		t.Fatalf("expected error for unknown product")
	}
}

func TestExecuteActionDispatchesThroughRoute(t *testing.T) {
	mgr, _, dispatcher := newTestManager(t)
	ctx := context.Background()
	_, err := mgr.CreateInstance(ctx, CreateRequest{
		InstanceID:   1,
		InstanceName: "feeder-1",
		ProductName:  "feeder-breaker",
		Actions:      []model.Route{{InstancePointID: 0, ChannelID: 7, ChannelType: model.KindControl, ChannelPointID: 99, Enabled: true}},
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	result, err := mgr.ExecuteAction(ctx, 1, 0, 1)
	if err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if result.CommandID == "" {
		t.Fatalf("expected a command id")
	}
	if result.Outcome != OutcomeQueued {
		t.Fatalf("expected outcome %q, got %q", OutcomeQueued, result.Outcome)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0].pointID != 99 {
		t.Fatalf("unexpected dispatch calls: %+v", dispatcher.calls)
	}
}

func TestExecuteActionUnroutedWritesInstanceHashAndReportsNotRouted(t *testing.T) {
	mgr, _, dispatcher := newTestManager(t)
	ctx := context.Background()
	if _, err := mgr.CreateInstance(ctx, CreateRequest{InstanceID: 1, InstanceName: "feeder-1", ProductName: "feeder-breaker"}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	result, err := mgr.ExecuteAction(ctx, 1, 0, 42)
	if err != nil {
		t.Fatalf("ExecuteAction: %v", err)
	}
	if result.Outcome != OutcomeNotRouted {
		t.Fatalf("expected outcome %q, got %q", OutcomeNotRouted, result.Outcome)
	}
	if result.CommandID != "" {
		t.Fatalf("expected no command id for an unrouted action, got %q", result.CommandID)
	}
	if len(dispatcher.calls) != 0 {
		t.Fatalf("expected no dispatch for an unrouted action, got %+v", dispatcher.calls)
	}
	v, ok, err := mgr.writer.ReadInstancePoint(ctx, 1, model.KindAdjust, 0)
	if err != nil || !ok || v != 42 {
		t.Fatalf("expected instance hash to hold the unrouted value, got %v ok=%v err=%v", v, ok, err)
	}
}

func TestRefreshRoutingPopulatesC2M(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	_, err := mgr.CreateInstance(ctx, CreateRequest{
		InstanceID:   1,
		InstanceName: "feeder-1",
		ProductName:  "feeder-breaker",
		Measurements: []model.Route{{InstancePointID: 0, ChannelID: 7, ChannelType: model.KindTelemetry, ChannelPointID: 12, Enabled: true}},
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	target, ok := mgr.routes.LookupC2M("7:T:12")
	if !ok || target.InstanceKey != "inst:1:M" || target.PointIdx != 0 {
		t.Fatalf("unexpected C2M lookup: target=%+v ok=%v", target, ok)
	}
}

func TestListSearchInstances(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if _, err := mgr.CreateInstance(ctx, CreateRequest{
			InstanceID: i, InstanceName: fmt.Sprintf("feeder-%d", i), ProductName: "feeder-breaker",
		}); err != nil {
			t.Fatalf("CreateInstance %d: %v", i, err)
		}
	}
	all, err := mgr.ListInstances(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("ListInstances: got %d err %v", len(all), err)
	}
	total, matches, err := mgr.SearchInstances(ctx, "feeder", "", 1, 10)
	if err != nil || total != 3 || len(matches) != 3 {
		t.Fatalf("SearchInstances: total=%d len=%d err=%v", total, len(matches), err)
	}
}
