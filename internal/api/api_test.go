package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fieldmesh/comsrv/internal/catalog"
	"github.com/fieldmesh/comsrv/internal/instance"
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

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(ctx context.Context, channelID uint16, pointID uint32, value float64) (string, error) {
	return "cmd-1", nil
}

func newTestServer(t *testing.T) *Server {
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
	mgr := instance.New(store, routes, writer, fakeDispatcher{}, nil)
	return New(mgr, writer, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetInstance(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/instances", instance.CreateRequest{
		InstanceID:   1,
		InstanceName: "feeder-1",
		ProductName:  "feeder-breaker",
		Actions:      []model.Route{{InstancePointID: 0, ChannelID: 7, ChannelType: model.KindControl, ChannelPointID: 99, Enabled: true}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/instances/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/instances/99", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestExecuteActionEndpoint(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/instances", instance.CreateRequest{
		InstanceID:   1,
		InstanceName: "feeder-1",
		ProductName:  "feeder-breaker",
		Actions:      []model.Route{{InstancePointID: 0, ChannelID: 7, ChannelType: model.KindControl, ChannelPointID: 99, Enabled: true}},
	})

	rec := doJSON(t, s, http.MethodPost, "/instances/1/actions/0", map[string]float64{"value": 1})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("execute action: got %d body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["command_id"] == "" {
		t.Fatalf("expected a command id in %+v", resp)
	}
}

func TestListInstances(t *testing.T) {
	s := newTestServer(t)
	for i := 1; i <= 3; i++ {
		doJSON(t, s, http.MethodPost, "/instances", instance.CreateRequest{
			InstanceID: int64(i), InstanceName: fmt.Sprintf("feeder-%d", i), ProductName: "feeder-breaker",
		})
	}
	rec := doJSON(t, s, http.MethodGet, "/instances", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["total"].(float64) != 3 {
		t.Fatalf("expected total 3, got %+v", resp["total"])
	}
}

func TestChannelPointsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/channels/7/points?kind=T", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("channel points: got %d body %s", rec.Code, rec.Body.String())
	}
}
