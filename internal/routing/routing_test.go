package routing

import (
	"testing"

	"github.com/fieldmesh/comsrv/internal/model"
)

func TestLookupMissReturnsFalse(t *testing.T) {
	c := New()
	if _, ok := c.LookupC2M("1:T:1"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	if _, ok := c.LookupC2C("1:T:1"); ok {
		t.Fatalf("expected miss on empty cache")
	}
}

func TestRebuildAndLookup(t *testing.T) {
	c := New()
	err := c.Rebuild(
		[]MeasurementRoute{{ChannelID: 1, ChannelType: model.KindTelemetry, ChannelPointID: 1, InstanceID: 7, InstancePointID: 2}},
		[]ForwardRoute{{SrcChannelID: 1, SrcChannelType: model.KindSignal, SrcChannelPointID: 9, DstChannelID: 2, DstChannelType: model.KindSignal, DstChannelPointID: 5}},
	)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	m, ok := c.LookupC2M("1:T:1")
	if !ok || m.InstanceKey != "inst:7:M" || m.PointIdx != 2 {
		t.Fatalf("unexpected C2M lookup: %+v ok=%v", m, ok)
	}
	f, ok := c.LookupC2C("1:S:9")
	if !ok || f.ChannelID != 2 || f.Kind != model.KindSignal || f.PointID != 5 {
		t.Fatalf("unexpected C2C lookup: %+v ok=%v", f, ok)
	}
}

func TestRebuildReplacesPreviousTables(t *testing.T) {
	c := New()
	_ = c.Rebuild([]MeasurementRoute{{ChannelID: 1, ChannelType: model.KindTelemetry, ChannelPointID: 1, InstanceID: 1, InstancePointID: 1}}, nil)
	_ = c.Rebuild(nil, nil)
	if _, ok := c.LookupC2M("1:T:1"); ok {
		t.Fatalf("expected stale entry to be gone after empty rebuild")
	}
}

func TestParseC2MTarget(t *testing.T) {
	id, idx, err := ParseC2MTarget("42:M:3")
	if err != nil || id != 42 || idx != 3 {
		t.Fatalf("ParseC2MTarget: got id=%d idx=%d err=%v", id, idx, err)
	}
	if _, _, err := ParseC2MTarget("bad"); err == nil {
		t.Fatalf("expected error for malformed target")
	}
}
