package driver

import (
	"testing"

	"github.com/fieldmesh/comsrv/internal/codec/iec104"
	"github.com/fieldmesh/comsrv/internal/model"
)

func TestIEC104BatchReadAccumulatesAcrossFrames(t *testing.T) {
	a := NewIEC104Adapter(1)
	points := []model.Point{
		{PointID: 1, Kind: model.KindSignal, Mapping: model.Mapping{IEC: &model.IECMapping{InfoAddress: 10, TypeID: uint8(iec104.MSpNa1)}}},
		{PointID: 2, Kind: model.KindTelemetry, Scale: 1, Mapping: model.Mapping{IEC: &model.IECMapping{InfoAddress: 11, TypeID: uint8(iec104.MMeNc1)}}},
	}
	req, collect, err := a.BuildBatchRead(points)
	if err != nil {
		t.Fatalf("BuildBatchRead: %v", err)
	}
	f, err := iec104.DecodeAPDU(req)
	if err != nil || f.Kind != iec104.FrameI {
		t.Fatalf("expected I-frame trigger, got %+v err=%v", f, err)
	}

	asdu1, _ := iec104.EncodeASDU(iec104.ASDU{
		TypeID: iec104.MSpNa1, COT: iec104.CotInrogen, CommonAddr: 1,
		Objects: []iec104.InformationObject{{Address: 10, Data: []byte{iec104.EncodeSIQ(true, 0)}}},
	})
	frame1, _ := iec104.EncodeIFrame(0, 1, asdu1)
	result, err := collect(frame1)
	if err != ErrNotReady {
		t.Fatalf("expected ErrNotReady after first frame, got result=%v err=%v", result, err)
	}

	asdu2, _ := iec104.EncodeASDU(iec104.ASDU{
		TypeID: iec104.MMeNc1, COT: iec104.CotInrogen, CommonAddr: 1,
		Objects: []iec104.InformationObject{{Address: 11, Data: iec104.EncodeShortFloat(21.5, 0)}},
	})
	frame2, _ := iec104.EncodeIFrame(1, 1, asdu2)
	result, err = collect(frame2)
	if err != nil {
		t.Fatalf("collect frame2: %v", err)
	}
	out := result.(map[uint32]float64)
	if out[1] != 1 {
		t.Fatalf("point 1: got %v", out[1])
	}
	if out[2] < 21.4 || out[2] > 21.6 {
		t.Fatalf("point 2: got %v", out[2])
	}
}

func TestIEC104BuildWriteControl(t *testing.T) {
	a := NewIEC104Adapter(1)
	p := model.Point{PointID: 1, Kind: model.KindControl, Mapping: model.Mapping{IEC: &model.IECMapping{InfoAddress: 5}}}
	req, collect, err := a.BuildWrite(p, 1)
	if err != nil {
		t.Fatalf("BuildWrite: %v", err)
	}
	f, err := iec104.DecodeAPDU(req)
	if err != nil {
		t.Fatalf("decode req: %v", err)
	}
	asdu, err := iec104.DecodeASDU(f.ASDUData)
	if err != nil || asdu.TypeID != iec104.CScNa1 {
		t.Fatalf("expected CScNa1, got %+v err=%v", asdu, err)
	}

	confirm, _ := iec104.EncodeASDU(iec104.ASDU{
		TypeID: iec104.CScNa1, COT: iec104.CotActCon, CommonAddr: 1,
		Objects: []iec104.InformationObject{{Address: 5, Data: []byte{iec104.EncodeSCO(true, 0, false)}}},
	})
	frame, _ := iec104.EncodeIFrame(0, f.SendSN+1, confirm)
	result, err := collect(frame)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if result != true {
		t.Fatalf("expected true, got %v", result)
	}
}
