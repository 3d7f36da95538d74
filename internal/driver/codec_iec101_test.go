package driver

import (
	"testing"

	"github.com/fieldmesh/comsrv/internal/codec/iec101"
	"github.com/fieldmesh/comsrv/internal/codec/iec104"
	"github.com/fieldmesh/comsrv/internal/model"
)

func TestIEC101BatchReadRoundTrip(t *testing.T) {
	a := NewIEC101Adapter(0x05, iec101.Address1Byte, 1)
	points := []model.Point{
		{PointID: 1, Kind: model.KindTelemetry, Scale: 1, Mapping: model.Mapping{IEC: &model.IECMapping{InfoAddress: 20}}},
	}
	req, collect, err := a.BuildBatchRead(points)
	if err != nil {
		t.Fatalf("BuildBatchRead: %v", err)
	}
	control, address, asduBytes, err := iec101.DecodeVariableFrame(req, iec101.Address1Byte)
	if err != nil {
		t.Fatalf("decode req: %v", err)
	}
	if address[0] != 0x05 {
		t.Fatalf("expected address 5, got %v", address)
	}
	asdu, err := iec104.DecodeASDU(asduBytes)
	if err != nil || asdu.TypeID != iec104.CIcNa1 {
		t.Fatalf("expected general interrogation, got %+v err=%v control=%#x", asdu, err, control)
	}

	respASDU, _ := iec104.EncodeASDU(iec104.ASDU{
		TypeID: iec104.MMeNc1, COT: iec104.CotInrogen, CommonAddr: 1,
		Objects: []iec104.InformationObject{{Address: 20, Data: iec104.EncodeShortFloat(5.5, 0)}},
	})
	resp, err := iec101.EncodeVariableFrame(0x08, []byte{0x05}, respASDU)
	if err != nil {
		t.Fatalf("encode resp: %v", err)
	}
	result, err := collect(resp)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := result.(map[uint32]float64)
	if out[1] < 5.4 || out[1] > 5.6 {
		t.Fatalf("got %v", out[1])
	}
}

func TestIEC101ControlTogglesFrameCountBit(t *testing.T) {
	a := NewIEC101Adapter(0x05, iec101.Address1Byte, 1)
	c1 := a.control()
	c2 := a.control()
	if c1&0x20 == c2&0x20 {
		t.Fatalf("expected frame count bit to toggle: %#x %#x", c1, c2)
	}
}
