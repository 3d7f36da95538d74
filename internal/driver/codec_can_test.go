//go:build linux

package driver

import (
	"testing"

	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/transport"
)

func TestCANBatchReadExtractsSharedFrame(t *testing.T) {
	a := NewCANAdapter()
	points := []model.Point{
		{PointID: 1, Kind: model.KindTelemetry, Scale: 1, Mapping: model.Mapping{CAN: &model.CANMapping{
			CANID: 0x100, StartBit: 0, Length: 8, BigEndian: false,
		}}},
		{PointID: 2, Kind: model.KindSignal, Mapping: model.Mapping{CAN: &model.CANMapping{
			CANID: 0x100, StartBit: 8, Length: 1, BigEndian: false,
		}}},
	}
	req, collect, err := a.BuildBatchRead(points)
	if err != nil {
		t.Fatalf("BuildBatchRead: %v", err)
	}
	id, _, _, err := transport.DecodeFrame(req)
	if err != nil || id != 0x100 || !transport.IsRTR(req) {
		t.Fatalf("expected RTR trigger for id 0x100, got id=%#x err=%v", id, err)
	}

	data := make([]byte, 8)
	data[0] = 42
	data[1] = 1
	resp := transport.EncodeFrame(0x100, false, data)
	result, err := collect(resp)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := result.(map[uint32]float64)
	if out[1] != 42 {
		t.Fatalf("point 1: got %v", out[1])
	}
	if out[2] != 1 {
		t.Fatalf("point 2: got %v", out[2])
	}
}

func TestCANBuildWriteConfirmsLoopback(t *testing.T) {
	a := NewCANAdapter()
	p := model.Point{PointID: 1, Kind: model.KindControl, Mapping: model.Mapping{CAN: &model.CANMapping{
		CANID: 0x200, StartBit: 0, Length: 8,
	}}}
	req, collect, err := a.BuildWrite(p, 7)
	if err != nil {
		t.Fatalf("BuildWrite: %v", err)
	}
	id, _, data, err := transport.DecodeFrame(req)
	if err != nil || id != 0x200 || data[0] != 7 {
		t.Fatalf("unexpected frame: id=%#x data=%v err=%v", id, data, err)
	}
	result, err := collect(req)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if result != true {
		t.Fatalf("expected true, got %v", result)
	}
}
