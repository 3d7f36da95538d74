package driver

import (
	"testing"

	"github.com/fieldmesh/comsrv/internal/codec/modbus"
	"github.com/fieldmesh/comsrv/internal/model"
)

func modbusPoint(id uint32, addr uint16, dt model.DataType, count uint16) model.Point {
	return model.Point{
		PointID:  id,
		Kind:     model.KindTelemetry,
		DataType: dt,
		Scale:    1,
		Group:    "g1",
		Mapping: model.Mapping{Modbus: &model.ModbusMapping{
			SlaveID: 1, FunctionCode: modbus.FuncReadHoldingRegisters,
			RegisterAddr: addr, RegisterCount: count, ByteOrder: model.OrderBigEndian,
		}},
	}
}

func TestModbusBatchReadRoundTrip(t *testing.T) {
	a := NewModbusAdapter(model.ProtoModbusTCP)
	points := []model.Point{
		modbusPoint(1, 100, model.TypeInt16, 1),
		modbusPoint(2, 101, model.TypeFloat32, 2),
	}
	req, collect, err := a.BuildBatchRead(points)
	if err != nil {
		t.Fatalf("BuildBatchRead: %v", err)
	}

	h, pdu, err := modbus.DecodeTCPFrame(req)
	if err != nil {
		t.Fatalf("decode req: %v", err)
	}
	if pdu[0] != modbus.FuncReadHoldingRegisters {
		t.Fatalf("expected FC 03, got %#x", pdu[0])
	}

	regs := []uint16{42, 0x4048, 0xf5c3} // reg100=42, reg101/102 = float32(3.14) big-endian
	data := make([]byte, 1+len(regs)*2)
	data[0] = byte(len(regs) * 2)
	for i, r := range regs {
		data[1+i*2] = byte(r >> 8)
		data[2+i*2] = byte(r)
	}
	respPDU := append([]byte{modbus.FuncReadHoldingRegisters}, data...)
	resp := modbus.EncodeTCPFrame(h.TransactionID, 1, respPDU)

	result, err := collect(resp)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := result.(map[uint32]float64)
	if out[1] != 42 {
		t.Fatalf("point 1: got %v", out[1])
	}
	if out[2] < 3.13 || out[2] > 3.15 {
		t.Fatalf("point 2: got %v", out[2])
	}
}

func TestModbusBuildWriteSingleCoil(t *testing.T) {
	a := NewModbusAdapter(model.ProtoModbusTCP)
	p := model.Point{
		PointID: 1, Kind: model.KindControl, DataType: model.TypeBool, Scale: 1,
		Mapping: model.Mapping{Modbus: &model.ModbusMapping{SlaveID: 2, RegisterAddr: 5}},
	}
	req, collect, err := a.BuildWrite(p, 1)
	if err != nil {
		t.Fatalf("BuildWrite: %v", err)
	}
	h, pdu, err := modbus.DecodeTCPFrame(req)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pdu[0] != modbus.FuncWriteSingleCoil {
		t.Fatalf("expected FC 05, got %#x", pdu[0])
	}
	resp := modbus.EncodeTCPFrame(h.TransactionID, 2, pdu)
	result, err := collect(resp)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if result != true {
		t.Fatalf("expected true, got %v", result)
	}
}

func TestModbusRTUFraming(t *testing.T) {
	a := NewModbusAdapter(model.ProtoModbusRTU)
	points := []model.Point{modbusPoint(1, 10, model.TypeUint32, 2)}
	req, collect, err := a.BuildBatchRead(points)
	if err != nil {
		t.Fatalf("BuildBatchRead: %v", err)
	}
	addr, pdu, err := modbus.DecodeRTUFrame(req)
	if err != nil || addr != 1 {
		t.Fatalf("decode rtu req: addr=%d err=%v", addr, err)
	}
	data := []byte{4, 0, 1, 0, 2}
	respPDU := append([]byte{pdu[0]}, data...)
	resp := modbus.EncodeRTUFrame(1, respPDU)
	result, err := collect(resp)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := result.(map[uint32]float64)
	if out[1] != float64(1<<16|2) {
		t.Fatalf("got %v", out[1])
	}
}
