package modbus

import (
	"testing"
	"time"

	"github.com/fieldmesh/comsrv/internal/model"
)

func TestTCPFrameRoundTrip(t *testing.T) {
	pdu, err := BuildReadRequest(FuncReadHoldingRegisters, 100, 2)
	if err != nil {
		t.Fatalf("BuildReadRequest: %v", err)
	}
	frame := EncodeTCPFrame(42, 7, pdu)

	h, body, err := DecodeTCPFrame(frame)
	if err != nil {
		t.Fatalf("DecodeTCPFrame: %v", err)
	}
	if h.TransactionID != 42 || h.UnitID != 7 || h.ProtocolID != 0 {
		t.Fatalf("unexpected header %+v", h)
	}
	decoded, err := DecodePDU(h.UnitID, body)
	if err != nil {
		t.Fatalf("DecodePDU: %v", err)
	}
	if decoded.FunctionCode != FuncReadHoldingRegisters {
		t.Fatalf("function code mismatch: got %x", decoded.FunctionCode)
	}
}

func TestDecodeTCPFrameRejectsBadLength(t *testing.T) {
	pdu, _ := BuildReadRequest(FuncReadHoldingRegisters, 0, 1)
	frame := EncodeTCPFrame(1, 1, pdu)
	frame[5]++ // corrupt length field
	if _, _, err := DecodeTCPFrame(frame); err == nil {
		t.Fatalf("expected error for mismatched MBAP length")
	}
}

func TestRTUFrameRoundTrip(t *testing.T) {
	pdu := BuildWriteSingleCoil(10, true)
	frame := EncodeRTUFrame(3, pdu)

	addr, body, err := DecodeRTUFrame(frame)
	if err != nil {
		t.Fatalf("DecodeRTUFrame: %v", err)
	}
	if addr != 3 {
		t.Fatalf("unit id mismatch: got %d", addr)
	}
	decoded, err := DecodePDU(addr, body)
	if err != nil {
		t.Fatalf("DecodePDU: %v", err)
	}
	if decoded.FunctionCode != FuncWriteSingleCoil {
		t.Fatalf("function code mismatch: got %x", decoded.FunctionCode)
	}
}

func TestDecodeRTUFrameRejectsBadCRC(t *testing.T) {
	frame := EncodeRTUFrame(1, BuildWriteSingleRegister(1, 1))
	frame[len(frame)-1] ^= 0xFF
	if _, _, err := DecodeRTUFrame(frame); err == nil {
		t.Fatalf("expected crc mismatch error")
	}
}

func TestExpectedRTUResponseLength(t *testing.T) {
	n, needsByteCount := ExpectedRTUResponseLength(FuncReadHoldingRegisters, -1)
	if !needsByteCount || n != 0 {
		t.Fatalf("expected a request to peek byte_count first")
	}
	n, needsByteCount = ExpectedRTUResponseLength(FuncReadHoldingRegisters, 4)
	if needsByteCount || n != 3+4+2 {
		t.Fatalf("got n=%d needsByteCount=%v", n, needsByteCount)
	}
	if n, _ := ExpectedRTUResponseLength(FuncWriteSingleRegister, -1); n != 8 {
		t.Fatalf("write-single response length: got %d want 8", n)
	}
	if n, _ := ExpectedRTUResponseLength(FuncReadHoldingRegisters|exceptionBit, -1); n != 5 {
		t.Fatalf("exception response length: got %d want 5", n)
	}
}

func TestInterFrameSilence(t *testing.T) {
	if got := InterFrameSilence(115200); got != 1750*time.Microsecond {
		t.Fatalf("115200 baud gap: got %v want 1750us", got)
	}
	if got := InterFrameSilence(9600); got < 4*time.Millisecond {
		t.Fatalf("9600 baud gap: got %v want >= 4ms", got)
	}
}

func TestDecodeFloat32ByteOrders(t *testing.T) {
	// 1234.5 as IEEE-754: 0x449A5000 -> regs [0x449A, 0x5000] in ABCD order.
	regs := []uint16{0x449A, 0x5000}
	got, err := DecodeFloat32(regs, model.OrderBigEndian)
	if err != nil {
		t.Fatalf("DecodeFloat32: %v", err)
	}
	if got != 1234.5 {
		t.Fatalf("ABCD decode: got %v want 1234.5", got)
	}

	// DCBA (little): swap both words and both byte-pairs within them.
	little := []uint16{0x0050, 0x9A44}
	got, err = DecodeFloat32(little, model.OrderLittleEndian)
	if err != nil {
		t.Fatalf("DecodeFloat32 little: %v", err)
	}
	if got != 1234.5 {
		t.Fatalf("DCBA decode: got %v want 1234.5", got)
	}
}
