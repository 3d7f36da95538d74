package modbus

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/model"
)

// MBAPHeader is the 7-byte Modbus TCP Application Protocol header.
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16 // always 0
	Length        uint16 // unit_id + pdu length
	UnitID        byte
}

const mbapHeaderLen = 7

// EncodeTCPFrame wraps a PDU body (function code + data, no unit id) in an
// MBAP header, producing a complete TCP frame.
func EncodeTCPFrame(transactionID uint16, unitID byte, pdu []byte) []byte {
	length := uint16(len(pdu) + 1) // + unit id
	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], 0)
	binary.BigEndian.PutUint16(frame[4:6], length)
	frame[6] = unitID
	copy(frame[7:], pdu)
	return frame
}

// DecodeTCPFrame validates and splits a complete MBAP+PDU frame.
func DecodeTCPFrame(frame []byte) (MBAPHeader, []byte, error) {
	if len(frame) < mbapHeaderLen {
		return MBAPHeader{}, nil, errcode.WrapMsg("modbus.DecodeTCPFrame", errcode.Truncated, "frame shorter than MBAP header")
	}
	h := MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(frame[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(frame[2:4]),
		Length:        binary.BigEndian.Uint16(frame[4:6]),
		UnitID:        frame[6],
	}
	if h.ProtocolID != 0 {
		return MBAPHeader{}, nil, errcode.WrapMsg("modbus.DecodeTCPFrame", errcode.BadProtocolID, "nonzero protocol id")
	}
	if len(frame) != mbapHeaderLen+int(h.Length)-1 {
		return MBAPHeader{}, nil, errcode.WrapMsg("modbus.DecodeTCPFrame", errcode.InvalidLength, "length field mismatch")
	}
	return h, frame[mbapHeaderLen:], nil
}

// EncodeRTUFrame appends unit id + pdu + CRC16, matching the wire layout
// [address | pdu | crc16-LE] (spec.md §4.1).
func EncodeRTUFrame(unitID byte, pdu []byte) []byte {
	frame := make([]byte, 0, 1+len(pdu)+2)
	frame = append(frame, unitID)
	frame = append(frame, pdu...)
	return AppendCRC(frame)
}

// DecodeRTUFrame verifies the CRC and splits a complete RTU frame into its
// unit id and PDU body.
func DecodeRTUFrame(frame []byte) (byte, []byte, error) {
	if len(frame) < 4 {
		return 0, nil, errcode.WrapMsg("modbus.DecodeRTUFrame", errcode.Truncated, "frame too short for address+fc+crc")
	}
	if !VerifyCRC(frame) {
		return 0, nil, errcode.WrapMsg("modbus.DecodeRTUFrame", errcode.CrcMismatch, "crc check failed")
	}
	return frame[0], frame[1 : len(frame)-2], nil
}

// ExpectedRTUResponseLength returns the total frame length (address + pdu +
// crc) a well-formed RTU response to a request PDU should have, using the
// function-code-driven completeness rule of spec.md §4.1. byteCount is only
// consulted for FC 01-04 responses, where it is the 3rd byte on the wire —
// callers peek it once at least 3 bytes have arrived.
func ExpectedRTUResponseLength(fc byte, byteCount int) (n int, needsByteCount bool) {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		if byteCount < 0 {
			return 0, true
		}
		return 3 + byteCount + 2, false
	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegs:
		return 8, false
	default:
		if fc&exceptionBit != 0 {
			return 5, false
		}
		return 0, false
	}
}

// InterFrameSilence returns the RTU inter-frame gap (3.5 character times,
// floored at 1.75ms) for a given baud rate (spec.md §4.1, §8 invariant 11).
func InterFrameSilence(baud int) time.Duration {
	if baud <= 0 {
		return 1750 * time.Microsecond
	}
	// 11 bits/char (8N1 + start/stop framing overhead as specified).
	charTime := 11.0 / float64(baud)
	gap := 3.5 * charTime
	minGap := 1.75e-3
	if gap < minGap {
		gap = minGap
	}
	return time.Duration(gap * float64(time.Second))
}

// reorder32 rearranges the 4 raw bytes of a register pair (hi register then
// lo register, each big-endian on the wire) into canonical ABCD order.
func reorder32(regs []uint16, order model.ByteOrder) [4]byte {
	var a, b, c, d byte // wire order A=hi-byte(reg0) B=lo-byte(reg0) C=hi-byte(reg1) D=lo-byte(reg1)
	a, b = byte(regs[0]>>8), byte(regs[0])
	c, d = byte(regs[1]>>8), byte(regs[1])
	switch order {
	case model.OrderLittleEndian:
		return [4]byte{d, c, b, a}
	case model.OrderBigSwap:
		return [4]byte{c, d, a, b}
	case model.OrderLittleSwap:
		return [4]byte{b, a, d, c}
	default: // model.OrderBigEndian
		return [4]byte{a, b, c, d}
	}
}

// DecodeFloat32 interprets two registers as an IEEE-754 float32 per the
// point's configured byte order.
func DecodeFloat32(regs []uint16, order model.ByteOrder) (float32, error) {
	if len(regs) < 2 {
		return 0, errcode.WrapMsg("modbus.DecodeFloat32", errcode.Truncated, "need 2 registers")
	}
	b := reorder32(regs, order)
	bits := binary.BigEndian.Uint32(b[:])
	return math.Float32frombits(bits), nil
}

// DecodeUint32/DecodeInt32 decode a register pair as a 32-bit integer per
// byte order.
func DecodeUint32(regs []uint16, order model.ByteOrder) (uint32, error) {
	if len(regs) < 2 {
		return 0, errcode.WrapMsg("modbus.DecodeUint32", errcode.Truncated, "need 2 registers")
	}
	b := reorder32(regs, order)
	return binary.BigEndian.Uint32(b[:]), nil
}

func DecodeInt32(regs []uint16, order model.ByteOrder) (int32, error) {
	u, err := DecodeUint32(regs, order)
	return int32(u), err
}
