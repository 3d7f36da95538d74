package modbus

import "github.com/fieldmesh/comsrv/errcode"

// Function codes supported per spec.md §4.1.
const (
	FuncReadCoils            byte = 0x01
	FuncReadDiscreteInputs   byte = 0x02
	FuncReadHoldingRegisters byte = 0x03
	FuncReadInputRegisters   byte = 0x04
	FuncWriteSingleCoil      byte = 0x05
	FuncWriteSingleRegister  byte = 0x06
	FuncWriteMultipleCoils   byte = 0x0F
	FuncWriteMultipleRegs    byte = 0x10

	exceptionBit byte = 0x80
)

// Protocol ceilings (spec.md §4.4 step 2, §8 invariant 9).
const (
	MaxReadRegisters = 125  // FC 03/04
	MaxReadCoils     = 2000 // FC 01/02
	MaxWriteRegisters = 123
	MaxWriteCoils     = 1968
)

// PDU is a decoded Modbus protocol data unit, independent of TCP/RTU framing.
type PDU struct {
	UnitID       byte
	FunctionCode byte
	Data         []byte
	Exception    bool
	ExceptionCode byte
}

// Exception codes (subset needed to classify DeviceException, spec.md §7).
const (
	ExcIllegalFunction    byte = 0x01
	ExcIllegalDataAddress byte = 0x02
	ExcIllegalDataValue   byte = 0x03
	ExcSlaveDeviceFailure byte = 0x04
)

// BuildReadRequest encodes a read request PDU (FC 01-04), validating the
// requested width against the protocol ceiling before encoding — carried
// from original_source's PduBuilder so an oversized request is rejected at
// encode time, not just at poll-time batching (SPEC_FULL.md §3).
func BuildReadRequest(fc byte, addr, count uint16) ([]byte, error) {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if count == 0 || count > MaxReadCoils {
			return nil, errcode.WrapMsg("modbus.BuildReadRequest", errcode.InvalidLength, "coil count out of range")
		}
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if count == 0 || count > MaxReadRegisters {
			return nil, errcode.WrapMsg("modbus.BuildReadRequest", errcode.InvalidLength, "register count out of range")
		}
	default:
		return nil, errcode.WrapMsg("modbus.BuildReadRequest", errcode.UnknownFunction, "not a read function")
	}
	pdu := make([]byte, 5)
	pdu[0] = fc
	pdu[1] = byte(addr >> 8)
	pdu[2] = byte(addr)
	pdu[3] = byte(count >> 8)
	pdu[4] = byte(count)
	return pdu, nil
}

// BuildWriteSingleCoil encodes FC 0x05. Modbus represents boolean "true" as
// 0xFF00 on the wire (spec.md §8 scenario S3).
func BuildWriteSingleCoil(addr uint16, value bool) []byte {
	v := uint16(0x0000)
	if value {
		v = 0xFF00
	}
	return []byte{FuncWriteSingleCoil, byte(addr >> 8), byte(addr), byte(v >> 8), byte(v)}
}

// BuildWriteSingleRegister encodes FC 0x06.
func BuildWriteSingleRegister(addr, value uint16) []byte {
	return []byte{FuncWriteSingleRegister, byte(addr >> 8), byte(addr), byte(value >> 8), byte(value)}
}

// BuildWriteMultipleRegisters encodes FC 0x10.
func BuildWriteMultipleRegisters(addr uint16, values []uint16) ([]byte, error) {
	if len(values) == 0 || len(values) > MaxWriteRegisters {
		return nil, errcode.WrapMsg("modbus.BuildWriteMultipleRegisters", errcode.InvalidLength, "register count out of range")
	}
	byteCount := byte(len(values) * 2)
	pdu := make([]byte, 0, 6+len(values)*2)
	pdu = append(pdu, FuncWriteMultipleRegs, byte(addr>>8), byte(addr), byte(len(values)>>8), byte(len(values)), byteCount)
	for _, v := range values {
		pdu = append(pdu, byte(v>>8), byte(v))
	}
	return pdu, nil
}

// DecodePDU parses a PDU body (function code followed by its data, as
// delivered by either the MBAP or the RTU framer) into a typed PDU; the
// unit id is passed separately as unitID.
func DecodePDU(unitID byte, body []byte) (PDU, error) {
	if len(body) < 1 {
		return PDU{}, errcode.WrapMsg("modbus.DecodePDU", errcode.Truncated, "empty pdu")
	}
	fc := body[0]
	if fc&exceptionBit != 0 {
		if len(body) < 2 {
			return PDU{}, errcode.WrapMsg("modbus.DecodePDU", errcode.Truncated, "truncated exception")
		}
		code := body[1]
		if !validException(code) {
			return PDU{}, errcode.WrapMsg("modbus.DecodePDU", errcode.UnknownException, "unrecognized exception code")
		}
		return PDU{UnitID: unitID, FunctionCode: fc &^ exceptionBit, Exception: true, ExceptionCode: code}, nil
	}
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters,
		FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegs:
		return PDU{UnitID: unitID, FunctionCode: fc, Data: body[1:]}, nil
	default:
		return PDU{}, errcode.WrapMsg("modbus.DecodePDU", errcode.UnknownFunction, "unsupported function code")
	}
}

func validException(code byte) bool {
	switch code {
	case ExcIllegalFunction, ExcIllegalDataAddress, ExcIllegalDataValue, ExcSlaveDeviceFailure:
		return true
	default:
		return false
	}
}

// DecodeRegisters splits a read-holding/input-registers response's data
// payload (byte_count + register bytes) into big-endian uint16 registers.
func DecodeRegisters(data []byte) ([]uint16, error) {
	if len(data) < 1 {
		return nil, errcode.WrapMsg("modbus.DecodeRegisters", errcode.Truncated, "missing byte count")
	}
	byteCount := int(data[0])
	if len(data) < 1+byteCount || byteCount%2 != 0 {
		return nil, errcode.WrapMsg("modbus.DecodeRegisters", errcode.Truncated, "short register payload")
	}
	regs := make([]uint16, byteCount/2)
	for i := range regs {
		off := 1 + i*2
		regs[i] = uint16(data[off])<<8 | uint16(data[off+1])
	}
	return regs, nil
}
