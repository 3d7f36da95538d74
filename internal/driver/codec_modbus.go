package driver

import (
	"math"
	"sync"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/codec/modbus"
	"github.com/fieldmesh/comsrv/internal/model"
)

// ModbusAdapter implements Codec over internal/codec/modbus's pure
// encode/decode functions, framing requests as MBAP (TCP) or
// address+CRC (RTU) depending on the channel's protocol (spec.md §4.1/§4.4).
// One adapter instance belongs to one channel, so the TCP transaction
// counter is safe to keep as adapter state.
type ModbusAdapter struct {
	rtu bool

	mu  sync.Mutex
	txn uint16
}

func NewModbusAdapter(proto model.Protocol) *ModbusAdapter {
	return &ModbusAdapter{rtu: proto == model.ProtoModbusRTU}
}

func (a *ModbusAdapter) nextTxn() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.txn++
	return a.txn
}

// regSpan returns the function code, slave id, and contiguous register span
// a group of points shares; all points in a BuildBatchRead call are expected
// to share one group tag, which config convention keys by slave+function.
func regSpan(points []model.Point) (fc byte, slaveID byte, base uint16, count uint16, err error) {
	if len(points) == 0 {
		return 0, 0, 0, 0, errcode.WrapMsg("modbus.regSpan", errcode.InvalidConfig, "empty point group")
	}
	first := points[0].Mapping.Modbus
	if first == nil {
		return 0, 0, 0, 0, errcode.WrapMsg("modbus.regSpan", errcode.InvalidConfig, "point missing modbus mapping")
	}
	slaveID = first.SlaveID
	fc = first.FunctionCode
	minAddr, maxEnd := first.RegisterAddr, first.RegisterAddr+regWidth(points[0])
	for _, p := range points[1:] {
		m := p.Mapping.Modbus
		if m == nil {
			return 0, 0, 0, 0, errcode.WrapMsg("modbus.regSpan", errcode.InvalidConfig, "point missing modbus mapping")
		}
		if m.SlaveID != slaveID || m.FunctionCode != fc {
			return 0, 0, 0, 0, errcode.WrapMsg("modbus.regSpan", errcode.InvalidConfig, "batch group mixes slave/function code")
		}
		if m.RegisterAddr < minAddr {
			minAddr = m.RegisterAddr
		}
		end := m.RegisterAddr + regWidth(p)
		if end > maxEnd {
			maxEnd = end
		}
	}
	return fc, slaveID, minAddr, maxEnd - minAddr, nil
}

// regWidth returns the register/coil count one point's mapping occupies;
// RegisterCount is authoritative when set (e.g. a 32-bit value spanning two
// registers), otherwise width follows from the configured RegisterCount=0
// default of one register/coil.
func regWidth(p model.Point) uint16 {
	if p.Mapping.Modbus != nil && p.Mapping.Modbus.RegisterCount > 0 {
		return p.Mapping.Modbus.RegisterCount
	}
	return 1
}

func isCoilFunc(fc byte) bool {
	return fc == modbus.FuncReadCoils || fc == modbus.FuncReadDiscreteInputs
}

// BuildBatchRead encodes one FC 01-04 read covering the group's contiguous
// register/coil span.
func (a *ModbusAdapter) BuildBatchRead(points []model.Point) ([]byte, Collector, error) {
	fc, slaveID, base, count, err := regSpan(points)
	if err != nil {
		return nil, nil, err
	}
	pdu, err := modbus.BuildReadRequest(fc, base, count)
	if err != nil {
		return nil, nil, err
	}
	frame, txn := a.frame(slaveID, pdu)

	collect := func(resp []byte) (any, error) {
		body, ok := a.unframe(resp, txn, slaveID)
		if !ok {
			return nil, ErrNotReady
		}
		parsed, err := modbus.DecodePDU(slaveID, body)
		if err != nil {
			return nil, err
		}
		if parsed.Exception {
			return nil, errcode.WrapMsg("modbus.BuildBatchRead", errcode.DeviceExceptionCode, "device returned exception")
		}

		out := make(map[uint32]float64, len(points))
		if isCoilFunc(fc) {
			bits := decodeCoilBits(parsed.Data, int(count))
			for _, p := range points {
				idx := int(p.Mapping.Modbus.RegisterAddr - base)
				if idx < 0 || idx >= len(bits) {
					continue
				}
				if bits[idx] {
					out[p.PointID] = 1
				} else {
					out[p.PointID] = 0
				}
			}
			return out, nil
		}

		regs, err := modbus.DecodeRegisters(parsed.Data)
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			off := int(p.Mapping.Modbus.RegisterAddr - base)
			v, err := decodeRegisterValue(regs, off, p)
			if err != nil {
				continue
			}
			out[p.PointID] = v
		}
		return out, nil
	}
	return frame, collect, nil
}

func decodeCoilBits(data []byte, count int) []bool {
	if len(data) < 1 {
		return nil
	}
	byteCount := int(data[0])
	bits := make([]bool, 0, count)
	for i := 0; i < count && i/8 < byteCount; i++ {
		b := data[1+i/8]
		bits = append(bits, b&(1<<uint(i%8)) != 0)
	}
	return bits
}

func decodeRegisterValue(regs []uint16, off int, p model.Point) (float64, error) {
	width := int(regWidth(p))
	if off < 0 || off+width > len(regs) {
		return 0, errcode.WrapMsg("modbus.decodeRegisterValue", errcode.Truncated, "register offset out of range")
	}
	switch p.DataType {
	case model.TypeFloat32:
		v, err := modbus.DecodeFloat32(regs[off:off+width], p.Mapping.Modbus.ByteOrder)
		return float64(v), err
	case model.TypeUint32:
		v, err := modbus.DecodeUint32(regs[off:off+width], p.Mapping.Modbus.ByteOrder)
		return float64(v), err
	case model.TypeInt32:
		v, err := modbus.DecodeInt32(regs[off:off+width], p.Mapping.Modbus.ByteOrder)
		return float64(v), err
	case model.TypeInt16:
		return float64(int16(regs[off])), nil
	default:
		return float64(regs[off]), nil
	}
}

// BuildWrite encodes an FC 05/06/16 write for one control/adjustment point.
func (a *ModbusAdapter) BuildWrite(point model.Point, value float64) ([]byte, Collector, error) {
	m := point.Mapping.Modbus
	if m == nil {
		return nil, nil, errcode.WrapMsg("modbus.BuildWrite", errcode.InvalidConfig, "point missing modbus mapping")
	}
	var pdu []byte
	switch point.DataType {
	case model.TypeBool:
		pdu = modbus.BuildWriteSingleCoil(m.RegisterAddr, value != 0)
	case model.TypeFloat32, model.TypeUint32, model.TypeInt32:
		regs := encodeRegisterValue(point, value)
		var err error
		pdu, err = modbus.BuildWriteMultipleRegisters(m.RegisterAddr, regs)
		if err != nil {
			return nil, nil, err
		}
	default:
		pdu = modbus.BuildWriteSingleRegister(m.RegisterAddr, uint16(int32(value)))
	}
	frame, txn := a.frame(m.SlaveID, pdu)

	collect := func(resp []byte) (any, error) {
		body, ok := a.unframe(resp, txn, m.SlaveID)
		if !ok {
			return nil, ErrNotReady
		}
		parsed, err := modbus.DecodePDU(m.SlaveID, body)
		if err != nil {
			return nil, err
		}
		if parsed.Exception {
			return nil, errcode.WrapMsg("modbus.BuildWrite", errcode.DeviceExceptionCode, "device returned exception")
		}
		return true, nil
	}
	return frame, collect, nil
}

func encodeRegisterValue(p model.Point, value float64) []uint16 {
	order := model.OrderBigEndian
	if p.Mapping.Modbus != nil {
		order = p.Mapping.Modbus.ByteOrder
	}
	var raw uint32
	switch p.DataType {
	case model.TypeFloat32:
		raw = math.Float32bits(float32(value))
	default:
		raw = uint32(int32(value))
	}
	var a, b, c, d byte
	hi, lo := byte(raw>>24), byte(raw>>16)
	hi2, lo2 := byte(raw>>8), byte(raw)
	switch order {
	case model.OrderLittleEndian:
		a, b, c, d = lo2, hi2, lo, hi
	case model.OrderBigSwap:
		a, b, c, d = hi2, lo2, hi, lo
	case model.OrderLittleSwap:
		a, b, c, d = lo, hi, lo2, hi2
	default:
		a, b, c, d = hi, lo, hi2, lo2
	}
	return []uint16{uint16(a)<<8 | uint16(b), uint16(c)<<8 | uint16(d)}
}

// frame wraps pdu as a complete MBAP or RTU frame and returns the
// transaction id to match on (TCP only; RTU has none).
func (a *ModbusAdapter) frame(slaveID byte, pdu []byte) ([]byte, uint16) {
	if a.rtu {
		return modbus.EncodeRTUFrame(slaveID, pdu), 0
	}
	txn := a.nextTxn()
	return modbus.EncodeTCPFrame(txn, slaveID, pdu), txn
}

func (a *ModbusAdapter) unframe(resp []byte, txn uint16, slaveID byte) (body []byte, ok bool) {
	if a.rtu {
		addr, body, err := modbus.DecodeRTUFrame(resp)
		if err != nil || addr != slaveID {
			return nil, false
		}
		return body, true
	}
	h, body, err := modbus.DecodeTCPFrame(resp)
	if err != nil || h.TransactionID != txn || h.UnitID != slaveID {
		return nil, false
	}
	return body, true
}
