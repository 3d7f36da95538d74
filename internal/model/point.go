// Package model defines the entities of the channel/point/product/instance
// data model (spec.md §3): channels, the four telemetries (T/S/C/A), their
// wire mappings, and the product/instance layer that C11 routes against.
package model

import (
	"fmt"
	"math"

	"github.com/fieldmesh/comsrv/x/mathx"
)

// Kind is one of the four telemetries.
type Kind string

const (
	KindTelemetry Kind = "T" // analog measurement
	KindSignal    Kind = "S" // digital status
	KindControl   Kind = "C" // digital command
	KindAdjust    Kind = "A" // analog setpoint
)

func (k Kind) Valid() bool {
	switch k {
	case KindTelemetry, KindSignal, KindControl, KindAdjust:
		return true
	default:
		return false
	}
}

// WritableKind reports whether the kind carries device-bound commands
// (Control/Adjustment), the only kinds that enqueue a TODO trigger.
func (k Kind) WritableKind() bool { return k == KindControl || k == KindAdjust }

// Protocol tags a channel's wire protocol.
type Protocol string

const (
	ProtoModbusTCP Protocol = "modbus_tcp"
	ProtoModbusRTU Protocol = "modbus_rtu"
	ProtoIEC101    Protocol = "iec101"
	ProtoIEC104    Protocol = "iec104"
	ProtoCAN       Protocol = "can"
)

// DataType is the engineered-value storage type for a point.
type DataType string

const (
	TypeBool    DataType = "bool"
	TypeInt16   DataType = "int16"
	TypeInt32   DataType = "int32"
	TypeUint16  DataType = "uint16"
	TypeUint32  DataType = "uint32"
	TypeFloat32 DataType = "float32"
	TypeFloat64 DataType = "float64"
)

// Range returns the clamp bounds for a data type's engineered-value range.
// bool is unbounded (treated as 0/1 at the caller).
func (d DataType) Range() (lo, hi float64) {
	switch d {
	case TypeInt16:
		return math.MinInt16, math.MaxInt16
	case TypeInt32:
		return math.MinInt32, math.MaxInt32
	case TypeUint16:
		return 0, math.MaxUint16
	case TypeUint32:
		return 0, math.MaxUint32
	case TypeFloat32:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

// ByteOrder controls multi-register decode order for Modbus analog points.
type ByteOrder string

const (
	OrderBigEndian    ByteOrder = "big"    // ABCD
	OrderLittleEndian ByteOrder = "little" // DCBA
	OrderBigSwap      ByteOrder = "big_swap"    // BADC
	OrderLittleSwap   ByteOrder = "little_swap" // CDAB
)

// ModbusMapping is the wire mapping for a point on a modbus_tcp/modbus_rtu channel.
type ModbusMapping struct {
	SlaveID        uint8
	FunctionCode   uint8
	RegisterAddr   uint16
	RegisterCount  uint16
	ByteOrder      ByteOrder
}

// IECMapping is the wire mapping for a point on an iec101/iec104 channel.
type IECMapping struct {
	CommonAddress uint16
	InfoAddress   uint32 // 3 bytes on the wire
	TypeID        uint8
}

// CANMapping is the wire mapping for a point on a can channel.
type CANMapping struct {
	CANID      uint32
	Extended   bool // 29-bit identifier
	StartBit   int
	Length     int
	BigEndian  bool // Motorola (inverted bit numbering) when true
	Signed     bool
}

// Mapping is a tagged union; exactly one field is populated, matching the
// channel's protocol.
type Mapping struct {
	Modbus *ModbusMapping
	IEC    *IECMapping
	CAN    *CANMapping
}

func (m Mapping) Present() bool { return m.Modbus != nil || m.IEC != nil || m.CAN != nil }

// Point is a single data element on a channel (spec.md §3).
type Point struct {
	ChannelID  uint16
	PointID    uint32
	Kind       Kind
	SignalName string
	DataType   DataType
	Scale      float64
	Offset     float64
	Unit       string
	Group      string
	Mapping    Mapping

	// RampDurationMS/RampSteps, when both nonzero, make an Adjustment
	// write approach its target over a linear ramp (x/ramp) instead of
	// stepping directly to it, for setpoints a device expects to move
	// gradually (e.g. a damper or a VFD frequency reference). Zero on
	// either field writes the target directly.
	RampDurationMS uint32
	RampSteps      uint16
}

// Validate enforces the per-point invariants of spec.md §3: mapping
// required before polling, scale finite and nonzero for telemetry/adjustment.
func (p Point) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("point %d: invalid kind %q", p.PointID, p.Kind)
	}
	if !p.Mapping.Present() {
		return fmt.Errorf("point %d: no wire mapping", p.PointID)
	}
	if p.Kind == KindTelemetry || p.Kind == KindAdjust {
		if math.IsNaN(p.Scale) || math.IsInf(p.Scale, 0) || p.Scale == 0 {
			return fmt.Errorf("point %d: scale must be finite and nonzero, got %v", p.PointID, p.Scale)
		}
	}
	return nil
}

// Engineer applies scale*raw+offset and clamps to the point's data-type range.
func (p Point) Engineer(raw float64) float64 {
	v := p.Scale*raw + p.Offset
	lo, hi := p.DataType.Range()
	return mathx.Clamp(v, lo, hi)
}

// PollingConfig is the channel-level polling configuration (spec.md §6.4).
type PollingConfig struct {
	IntervalMS        int
	TimeoutMS         int
	MaxRetries        int
	EnableBatchRead   bool
	BatchSize         int
	PointReadDelayMS  int
	MaxBatchGap       int
}

// Channel is an independently scheduled connection to one device endpoint.
type Channel struct {
	ID       uint16
	Name     string
	Protocol Protocol
	Enabled  bool
	Polling  PollingConfig

	// Transport parameters; exactly one is populated per Protocol.
	TCP    *TCPParams
	Serial *SerialParams
	CAN    *CANParams

	Points map[uint32]Point // all four kinds share one id-space per channel
}

type TCPParams struct {
	Host string
	Port int
}

type SerialParams struct {
	Port   string
	Baud   int
	Parity string // "N", "E", "O"
	Bits   int
	Stop   int
}

type CANParams struct {
	Iface   string
	Bitrate int
	Filters []uint32
}

// PointsByKind returns the subset of points of a given kind.
func (c *Channel) PointsByKind(k Kind) []Point {
	var out []Point
	for _, p := range c.Points {
		if p.Kind == k {
			out = append(out, p)
		}
	}
	return out
}

// Validate enforces point_id uniqueness across all four kinds (the id-space
// is already unified by Points being keyed on PointID, so a colliding insert
// would already collapse two points silently; ValidateInsert guards that).
func (c *Channel) ValidateInsert(p Point) error {
	if existing, ok := c.Points[p.PointID]; ok && existing.Kind != p.Kind {
		return fmt.Errorf("channel %d: point_id %d already used by kind %s", c.ID, p.PointID, existing.Kind)
	}
	return p.Validate()
}
