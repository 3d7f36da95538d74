package iec104

import (
	"encoding/binary"
	"math"

	"github.com/fieldmesh/comsrv/errcode"
)

// TypeID identifies the structure of an ASDU's information elements.
type TypeID uint8

// Type identifications comsrv exchanges (spec.md §4.2); the full IEC 101
// catalogue runs to 127 entries, this is the subset the four telemetries map
// onto.
const (
	MSpNa1 TypeID = 1   // single point, no time tag -> Signal
	MMeNc1 TypeID = 13  // measured value, short float -> Telemetry
	MSpTb1 TypeID = 30  // single point with CP56Time2a -> Signal
	MMeTf1 TypeID = 36  // measured float with CP56Time2a -> Telemetry
	CScNa1 TypeID = 45  // single command -> Control
	CSeNc1 TypeID = 50  // set-point, short float -> Adjustment
	CIcNa1 TypeID = 100 // general interrogation command
)

// Cause of transmission (subset).
type COT uint8

const (
	CotPerCyc  COT = 1
	CotSpont   COT = 3
	CotReq     COT = 5
	CotAct     COT = 6
	CotActCon  COT = 7
	CotDeact   COT = 8
	CotInrogen COT = 20
)

const asduHeaderLen = 6 // typeID(1) + sq/noo(1) + t/pn/cot(1) + org(1) + coa(2)

// InformationObject is one addressed element of an ASDU: a 3-byte
// information object address plus raw element bytes (quality-tagged value,
// command, or set-point — decoded by the caller per TypeID).
type InformationObject struct {
	Address uint32 // 3-byte IOA
	Data    []byte
}

// ASDU is a decoded Application Service Data Unit (spec.md §4.2).
type ASDU struct {
	TypeID  TypeID
	SQ      bool
	COT     COT
	Test    bool
	Negative bool
	OrgAddr uint8
	CommonAddr uint16
	Objects []InformationObject
}

// elementLen returns the encoded information-element width (excluding IOA)
// for the TypeIDs comsrv produces/consumes.
func elementLen(t TypeID) int {
	switch t {
	case MSpNa1:
		return 1 // SIQ
	case MMeNc1:
		return 5 // IEEE754STD(4) + QDS(1)
	case MSpTb1:
		return 1 + 7 // SIQ + CP56Time2a
	case MMeTf1:
		return 5 + 7 // IEEE754STD + QDS + CP56Time2a
	case CScNa1:
		return 1 // SCO
	case CSeNc1:
		return 5 // IEEE754STD + QOS
	case CIcNa1:
		return 1 // QOI
	default:
		return 0
	}
}

// EncodeASDU serializes header fields and objects into wire form. SQ=false
// (discontinuous addressing) is assumed; comsrv never batches multiple
// objects of one ASDU under a shared start address.
func EncodeASDU(a ASDU) ([]byte, error) {
	if len(a.Objects) == 0 || len(a.Objects) > 127 {
		return nil, errcode.WrapMsg("iec104.EncodeASDU", errcode.InvalidLength, "object count out of range")
	}
	out := make([]byte, asduHeaderLen, asduHeaderLen+64)
	out[0] = byte(a.TypeID)
	out[1] = byte(len(a.Objects)) // SQ bit left clear
	cotByte := byte(a.COT)
	if a.Test {
		cotByte |= 1 << 7
	}
	if a.Negative {
		cotByte |= 1 << 6
	}
	out[2] = cotByte
	out[3] = a.OrgAddr
	binary.LittleEndian.PutUint16(out[4:6], a.CommonAddr)

	for _, obj := range a.Objects {
		out = append(out, byte(obj.Address), byte(obj.Address>>8), byte(obj.Address>>16))
		out = append(out, obj.Data...)
	}
	return out, nil
}

// DecodeASDU parses a complete ASDU payload (the bytes following the APCI,
// as split out by DecodeAPDU).
func DecodeASDU(data []byte) (ASDU, error) {
	if len(data) < asduHeaderLen {
		return ASDU{}, errcode.WrapMsg("iec104.DecodeASDU", errcode.Truncated, "asdu shorter than header")
	}
	typeID := TypeID(data[0])
	sq := data[1]&(1<<7) != 0
	noo := int(data[1] &^ (1 << 7))
	cotByte := data[2]
	a := ASDU{
		TypeID:     typeID,
		SQ:         sq,
		Test:       cotByte&(1<<7) != 0,
		Negative:   cotByte&(1<<6) != 0,
		COT:        COT(cotByte &^ 0xC0),
		OrgAddr:    data[3],
		CommonAddr: binary.LittleEndian.Uint16(data[4:6]),
	}

	width := elementLen(typeID)
	if width == 0 {
		return ASDU{}, errcode.WrapMsg("iec104.DecodeASDU", errcode.UnknownFunction, "unsupported type id")
	}

	body := data[asduHeaderLen:]
	if sq {
		if len(body) < 3 {
			return ASDU{}, errcode.WrapMsg("iec104.DecodeASDU", errcode.Truncated, "missing sequence ioa")
		}
		start := uint32(body[0]) | uint32(body[1])<<8 | uint32(body[2])<<16
		rest := body[3:]
		for i := 0; i < noo; i++ {
			off := i * width
			if off+width > len(rest) {
				return ASDU{}, errcode.WrapMsg("iec104.DecodeASDU", errcode.Truncated, "short sequence element")
			}
			a.Objects = append(a.Objects, InformationObject{Address: start + uint32(i), Data: rest[off : off+width]})
		}
		return a, nil
	}

	off := 0
	for i := 0; i < noo; i++ {
		if off+3+width > len(body) {
			return ASDU{}, errcode.WrapMsg("iec104.DecodeASDU", errcode.Truncated, "short information object")
		}
		addr := uint32(body[off]) | uint32(body[off+1])<<8 | uint32(body[off+2])<<16
		elem := body[off+3 : off+3+width]
		a.Objects = append(a.Objects, InformationObject{Address: addr, Data: append([]byte{}, elem...)})
		off += 3 + width
	}
	return a, nil
}

// Quality descriptor bits (QDS), shared by measured-value and single-point
// information elements.
const (
	QualityOverflow  byte = 1 << 0
	QualityBlocked   byte = 1 << 4
	QualitySubstitut byte = 1 << 5
	QualityNotTopical byte = 1 << 6
	QualityInvalid   byte = 1 << 7
)

// EncodeSIQ packs single-point value + quality into one byte.
func EncodeSIQ(value bool, quality byte) byte {
	b := quality &^ 0x01
	if value {
		b |= 0x01
	}
	return b
}

// DecodeSIQ unpacks a single-point information element.
func DecodeSIQ(b byte) (value bool, quality byte) {
	return b&0x01 != 0, b &^ 0x01
}

// EncodeShortFloat packs an IEEE-754 float32 + quality descriptor (MMeNc1).
func EncodeShortFloat(value float32, quality byte) []byte {
	out := make([]byte, 5)
	binary.LittleEndian.PutUint32(out[0:4], math.Float32bits(value))
	out[4] = quality
	return out
}

// DecodeShortFloat unpacks an MMeNc1/MMeTf1 information element's leading 5
// bytes into value + quality.
func DecodeShortFloat(data []byte) (float32, byte, error) {
	if len(data) < 5 {
		return 0, 0, errcode.WrapMsg("iec104.DecodeShortFloat", errcode.Truncated, "need 5 bytes")
	}
	bits := binary.LittleEndian.Uint32(data[0:4])
	return math.Float32frombits(bits), data[4], nil
}

// Single-command qualifier bits (SCO): bit0 selects state, bits 2-6 carry
// the qualifier of command (QU), bit 7 selects select(1)/execute(0).
func EncodeSCO(state bool, qu uint8, selectCmd bool) byte {
	b := (qu & 0x1F) << 2
	if state {
		b |= 0x01
	}
	if selectCmd {
		b |= 1 << 7
	}
	return b
}

func DecodeSCO(b byte) (state bool, qu uint8, selectCmd bool) {
	return b&0x01 != 0, (b >> 2) & 0x1F, b&(1<<7) != 0
}
