// Package iec101 implements IEC 60870-5-101 link-layer framing as pure
// functions over byte slices (spec.md §4.1, C1). The ASDU payload format is
// shared with IEC 104, so iec101 defers to codec/iec104 for ASDU encoding
// and decoding; this package only frames/unframes the serial link layer.
package iec101

import "github.com/fieldmesh/comsrv/errcode"

const (
	VarStart byte = 0x68
	FrameEnd byte = 0x16
)

// Fixed-length control-field function codes (the subset comsrv issues).
const (
	FuncResetRemoteLink byte = 0x00
	FuncTestLink        byte = 0x02
	FuncUserData        byte = 0x03
	FuncRequestData1    byte = 0x0A // class 1 data request
	FuncRequestData2    byte = 0x0B // class 2 data request
)

// AddressWidth configures the link address field (spec.md §4.1: "address
// (configurable 1-2 bytes)").
type AddressWidth int

const (
	Address1Byte AddressWidth = 1
	Address2Byte AddressWidth = 2
)

// EncodeVariableFrame builds a variable-length frame:
// 0x68 | len | len | 0x68 | control | address | asdu | checksum | 0x16.
// The checksum is the mod-256 sum of control+address+asdu (spec.md §4.1).
func EncodeVariableFrame(control byte, address []byte, asdu []byte) ([]byte, error) {
	if len(address) != 1 && len(address) != 2 {
		return nil, errcode.WrapMsg("iec101.EncodeVariableFrame", errcode.InvalidLength, "address must be 1 or 2 bytes")
	}
	body := make([]byte, 0, 1+len(address)+len(asdu))
	body = append(body, control)
	body = append(body, address...)
	body = append(body, asdu...)

	if len(body) > 255 {
		return nil, errcode.WrapMsg("iec101.EncodeVariableFrame", errcode.InvalidLength, "frame body exceeds 255 bytes")
	}
	l := byte(len(body))

	frame := make([]byte, 0, 4+len(body)+2)
	frame = append(frame, VarStart, l, l, VarStart)
	frame = append(frame, body...)
	frame = append(frame, checksum(body), FrameEnd)
	return frame, nil
}

// DecodeVariableFrame validates and splits a complete variable-length frame
// into its control byte, address, and ASDU payload.
func DecodeVariableFrame(frame []byte, addrWidth AddressWidth) (control byte, address []byte, asdu []byte, err error) {
	if len(frame) < 6 {
		return 0, nil, nil, errcode.WrapMsg("iec101.DecodeVariableFrame", errcode.Truncated, "frame shorter than minimum variable frame")
	}
	if frame[0] != VarStart || frame[3] != VarStart {
		return 0, nil, nil, errcode.WrapMsg("iec101.DecodeVariableFrame", errcode.InvalidLength, "missing duplicated start byte")
	}
	l1, l2 := frame[1], frame[2]
	if l1 != l2 {
		return 0, nil, nil, errcode.WrapMsg("iec101.DecodeVariableFrame", errcode.InvalidLength, "length fields disagree")
	}
	bodyLen := int(l1)
	if len(frame) != 4+bodyLen+2 {
		return 0, nil, nil, errcode.WrapMsg("iec101.DecodeVariableFrame", errcode.InvalidLength, "frame length mismatch")
	}
	body := frame[4 : 4+bodyLen]
	if checksum(body) != frame[4+bodyLen] {
		return 0, nil, nil, errcode.WrapMsg("iec101.DecodeVariableFrame", errcode.CrcMismatch, "checksum mismatch")
	}
	if frame[len(frame)-1] != FrameEnd {
		return 0, nil, nil, errcode.WrapMsg("iec101.DecodeVariableFrame", errcode.InvalidLength, "missing end byte")
	}
	aw := int(addrWidth)
	if len(body) < 1+aw {
		return 0, nil, nil, errcode.WrapMsg("iec101.DecodeVariableFrame", errcode.Truncated, "body shorter than control+address")
	}
	return body[0], body[1 : 1+aw], body[1+aw:], nil
}

// EncodeFixedFrame builds a 5-octet fixed-length frame:
// 0x10 | control | address | checksum | 0x16.
func EncodeFixedFrame(control byte, address byte) []byte {
	sum := control + address
	return []byte{0x10, control, address, sum, FrameEnd}
}

// DecodeFixedFrame validates a 5-octet fixed-length frame.
func DecodeFixedFrame(frame []byte) (control, address byte, err error) {
	if len(frame) != 5 {
		return 0, 0, errcode.WrapMsg("iec101.DecodeFixedFrame", errcode.InvalidLength, "fixed frame must be 5 octets")
	}
	if frame[0] != 0x10 || frame[4] != FrameEnd {
		return 0, 0, errcode.WrapMsg("iec101.DecodeFixedFrame", errcode.InvalidLength, "bad fixed frame markers")
	}
	if frame[1]+frame[2] != frame[3] {
		return 0, 0, errcode.WrapMsg("iec101.DecodeFixedFrame", errcode.CrcMismatch, "checksum mismatch")
	}
	return frame[1], frame[2], nil
}

func checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return sum
}
