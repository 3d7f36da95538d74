// Package iec104 implements IEC 60870-5-104 APDU framing and ASDU coding as
// pure functions over byte slices (spec.md §4.2, C1). It performs no I/O;
// internal/transport and internal/driver own the bytes.
package iec104

import "github.com/fieldmesh/comsrv/errcode"

const (
	StartByte       byte = 0x68
	APCILen              = 6   // start + length + 4 control octets
	ASDUSizeMax          = 249 // APDUSizeMax(255) - APCILen(6)
	APDUSizeMax          = 255
)

// U-frame control functions (byte 1, bits set in the low control octet).
const (
	UStartDtActive  byte = 0x04
	UStartDtConfirm byte = 0x08
	UStopDtActive   byte = 0x10
	UStopDtConfirm  byte = 0x20
	UTestFrActive   byte = 0x40
	UTestFrConfirm  byte = 0x80
)

// FrameKind distinguishes the three APCI control-field encodings.
type FrameKind int

const (
	FrameI FrameKind = iota
	FrameS
	FrameU
)

// Frame is a decoded APDU: the control field plus, for I-frames, the ASDU
// payload.
type Frame struct {
	Kind     FrameKind
	SendSN   uint16 // I-frame only
	RecvSN   uint16 // I-frame and S-frame
	UFunc    byte   // U-frame only
	ASDUData []byte // I-frame only
}

// EncodeIFrame builds an information-transfer APDU carrying an ASDU.
func EncodeIFrame(sendSN, recvSN uint16, asduData []byte) ([]byte, error) {
	if len(asduData) > ASDUSizeMax {
		return nil, errcode.WrapMsg("iec104.EncodeIFrame", errcode.InvalidLength, "asdu exceeds max size")
	}
	b := make([]byte, APCILen+len(asduData))
	b[0] = StartByte
	b[1] = byte(len(asduData) + 4)
	b[2] = byte(sendSN << 1)
	b[3] = byte(sendSN >> 7)
	b[4] = byte(recvSN << 1)
	b[5] = byte(recvSN >> 7)
	copy(b[6:], asduData)
	return b, nil
}

// EncodeSFrame builds a supervisory (acknowledge-only) APDU.
func EncodeSFrame(recvSN uint16) []byte {
	return []byte{StartByte, 4, 0x01, 0x00, byte(recvSN << 1), byte(recvSN >> 7)}
}

// EncodeUFrame builds an unnumbered-control APDU (STARTDT/STOPDT/TESTFR).
func EncodeUFrame(function byte) []byte {
	return []byte{StartByte, 4, function | 0x03, 0x00, 0x00, 0x00}
}

// DecodeAPDU splits a complete APDU (start byte + length-prefixed control
// field and ASDU already assembled by the transport's length-delimited
// reader) into a typed Frame.
func DecodeAPDU(apdu []byte) (Frame, error) {
	if len(apdu) < APCILen {
		return Frame{}, errcode.WrapMsg("iec104.DecodeAPDU", errcode.Truncated, "apdu shorter than apci")
	}
	if apdu[0] != StartByte {
		return Frame{}, errcode.WrapMsg("iec104.DecodeAPDU", errcode.InvalidLength, "missing start byte")
	}
	length := apdu[1]
	if len(apdu) != int(length)+2 {
		return Frame{}, errcode.WrapMsg("iec104.DecodeAPDU", errcode.InvalidLength, "length field mismatch")
	}
	ctr1, ctr2, ctr3, ctr4 := apdu[2], apdu[3], apdu[4], apdu[5]
	rest := apdu[6:]

	switch {
	case ctr1&0x01 == 0:
		return Frame{
			Kind:     FrameI,
			SendSN:   uint16(ctr1)>>1 | uint16(ctr2)<<7,
			RecvSN:   uint16(ctr3)>>1 | uint16(ctr4)<<7,
			ASDUData: rest,
		}, nil
	case ctr1&0x03 == 0x01:
		return Frame{
			Kind:   FrameS,
			RecvSN: uint16(ctr3)>>1 | uint16(ctr4)<<7,
		}, nil
	default:
		return Frame{
			Kind:  FrameU,
			UFunc: ctr1 &^ 0x03,
		}, nil
	}
}

// NextFrameLength peeks the start byte and length octet of a partially
// received stream and returns the total APDU length (start+length+body), or
// 0 if fewer than 2 bytes have arrived yet.
func NextFrameLength(peek []byte) (int, error) {
	if len(peek) < 2 {
		return 0, nil
	}
	if peek[0] != StartByte {
		return 0, errcode.WrapMsg("iec104.NextFrameLength", errcode.InvalidLength, "missing start byte")
	}
	return int(peek[1]) + 2, nil
}
