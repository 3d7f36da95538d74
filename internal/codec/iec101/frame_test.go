package iec101

import "testing"

func TestVariableFrameRoundTrip(t *testing.T) {
	asdu := []byte{0x01, 0x02, 0x03}
	frame, err := EncodeVariableFrame(FuncUserData, []byte{0x01}, asdu)
	if err != nil {
		t.Fatalf("EncodeVariableFrame: %v", err)
	}
	control, addr, body, err := DecodeVariableFrame(frame, Address1Byte)
	if err != nil {
		t.Fatalf("DecodeVariableFrame: %v", err)
	}
	if control != FuncUserData || len(addr) != 1 || addr[0] != 0x01 {
		t.Fatalf("unexpected control/address: %x %x", control, addr)
	}
	if string(body) != string(asdu) {
		t.Fatalf("asdu mismatch: got %x want %x", body, asdu)
	}
}

func TestVariableFrameRejectsBadChecksum(t *testing.T) {
	frame, _ := EncodeVariableFrame(FuncUserData, []byte{0x02}, []byte{0xAA})
	frame[len(frame)-2] ^= 0xFF
	if _, _, _, err := DecodeVariableFrame(frame, Address1Byte); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestVariableFrameTwoByteAddress(t *testing.T) {
	frame, err := EncodeVariableFrame(FuncUserData, []byte{0x01, 0x02}, []byte{0xFF})
	if err != nil {
		t.Fatalf("EncodeVariableFrame: %v", err)
	}
	_, addr, _, err := DecodeVariableFrame(frame, Address2Byte)
	if err != nil {
		t.Fatalf("DecodeVariableFrame: %v", err)
	}
	if len(addr) != 2 || addr[0] != 0x01 || addr[1] != 0x02 {
		t.Fatalf("unexpected address: %x", addr)
	}
}

func TestFixedFrameRoundTrip(t *testing.T) {
	frame := EncodeFixedFrame(FuncTestLink, 0x05)
	control, addr, err := DecodeFixedFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFixedFrame: %v", err)
	}
	if control != FuncTestLink || addr != 0x05 {
		t.Fatalf("got control=%x addr=%x", control, addr)
	}
}

func TestFixedFrameRejectsBadChecksum(t *testing.T) {
	frame := EncodeFixedFrame(FuncResetRemoteLink, 0x01)
	frame[3] ^= 0xFF
	if _, _, err := DecodeFixedFrame(frame); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}
