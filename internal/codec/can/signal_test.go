package can

import "testing"

func TestExtractIntelUnsigned(t *testing.T) {
	data := []byte{0x34, 0x12, 0, 0, 0, 0, 0, 0}
	sig := Signal{StartBit: 0, Length: 16, BigEndian: false}
	v, err := Extract(data, sig)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v != 0x1234 {
		t.Fatalf("got %#x want 0x1234", v)
	}
}

func TestExtractIntelSigned(t *testing.T) {
	data := []byte{0xFF, 0xFF, 0, 0, 0, 0, 0, 0}
	sig := Signal{StartBit: 0, Length: 16, Signed: true}
	v, err := ExtractSigned(data, sig)
	if err != nil {
		t.Fatalf("ExtractSigned: %v", err)
	}
	if v != -1 {
		t.Fatalf("got %d want -1", v)
	}
}

// A Motorola byte0=0xAB, signal starting at bit 7 (msb of byte0), length 8
// should read back the whole byte as 0xAB.
func TestExtractMotorolaWholeByte(t *testing.T) {
	data := []byte{0xAB, 0, 0, 0, 0, 0, 0, 0}
	sig := Signal{StartBit: 7, Length: 8, BigEndian: true}
	v, err := Extract(data, sig)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v != 0xAB {
		t.Fatalf("got %#x want 0xAB", v)
	}
}

// A Motorola 16-bit signal spanning byte0 msb through byte1 lsb, starting at
// bit 7, should read back as big-endian 0x1234 when bytes are {0x12, 0x34}.
func TestExtractMotorolaCrossByte(t *testing.T) {
	data := []byte{0x12, 0x34, 0, 0, 0, 0, 0, 0}
	sig := Signal{StartBit: 7, Length: 16, BigEndian: true}
	v, err := Extract(data, sig)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v != 0x1234 {
		t.Fatalf("got %#x want 0x1234", v)
	}
}

func TestExtractMotorolaSubByte(t *testing.T) {
	// byte0 = 0b1111_0000; signal occupies the top nibble (bits 7..4),
	// start bit 7, length 4 -> value 0xF.
	data := []byte{0xF0, 0, 0, 0, 0, 0, 0, 0}
	sig := Signal{StartBit: 7, Length: 4, BigEndian: true}
	v, err := Extract(data, sig)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v != 0xF {
		t.Fatalf("got %#x want 0xF", v)
	}
}

func TestPackExtractRoundTripMotorola(t *testing.T) {
	sig := Signal{StartBit: 15, Length: 12, BigEndian: true}
	data := make([]byte, 8)
	if err := Pack(data, sig, 0xABC); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	v, err := Extract(data, sig)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v != 0xABC {
		t.Fatalf("round trip got %#x want 0xABC", v)
	}
}

func TestPackExtractRoundTripIntel(t *testing.T) {
	sig := Signal{StartBit: 4, Length: 20}
	data := make([]byte, 8)
	if err := Pack(data, sig, 0x9ABCD&((1<<20)-1)); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	v, err := Extract(data, sig)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v != 0x9ABCD&((1<<20)-1) {
		t.Fatalf("round trip got %#x", v)
	}
}

func TestExtractRejectsOversizedPayload(t *testing.T) {
	data := make([]byte, 9)
	if _, err := Extract(data, Signal{StartBit: 0, Length: 8}); err == nil {
		t.Fatalf("expected error for payload > 8 bytes")
	}
}

func TestExtractRejectsSignalPastPayload(t *testing.T) {
	data := []byte{0, 0}
	if _, err := Extract(data, Signal{StartBit: 0, Length: 32}); err == nil {
		t.Fatalf("expected truncation error")
	}
}
