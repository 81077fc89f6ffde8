package silabsflasher

import (
	"bytes"
	"context"
	"testing"
)

func TestEncodeHDLCLiteFrameVectors(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		want    []byte
	}{
		{
			name:    "no escaping needed",
			payload: []byte{0x81, 0x02, 0x43},
			want:    []byte{0x7E, 0x81, 0x02, 0x43, 0xD3, 0xD3, 0x7E},
		},
		{
			name:    "payload and crc both need escaping",
			payload: []byte{0x81, 0x03, 0x36, 0x7E, 0x7D},
			want:    []byte{0x7E, 0x81, 0x03, 0x36, 0x7D, 0x5E, 0x7D, 0x5D, 0x6A, 0xF9, 0x7E},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := encodeHDLCLiteFrame(tc.payload)
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("encodeHDLCLiteFrame(%x) = %x, want %x", tc.payload, got, tc.want)
			}
		})
	}
}

func TestDecodeHDLCLiteContentRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x81, 0x02, 0x43},
		{0x81, 0x03, 0x36, 0x7E, 0x7D},
		{},
	}

	for _, payload := range payloads {
		framed := encodeHDLCLiteFrame(payload)
		content := framed[1 : len(framed)-1]

		decoded, err := decodeHDLCLiteContent(content)
		if err != nil {
			t.Fatalf("decodeHDLCLiteContent: %v", err)
		}
		if !bytes.Equal(decoded, payload) {
			t.Fatalf("decoded %x, want %x", decoded, payload)
		}
	}
}

func TestDecodeHDLCLiteContentBadCRC(t *testing.T) {
	framed := encodeHDLCLiteFrame([]byte{0x81, 0x02, 0x43})
	content := framed[1 : len(framed)-1]
	content[len(content)-1] ^= 0xFF

	if _, err := decodeHDLCLiteContent(content); err == nil {
		t.Fatal("expected a CRC mismatch error")
	}
}

func TestSpinelHeaderBitLayout(t *testing.T) {
	header := decodeSpinelHeader(0x81)
	if header.TransactionID != 1 || header.NetworkLinkID != 0 || header.Flag != 0b10 {
		t.Fatalf("decodeSpinelHeader(0x81) = %+v", header)
	}
	if got := header.encode(); got != 0x81 {
		t.Fatalf("encode() = 0x%02x, want 0x81", got)
	}
}

func TestSpinelFrameRoundTrip(t *testing.T) {
	frame := SpinelFrame{
		Header:    SpinelHeader{TransactionID: 3, NetworkLinkID: 0, Flag: spinelHeaderFlag},
		CommandID: SpinelCommandPropValueGet,
		Data:      []byte{0x02, 0xAA, 0xBB},
	}

	encoded := encodeSpinelFrame(frame)
	decoded, err := decodeSpinelFrame(encoded)
	if err != nil {
		t.Fatalf("decodeSpinelFrame: %v", err)
	}
	if decoded.Header != frame.Header || decoded.CommandID != frame.CommandID || !bytes.Equal(decoded.Data, frame.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, frame)
	}
}

func TestSpinelFrameRejectsBadFlag(t *testing.T) {
	// flag bits 7-6 = 0b01, an invalid Spinel header flag.
	payload := []byte{0x41, 0x02}
	if _, err := decodeSpinelFrame(payload); err == nil {
		t.Fatal("expected an invalid-format error for a non-0b10 flag")
	}
}

func TestSpinelClientOnBytesDeliversFrame(t *testing.T) {
	client := NewSpinelClient(nil)

	frame := SpinelFrame{
		Header:    SpinelHeader{TransactionID: 5, Flag: spinelHeaderFlag},
		CommandID: SpinelCommandPropValueIs,
		Data:      []byte{0x00, 0x01},
	}
	encoded := encodeHDLCLiteFrame(encodeSpinelFrame(frame))

	wait, cleanup := client.pending.Register(5)
	defer cleanup()

	client.OnBytes(encoded)

	got, err := wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Header.TransactionID != 5 || got.CommandID != SpinelCommandPropValueIs {
		t.Fatalf("got %+v", got)
	}
}

func TestSpinelClientResyncsAfterBadFrame(t *testing.T) {
	client := NewSpinelClient(nil)

	good := SpinelFrame{Header: SpinelHeader{TransactionID: 7, Flag: spinelHeaderFlag}, CommandID: SpinelCommandPropValueIs, Data: []byte{0x00}}
	goodEncoded := encodeHDLCLiteFrame(encodeSpinelFrame(good))

	// A frame with a corrupted CRC, immediately followed by a good frame.
	garbage := encodeHDLCLiteFrame([]byte{0x81, 0x02, 0x00})
	garbage[len(garbage)-2] ^= 0xFF

	wait, cleanup := client.pending.Register(7)
	defer cleanup()

	client.OnBytes(append(garbage, goodEncoded...))

	got, err := wait(context.Background())
	if err != nil {
		t.Fatalf("wait after resync: %v", err)
	}
	if got.Header.TransactionID != 7 {
		t.Fatalf("got %+v", got)
	}
}
