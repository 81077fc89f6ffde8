package silabsflasher

import "testing"

func TestCRC16KermitVectors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want uint16
	}{
		{"empty", []byte{}, 0x0000},
		{"foobar", []byte("foobar"), 0x147B},
		{"binary", []byte{0xfa, 0x9b, 0x51, 0xb9, 0xf2, 0x53, 0xe3, 0xbd}, 0x6782},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := crc16Kermit(tc.data); got != tc.want {
				t.Errorf("crc16Kermit(%x) = 0x%04x, want 0x%04x", tc.data, got, tc.want)
			}
		})
	}
}

func TestCRC16CCITTFalseEmpty(t *testing.T) {
	if got := crc16CCITTFalse(nil); got != 0x0000 {
		t.Errorf("crc16CCITTFalse(nil) = 0x%04x, want 0x0000", got)
	}
}

func TestPadToMultiple(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		n    int
		want int
	}{
		{"already aligned", make([]byte, 8), 4, 8},
		{"needs padding", make([]byte, 5), 4, 8},
		{"empty", nil, 4, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := padToMultiple(tc.data, tc.n, 0xFF)
			if len(got) != tc.want {
				t.Fatalf("len = %d, want %d", len(got), tc.want)
			}
			for i := len(tc.data); i < len(got); i++ {
				if got[i] != 0xFF {
					t.Errorf("pad byte at %d = 0x%02x, want 0xFF", i, got[i])
				}
			}
		})
	}
}

func TestPadToMultipleIdempotent(t *testing.T) {
	data := make([]byte, 130)
	once := padToMultiple(data, xmodemBlockSize, 0xFF)
	twice := padToMultiple(once, xmodemBlockSize, 0xFF)
	if len(once) != len(twice) {
		t.Fatalf("padding is not idempotent: %d != %d", len(once), len(twice))
	}
}
