package silabsflasher

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// LoadImage reads path from fs and parses it as a GBL or EBL image, sniffing
// the format from the first tag header: a 4-byte little-endian GBL HEADER
// magic, or (failing that) a 2-byte big-endian EBL HEADER tag id.
func LoadImage(fs afero.Fs, path string) (Image, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("silabsflasher: opening %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("silabsflasher: reading %s: %w", path, err)
	}

	if len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == TagHeader {
		return ParseGBL(data)
	}
	if len(data) >= 2 && binary.BigEndian.Uint16(data[0:2]) == EBLTagHeader {
		return ParseEBL(data)
	}

	return nil, fmt.Errorf("%w: %s is neither a GBL nor an EBL image", ErrInvalidFormat, path)
}
