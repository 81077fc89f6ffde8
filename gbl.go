package silabsflasher

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested GBL/EBL tag or metadata field
// does not exist in the image.
var ErrNotFound = errors.New("silabsflasher: not found")

// ErrInvalidFormat is returned by the GBL/EBL parser when the tag stream
// does not satisfy the format invariants (HEADER first, END last, CRC
// mismatch).
var ErrInvalidFormat = errors.New("silabsflasher: invalid format")

// GBL tag ids (32-bit little-endian magic numbers).
const (
	TagHeader          uint32 = 0x03A617EB
	TagAppInfo         uint32 = 0xF40A0AF4
	TagSEUpgrade       uint32 = 0x5EA617EB
	TagBootloader      uint32 = 0xF50909F5
	TagProgramData1    uint32 = 0xFE0101FE
	TagProgramData2    uint32 = 0xFD0303FD
	TagProgramDataLZ4  uint32 = 0xFD0505FD
	TagProgramDataLZMA uint32 = 0xFD0707FD
	TagMetadata        uint32 = 0xF60808F6
	TagSignature       uint32 = 0xF70A0AF7
	TagEnd             uint32 = 0xFC0404FC
)

// EBL tag ids (16-bit big-endian). The EBL format reuses only a small
// subset of the GBL tag space, truncated to 16 bits.
const (
	EBLTagHeader uint16 = 0x0000
	EBLTagEnd    uint16 = 0xFC04
)

// gblTag is one (tag id, value) pair of a parsed tag stream.
type gblTag struct {
	id    uint32
	value []byte
}

// Image is a parsed firmware container: a GBL image (32-bit tags) or an EBL
// image (16-bit tags). Both share the same tag-stream shape per spec.md §3.
type Image interface {
	// Serialize re-emits the tag stream with its format's trailing padding.
	Serialize() []byte
	// GetFirstTag returns the value of the first tag matching id, or
	// ErrNotFound.
	GetFirstTag(id uint32) ([]byte, error)
	// GetNabuCasaMetadata parses the METADATA tag's JSON payload.
	GetNabuCasaMetadata() (*NabuCasaMetadata, error)
}

// GBLImage is a Gecko Bootloader Loadable image: 4-byte little-endian tag
// ids, 4-byte little-endian lengths, final padding to a multiple of 4 bytes
// with 0xFF.
type GBLImage struct {
	tags []gblTag
}

// ParseGBL parses a GBL tag stream, validating that HEADER is first, END is
// last, and that END's trailing CRC-32 matches all preceding file bytes.
func ParseGBL(data []byte) (*GBLImage, error) {
	var tags []gblTag

	pos := 0
	for pos < len(data) {
		if len(data)-pos < 8 {
			return nil, fmt.Errorf("%w: truncated tag header at offset %d", ErrInvalidFormat, pos)
		}

		id := binary.LittleEndian.Uint32(data[pos : pos+4])
		length := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		pos += 8

		if uint64(pos)+uint64(length) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: tag 0x%08x length %d exceeds buffer", ErrInvalidFormat, id, length)
		}

		value := data[pos : pos+int(length)]
		pos += int(length)

		tags = append(tags, gblTag{id: id, value: value})

		if id == TagEnd {
			break
		}
	}

	if len(tags) == 0 || tags[0].id != TagHeader {
		return nil, fmt.Errorf("%w: HEADER tag must be first", ErrInvalidFormat)
	}
	last := tags[len(tags)-1]
	if last.id != TagEnd {
		return nil, fmt.Errorf("%w: END tag must be last", ErrInvalidFormat)
	}
	if len(last.value) < 4 {
		return nil, fmt.Errorf("%w: END tag value too short for CRC-32", ErrInvalidFormat)
	}

	endTagStart := pos - 8 - len(last.value)
	priorBytes := data[:endTagStart+8+len(last.value)-4]
	wantCRC := binary.LittleEndian.Uint32(last.value[len(last.value)-4:])
	gotCRC := crc32IEEE(priorBytes)
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("%w: END CRC-32 mismatch (want 0x%08x, got 0x%08x)", ErrInvalidFormat, wantCRC, gotCRC)
	}

	return &GBLImage{tags: tags}, nil
}

// Serialize re-emits the tag stream, padding the final file length to a
// multiple of 4 bytes with 0xFF.
func (g *GBLImage) Serialize() []byte {
	var out []byte
	for _, t := range g.tags {
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:4], t.id)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(t.value)))
		out = append(out, hdr[:]...)
		out = append(out, t.value...)
	}
	return padToMultiple(out, 4, 0xFF)
}

func (g *GBLImage) GetFirstTag(id uint32) ([]byte, error) {
	for _, t := range g.tags {
		if t.id == id {
			return t.value, nil
		}
	}
	return nil, fmt.Errorf("%w: tag 0x%08x", ErrNotFound, id)
}

func (g *GBLImage) GetNabuCasaMetadata() (*NabuCasaMetadata, error) {
	raw, err := g.GetFirstTag(TagMetadata)
	if err != nil {
		return nil, err
	}
	return parseNabuCasaMetadata(raw)
}

// EBLImage is an EBL image: 2-byte big-endian tag ids, 2-byte big-endian
// lengths, final padding to a multiple of 64 bytes with 0xFF. EBL carries
// no METADATA tag.
type EBLImage struct {
	tags []struct {
		id    uint16
		value []byte
	}
}

// ParseEBL parses an EBL tag stream with the same HEADER-first/END-last/
// CRC-32 invariants as GBL, but 16-bit tag ids and lengths.
func ParseEBL(data []byte) (*EBLImage, error) {
	img := &EBLImage{}

	pos := 0
	for pos < len(data) {
		if len(data)-pos < 4 {
			return nil, fmt.Errorf("%w: truncated tag header at offset %d", ErrInvalidFormat, pos)
		}

		id := binary.BigEndian.Uint16(data[pos : pos+2])
		length := binary.BigEndian.Uint16(data[pos+2 : pos+4])
		pos += 4

		if pos+int(length) > len(data) {
			return nil, fmt.Errorf("%w: tag 0x%04x length %d exceeds buffer", ErrInvalidFormat, id, length)
		}

		value := data[pos : pos+int(length)]
		pos += int(length)

		img.tags = append(img.tags, struct {
			id    uint16
			value []byte
		}{id: id, value: value})

		if id == EBLTagEnd {
			break
		}
	}

	if len(img.tags) == 0 || img.tags[0].id != EBLTagHeader {
		return nil, fmt.Errorf("%w: HEADER tag must be first", ErrInvalidFormat)
	}
	last := img.tags[len(img.tags)-1]
	if last.id != EBLTagEnd {
		return nil, fmt.Errorf("%w: END tag must be last", ErrInvalidFormat)
	}
	if len(last.value) < 4 {
		return nil, fmt.Errorf("%w: END tag value too short for CRC-32", ErrInvalidFormat)
	}

	priorBytes := data[:pos-4]
	wantCRC := binary.LittleEndian.Uint32(last.value[len(last.value)-4:])
	gotCRC := crc32IEEE(priorBytes)
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("%w: END CRC-32 mismatch (want 0x%08x, got 0x%08x)", ErrInvalidFormat, wantCRC, gotCRC)
	}

	return img, nil
}

func (e *EBLImage) Serialize() []byte {
	var out []byte
	for _, t := range e.tags {
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], t.id)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(t.value)))
		out = append(out, hdr[:]...)
		out = append(out, t.value...)
	}
	return padToMultiple(out, 64, 0xFF)
}

func (e *EBLImage) GetFirstTag(id uint32) ([]byte, error) {
	for _, t := range e.tags {
		if uint32(t.id) == id {
			return t.value, nil
		}
	}
	return nil, fmt.Errorf("%w: tag 0x%04x", ErrNotFound, id)
}

// GetNabuCasaMetadata always fails: EBL carries no METADATA tag.
func (e *EBLImage) GetNabuCasaMetadata() (*NabuCasaMetadata, error) {
	return nil, fmt.Errorf("%w: EBL images carry no metadata", ErrNotFound)
}

// FirmwareImageType is the application type declared by a firmware image's
// metadata (distinct from ApplicationType, which names what's currently
// running on the device).
type FirmwareImageType string

const (
	FirmwareZigbeeNCP     FirmwareImageType = "zigbee_ncp"
	FirmwareOpenThreadRCP FirmwareImageType = "openthread_rcp"
	FirmwareZWaveNCP      FirmwareImageType = "zwave_ncp"
	FirmwareBootloader    FirmwareImageType = "bootloader"
	FirmwareMultiPAN      FirmwareImageType = "multipan"
	FirmwareUnknown       FirmwareImageType = "unknown"
)

// legacyFirmwareTypeRemapping maps legacy fw_type strings (as emitted by
// older build pipelines) onto the current FirmwareImageType enum, applied
// before enum lookup.
var legacyFirmwareTypeRemapping = map[string]FirmwareImageType{
	"ncp-uart-hw":      FirmwareZigbeeNCP,
	"ncp-uart-sw":      FirmwareZigbeeNCP,
	"rcp-uart-802154":  FirmwareMultiPAN,
	"ot-rcp":           FirmwareOpenThreadRCP,
	"z-wave":           FirmwareZWaveNCP,
	"gecko-bootloader": FirmwareBootloader,
}

// SupportedMetadataVersion is the highest NabuCasa metadata schema version
// this core understands.
const SupportedMetadataVersion = 2

// NabuCasaMetadata is a typed view over a GBL METADATA tag's JSON payload.
type NabuCasaMetadata struct {
	MetadataVersion int
	SDKVersion      *Version
	EZSPVersion     *Version
	OTRCPVersion    *Version
	CPCVersion      *Version
	FWType          *FirmwareImageType
	FWVariant       *string
	Baudrate        *int

	// Raw is the original parsed JSON, preserved verbatim.
	Raw map[string]any
}

// PublicVersion returns, in preference order, CPCVersion, EZSPVersion,
// OTRCPVersion, then SDKVersion.
func (m *NabuCasaMetadata) PublicVersion() *Version {
	for _, v := range []*Version{m.CPCVersion, m.EZSPVersion, m.OTRCPVersion, m.SDKVersion} {
		if v != nil {
			return v
		}
	}
	return nil
}

func parseNabuCasaMetadata(raw []byte) (*NabuCasaMetadata, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: metadata is not valid JSON: %v", ErrInvalidFormat, err)
	}

	mv, _ := obj["metadata_version"].(float64)
	metadataVersion := int(mv)
	if metadataVersion > SupportedMetadataVersion {
		return nil, fmt.Errorf("%w: unsupported metadata_version %d (max %d)", ErrInvalidFormat, metadataVersion, SupportedMetadataVersion)
	}

	m := &NabuCasaMetadata{MetadataVersion: metadataVersion, Raw: obj}

	if s, ok := stringField(obj, "sdk_version"); ok {
		v := ParseVersion(s)
		m.SDKVersion = &v
	}
	if s, ok := stringField(obj, "ezsp_version"); ok {
		v := ParseVersion(s)
		m.EZSPVersion = &v
	}
	if s, ok := stringField(obj, "ot_rcp_version"); ok {
		v := ParseVersion(s)
		m.OTRCPVersion = &v
	}
	if s, ok := stringField(obj, "cpc_version"); ok {
		v := ParseVersion(s)
		m.CPCVersion = &v
	}
	if s, ok := stringField(obj, "fw_variant"); ok {
		m.FWVariant = &s
	}
	if b, ok := obj["baudrate"].(float64); ok {
		n := int(b)
		m.Baudrate = &n
	}

	if s, ok := stringField(obj, "fw_type"); ok {
		if remapped, ok := legacyFirmwareTypeRemapping[s]; ok {
			m.FWType = &remapped
		} else {
			ft := FirmwareImageType(s)
			m.FWType = &ft
		}
	}

	return m, nil
}

func stringField(obj map[string]any, key string) (string, bool) {
	v, ok := obj[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
