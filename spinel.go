package silabsflasher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// encodeHDLCLiteFrame wraps payload in 0x7E delimiters, appending a 2-byte
// little-endian CRC-16/KERMIT over the unescaped payload before escaping
// the combined content.
func encodeHDLCLiteFrame(payload []byte) []byte {
	crc := crc16Kermit(payload)

	content := make([]byte, 0, len(payload)+2)
	content = append(content, payload...)
	content = append(content, byte(crc), byte(crc>>8))

	escaped := escapeHDLC(content)

	frame := make([]byte, 0, len(escaped)+2)
	frame = append(frame, hdlcFlag)
	frame = append(frame, escaped...)
	frame = append(frame, hdlcFlag)
	return frame
}

func escapeHDLC(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if hdlcNeedsEscape(b) {
			out = append(out, hdlcEscape, b^0x20)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func unescapeHDLC(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		b := data[i]
		if b == hdlcEscape {
			if i+1 >= len(data) {
				return nil, fmt.Errorf("%w: dangling hdlc escape byte", ErrInvalidFormat)
			}
			out = append(out, data[i+1]^0x20)
			i += 2
			continue
		}
		out = append(out, b)
		i++
	}
	return out, nil
}

// decodeHDLCLiteContent unescapes the bytes found between two flag
// delimiters and validates the trailing CRC-16/KERMIT, returning the
// payload with the CRC trailer stripped.
func decodeHDLCLiteContent(content []byte) ([]byte, error) {
	unescaped, err := unescapeHDLC(content)
	if err != nil {
		return nil, err
	}
	if len(unescaped) < 2 {
		return nil, fmt.Errorf("%w: hdlc frame too short for crc trailer", ErrInvalidFormat)
	}

	payload := unescaped[:len(unescaped)-2]
	trailer := unescaped[len(unescaped)-2:]
	gotCRC := uint16(trailer[0]) | uint16(trailer[1])<<8
	wantCRC := crc16Kermit(payload)
	if gotCRC != wantCRC {
		return nil, fmt.Errorf("%w: hdlc crc mismatch", ErrInvalidFormat)
	}

	return payload, nil
}

// SpinelHeader is the 1-byte Spinel frame header: flag (bits 7-6, must be
// 0b10), network_link_id (bits 5-4), transaction_id (bits 3-0).
type SpinelHeader struct {
	TransactionID  uint8
	NetworkLinkID  uint8
	Flag           uint8
}

func (h SpinelHeader) encode() byte {
	return (h.Flag&0x3)<<6 | (h.NetworkLinkID&0x3)<<4 | (h.TransactionID & 0xF)
}

func decodeSpinelHeader(b byte) SpinelHeader {
	return SpinelHeader{
		TransactionID: b & 0xF,
		NetworkLinkID: (b >> 4) & 0x3,
		Flag:          (b >> 6) & 0x3,
	}
}

// SpinelFrame is a decoded Spinel frame: header, packed command id, and the
// data that follows to the end of the HDLC payload.
type SpinelFrame struct {
	Header    SpinelHeader
	CommandID SpinelCommandID
	Data      []byte
}

func encodeSpinelFrame(frame SpinelFrame) []byte {
	out := make([]byte, 0, 1+3+len(frame.Data))
	out = append(out, frame.Header.encode())
	out = append(out, encodePackedUint21(uint32(frame.CommandID))...)
	out = append(out, frame.Data...)
	return out
}

func decodeSpinelFrame(payload []byte) (*SpinelFrame, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: spinel frame has no header byte", ErrInvalidFormat)
	}

	header := decodeSpinelHeader(payload[0])
	if header.Flag != spinelHeaderFlag {
		return nil, fmt.Errorf("%w: spinel header flag bits are not 0b10", ErrInvalidFormat)
	}

	cmdID, consumed, err := decodePackedUint21(payload[1:])
	if err != nil {
		return nil, err
	}

	return &SpinelFrame{
		Header:    header,
		CommandID: SpinelCommandID(cmdID),
		Data:      append([]byte(nil), payload[1+consumed:]...),
	}, nil
}

// SpinelRequestConfig tunes SpinelClient.SendFrame's retry ladder.
type SpinelRequestConfig struct {
	Retries    int
	Timeout    time.Duration
	RetryDelay time.Duration
}

func (c SpinelRequestConfig) defaults() SpinelRequestConfig {
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	return c
}

// SpinelClient drives the HDLC-Lite/Spinel codec and request/response
// matching over a Reactor. It implements ByteHandler.
type SpinelClient struct {
	mu      sync.Mutex
	buf     []byte
	reactor *Reactor
	pending *PendingMap[uint8, *SpinelFrame]
	txID    uint8
	logger  *slog.Logger
}

// NewSpinelClient creates a SpinelClient; call Attach once its Reactor
// exists.
func NewSpinelClient(logger *slog.Logger) *SpinelClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpinelClient{
		pending: NewPendingMap[uint8, *SpinelFrame](),
		txID:    1,
		logger:  logger,
	}
}

// Attach binds the client to the reactor it sends frames through.
func (s *SpinelClient) Attach(r *Reactor) {
	s.reactor = r
}

// OnBytes implements ByteHandler: the HDLC-Lite stream is split on 0x7E
// delimiters. Empty content between two adjacent flags is a no-op (shared
// flag byte between frames); content that fails CRC validation is dropped
// and parsing resumes at the next delimiter.
func (s *SpinelClient) OnBytes(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, data...)

	for {
		start := bytes.IndexByte(s.buf, hdlcFlag)
		if start < 0 {
			s.buf = nil
			return
		}

		end := bytes.IndexByte(s.buf[start+1:], hdlcFlag)
		if end < 0 {
			s.buf = s.buf[start:]
			return
		}
		end += start + 1

		content := s.buf[start+1 : end]
		s.buf = s.buf[end:]

		if len(content) == 0 {
			continue
		}

		payload, err := decodeHDLCLiteContent(content)
		if err != nil {
			s.logger.Debug("hdlc frame dropped", "error", err)
			continue
		}

		frame, err := decodeSpinelFrame(payload)
		if err != nil {
			s.logger.Debug("spinel frame dropped", "error", err)
			continue
		}

		s.handleFrame(frame)
	}
}

func (s *SpinelClient) handleFrame(frame *SpinelFrame) {
	if ok := s.pending.Resolve(frame.Header.TransactionID, frame); !ok {
		s.logger.Debug("unsolicited spinel frame", "transaction_id", frame.Header.TransactionID, "command_id", frame.CommandID)
	}
}

// nextTransactionID cycles through 1..14; 0 and 15 are reserved.
func (s *SpinelClient) nextTransactionID() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.txID
	s.txID++
	if s.txID > 14 {
		s.txID = 1
	}
	return id
}

// SendFrame sends commandID/data as a Spinel frame. If waitResponse is
// false, the frame is sent once with no retry and SendFrame returns
// (nil, nil) immediately — used for enter_bootloader's RESET, where the
// device is expected to reboot instead of replying.
func (s *SpinelClient) SendFrame(ctx context.Context, commandID SpinelCommandID, data []byte, waitResponse bool, cfg SpinelRequestConfig) (*SpinelFrame, error) {
	cfg = cfg.defaults()
	txID := s.nextTransactionID()

	frame := SpinelFrame{
		Header:    SpinelHeader{TransactionID: txID, NetworkLinkID: 0, Flag: spinelHeaderFlag},
		CommandID: commandID,
		Data:      data,
	}
	encoded := encodeHDLCLiteFrame(encodeSpinelFrame(frame))

	if !waitResponse {
		if err := s.reactor.Send(encoded); err != nil {
			return nil, err
		}
		return nil, nil
	}

	wait, cleanup := s.pending.Register(txID)
	defer cleanup()

	var lastErr error
	for attempt := 0; attempt < cfg.Retries; attempt++ {
		if err := s.reactor.Send(encoded); err != nil {
			return nil, err
		}

		rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		resp, err := wait(rctx)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		select {
		case <-time.After(cfg.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: spinel transaction_id=%d: %v", ErrTimeout, txID, lastErr)
}

// Probe issues PROP_VALUE_GET for NCP_VERSION; the response data carries
// the property id followed by a NUL-terminated ASCII string such as
// "SL-OPENTHREAD/2.2.2.0_GitHub-91fa1f455; EFR32; Mar 14 2023 …". The
// portion before the first ';' is parsed as a Version.
func (s *SpinelClient) Probe(ctx context.Context) (Version, error) {
	getData := encodePackedUint21(uint32(SpinelPropertyNCPVersion))
	resp, err := s.SendFrame(ctx, SpinelCommandPropValueGet, getData, true, SpinelRequestConfig{})
	if err != nil {
		return Version{}, err
	}

	_, idLen, err := decodePackedUint21(resp.Data)
	if err != nil {
		return Version{}, err
	}
	value := resp.Data[idLen:]
	if nul := bytes.IndexByte(value, 0); nul >= 0 {
		value = value[:nul]
	}

	versionStr := string(value)
	if semi := bytes.IndexByte([]byte(versionStr), ';'); semi >= 0 {
		versionStr = versionStr[:semi]
	}

	return ParseVersion(versionStr), nil
}

// EnterBootloader sends RESET with ResetReasonBootloader without waiting
// for a response (the device is expected to reboot), then sleeps 500ms.
func (s *SpinelClient) EnterBootloader(ctx context.Context) error {
	if _, err := s.SendFrame(ctx, SpinelCommandReset, []byte{byte(ResetReasonBootloader)}, false, SpinelRequestConfig{}); err != nil {
		return err
	}

	select {
	case <-time.After(500 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
