package silabsflasher

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// cpcTransportFrame is one decoded CPC transport frame: the framing layer
// described in spec §3, restricted to what this core produces and
// consumes (UNNUMBERED/POLL_FINAL on the SYSTEM endpoint).
type cpcTransportFrame struct {
	Endpoint uint8
	Control  uint8
	Payload  []byte
}

func encodeCPCTransportFrame(endpoint, control uint8, payload []byte) []byte {
	header := make([]byte, 5)
	header[0] = cpcFlag
	header[1] = endpoint
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(payload)+2))
	header[4] = control

	frame := make([]byte, 0, 9+len(payload))
	frame = append(frame, header...)

	var crcBuf [2]byte
	binary.LittleEndian.PutUint16(crcBuf[:], crc16CCITTFalse(header))
	frame = append(frame, crcBuf[:]...)

	frame = append(frame, payload...)

	binary.LittleEndian.PutUint16(crcBuf[:], crc16CCITTFalse(payload))
	frame = append(frame, crcBuf[:]...)

	return frame
}

// decodeCPCTransportFrame attempts to decode one frame from the head of
// buf. It returns ErrBufferTooShort if more bytes are needed, or
// ErrInvalidFormat (bad flag/CRC) if buf's head cannot start a valid frame
// — callers recover by advancing to the next flag byte and retrying.
func decodeCPCTransportFrame(buf []byte) (frame *cpcTransportFrame, consumed int, err error) {
	if len(buf) < 7 {
		return nil, 0, ErrBufferTooShort
	}
	if buf[0] != cpcFlag {
		return nil, 0, fmt.Errorf("%w: cpc frame does not start with flag byte", ErrInvalidFormat)
	}

	length := binary.LittleEndian.Uint16(buf[2:4])
	if length < 2 {
		return nil, 0, fmt.Errorf("%w: cpc length field %d too small", ErrInvalidFormat, length)
	}

	headerCRC := binary.LittleEndian.Uint16(buf[5:7])
	if headerCRC != crc16CCITTFalse(buf[0:5]) {
		return nil, 0, fmt.Errorf("%w: cpc header CRC mismatch", ErrInvalidFormat)
	}

	total := 7 + int(length)
	if len(buf) < total {
		return nil, 0, ErrBufferTooShort
	}

	payloadLen := int(length) - 2
	payload := buf[7 : 7+payloadLen]
	payloadCRC := binary.LittleEndian.Uint16(buf[7+payloadLen : total])
	if payloadCRC != crc16CCITTFalse(payload) {
		return nil, 0, fmt.Errorf("%w: cpc payload CRC mismatch", ErrInvalidFormat)
	}

	return &cpcTransportFrame{
		Endpoint: buf[1],
		Control:  buf[4],
		Payload:  append([]byte(nil), payload...),
	}, total, nil
}

// cpcUnnumberedFrame is the payload of a CPC transport frame on the SYSTEM
// endpoint.
type cpcUnnumberedFrame struct {
	CommandID  CPCCommandID
	CommandSeq uint8
	Payload    []byte
}

func encodeCPCUnnumberedFrame(commandID CPCCommandID, commandSeq uint8, payload []byte) []byte {
	buf := make([]byte, 4, 4+len(payload))
	buf[0] = byte(commandID)
	buf[1] = commandSeq
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(payload)))
	buf = append(buf, payload...)
	return buf
}

func decodeCPCUnnumberedFrame(buf []byte) (*cpcUnnumberedFrame, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: cpc unnumbered frame header truncated", ErrInvalidFormat)
	}
	length := binary.LittleEndian.Uint16(buf[2:4])
	if len(buf) != 4+int(length) {
		return nil, fmt.Errorf("%w: cpc unnumbered frame length mismatch", ErrInvalidFormat)
	}
	return &cpcUnnumberedFrame{
		CommandID:  CPCCommandID(buf[0]),
		CommandSeq: buf[1],
		Payload:    append([]byte(nil), buf[4:]...),
	}, nil
}

// CPCRequestConfig tunes CPCClient.SendUnnumberedFrame's retry ladder.
type CPCRequestConfig struct {
	Retries    int
	Timeout    time.Duration
	RetryDelay time.Duration
}

func (c CPCRequestConfig) defaults() CPCRequestConfig {
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

// CPCClient drives the CPC codec and request/response matching over a
// Reactor. It implements ByteHandler so it can be registered directly with
// a Reactor.
type CPCClient struct {
	mu      sync.Mutex
	buf     []byte
	reactor *Reactor
	pending *PendingMap[uint8, *cpcUnnumberedFrame]
	seq     uint8
	logger  *slog.Logger
}

// NewCPCClient creates a CPCClient; call Attach once its Reactor exists.
func NewCPCClient(logger *slog.Logger) *CPCClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &CPCClient{
		pending: NewPendingMap[uint8, *cpcUnnumberedFrame](),
		logger:  logger,
	}
}

// Attach binds the client to the reactor it sends frames through.
func (c *CPCClient) Attach(r *Reactor) {
	c.reactor = r
}

// OnBytes implements ByteHandler: bytes are appended to the client's
// buffer and decoded in a loop, re-syncing to the next flag byte on any
// InvalidFormat error.
func (c *CPCClient) OnBytes(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, data...)

	for {
		frame, consumed, err := decodeCPCTransportFrame(c.buf)
		if err != nil {
			if errors.Is(err, ErrBufferTooShort) {
				return
			}
			c.logger.Debug("cpc frame resync", "error", err)
			if idx := bytes.IndexByte(c.buf[1:], cpcFlag); idx >= 0 {
				c.buf = c.buf[1+idx:]
			} else {
				c.buf = nil
			}
			continue
		}

		c.buf = c.buf[consumed:]
		c.handleFrame(frame)
	}
}

func (c *CPCClient) handleFrame(frame *cpcTransportFrame) {
	if frame.Endpoint != cpcEndpointSystem {
		return
	}
	uf, err := decodeCPCUnnumberedFrame(frame.Payload)
	if err != nil {
		c.logger.Debug("dropping malformed cpc unnumbered frame", "error", err)
		return
	}
	if ok := c.pending.Resolve(uf.CommandSeq, uf); !ok {
		c.logger.Debug("unsolicited cpc frame", "command_seq", uf.CommandSeq, "command_id", uf.CommandID)
	}
}

func (c *CPCClient) nextSeq() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.seq
	c.seq++
	return seq
}

// SendUnnumberedFrame registers a waiter keyed by the next command
// sequence, sends the frame, and retransmits per attempt until a response
// with matching command_seq arrives. The pending entry is always removed
// on exit.
func (c *CPCClient) SendUnnumberedFrame(ctx context.Context, commandID CPCCommandID, payload []byte, cfg CPCRequestConfig) (*cpcUnnumberedFrame, error) {
	cfg = cfg.defaults()
	seq := c.nextSeq()

	wait, cleanup := c.pending.Register(seq)
	defer cleanup()

	uf := encodeCPCUnnumberedFrame(commandID, seq, payload)
	control := (uint8(cpcFrameTypeUnnumbered) << 6) | uint8(cpcUnnumberedPollFinal)
	frame := encodeCPCTransportFrame(cpcEndpointSystem, control, uf)

	var lastErr error
	for attempt := 0; attempt < cfg.Retries; attempt++ {
		if err := c.reactor.Send(frame); err != nil {
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

	return nil, fmt.Errorf("%w: cpc command_seq=%d: %v", ErrTimeout, seq, lastErr)
}

// Probe issues PROP_VALUE_GET for SECONDARY_CPC_VERSION; the response
// carries three little-endian uint32s (major, minor, patch).
func (c *CPCClient) Probe(ctx context.Context) (Version, error) {
	getPayload := encodePackedUint21(uint32(CPCPropertySecondaryVersion))
	resp, err := c.SendUnnumberedFrame(ctx, CPCCommandPropertyValueGet, getPayload, CPCRequestConfig{})
	if err != nil {
		return Version{}, err
	}

	_, idLen, err := decodePackedUint21(resp.Payload)
	if err != nil {
		return Version{}, err
	}
	value := resp.Payload[idLen:]
	if len(value) < 12 {
		return Version{}, fmt.Errorf("%w: secondary version payload too short", ErrInvalidFormat)
	}

	major := binary.LittleEndian.Uint32(value[0:4])
	minor := binary.LittleEndian.Uint32(value[4:8])
	patch := binary.LittleEndian.Uint32(value[8:12])

	return ParseVersion(fmt.Sprintf("%d.%d.%d", major, minor, patch)), nil
}

// GetSecondaryVersion issues PROP_VALUE_GET for SECONDARY_APP_VERSION; the
// response is a NUL-terminated ASCII string.
func (c *CPCClient) GetSecondaryVersion(ctx context.Context) (Version, error) {
	getPayload := encodePackedUint21(uint32(CPCPropertySecondaryAppVersion))
	resp, err := c.SendUnnumberedFrame(ctx, CPCCommandPropertyValueGet, getPayload, CPCRequestConfig{})
	if err != nil {
		return Version{}, err
	}

	_, idLen, err := decodePackedUint21(resp.Payload)
	if err != nil {
		return Version{}, err
	}
	value := resp.Payload[idLen:]
	if nul := bytes.IndexByte(value, 0); nul >= 0 {
		value = value[:nul]
	}

	return ParseVersion(string(value)), nil
}

// EnterBootloader sets BOOTLOADER_REBOOT_MODE then issues an unnumbered
// RESET, followed by a 500ms sleep while the device changes baud rate.
func (c *CPCClient) EnterBootloader(ctx context.Context) error {
	setPayload := append(encodePackedUint21(uint32(CPCPropertyBootloaderRebootMode)), CPCRebootModeBootloader)
	if _, err := c.SendUnnumberedFrame(ctx, CPCCommandPropertyValueSet, setPayload, CPCRequestConfig{}); err != nil {
		return err
	}

	if _, err := c.SendUnnumberedFrame(ctx, CPCCommandReset, nil, CPCRequestConfig{}); err != nil {
		return err
	}

	select {
	case <-time.After(500 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
