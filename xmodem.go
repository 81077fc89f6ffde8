package silabsflasher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const xmodemBlockSize = 128

const (
	xmodemSOH byte = 0x01
	xmodemEOT byte = 0x04
	xmodemACK byte = 0x06
	xmodemNAK byte = 0x15
	xmodemCAN byte = 0x18
)

// ProgressFunc reports upload progress: sent bytes out of total, called once
// at 0 before the first block and once after each successful block.
type ProgressFunc func(sent, total int)

// XmodemConfig tunes the sender's retry ladder.
type XmodemConfig struct {
	// MaxFailures is the number of consecutive retransmissions allowed for
	// a single block (or EOT) before giving up. Zero uses the default.
	MaxFailures int
	// ResponseTimeout bounds how long the sender waits for a single
	// response byte after a block or EOT. Zero uses the default.
	ResponseTimeout time.Duration
}

func (c XmodemConfig) defaults() XmodemConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 2 * time.Second
	}
	return c
}

// XmodemSender implements the sending side of XMODEM-CRC: 128-byte blocks,
// receiver-initiated "C" start, ACK/NAK/CAN handling, and EOT finalization.
type XmodemSender struct {
	r      *bufio.Reader
	w      io.Writer
	cfg    XmodemConfig
	logger *slog.Logger
}

// NewXmodemSender wraps r/w as the XMODEM transport. r is buffered
// internally so single-byte response reads don't require the caller to
// buffer.
func NewXmodemSender(r io.Reader, w io.Writer, cfg XmodemConfig, logger *slog.Logger) *XmodemSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &XmodemSender{
		r:      bufio.NewReader(r),
		w:      w,
		cfg:    cfg.defaults(),
		logger: logger,
	}
}

// Send transfers data, whose length must be a multiple of 128 bytes.
func (s *XmodemSender) Send(ctx context.Context, data []byte, progress ProgressFunc) error {
	if len(data)%xmodemBlockSize != 0 {
		return fmt.Errorf("%w: xmodem payload length %d is not a multiple of %d", ErrInvalidArgument, len(data), xmodemBlockSize)
	}

	if err := s.waitForStart(ctx); err != nil {
		return err
	}

	total := len(data)
	if progress != nil {
		progress(0, total)
	}

	numBlocks := total / xmodemBlockSize
	for i := 0; i < numBlocks; i++ {
		block := data[i*xmodemBlockSize : (i+1)*xmodemBlockSize]
		number := byte((i + 1) & 0xFF)
		if err := s.sendBlock(ctx, number, block); err != nil {
			return err
		}
		if progress != nil {
			progress((i+1)*xmodemBlockSize, total)
		}
	}

	return s.sendEOT(ctx)
}

// waitForStart blocks until a single 'C' byte arrives, then discards any
// further 'C' bytes already buffered.
func (s *XmodemSender) waitForStart(ctx context.Context) error {
	for {
		b, err := s.readByte(ctx)
		if err != nil {
			return fmt.Errorf("silabsflasher: xmodem waiting for receiver start: %w", err)
		}
		if b == 'C' {
			break
		}
	}

	for s.r.Buffered() > 0 {
		peek, err := s.r.Peek(1)
		if err != nil || peek[0] != 'C' {
			break
		}
		_, _ = s.r.ReadByte()
	}

	return nil
}

func (s *XmodemSender) sendBlock(ctx context.Context, number byte, payload []byte) error {
	packet := encodeXmodemPacket(number, payload)

	for attempt := 0; attempt < s.cfg.MaxFailures; attempt++ {
		if _, err := s.w.Write(packet); err != nil {
			return fmt.Errorf("silabsflasher: xmodem write: %w", err)
		}

		resp, err := s.readResponse(ctx)
		if err != nil {
			return err
		}

		switch resp {
		case xmodemACK:
			return nil
		case xmodemNAK:
			s.logger.Debug("xmodem block NAK'd, retransmitting", "block", number, "attempt", attempt+1)
			continue
		case xmodemCAN:
			return ErrReceiverCancelled
		default:
			return fmt.Errorf("%w: unexpected xmodem response byte 0x%02x", ErrInvalidFormat, resp)
		}
	}

	return fmt.Errorf("%w: block %d after %d attempts", ErrTooManyFailures, number, s.cfg.MaxFailures)
}

func (s *XmodemSender) sendEOT(ctx context.Context) error {
	for attempt := 0; attempt < s.cfg.MaxFailures; attempt++ {
		if _, err := s.w.Write([]byte{xmodemEOT}); err != nil {
			return fmt.Errorf("silabsflasher: xmodem write: %w", err)
		}

		resp, err := s.readResponse(ctx)
		if err != nil {
			return err
		}

		switch resp {
		case xmodemACK:
			return nil
		case xmodemNAK:
			s.logger.Debug("xmodem EOT NAK'd, retrying", "attempt", attempt+1)
			continue
		case xmodemCAN:
			return ErrReceiverCancelled
		default:
			return fmt.Errorf("%w: unexpected xmodem response byte 0x%02x after EOT", ErrInvalidFormat, resp)
		}
	}

	return fmt.Errorf("%w: EOT after %d attempts", ErrTooManyFailures, s.cfg.MaxFailures)
}

func (s *XmodemSender) readResponse(ctx context.Context) (byte, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ResponseTimeout)
	defer cancel()

	b, err := s.readByte(rctx)
	if err != nil {
		return 0, fmt.Errorf("%w: xmodem response: %w", ErrTimeout, err)
	}
	return b, nil
}

// readByte performs a cancelable single-byte read over the (blocking)
// buffered reader: the read runs in its own goroutine and is abandoned
// (not joined) if ctx is done first.
func (s *XmodemSender) readByte(ctx context.Context) (byte, error) {
	type result struct {
		b   byte
		err error
	}

	ch := make(chan result, 1)
	go func() {
		b, err := s.r.ReadByte()
		ch <- result{b, err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		return res.b, res.err
	}
}

func encodeXmodemPacket(number byte, payload []byte) []byte {
	packet := make([]byte, 0, 4+xmodemBlockSize+2)
	packet = append(packet, xmodemSOH, number, 0xFF-number)
	packet = append(packet, payload...)

	crc := crc16CCITTFalse(payload)
	packet = append(packet, byte(crc>>8), byte(crc))

	return packet
}
