package silabsflasher

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// EmberStatus mirrors the subset of EZSP's EmberStatus enum this core
// inspects.
type EmberStatus uint8

const (
	EmberStatusSuccess         EmberStatus = 0x00
	EmberStatusErrorInvalidID  EmberStatus = 0x87
)

// EZSPClient is the minimal EZSP surface consumed by the Flasher. The EZSP
// application protocol itself is an external collaborator; this core only
// calls these six operations.
type EZSPClient interface {
	GetBoardInfo(ctx context.Context) (manufacturer, name, version string, err error)
	LaunchStandaloneBootloader(ctx context.Context, mode byte) (status EmberStatus, err error)
	GetEUI64(ctx context.Context) ([8]byte, error)
	CanWriteCustomEUI64(ctx context.Context) (bool, error)
	SetMfgToken(ctx context.Context, tokenID uint16, value []byte) (status EmberStatus, err error)
	GetConfigurationValue(ctx context.Context, id uint8) (status EmberStatus, value uint16, err error)
}

// EZSPLaunchBootloaderMode is the mode byte passed to
// LaunchStandaloneBootloader to request entry into the standalone
// bootloader.
const EZSPLaunchBootloaderMode byte = 0x01

// MfgCustomEUI64Token is the manufacturing token id for a custom EUI-64.
const MfgCustomEUI64Token uint16 = 0x0022

// SerialPort is the duplex byte stream the reactor runs over, plus the
// flow-control lines the orchestrator toggles for hardware reset. The
// underlying serial-port driver (device enumeration, baud-rate switching,
// socket:// URLs) is an external collaborator.
type SerialPort interface {
	io.ReadWriteCloser
	SetDTR(on bool) error
	SetRTS(on bool) error
}

// deadlineSetter is implemented by SerialPort values that support read
// deadlines; the reactor type-asserts for it rather than requiring it of
// every SerialPort, mirroring how the XMODEM-protocol swap only needs a
// plain io.Reader/io.Writer.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// GPIODriver drives a named GPIO chip's pins through a sequence of boolean
// states with a uniform inter-step delay, returning all pins to input on
// exit. The concrete binding (per-line vs batched chip API) is an external
// collaborator; the core only calls this abstract operation.
type GPIODriver interface {
	DrivePattern(ctx context.Context, chip string, pinStates map[int][]bool, delay time.Duration) error
}

// NoopGPIODriver logs the requested pattern and does nothing, standing in
// for the out-of-scope hardware binding in tests and non-GPIO deployments.
type NoopGPIODriver struct {
	Logger *slog.Logger
}

func (d *NoopGPIODriver) DrivePattern(ctx context.Context, chip string, pinStates map[int][]bool, delay time.Duration) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("gpio drive pattern (noop)", "chip", chip, "pins", pinStates, "delay", delay)
	return nil
}

// ResetTarget names a device SKU's reset strategy.
type ResetTarget string

const (
	ResetTargetYellow ResetTarget = "yellow"
	ResetTargetIHost  ResetTarget = "ihost"
	ResetTargetSLZB07 ResetTarget = "slzb07"
)

// GPIOConfig is one reset target's pin-state pattern: an ordered list of
// (chip, pin->states) steps applied with a uniform delay between them.
type GPIOConfig struct {
	Chip      string
	PinStates map[int][]bool
	Delay     time.Duration
}

// GPIOConfigs mirrors the per-SKU GPIO reset patterns: Yellow toggles pins
// 24/25 with a 100ms delay; iHost and SLZB07 use their own chip/pin
// mappings.
var GPIOConfigs = map[ResetTarget]GPIOConfig{
	ResetTargetYellow: {
		Chip: "/dev/gpiochip0",
		PinStates: map[int][]bool{
			24: {true, false, false, true},
			25: {true, false, true, true},
		},
		Delay: 100 * time.Millisecond,
	},
	ResetTargetIHost: {
		Chip: "/dev/gpiochip1",
		PinStates: map[int][]bool{
			27: {true, false, false, true},
			26: {true, false, true, true},
		},
		Delay: 100 * time.Millisecond,
	},
	ResetTargetSLZB07: {
		Chip: "cp210x",
		PinStates: map[int][]bool{
			5: {true, false, false, true},
			4: {true, false, true, true},
		},
		Delay: 100 * time.Millisecond,
	},
}
