package silabsflasher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// probeTimeout bounds every per-(method,baud) probe attempt.
const probeTimeout = 2 * time.Second

// ApplicationType identifies what is currently running on the device.
type ApplicationType string

const (
	ApplicationGeckoBootloader ApplicationType = "gecko_bootloader"
	ApplicationCPC             ApplicationType = "cpc"
	ApplicationEZSP            ApplicationType = "ezsp"
	ApplicationSpinel          ApplicationType = "spinel"
)

// FWImageTypeToApplicationType maps a firmware image's declared fw_type to
// the application expected to run it.
var FWImageTypeToApplicationType = map[FirmwareImageType]ApplicationType{
	FirmwareZigbeeNCP:     ApplicationEZSP,
	FirmwareMultiPAN:      ApplicationCPC,
	FirmwareOpenThreadRCP: ApplicationSpinel,
	FirmwareBootloader:    ApplicationGeckoBootloader,
}

// Dialer opens a duplex serial connection to device at baud. The
// underlying serial-port driver is an external collaborator; Dialer is
// this core's only hook into it.
type Dialer func(ctx context.Context, device string, baud int) (SerialPort, error)

// EZSPConnector opens an EZSP connection at device/baud, handing back the
// narrow EZSPClient surface this core consumes plus a close function.
// Mirrors the Python original's connect_ezsp(device, baud) helper — EZSP's
// own connection lifecycle is an external collaborator, not reimplemented
// here.
type EZSPConnector func(ctx context.Context, device string, baud int) (client EZSPClient, closeFn func() error, err error)

// Config is the Flasher's static configuration.
type Config struct {
	Device string
	Dial   Dialer

	// Baudrates maps each ApplicationType to the ordered list of baud
	// rates probed for it.
	Baudrates map[ApplicationType][]int
	// ProbeMethods is the ordered list of application types probed.
	ProbeMethods []ApplicationType

	GPIO        GPIODriver
	EZSPConnect EZSPConnector
	Logger      *slog.Logger
}

func (c Config) defaults() Config {
	if c.Baudrates == nil {
		c.Baudrates = map[ApplicationType][]int{
			ApplicationGeckoBootloader: {115200},
			ApplicationCPC:             {460800, 115200, 230400},
			ApplicationEZSP:            {115200},
			ApplicationSpinel:          {460800},
		}
	}
	if c.ProbeMethods == nil {
		c.ProbeMethods = []ApplicationType{ApplicationGeckoBootloader, ApplicationCPC, ApplicationEZSP, ApplicationSpinel}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.GPIO == nil {
		c.GPIO = &NoopGPIODriver{Logger: c.Logger}
	}
	return c
}

// probeResult is what a successful probe of one (method, baud) pair
// records. continueProbing is only meaningful for bootloader probes: true
// means the bootloader launched the application and the loop should move
// on to the next pair.
type probeResult struct {
	version         Version
	baudrate        int
	continueProbing bool
}

// FlashOptions tunes Flash's version/image-type compatibility policy and
// the hardware reset strategy used before probing.
type FlashOptions struct {
	AllowCrossFlashing bool
	EnsureExactVersion bool
	AllowDowngrades    bool
	Force              bool
	RunFirmware        bool
	YellowGPIOReset    bool
	SonoffReset        bool
	Progress           ProgressFunc
}

// Flasher is the top-level orchestrator: it probes the device, selects
// baud rates, enters the bootloader, uploads firmware, and enforces
// version/image-type compatibility.
type Flasher struct {
	cfg    Config
	logger *slog.Logger

	appType         ApplicationType
	appVersion      Version
	appBaudrate     int
	bootloaderProbe *probeResult
}

// NewFlasher constructs a Flasher. cfg.Dial must be set; everything else
// falls back to defaults.
func NewFlasher(cfg Config) *Flasher {
	cfg = cfg.defaults()
	return &Flasher{cfg: cfg, logger: cfg.Logger}
}

// AppType returns the application type discovered by the last successful
// probe.
func (f *Flasher) AppType() ApplicationType { return f.appType }

// AppVersion returns the version reported by the last successful probe.
func (f *Flasher) AppVersion() Version { return f.appVersion }

// AppBaudrate returns the baud rate the last successful probe succeeded
// at.
func (f *Flasher) AppBaudrate() int { return f.appBaudrate }

func (f *Flasher) driveGPIO(ctx context.Context, target ResetTarget) error {
	gpioCfg := GPIOConfigs[target]
	if err := f.cfg.GPIO.DrivePattern(ctx, gpioCfg.Chip, gpioCfg.PinStates, gpioCfg.Delay); err != nil {
		return fmt.Errorf("silabsflasher: gpio reset: %w", err)
	}
	return nil
}

// sonoffReset toggles DTR/RTS on the serial line to reset Sonoff-style
// adapters: DTR off + RTS on, wait 100ms, DTR on + RTS off, wait 500ms,
// DTR off.
func (f *Flasher) sonoffReset(ctx context.Context) error {
	baud := f.cfg.Baudrates[ApplicationGeckoBootloader][0]
	port, err := f.cfg.Dial(ctx, f.cfg.Device, baud)
	if err != nil {
		return fmt.Errorf("silabsflasher: sonoff reset: %w", err)
	}
	defer port.Close()

	steps := []struct {
		dtr, rts bool
		wait     time.Duration
	}{
		{false, true, 100 * time.Millisecond},
		{true, false, 500 * time.Millisecond},
		{false, false, 0},
	}

	for _, step := range steps {
		if err := port.SetDTR(step.dtr); err != nil {
			return err
		}
		if err := port.SetRTS(step.rts); err != nil {
			return err
		}
		if step.wait > 0 {
			select {
			case <-time.After(step.wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// probeBootloaderAt connects to the Gecko bootloader at baud, reads its
// version, then attempts run_firmware: NoFirmware means the bootloader has
// nothing to launch, so the probe records the bootloader as the running
// application; any other success means the bootloader launched the
// application and probing should continue to the next pair.
func (f *Flasher) probeBootloaderAt(ctx context.Context, baud int) (*probeResult, bool, error) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	transport, err := f.cfg.Dial(pctx, f.cfg.Device, baud)
	if err != nil {
		return nil, false, err
	}

	var result *probeResult
	client := NewGeckoBootloaderClient(f.logger)

	connErr := WithConnection(pctx, transport, client, f.logger, func(ctx context.Context, r *Reactor) error {
		client.Attach(r)

		v, err := client.Probe(ctx)
		if err != nil {
			return err
		}

		runErr := client.RunFirmware(ctx)
		if runErr != nil {
			if errors.Is(runErr, ErrNoFirmware) {
				result = &probeResult{version: v, baudrate: baud, continueProbing: false}
				return nil
			}
			return runErr
		}

		result = &probeResult{version: v, baudrate: baud, continueProbing: true}
		return nil
	})
	if connErr != nil {
		return nil, false, connErr
	}

	return result, result.continueProbing, nil
}

// probeAppAt connects to method at baud and returns its reported version.
func (f *Flasher) probeAppAt(ctx context.Context, method ApplicationType, baud int) (*probeResult, error) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	switch method {
	case ApplicationCPC:
		transport, err := f.cfg.Dial(pctx, f.cfg.Device, baud)
		if err != nil {
			return nil, err
		}
		client := NewCPCClient(f.logger)
		var version Version
		connErr := WithConnection(pctx, transport, client, f.logger, func(ctx context.Context, r *Reactor) error {
			client.Attach(r)
			v, err := client.Probe(ctx)
			if err != nil {
				return err
			}
			version = v
			return nil
		})
		if connErr != nil {
			return nil, connErr
		}
		return &probeResult{version: version, baudrate: baud}, nil

	case ApplicationSpinel:
		transport, err := f.cfg.Dial(pctx, f.cfg.Device, baud)
		if err != nil {
			return nil, err
		}
		client := NewSpinelClient(f.logger)
		var version Version
		connErr := WithConnection(pctx, transport, client, f.logger, func(ctx context.Context, r *Reactor) error {
			client.Attach(r)
			v, err := client.Probe(ctx)
			if err != nil {
				return err
			}
			version = v
			return nil
		})
		if connErr != nil {
			return nil, connErr
		}
		return &probeResult{version: version, baudrate: baud}, nil

	case ApplicationEZSP:
		if f.cfg.EZSPConnect == nil {
			return nil, fmt.Errorf("silabsflasher: no EZSPConnect configured")
		}
		client, closeFn, err := f.cfg.EZSPConnect(pctx, f.cfg.Device, baud)
		if err != nil {
			return nil, err
		}
		defer closeFn()

		_, _, versionStr, err := client.GetBoardInfo(pctx)
		if err != nil {
			return nil, err
		}
		return &probeResult{version: ParseVersion(versionStr), baudrate: baud}, nil

	default:
		return nil, fmt.Errorf("silabsflasher: unsupported probe method %s", method)
	}
}

// ProbeAppType is the central probe loop: it optionally drives a hardware
// reset, then walks the Cartesian product of probe methods × baud rates
// until one succeeds, falling back to the recorded bootloader probe if a
// reset was requested and every other pair failed. A failed probe never
// overwrites previously recorded app state.
func (f *Flasher) ProbeAppType(ctx context.Context, yellowGPIOReset, sonoffReset bool) error {
	if yellowGPIOReset {
		if err := f.driveGPIO(ctx, ResetTargetYellow); err != nil {
			return err
		}
	}
	if sonoffReset {
		if err := f.sonoffReset(ctx); err != nil {
			return err
		}
	}

	bootloaderProbed := false
	for _, method := range f.cfg.ProbeMethods {
		if method == ApplicationGeckoBootloader {
			if bootloaderProbed {
				continue
			}
			bootloaderProbed = true
		}

		for _, baud := range f.cfg.Baudrates[method] {
			if method == ApplicationGeckoBootloader {
				result, continueProbing, err := f.probeBootloaderAt(ctx, baud)
				if err != nil {
					f.logger.Debug("bootloader probe failed", "baud", baud, "error", err)
					continue
				}
				if !continueProbing {
					f.bootloaderProbe = result
					f.appType = ApplicationGeckoBootloader
					f.appVersion = result.version
					f.appBaudrate = result.baudrate
					return nil
				}
				continue
			}

			result, err := f.probeAppAt(ctx, method, baud)
			if err != nil {
				f.logger.Debug("probe failed", "method", method, "baud", baud, "error", err)
				continue
			}
			f.appType = method
			f.appVersion = result.version
			f.appBaudrate = result.baudrate
			return nil
		}
	}

	if (yellowGPIOReset || sonoffReset) && f.bootloaderProbe != nil {
		if yellowGPIOReset {
			if err := f.driveGPIO(ctx, ResetTargetYellow); err != nil {
				return err
			}
		}
		if sonoffReset {
			if err := f.sonoffReset(ctx); err != nil {
				return err
			}
		}
		f.appType = ApplicationGeckoBootloader
		f.appVersion = f.bootloaderProbe.version
		f.appBaudrate = f.bootloaderProbe.baudrate
		return nil
	}

	return ErrNoRunningApp
}

// discoverBootloaderBaud probes every configured bootloader baud rate with
// a plain ebl_info (no run_firmware attempt) until one answers, used when
// the bootloader's baud rate is unknown after EnterBootloader.
func (f *Flasher) discoverBootloaderBaud(ctx context.Context) (*probeResult, error) {
	for _, baud := range f.cfg.Baudrates[ApplicationGeckoBootloader] {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		transport, err := f.cfg.Dial(pctx, f.cfg.Device, baud)
		if err != nil {
			cancel()
			continue
		}

		var version Version
		client := NewGeckoBootloaderClient(f.logger)
		connErr := WithConnection(pctx, transport, client, f.logger, func(ctx context.Context, r *Reactor) error {
			client.Attach(r)
			v, err := client.Probe(ctx)
			if err != nil {
				return err
			}
			version = v
			return nil
		})
		cancel()

		if connErr == nil {
			return &probeResult{version: version, baudrate: baud}, nil
		}
	}
	return nil, ErrNoRunningApp
}

// EnterBootloader dispatches on the currently recorded application type to
// transition the device into the Gecko bootloader.
func (f *Flasher) EnterBootloader(ctx context.Context) error {
	switch f.appType {
	case ApplicationGeckoBootloader:
		// already there

	case ApplicationCPC:
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		transport, err := f.cfg.Dial(pctx, f.cfg.Device, f.appBaudrate)
		if err != nil {
			cancel()
			return err
		}
		client := NewCPCClient(f.logger)
		err = WithConnection(pctx, transport, client, f.logger, func(ctx context.Context, r *Reactor) error {
			client.Attach(r)
			return client.EnterBootloader(ctx)
		})
		cancel()
		if err != nil {
			return err
		}

	case ApplicationSpinel:
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		transport, err := f.cfg.Dial(pctx, f.cfg.Device, f.appBaudrate)
		if err != nil {
			cancel()
			return err
		}
		client := NewSpinelClient(f.logger)
		err = WithConnection(pctx, transport, client, f.logger, func(ctx context.Context, r *Reactor) error {
			client.Attach(r)
			return client.EnterBootloader(ctx)
		})
		cancel()
		if err != nil {
			return err
		}

	case ApplicationEZSP:
		if f.cfg.EZSPConnect == nil {
			return fmt.Errorf("silabsflasher: no EZSPConnect configured")
		}
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		client, closeFn, err := f.cfg.EZSPConnect(pctx, f.cfg.Device, f.appBaudrate)
		if err != nil {
			cancel()
			return err
		}
		_, err = client.LaunchStandaloneBootloader(pctx, EZSPLaunchBootloaderMode)
		cancel()
		_ = closeFn()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// EZSP is expected to go silent once the bootloader launches;
		// its own timeout here is treated as success.

	default:
		return ErrNoRunningApp
	}

	if f.bootloaderProbe == nil {
		result, err := f.discoverBootloaderBaud(ctx)
		if err != nil {
			return err
		}
		f.bootloaderProbe = result
	}

	f.appType = ApplicationGeckoBootloader
	f.appBaudrate = f.bootloaderProbe.baudrate
	f.appVersion = f.bootloaderProbe.version
	return nil
}

// FlashFirmware serializes and pads image, uploads it over the Gecko
// bootloader at the current baud rate, and optionally runs it.
func (f *Flasher) FlashFirmware(ctx context.Context, image Image, runFirmware bool, progress ProgressFunc) error {
	data := padToMultiple(image.Serialize(), xmodemBlockSize, 0xFF)

	transport, err := f.cfg.Dial(ctx, f.cfg.Device, f.appBaudrate)
	if err != nil {
		return err
	}

	client := NewGeckoBootloaderClient(f.logger)
	return WithConnection(ctx, transport, client, f.logger, func(ctx context.Context, r *Reactor) error {
		client.Attach(r)

		if _, err := client.Probe(ctx); err != nil {
			return err
		}
		if err := client.UploadFirmware(ctx, data, progress); err != nil {
			return err
		}
		if runFirmware {
			return client.RunFirmware(ctx)
		}
		return nil
	})
}

// runningFirmwareType maps the currently probed application type back to
// a FirmwareImageType for cross-flash comparison. CPC cannot be
// disambiguated further (MULTIPAN vs a ZIGBEE_NCP+OPENTHREAD_RCP combo);
// it is always treated as MULTIPAN, leaving finer disambiguation to
// metadata.
func (f *Flasher) runningFirmwareType() FirmwareImageType {
	switch f.appType {
	case ApplicationGeckoBootloader:
		return FirmwareBootloader
	case ApplicationEZSP:
		return FirmwareZigbeeNCP
	case ApplicationSpinel:
		return FirmwareOpenThreadRCP
	case ApplicationCPC:
		return FirmwareMultiPAN
	default:
		return FirmwareUnknown
	}
}

func reorderAppTypes(list []ApplicationType, front []ApplicationType) []ApplicationType {
	frontSet := make(map[ApplicationType]bool, len(front))
	for _, a := range front {
		frontSet[a] = true
	}

	out := make([]ApplicationType, 0, len(list))
	out = append(out, front...)
	for _, a := range list {
		if !frontSet[a] {
			out = append(out, a)
		}
	}
	return out
}

func reorderInts(list []int, front int) []int {
	out := make([]int, 0, len(list))
	out = append(out, front)
	for _, b := range list {
		if b != front {
			out = append(out, b)
		}
	}
	return out
}

// reorderProbeMethods pre-orders probe methods/baud rates per the
// firmware's declared metadata, putting the bootloader and the expected
// application type first (and the declared baud rate first in that
// application's baud-rate list).
func (f *Flasher) reorderProbeMethods(meta *NabuCasaMetadata) {
	if meta.FWType != nil {
		if expected, ok := FWImageTypeToApplicationType[*meta.FWType]; ok {
			f.cfg.ProbeMethods = reorderAppTypes(f.cfg.ProbeMethods, []ApplicationType{ApplicationGeckoBootloader, expected})

			if meta.Baudrate != nil {
				f.cfg.Baudrates[expected] = reorderInts(f.cfg.Baudrates[expected], *meta.Baudrate)
			}
		}
	}
}

// Flash runs the full policy: pre-order probing per the image's metadata,
// probe the device, compare the running firmware against the image, and —
// unless skipped — enter the bootloader and upload.
func (f *Flasher) Flash(ctx context.Context, image Image, opts FlashOptions) error {
	meta, metaErr := image.GetNabuCasaMetadata()
	if metaErr == nil {
		f.reorderProbeMethods(meta)
	}

	if err := f.ProbeAppType(ctx, opts.YellowGPIOReset, opts.SonoffReset); err != nil {
		return err
	}

	if !opts.Force && metaErr == nil && meta.FWType != nil {
		running := f.runningFirmwareType()
		if running != *meta.FWType {
			if !opts.AllowCrossFlashing {
				return &CrossFlashError{Running: running, Firmware: *meta.FWType}
			}
		} else if fwVersion := meta.PublicVersion(); fwVersion != nil {
			switch {
			case opts.EnsureExactVersion:
				if f.appVersion.Equal(*fwVersion) {
					f.logger.Info("exact firmware version already installed, skipping flash")
					return nil
				}
			case f.appVersion.CompatibleWith(*fwVersion):
				f.logger.Info("compatible firmware version already installed, skipping flash")
				return nil
			case f.appVersion.GreaterThan(*fwVersion) && !opts.AllowDowngrades:
				f.logger.Info("refusing apparent firmware downgrade", "running", f.appVersion, "image", *fwVersion)
				return nil
			}
		}
	}

	if err := f.EnterBootloader(ctx); err != nil {
		return err
	}

	return f.FlashFirmware(ctx, image, opts.RunFirmware, opts.Progress)
}
