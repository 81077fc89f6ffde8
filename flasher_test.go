package silabsflasher

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReorderAppTypesPromotesSpinelScenario(t *testing.T) {
	list := []ApplicationType{ApplicationGeckoBootloader, ApplicationCPC, ApplicationEZSP, ApplicationSpinel}
	got := reorderAppTypes(list, []ApplicationType{ApplicationGeckoBootloader, ApplicationSpinel})
	want := []ApplicationType{ApplicationGeckoBootloader, ApplicationSpinel, ApplicationCPC, ApplicationEZSP}
	require.Equal(t, want, got)
}

func TestReorderIntsPromotesDeclaredBaud(t *testing.T) {
	got := reorderInts([]int{460800, 115200, 230400}, 115200)
	want := []int{115200, 460800, 230400}
	require.Equal(t, want, got)
}

func TestRunningFirmwareTypeMapping(t *testing.T) {
	cases := map[ApplicationType]FirmwareImageType{
		ApplicationGeckoBootloader: FirmwareBootloader,
		ApplicationEZSP:            FirmwareZigbeeNCP,
		ApplicationSpinel:          FirmwareOpenThreadRCP,
		ApplicationCPC:             FirmwareMultiPAN,
	}
	for appType, want := range cases {
		f := &Flasher{appType: appType}
		if got := f.runningFirmwareType(); got != want {
			t.Errorf("runningFirmwareType(%s) = %s, want %s", appType, got, want)
		}
	}
}

// fakeSerialPort adapts a net.Conn (from net.Pipe) into a SerialPort, the
// way a real USB-serial driver's DTR/RTS lines would sit atop its byte
// stream.
type fakeSerialPort struct {
	net.Conn
}

func (f *fakeSerialPort) SetDTR(on bool) error { return nil }
func (f *fakeSerialPort) SetRTS(on bool) error { return nil }

func newFakeSerialPortPair() (*fakeSerialPort, net.Conn) {
	a, b := net.Pipe()
	return &fakeSerialPort{Conn: a}, b
}

// serveGeckoMenuOnce answers one "\n"+"3" ebl_info probe with geckoMenuText.
func serveGeckoMenuOnce(far net.Conn) {
	buf := make([]byte, 2)
	io.ReadFull(far, buf[:1])
	io.ReadFull(far, buf[1:])
	far.Write([]byte(geckoMenuText))
}

type fakeEZSPClient struct {
	version   string
	launchErr error
}

func (c *fakeEZSPClient) GetBoardInfo(ctx context.Context) (string, string, string, error) {
	return "NabuCasa", "SkyConnect", c.version, nil
}

func (c *fakeEZSPClient) LaunchStandaloneBootloader(ctx context.Context, mode byte) (EmberStatus, error) {
	return EmberStatusSuccess, c.launchErr
}

func (c *fakeEZSPClient) GetEUI64(ctx context.Context) ([8]byte, error) {
	return [8]byte{}, nil
}

func (c *fakeEZSPClient) CanWriteCustomEUI64(ctx context.Context) (bool, error) {
	return true, nil
}

func (c *fakeEZSPClient) SetMfgToken(ctx context.Context, tokenID uint16, value []byte) (EmberStatus, error) {
	return EmberStatusSuccess, nil
}

func (c *fakeEZSPClient) GetConfigurationValue(ctx context.Context, id uint8) (EmberStatus, uint16, error) {
	return EmberStatusSuccess, 0, nil
}

func TestFlasherProbeAppTypeFindsBootloaderWithNoFirmware(t *testing.T) {
	near, far := newFakeSerialPortPair()
	defer far.Close()

	go func() {
		serveGeckoMenuOnce(far) // ebl_info (Probe)

		one := make([]byte, 1)
		io.ReadFull(far, one) // "2" (RunFirmware)
		far.Write([]byte(geckoMenuText))
	}()

	f := NewFlasher(Config{
		Device:       "fake",
		Dial:         func(ctx context.Context, device string, baud int) (SerialPort, error) { return near, nil },
		ProbeMethods: []ApplicationType{ApplicationGeckoBootloader},
		Baudrates:    map[ApplicationType][]int{ApplicationGeckoBootloader: {115200}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := f.ProbeAppType(ctx, false, false); err != nil {
		t.Fatalf("ProbeAppType: %v", err)
	}
	if f.AppType() != ApplicationGeckoBootloader {
		t.Fatalf("AppType = %v, want bootloader", f.AppType())
	}
	if f.AppVersion().String() != "1.11.1" {
		t.Fatalf("AppVersion = %v, want 1.11.1", f.AppVersion())
	}
	if f.AppBaudrate() != 115200 {
		t.Fatalf("AppBaudrate = %d, want 115200", f.AppBaudrate())
	}
}

func TestFlasherProbeAppTypeFallsThroughToEZSP(t *testing.T) {
	dialFails := func(ctx context.Context, device string, baud int) (SerialPort, error) {
		return nil, errors.New("no such device")
	}
	ezspConnect := func(ctx context.Context, device string, baud int) (EZSPClient, func() error, error) {
		return &fakeEZSPClient{version: "7.4.1.0"}, func() error { return nil }, nil
	}

	f := NewFlasher(Config{
		Device:       "fake",
		Dial:         dialFails,
		ProbeMethods: []ApplicationType{ApplicationGeckoBootloader, ApplicationEZSP},
		Baudrates: map[ApplicationType][]int{
			ApplicationGeckoBootloader: {115200},
			ApplicationEZSP:            {115200},
		},
		EZSPConnect: ezspConnect,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := f.ProbeAppType(ctx, false, false); err != nil {
		t.Fatalf("ProbeAppType: %v", err)
	}
	if f.AppType() != ApplicationEZSP {
		t.Fatalf("AppType = %v, want ezsp", f.AppType())
	}
	if f.AppVersion().String() != "7.4.1.0" {
		t.Fatalf("AppVersion = %v, want 7.4.1.0", f.AppVersion())
	}
}

func TestFlasherProbeAppTypeNoRunningApp(t *testing.T) {
	dialFails := func(ctx context.Context, device string, baud int) (SerialPort, error) {
		return nil, errors.New("no such device")
	}

	f := NewFlasher(Config{
		Device:       "fake",
		Dial:         dialFails,
		ProbeMethods: []ApplicationType{ApplicationGeckoBootloader},
		Baudrates:    map[ApplicationType][]int{ApplicationGeckoBootloader: {115200}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := f.ProbeAppType(ctx, false, false); !errors.Is(err, ErrNoRunningApp) {
		t.Fatalf("err = %v, want ErrNoRunningApp", err)
	}
}

func TestFlasherEnterBootloaderFromEZSPTreatsTimeoutAsSuccess(t *testing.T) {
	near, far := newFakeSerialPortPair()
	defer far.Close()

	go serveGeckoMenuOnce(far) // discoverBootloaderBaud's ebl_info probe

	ezspConnect := func(ctx context.Context, device string, baud int) (EZSPClient, func() error, error) {
		return &fakeEZSPClient{launchErr: context.DeadlineExceeded}, func() error { return nil }, nil
	}

	f := NewFlasher(Config{
		Device:      "fake",
		Dial:        func(ctx context.Context, device string, baud int) (SerialPort, error) { return near, nil },
		EZSPConnect: ezspConnect,
		Baudrates: map[ApplicationType][]int{
			ApplicationGeckoBootloader: {115200},
			ApplicationEZSP:            {115200},
		},
	})
	f.appType = ApplicationEZSP
	f.appBaudrate = 115200

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := f.EnterBootloader(ctx); err != nil {
		t.Fatalf("EnterBootloader: %v", err)
	}
	if f.AppType() != ApplicationGeckoBootloader {
		t.Fatalf("AppType = %v, want bootloader", f.AppType())
	}
	if f.AppBaudrate() != 115200 {
		t.Fatalf("AppBaudrate = %d, want 115200", f.AppBaudrate())
	}
}

func TestFlasherEnterBootloaderAlreadyThere(t *testing.T) {
	f := &Flasher{appType: ApplicationGeckoBootloader, bootloaderProbe: &probeResult{baudrate: 115200}}
	if err := f.EnterBootloader(context.Background()); err != nil {
		t.Fatalf("EnterBootloader: %v", err)
	}
}

func TestFlashRejectsCrossFlashByDefault(t *testing.T) {
	near, far := newFakeSerialPortPair()
	defer far.Close()

	go func() {
		serveGeckoMenuOnce(far)
		one := make([]byte, 1)
		io.ReadFull(far, one)
		far.Write([]byte(geckoMenuText)) // no firmware, RunFirmware -> ErrNoFirmware
	}()

	metadata := []byte(`{"metadata_version": 2, "fw_type": "zigbee_ncp", "ezsp_version": "7.4.1.0"}`)
	data := buildGBL(t, metadata)
	image, err := ParseGBL(data)
	if err != nil {
		t.Fatalf("ParseGBL: %v", err)
	}

	f := NewFlasher(Config{
		Device:       "fake",
		Dial:         func(ctx context.Context, device string, baud int) (SerialPort, error) { return near, nil },
		ProbeMethods: []ApplicationType{ApplicationGeckoBootloader},
		Baudrates:    map[ApplicationType][]int{ApplicationGeckoBootloader: {115200}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = f.Flash(ctx, image, FlashOptions{})
	var crossErr *CrossFlashError
	if !errors.As(err, &crossErr) {
		t.Fatalf("err = %v, want *CrossFlashError", err)
	}
	if crossErr.Running != FirmwareBootloader || crossErr.Firmware != FirmwareZigbeeNCP {
		t.Fatalf("CrossFlashError = %+v, unexpected fields", crossErr)
	}
}

func TestFlashSkipsWhenCompatibleVersionAlreadyRunning(t *testing.T) {
	ezspConnect := func(ctx context.Context, device string, baud int) (EZSPClient, func() error, error) {
		return &fakeEZSPClient{version: "7.4.1.0"}, func() error { return nil }, nil
	}

	metadata := []byte(`{"metadata_version": 2, "fw_type": "zigbee_ncp", "ezsp_version": "7.4.1.0"}`)
	data := buildGBL(t, metadata)
	image, err := ParseGBL(data)
	if err != nil {
		t.Fatalf("ParseGBL: %v", err)
	}

	f := NewFlasher(Config{
		Device:       "fake",
		Dial:         func(ctx context.Context, device string, baud int) (SerialPort, error) { return nil, errors.New("should not dial") },
		ProbeMethods: []ApplicationType{ApplicationEZSP},
		Baudrates:    map[ApplicationType][]int{ApplicationEZSP: {115200}},
		EZSPConnect:  ezspConnect,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, f.Flash(ctx, image, FlashOptions{}))
}
