package silabsflasher

import (
	"context"
	"io"
	"testing"
	"time"
)

// deviceHarness runs a GeckoBootloaderClient over a pipeTransport pair,
// handing the test the far end to script the device's side of the
// conversation.
func deviceHarness(t *testing.T) (client *GeckoBootloaderClient, far pipeTransport, stop func()) {
	t.Helper()

	near, farEnd := newPipeTransportPair()
	client = NewGeckoBootloaderClient(nil)

	ctx, cancel := context.WithCancel(context.Background())
	reactor := NewReactor(near, client, nil)
	client.Attach(reactor)

	go reactor.Run(ctx)
	if err := reactor.WaitConnected(context.Background()); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}

	return client, farEnd, func() {
		cancel()
		near.Close()
		farEnd.Close()
	}
}

const geckoMenuText = "\r\nGecko Bootloader v1.11.1\r\n1. upload gbl\r\n2. run\r\n3. ebl info\r\nBL > "

func TestGeckoBootloaderProbeParsesMenu(t *testing.T) {
	client, far, stop := deviceHarness(t)
	defer stop()

	go func() {
		cmd := make([]byte, 2)
		io.ReadFull(far, cmd[:1]) // "\n"
		io.ReadFull(far, cmd[1:]) // "3"
		far.Write([]byte(geckoMenuText))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := client.Probe(ctx)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if v.String() != "1.11.1" {
		t.Fatalf("version = %q, want 1.11.1", v.String())
	}
	if client.UploadImageType() != "gbl" {
		t.Fatalf("UploadImageType = %q, want gbl", client.UploadImageType())
	}
}

func TestGeckoBootloaderRunFirmwareNoFirmware(t *testing.T) {
	client, far, stop := deviceHarness(t)
	defer stop()

	go func() {
		cmd := make([]byte, 1)
		io.ReadFull(far, cmd) // "2"
		far.Write([]byte(geckoMenuText))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.RunFirmware(ctx)
	if err != ErrNoFirmware {
		t.Fatalf("err = %v, want ErrNoFirmware", err)
	}
}

func TestGeckoBootloaderRunFirmwareLaunches(t *testing.T) {
	client, far, stop := deviceHarness(t)
	defer stop()

	go func() {
		cmd := make([]byte, 1)
		io.ReadFull(far, cmd) // "2"
		// The menu never reappears: the application launched.
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.RunFirmware(ctx); err != nil {
		t.Fatalf("RunFirmware: %v", err)
	}
}

func TestGeckoBootloaderUploadFirmwareHappyPath(t *testing.T) {
	client, far, stop := deviceHarness(t)
	defer stop()

	data := make([]byte, xmodemBlockSize)

	go func() {
		cmd := make([]byte, 2)
		io.ReadFull(far, cmd[:1]) // "\n" from Probe
		io.ReadFull(far, cmd[1:]) // "3"
		far.Write([]byte(geckoMenuText))

		one := make([]byte, 1)
		io.ReadFull(far, one) // "1" (select upload)
		far.Write([]byte{'C'})

		block := make([]byte, 4+xmodemBlockSize+2)
		io.ReadFull(far, block)
		far.Write([]byte{xmodemACK})

		eot := make([]byte, 1)
		io.ReadFull(far, eot)
		far.Write([]byte{xmodemACK})

		far.Write([]byte("\r\nSerial upload complete\r\n\x00"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.UploadFirmware(ctx, data, nil); err != nil {
		t.Fatalf("UploadFirmware: %v", err)
	}
}

func TestGeckoBootloaderUploadFirmwareAborted(t *testing.T) {
	client, far, stop := deviceHarness(t)
	defer stop()

	data := make([]byte, xmodemBlockSize)

	go func() {
		cmd := make([]byte, 2)
		io.ReadFull(far, cmd[:1])
		io.ReadFull(far, cmd[1:])
		far.Write([]byte(geckoMenuText))

		one := make([]byte, 1)
		io.ReadFull(far, one)
		far.Write([]byte{'C'})

		block := make([]byte, 4+xmodemBlockSize+2)
		io.ReadFull(far, block)
		far.Write([]byte{xmodemACK})

		eot := make([]byte, 1)
		io.ReadFull(far, eot)
		far.Write([]byte{xmodemACK})

		far.Write([]byte("\r\nSerial upload aborted\r\nbad crc\x00"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.UploadFirmware(ctx, data, nil)
	aborted, ok := err.(*UploadAbortedError)
	if !ok {
		t.Fatalf("err = %v (%T), want *UploadAbortedError", err, err)
	}
	if aborted.Message != "bad crc" {
		t.Fatalf("message = %q, want %q", aborted.Message, "bad crc")
	}
}
