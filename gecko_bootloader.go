package silabsflasher

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

const (
	geckoWaitingForMenu = iota
	geckoInMenu
	geckoWaitingUploadDone
	geckoUploadDone
)

// RunApplicationDelay is how long RunFirmware waits for the menu to
// reappear before concluding the application launched successfully.
const RunApplicationDelay = 100 * time.Millisecond

// uploadMenuReappearTimeout bounds how long UploadFirmware waits for the
// completion message/menu to reappear unprompted after an XMODEM transfer
// before forcing it with Probe.
const uploadMenuReappearTimeout = 500 * time.Millisecond

// geckoMenuRegex matches the bootloader's main menu text. <Type> is
// "Gecko" or "<vendor> Serial".
var geckoMenuRegex = regexp.MustCompile(`\r\n(?:Gecko|[\w-]+ Serial) Bootloader v([^\r\n]+)\r\n1\. upload (gbl|ebl)\r\n2\. run\r\n3\. ebl info\r\nBL > `)

// geckoUploadStatusRegex matches the post-transfer status line.
var geckoUploadStatusRegex = regexp.MustCompile(`\r\nSerial upload (complete|aborted)\r\n([^\x00]*)\x00?`)

// GeckoBootloaderClient drives the Gecko standalone bootloader's menu-text
// protocol and delegates firmware transfer to an XmodemSender.
type GeckoBootloaderClient struct {
	mu      sync.Mutex
	buf     []byte
	reactor *Reactor
	states  *StateMachine
	logger  *slog.Logger

	menuVersion   Version
	uploadType    string
	uploadStatus  string
	uploadMessage string
}

// NewGeckoBootloaderClient creates a client in WAITING_FOR_MENU; call
// Attach once its Reactor exists.
func NewGeckoBootloaderClient(logger *slog.Logger) *GeckoBootloaderClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeckoBootloaderClient{
		states: NewStateMachine(geckoWaitingForMenu),
		logger: logger,
	}
}

// Attach binds the client to the reactor it sends bytes through.
func (g *GeckoBootloaderClient) Attach(r *Reactor) {
	g.reactor = r
}

// OnBytes implements ByteHandler, dispatching to the parser appropriate
// for the current state.
func (g *GeckoBootloaderClient) OnBytes(data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.buf = append(g.buf, data...)

	switch g.states.State() {
	case geckoWaitingForMenu:
		if m := geckoMenuRegex.FindSubmatch(g.buf); m != nil {
			g.menuVersion = ParseVersion(string(m[1]))
			g.uploadType = string(m[2])
			g.buf = nil
			g.states.SetState(geckoInMenu)
		}
	case geckoWaitingUploadDone:
		if m := geckoUploadStatusRegex.FindSubmatch(g.buf); m != nil {
			g.uploadStatus = string(m[1])
			g.uploadMessage = string(m[2])
			g.buf = nil
			g.states.SetState(geckoUploadDone)
		}
	}
}

// Probe (also known as ebl_info) forces the menu to reprint and returns
// its reported version, bounded by a 2-second timeout.
func (g *GeckoBootloaderClient) Probe(ctx context.Context) (Version, error) {
	g.states.SetState(geckoWaitingForMenu)

	if err := g.reactor.Send([]byte("\n")); err != nil {
		return Version{}, err
	}
	if err := g.reactor.Send([]byte{'3'}); err != nil {
		return Version{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := g.states.WaitForState(pctx, geckoInMenu); err != nil {
		return Version{}, fmt.Errorf("%w: gecko bootloader probe", ErrTimeout)
	}

	g.mu.Lock()
	v := g.menuVersion
	g.mu.Unlock()
	return v, nil
}

// RunFirmware selects "run" from the menu. If the menu reappears within
// RunApplicationDelay, there is no application to launch and RunFirmware
// fails with ErrNoFirmware; if the window elapses without the menu
// reappearing, the application is assumed to have launched.
func (g *GeckoBootloaderClient) RunFirmware(ctx context.Context) error {
	g.states.SetState(geckoWaitingForMenu)
	if err := g.reactor.Send([]byte{'2'}); err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, RunApplicationDelay)
	defer cancel()
	if err := g.states.WaitForState(rctx, geckoInMenu); err == nil {
		return ErrNoFirmware
	}
	return nil
}

// UploadFirmware enters the menu, selects "upload", then pauses the
// reactor's read loop and leases the raw transport to an XmodemSender for
// the handshake and transfer, so the two goroutines never compete for the
// same bytes. Once the transfer finishes it resumes the reactor and
// confirms the device reports "complete".
func (g *GeckoBootloaderClient) UploadFirmware(ctx context.Context, data []byte, progress ProgressFunc) error {
	if _, err := g.Probe(ctx); err != nil {
		return err
	}

	if err := g.reactor.Pause(ctx); err != nil {
		return fmt.Errorf("silabsflasher: pausing reactor for xmodem transfer: %w", err)
	}
	defer g.reactor.Resume()

	g.states.SetState(geckoWaitingUploadDone)
	if err := g.reactor.Send([]byte{'1'}); err != nil {
		return err
	}

	transport := g.reactor.Transport()
	sender := NewXmodemSender(transport, transport, XmodemConfig{}, g.logger)

	if err := sender.Send(ctx, data, progress); err != nil {
		return err
	}

	g.reactor.Resume()

	menuCtx, cancel := context.WithTimeout(ctx, uploadMenuReappearTimeout)
	waitErr := g.states.WaitForState(menuCtx, geckoUploadDone)
	cancel()

	if waitErr != nil {
		if _, err := g.Probe(ctx); err != nil {
			return err
		}
	}

	g.mu.Lock()
	status := g.uploadStatus
	message := g.uploadMessage
	g.mu.Unlock()

	if status != "complete" {
		return &UploadAbortedError{Message: message}
	}
	return nil
}

// UploadImageType returns the upload format ("gbl" or "ebl") the last
// observed menu text advertised.
func (g *GeckoBootloaderClient) UploadImageType() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.uploadType
}
