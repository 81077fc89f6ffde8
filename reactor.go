package silabsflasher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// connectTimeout bounds how long WithConnection waits for the reactor to
// signal it has started pumping bytes.
const connectTimeout = 1 * time.Second

// reactorPollInterval is the read deadline Run sets on transports that
// support one, so Pause can park the loop within one poll interval instead
// of waiting on an unbounded blocking Read.
const reactorPollInterval = 50 * time.Millisecond

// reactorYieldPause is a cooperative pause after disconnect; some host OSes
// need a moment before the serial port can be reopened.
const reactorYieldPause = 50 * time.Millisecond

// ByteHandler consumes bytes delivered by a Reactor and drives its own
// incremental parser. The Gecko bootloader client, the CPC client, and the
// Spinel client are all ByteHandlers.
type ByteHandler interface {
	OnBytes(data []byte)
}

// StateMachine holds a single current state plus a set of waiters keyed by
// the state they are waiting to observe. Used by the Gecko bootloader
// client, whose menu parser drives state transitions that other
// goroutines (Probe, RunFirmware, UploadFirmware) wait on.
type StateMachine struct {
	mu      sync.Mutex
	state   int
	waiters []*stateWaiter
}

type stateWaiter struct {
	state int
	done  chan struct{}
}

// NewStateMachine creates a StateMachine in the given initial state.
func NewStateMachine(initial int) *StateMachine {
	return &StateMachine{state: initial}
}

// State returns the current state.
func (m *StateMachine) State() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState transitions to state and broadcasts to every waiter registered
// for that state.
func (m *StateMachine) SetState(state int) {
	m.mu.Lock()
	m.state = state
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if w.state == state {
			close(w.done)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
	m.mu.Unlock()
}

// WaitForState blocks until the machine enters state, or ctx is done. If
// already in state, it returns immediately.
func (m *StateMachine) WaitForState(ctx context.Context, state int) error {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return nil
	}
	w := &stateWaiter{state: state, done: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		m.removeWaiter(w)
		return ctx.Err()
	}
}

func (m *StateMachine) removeWaiter(target *stateWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == target {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// PendingMap pairs requests with responses by a comparable key (CPC's
// command_seq, Spinel's transaction_id). Entries are inserted before the
// triggering send and removed on both success and cancellation.
type PendingMap[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]chan V
}

// NewPendingMap creates an empty PendingMap.
func NewPendingMap[K comparable, V any]() *PendingMap[K, V] {
	return &PendingMap[K, V]{entries: make(map[K]chan V)}
}

// Register inserts a single-shot waiter for key. wait blocks for the
// response or ctx; cleanup must always be deferred to remove the entry.
func (p *PendingMap[K, V]) Register(key K) (wait func(ctx context.Context) (V, error), cleanup func()) {
	ch := make(chan V, 1)

	p.mu.Lock()
	p.entries[key] = ch
	p.mu.Unlock()

	cleanup = func() {
		p.mu.Lock()
		delete(p.entries, key)
		p.mu.Unlock()
	}

	wait = func(ctx context.Context) (V, error) {
		var zero V
		select {
		case v := <-ch:
			return v, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return wait, cleanup
}

// Resolve delivers value to the waiter registered under key, if any. ok is
// false for unsolicited responses, which the caller should log and discard.
func (p *PendingMap[K, V]) Resolve(key K, value V) (ok bool) {
	p.mu.Lock()
	ch, found := p.entries[key]
	p.mu.Unlock()
	if !found {
		return false
	}
	select {
	case ch <- value:
	default:
	}
	return true
}

// Reactor owns a transport and pumps bytes read from it to a ByteHandler.
// Subclasses in the source model are, here, ByteHandler implementations
// constructed around a Reactor's Send method.
type Reactor struct {
	transport io.ReadWriteCloser
	handler   ByteHandler
	logger    *slog.Logger

	connected chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	paused   bool
	pauseAck chan struct{}
	resumeCh chan struct{}
}

// NewReactor constructs a Reactor over transport, delivering received bytes
// to handler.
func NewReactor(transport io.ReadWriteCloser, handler ByteHandler, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		transport: transport,
		handler:   handler,
		logger:    logger,
		connected: make(chan struct{}),
		resumeCh:  make(chan struct{}),
	}
}

func isReadTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Run reads from the transport until it closes, EOFs, or ctx is cancelled,
// delivering every chunk read to the handler. It closes the "connected"
// signal as soon as it starts reading.
//
// When the transport supports read deadlines (the deadlineSetter
// interface), Run polls with a short deadline instead of blocking
// indefinitely, so a pending Pause can park the loop within one poll
// interval rather than waiting on an unbounded Read.
func (r *Reactor) Run(ctx context.Context) error {
	var once sync.Once
	once.Do(func() { close(r.connected) })

	deadliner, hasDeadline := r.transport.(deadlineSetter)
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.mu.Lock()
		if r.paused {
			ack := r.pauseAck
			r.pauseAck = nil
			resumeCh := r.resumeCh
			r.mu.Unlock()

			if ack != nil {
				close(ack)
			}
			select {
			case <-resumeCh:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		r.mu.Unlock()

		if hasDeadline {
			_ = deadliner.SetReadDeadline(time.Now().Add(reactorPollInterval))
		}

		n, err := r.transport.Read(buf)
		if n > 0 {
			r.handler.OnBytes(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if hasDeadline && isReadTimeout(err) {
				continue
			}
			return fmt.Errorf("silabsflasher: reactor read: %w", err)
		}
	}
}

// Pause stops Run from issuing further transport reads once any read
// already in flight delivers (or, on a deadline-polling transport, within
// one poll interval) and blocks until the loop has parked. Call Resume to
// restart reading. This is the handoff GeckoBootloaderClient.UploadFirmware
// uses before leasing the raw transport to an XmodemSender: without it, the
// reactor's own read loop would race the sender for the same bytes.
//
// On a transport with no read deadline support, Pause can only park the
// loop between reads and may block until the next byte arrives; callers on
// such transports should expect Pause to be best-effort.
func (r *Reactor) Pause(ctx context.Context) error {
	r.mu.Lock()
	if r.paused {
		r.mu.Unlock()
		return nil
	}
	r.paused = true
	ack := make(chan struct{})
	r.pauseAck = ack
	r.mu.Unlock()

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume restarts Run's read loop after Pause. Safe to call when not
// paused.
func (r *Reactor) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return
	}
	r.paused = false
	close(r.resumeCh)
	r.resumeCh = make(chan struct{})
}

// Transport returns the raw underlying transport, letting a protocol
// client temporarily lease it to a raw byte-stream operation (the XMODEM
// transfer inside the Gecko bootloader client) and hand it back afterward.
func (r *Reactor) Transport() io.ReadWriteCloser {
	return r.transport
}

// Send writes data to the transport.
func (r *Reactor) Send(data []byte) error {
	_, err := r.transport.Write(data)
	if err != nil {
		return fmt.Errorf("silabsflasher: reactor write: %w", err)
	}
	return nil
}

// WaitConnected blocks until Run has started reading, or ctx is done.
func (r *Reactor) WaitConnected(ctx context.Context) error {
	select {
	case <-r.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the transport. Safe to call more than once.
func (r *Reactor) Disconnect() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.transport.Close()
	})
	return err
}

// WithConnection opens a reactor over transport, waits for it to start
// reading under a 1-second connect timeout, runs fn with the reactor, then
// always disconnects and pauses briefly before returning — the "lease and
// guaranteed teardown" pattern every protocol client's Probe/enter-bootloader
// call sits inside.
func WithConnection(ctx context.Context, transport io.ReadWriteCloser, handler ByteHandler, logger *slog.Logger, fn func(ctx context.Context, r *Reactor) error) error {
	reactor := NewReactor(transport, handler, logger)

	runDone := make(chan error, 1)
	go func() { runDone <- reactor.Run(ctx) }()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := reactor.WaitConnected(connectCtx); err != nil {
		_ = reactor.Disconnect()
		return fmt.Errorf("%w: connect", ErrTimeout)
	}

	defer func() {
		_ = reactor.Disconnect()
		time.Sleep(reactorYieldPause)
	}()

	return fn(ctx, reactor)
}
