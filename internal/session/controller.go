// Package session owns the smart-toggle state machine: whether the camera
// is capturing, idle, or in error/recovery. The current session is a value
// private to the Controller, reachable only through its transitions.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JamesjinKim/livecam2/internal/capture"
	"github.com/JamesjinKim/livecam2/internal/encoder"
	"github.com/JamesjinKim/livecam2/internal/platform/metrics"
	"github.com/JamesjinKim/livecam2/internal/store"
)

// State is the controller's externally visible state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// ErrBusy is returned when a toggle arrives while another transition is in
// flight. Concurrent toggles are rejected, never queued, so the device can
// never be double-opened.
var ErrBusy = errors.New("session: transition in progress")

// SegmentStore is the controller's view of the stream store.
type SegmentStore interface {
	Write(store.Segment) error
	Clear() error
}

// Publisher receives every captured frame for viewer fan-out.
type Publisher interface {
	Publish(capture.Frame)
}

// Config bounds the controller's transitions.
type Config struct {
	Device capture.Device

	SegmentDuration   time.Duration
	StoreFailureLimit int

	OpenTimeout   time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	StopGrace     time.Duration
}

// Controller runs the toggle state machine. One transition at a time; the
// active session owns exactly one open device handle, released before the
// controller reports Idle or Error.
type Controller struct {
	cfg       Config
	newSource capture.Factory
	store     SegmentStore
	hub       Publisher
	log       *slog.Logger
	met       *metrics.Metrics

	// toggleMu serializes transitions. TryLock failure is the Busy signal.
	toggleMu sync.Mutex

	mu         sync.RWMutex
	state      State
	lastErr    error
	sess       *activeSession
	device     capture.Device
	lastSwitch time.Time
}

// activeSession bundles everything owned by one continuous capture period.
type activeSession struct {
	id        string
	startedAt time.Time
	pipe      *encoder.Pipeline
	pipeIn    chan capture.Frame
	fatal     chan error
	cancel    context.CancelFunc
	done      chan struct{} // closed when the supervisor exits

	mu  sync.Mutex
	src capture.Source
}

func (s *activeSession) source() capture.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

func (s *activeSession) setSource(src capture.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = src
}

// NewController wires the state machine to a source factory, store, and
// viewer hub. met may be nil.
func NewController(cfg Config, newSource capture.Factory, st SegmentStore, hub Publisher, log *slog.Logger, met *metrics.Metrics) *Controller {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		newSource: newSource,
		store:     st,
		hub:       hub,
		log:       log,
		met:       met,
		state:     StateIdle,
		device:    cfg.Device,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the error behind the current Error state, if any.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// SessionID returns the active session's identity, or "" outside a session.
func (c *Controller) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// ActiveDevice returns the device capture currently targets. Outside a
// session this is the device the next toggle-on will open.
func (c *Controller) ActiveDevice() capture.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// LastSwitch returns when the capture target last changed, if it ever has.
func (c *Controller) LastSwitch() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSwitch, !c.lastSwitch.IsZero()
}

// SessionStart returns when the active session started capturing.
func (c *Controller) SessionStart() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return time.Time{}, false
	}
	return c.sess.startedAt, true
}

// Toggle flips the capture state: off when Active, on when Idle or in
// Error. A toggle racing another transition returns ErrBusy immediately.
func (c *Controller) Toggle(ctx context.Context) (State, error) {
	if !c.toggleMu.TryLock() {
		return c.State(), ErrBusy
	}
	defer c.toggleMu.Unlock()

	var (
		state State
		err   error
	)
	switch c.State() {
	case StateActive:
		state, err = c.stopLocked(ctx, StateIdle, nil)
	case StateIdle, StateError:
		state, err = c.startLocked(ctx)
	default:
		return c.State(), ErrBusy
	}
	if err == nil {
		// Counted here and only here, so rejected and failed toggles never
		// inflate the metric.
		c.met.IncToggles()
	}
	return state, err
}

// Switch retargets capture to another device: the running session, if any,
// is stopped first, then a fresh one starts on the requested path. Busy
// semantics match Toggle; switching to the already-active device while
// capturing is a no-op. The capture format carries over from the previous
// target.
func (c *Controller) Switch(ctx context.Context, path string) (State, error) {
	if !c.toggleMu.TryLock() {
		return c.State(), ErrBusy
	}
	defer c.toggleMu.Unlock()

	if c.ActiveDevice().Path == path && c.State() == StateActive {
		return StateActive, nil
	}

	// A supervisor mid-recovery still owns a handle; refuse to retarget
	// under it, same as a toggle would.
	c.mu.RLock()
	remnant := c.sess
	c.mu.RUnlock()
	if remnant != nil && c.State() != StateActive {
		select {
		case <-remnant.done:
		default:
			return c.State(), ErrBusy
		}
	}

	if c.State() == StateActive {
		if _, err := c.stopLocked(ctx, StateIdle, nil); err != nil {
			return c.State(), err
		}
	}

	c.mu.Lock()
	dev := c.device
	dev.Path = path
	c.device = dev
	c.lastSwitch = time.Now()
	c.mu.Unlock()

	c.log.Info("switching capture device", slog.String("device", path))
	state, err := c.startLocked(ctx)
	if err == nil {
		c.met.IncSwitches()
	}
	return state, err
}

// ForceStop stops any running or recovering session, waiting for in-flight
// transitions instead of rejecting. Used by the protection monitor and by
// shutdown.
func (c *Controller) ForceStop(ctx context.Context) error {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()

	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess == nil {
		return nil
	}
	_, err := c.stopLocked(ctx, StateIdle, nil)
	return err
}

// startLocked runs toggle-on. Caller holds toggleMu.
func (c *Controller) startLocked(ctx context.Context) (State, error) {
	c.mu.RLock()
	remnant := c.sess
	c.mu.RUnlock()

	if remnant != nil {
		select {
		case <-remnant.done:
			// Supervisor exhausted its retries and exited; reclaim the
			// leftover pipeline before starting fresh.
			c.teardown(remnant)
		default:
			// Automatic recovery is still in flight.
			return c.State(), ErrBusy
		}
	}

	c.setState(StateStarting, nil)

	// Fresh session, fresh store: sequence numbers restart at 1.
	if err := c.store.Clear(); err != nil {
		c.log.Warn("clear store before start", slog.String("error", err.Error()))
	}

	dev := c.ActiveDevice()
	src := c.newSource(dev)
	openCtx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	err := src.Open(openCtx)
	cancel()
	if err != nil {
		c.met.IncDeviceErrors()
		c.setState(StateError, err)
		c.log.Error("device open failed",
			slog.String("device", dev.Path),
			slog.String("error", err.Error()))
		return StateError, err
	}

	sess := &activeSession{
		id:        uuid.New().String(),
		startedAt: time.Now(),
		pipeIn:    make(chan capture.Frame, 16),
		fatal:     make(chan error, 1),
		done:      make(chan struct{}),
		src:       src,
	}

	pipe := encoder.New(encoder.Config{
		SegmentDuration: c.cfg.SegmentDuration,
		FailureLimit:    c.cfg.StoreFailureLimit,
	}, sess.id, c.store, c.log, c.met)
	pipe.OnFatal = func(err error) {
		select {
		case sess.fatal <- err:
		default:
		}
	}
	sess.pipe = pipe
	pipe.Start(sess.pipeIn)

	supCtx, supCancel := context.WithCancel(context.Background())
	sess.cancel = supCancel

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	go c.supervise(supCtx, sess)

	c.setState(StateActive, nil)
	c.log.Info("session started",
		slog.String("session_id", sess.id),
		slog.String("device", dev.Path))
	return StateActive, nil
}

// stopLocked runs toggle-off: cancel the supervisor, close the device,
// drain the encoder, clear the store, then report the final state. Caller
// holds toggleMu.
func (c *Controller) stopLocked(_ context.Context, final State, cause error) (State, error) {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess == nil {
		c.setState(final, cause)
		return final, nil
	}

	c.setState(StateStopping, nil)
	c.teardown(sess)

	if err := c.store.Clear(); err != nil {
		c.log.Warn("clear store on stop", slog.String("error", err.Error()))
	}

	c.setState(final, cause)
	c.log.Info("session stopped", slog.String("session_id", sess.id))
	return final, nil
}

// teardown releases everything a session owns: supervisor, device handle,
// encoder pipeline. Closing the source ends the frame stream, which lets the
// supervisor's pump and then the supervisor itself exit; a reopen racing the
// cancellation may swap in a fresh handle, so the close repeats until the
// supervisor is gone.
func (c *Controller) teardown(sess *activeSession) {
	sess.cancel()
	for {
		c.closeSource(sess.source())
		select {
		case <-sess.done:
		case <-time.After(100 * time.Millisecond):
			continue
		}
		break
	}

	close(sess.pipeIn)
	sess.pipe.Wait()

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
}

// supervise owns the running session: it pumps frames to the hub and
// encoder, watches for device loss, and runs the bounded reopen policy.
// It exits when the session context is cancelled, the store fails fatally,
// or the retry budget is exhausted.
func (c *Controller) supervise(ctx context.Context, sess *activeSession) {
	defer close(sess.done)

	src := sess.source()
	for {
		pumpDone := make(chan struct{})
		go func(s capture.Source) {
			defer close(pumpDone)
			for frame := range s.Frames() {
				c.hub.Publish(frame)
				select {
				case sess.pipeIn <- frame:
				default:
					// Encoder input stalled; favor live viewers and let
					// the segment feed gap.
				}
			}
		}(src)

		select {
		case <-ctx.Done():
			<-pumpDone
			return

		case err := <-sess.fatal:
			c.log.Error("store failure limit exceeded, stopping session",
				slog.String("session_id", sess.id),
				slog.String("error", err.Error()))
			go func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StopGrace)
				defer cancel()
				c.toggleMu.Lock()
				defer c.toggleMu.Unlock()
				c.mu.RLock()
				current := c.sess
				c.mu.RUnlock()
				if current != sess {
					// A toggle got here first; nothing left to stop.
					return
				}
				_, _ = c.stopLocked(stopCtx, StateError, err)
			}()
			<-ctx.Done()
			<-pumpDone
			return

		case err := <-src.Errors():
			c.met.IncDeviceErrors()
			c.setState(StateError, err)
			c.log.Warn("device lost",
				slog.String("session_id", sess.id),
				slog.String("error", err.Error()))
			<-pumpDone
			c.closeSource(src)

			next, ok := c.reopen(ctx)
			if !ok {
				// Retries exhausted (or stop requested). The handle is
				// released; the state stays Error until a manual toggle.
				return
			}
			if ctx.Err() != nil {
				// Stop won the race with the reopen; drop the new handle.
				c.closeSource(next)
				return
			}
			sess.setSource(next)
			src = next
			c.setState(StateActive, nil)
			c.log.Info("device recovered", slog.String("session_id", sess.id))
		}
	}
}

// reopen attempts a bounded number of device reopens with exponential
// backoff. Returns false when the budget is exhausted or ctx is cancelled.
func (c *Controller) reopen(ctx context.Context) (capture.Source, bool) {
	backoff := c.cfg.RetryBackoff
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		c.setState(StateStarting, nil)
		src := c.newSource(c.ActiveDevice())
		openCtx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
		err := src.Open(openCtx)
		cancel()
		if err == nil {
			return src, true
		}

		c.met.IncDeviceErrors()
		c.setState(StateError, err)
		c.log.Warn("reopen failed",
			slog.Int("attempt", attempt),
			slog.Int("budget", c.cfg.RetryAttempts),
			slog.String("error", err.Error()))
		backoff *= 2
	}
	return nil, false
}

// closeSource releases a device handle, reaping its capture process.
// Nil-safe and safe to call repeatedly; Source.Close is idempotent.
func (c *Controller) closeSource(src capture.Source) {
	if src == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StopGrace)
	defer cancel()
	if err := src.Close(closeCtx); err != nil {
		c.log.Warn("source close", slog.String("error", err.Error()))
	}
}

func (c *Controller) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.lastErr = err
	c.mu.Unlock()
}
