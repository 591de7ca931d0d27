package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JamesjinKim/livecam2/internal/capture"
	"github.com/JamesjinKim/livecam2/internal/platform/metrics"
	"github.com/JamesjinKim/livecam2/internal/store"
	"github.com/JamesjinKim/livecam2/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSource is an in-memory stand-in for a device handle. disconnect()
// simulates mid-session device loss.
type fakeSource struct {
	dev     capture.Device
	openErr error

	frames chan capture.Frame
	errs   chan error

	mu        sync.Mutex
	opened    bool
	closed    bool
	frameOnce sync.Once
}

func (s *fakeSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	if s.opened || s.closed {
		return capture.ErrAlreadyOpen
	}
	s.opened = true
	return nil
}

func (s *fakeSource) Frames() <-chan capture.Frame { return s.frames }
func (s *fakeSource) Errors() <-chan error         { return s.errs }
func (s *fakeSource) Device() capture.Device       { return s.dev }

func (s *fakeSource) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.frameOnce.Do(func() { close(s.frames) })
	return nil
}

func (s *fakeSource) emit(f capture.Frame) {
	defer func() { recover() }() // frame channel may close under us on stop
	select {
	case s.frames <- f:
	case <-time.After(time.Second):
	}
}

func (s *fakeSource) disconnect() {
	s.errs <- capture.ErrDeviceDisconnected
	s.frameOnce.Do(func() { close(s.frames) })
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeFactory hands out sources in creation order; openErrs schedules a
// failure for the nth created source.
type fakeFactory struct {
	mu       sync.Mutex
	openErrs []error
	sources  []*fakeSource
}

func (f *fakeFactory) new(dev capture.Device) capture.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := &fakeSource{
		dev:    dev,
		frames: make(chan capture.Frame, 16),
		errs:   make(chan error, 1),
	}
	if i := len(f.sources); i < len(f.openErrs) {
		src.openErr = f.openErrs[i]
	}
	f.sources = append(f.sources, src)
	return src
}

func (f *fakeFactory) source(i int) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sources) {
		return nil
	}
	return f.sources[i]
}

func (f *fakeFactory) openHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sources {
		s.mu.Lock()
		if s.opened && !s.closed {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// fakeStore accepts or rejects every write and counts clears.
type fakeStore struct {
	mu       sync.Mutex
	writeErr error
	written  int
	cleared  int
}

func (s *fakeStore) Write(store.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written++
	return nil
}

func (s *fakeStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	return nil
}

func (s *fakeStore) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

// fakePublisher counts published frames.
type fakePublisher struct {
	mu     sync.Mutex
	frames int
}

func (p *fakePublisher) Publish(capture.Frame) {
	p.mu.Lock()
	p.frames++
	p.mu.Unlock()
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

func testConfig() Config {
	return Config{
		Device:            capture.Device{Path: "/dev/video0", Width: 640, Height: 480, FPS: 30},
		SegmentDuration:   20 * time.Millisecond,
		StoreFailureLimit: 2,
		OpenTimeout:       time.Second,
		RetryAttempts:     3,
		RetryBackoff:      time.Millisecond,
		StopGrace:         time.Second,
	}
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func TestToggle_on_then_off(t *testing.T) {
	factory := &fakeFactory{}
	st := &fakeStore{}
	pub := &fakePublisher{}
	c := NewController(testConfig(), factory.new, st, pub, testLogger(), nil)

	state, err := c.Toggle(context.Background())
	if err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if state != StateActive {
		t.Fatalf("state after toggle on = %s", state)
	}
	if c.SessionID() == "" {
		t.Error("active session has no ID")
	}
	if n := factory.openHandles(); n != 1 {
		t.Errorf("open device handles = %d, want 1", n)
	}

	state, err = c.Toggle(context.Background())
	if err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if state != StateIdle {
		t.Fatalf("state after toggle off = %s", state)
	}
	if n := factory.openHandles(); n != 0 {
		t.Errorf("open device handles after stop = %d, want 0", n)
	}
	if c.SessionID() != "" {
		t.Error("session ID survives stop")
	}
	if st.clearCount() < 2 {
		t.Errorf("store cleared %d times, want clear on start and stop", st.clearCount())
	}
}

func TestToggle_open_failure_reports_error(t *testing.T) {
	factory := &fakeFactory{openErrs: []error{capture.ErrDeviceUnavailable}}
	c := NewController(testConfig(), factory.new, &fakeStore{}, &fakePublisher{}, testLogger(), nil)

	state, err := c.Toggle(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("got %v, want ErrDeviceUnavailable", err)
	}
	if state != StateError {
		t.Errorf("state = %s, want error", state)
	}
	if c.Err() == nil {
		t.Error("Err() empty in error state")
	}
	if n := factory.openHandles(); n != 0 {
		t.Errorf("open handles after failed open = %d", n)
	}

	// A later toggle retries from the error state.
	state, err = c.Toggle(context.Background())
	if err != nil || state != StateActive {
		t.Errorf("toggle from error: state %s, err %v", state, err)
	}
	c.ForceStop(context.Background())
}

func TestFrames_reach_publisher(t *testing.T) {
	factory := &fakeFactory{}
	pub := &fakePublisher{}
	c := NewController(testConfig(), factory.new, &fakeStore{}, pub, testLogger(), nil)

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	src := factory.source(0)
	for i := 0; i < 5; i++ {
		src.emit(capture.Frame{Data: []byte{byte(i)}, Sequence: uint64(i + 1)})
	}

	deadline := time.Now().Add(time.Second)
	for pub.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if pub.count() < 5 {
		t.Errorf("published %d frames, want 5", pub.count())
	}
	c.ForceStop(context.Background())
}

func TestDisconnect_recovers_with_fresh_handle(t *testing.T) {
	factory := &fakeFactory{}
	c := NewController(testConfig(), factory.new, &fakeStore{}, &fakePublisher{}, testLogger(), nil)

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}

	factory.source(0).disconnect()

	// The supervisor processes the loss asynchronously; wait for the
	// replacement handle before asserting on the recovered session.
	deadline := time.Now().Add(2 * time.Second)
	for factory.source(1) == nil && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if src := factory.source(1); src == nil {
		t.Fatal("no replacement handle opened")
	}
	waitState(t, c, StateActive)
	if !factory.source(0).isClosed() {
		t.Error("lost handle never closed")
	}
	if n := factory.openHandles(); n != 1 {
		t.Errorf("open handles after recovery = %d, want 1", n)
	}
	c.ForceStop(context.Background())
}

func TestDisconnect_retry_budget_exhausted(t *testing.T) {
	unavailable := capture.ErrDeviceUnavailable
	factory := &fakeFactory{openErrs: []error{nil, unavailable, unavailable, unavailable}}
	c := NewController(testConfig(), factory.new, &fakeStore{}, &fakePublisher{}, testLogger(), nil)

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}

	factory.source(0).disconnect()
	waitState(t, c, StateError)

	// Retries exhausted: every handle is released and the state holds until
	// a manual toggle.
	deadline := time.Now().Add(time.Second)
	for factory.openHandles() > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if n := factory.openHandles(); n != 0 {
		t.Fatalf("open handles after exhausted retries = %d, want 0", n)
	}

	// Manual toggle starts a fresh session.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state, err := c.Toggle(context.Background())
		if err == nil && state == StateActive {
			break
		}
		if !errors.Is(err, ErrBusy) {
			t.Fatalf("toggle after exhausted retries: state %s, err %v", state, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitState(t, c, StateActive)
	c.ForceStop(context.Background())
}

func TestStoreFailures_stop_session_with_error(t *testing.T) {
	factory := &fakeFactory{}
	st := &fakeStore{writeErr: errors.New("store full")}
	cfg := testConfig()
	cfg.SegmentDuration = 5 * time.Millisecond
	cfg.StoreFailureLimit = 2
	c := NewController(cfg, factory.new, st, &fakePublisher{}, testLogger(), nil)

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Keep frames flowing so segments keep cutting and failing.
	src := factory.source(0)
	go func() {
		for i := 0; i < 200; i++ {
			src.emit(capture.Frame{Data: []byte{1}, Sequence: uint64(i + 1)})
			time.Sleep(2 * time.Millisecond)
		}
	}()

	waitState(t, c, StateError)
	if c.Err() == nil {
		t.Error("Err() empty after store failure stop")
	}

	deadline := time.Now().Add(time.Second)
	for factory.openHandles() > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if n := factory.openHandles(); n != 0 {
		t.Errorf("open handles after store failure stop = %d", n)
	}
}

func TestForceStop_idle_is_noop(t *testing.T) {
	c := NewController(testConfig(), (&fakeFactory{}).new, &fakeStore{}, &fakePublisher{}, testLogger(), nil)
	if err := c.ForceStop(context.Background()); err != nil {
		t.Errorf("ForceStop while idle: %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %s", c.State())
	}
}

func TestSwitch_swaps_device_while_active(t *testing.T) {
	factory := &fakeFactory{}
	c := NewController(testConfig(), factory.new, &fakeStore{}, &fakePublisher{}, testLogger(), nil)

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}

	state, err := c.Switch(context.Background(), "/dev/video2")
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if state != StateActive {
		t.Fatalf("state after switch = %s", state)
	}

	next := factory.source(1)
	if next == nil {
		t.Fatal("no handle opened on the new device")
	}
	if next.dev.Path != "/dev/video2" {
		t.Errorf("new handle on %s, want /dev/video2", next.dev.Path)
	}
	// The capture format carries over from the running session.
	if next.dev.Width != 640 || next.dev.FPS != 30 {
		t.Errorf("format lost on switch: %dx%d@%d", next.dev.Width, next.dev.Height, next.dev.FPS)
	}
	if !factory.source(0).isClosed() {
		t.Error("old device handle left open")
	}
	if n := factory.openHandles(); n != 1 {
		t.Errorf("open handles after switch = %d, want 1", n)
	}
	if got := c.ActiveDevice().Path; got != "/dev/video2" {
		t.Errorf("ActiveDevice = %s", got)
	}
	if _, ok := c.LastSwitch(); !ok {
		t.Error("LastSwitch unset after a completed switch")
	}
	c.ForceStop(context.Background())
}

func TestSwitch_same_device_is_noop(t *testing.T) {
	factory := &fakeFactory{}
	c := NewController(testConfig(), factory.new, &fakeStore{}, &fakePublisher{}, testLogger(), nil)

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	sid := c.SessionID()

	state, err := c.Switch(context.Background(), "/dev/video0")
	if err != nil || state != StateActive {
		t.Fatalf("switch to current device: state %s, err %v", state, err)
	}
	if factory.source(1) != nil {
		t.Error("switch to current device opened a new handle")
	}
	if c.SessionID() != sid {
		t.Error("switch to current device restarted the session")
	}
	c.ForceStop(context.Background())
}

func TestSwitch_from_idle_starts_on_target(t *testing.T) {
	factory := &fakeFactory{}
	c := NewController(testConfig(), factory.new, &fakeStore{}, &fakePublisher{}, testLogger(), nil)

	state, err := c.Switch(context.Background(), "/dev/video1")
	if err != nil {
		t.Fatalf("switch from idle: %v", err)
	}
	if state != StateActive {
		t.Fatalf("state = %s", state)
	}
	if got := factory.source(0).dev.Path; got != "/dev/video1" {
		t.Errorf("started on %s, want /dev/video1", got)
	}
	c.ForceStop(context.Background())
}

func TestSwitch_target_open_failure(t *testing.T) {
	factory := &fakeFactory{openErrs: []error{nil, capture.ErrDeviceUnavailable}}
	c := NewController(testConfig(), factory.new, &fakeStore{}, &fakePublisher{}, testLogger(), nil)

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}

	state, err := c.Switch(context.Background(), "/dev/video9")
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("got %v, want ErrDeviceUnavailable", err)
	}
	if state != StateError {
		t.Errorf("state = %s, want error", state)
	}
	if n := factory.openHandles(); n != 0 {
		t.Errorf("open handles after failed switch = %d, want 0", n)
	}
}

func TestToggles_counted_once_and_only_on_acceptance(t *testing.T) {
	met := metrics.New()
	factory := &fakeFactory{openErrs: []error{capture.ErrDeviceUnavailable, nil}}
	c := NewController(testConfig(), factory.new, &fakeStore{}, &fakePublisher{}, testLogger(), met)

	if _, err := c.Toggle(context.Background()); err == nil {
		t.Fatal("first toggle should fail to open the device")
	}
	if state, err := c.Toggle(context.Background()); err != nil || state != StateActive {
		t.Fatalf("second toggle: state %s, err %v", state, err)
	}
	if state, err := c.Toggle(context.Background()); err != nil || state != StateIdle {
		t.Fatalf("third toggle: state %s, err %v", state, err)
	}

	rec := httptest.NewRecorder()
	met.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "livecam_toggles_total 2") {
		t.Errorf("toggle counter off, scrape:\n%s", body)
	}
}

func TestFanout_five_viewers_and_subset_detach(t *testing.T) {
	factory := &fakeFactory{}
	hub := stream.NewHub(0, nil)
	c := NewController(testConfig(), factory.new, &fakeStore{}, hub, testLogger(), nil)

	if _, err := c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}

	subs := make([]*stream.Subscription, 5)
	for i := range subs {
		sub, err := hub.Subscribe()
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		subs[i] = sub
	}

	src := factory.source(0)
	for i := 1; i <= 3; i++ {
		src.emit(capture.Frame{Data: []byte{byte(i)}, Sequence: uint64(i)})
	}

	recv := func(sub *stream.Subscription) capture.Frame {
		t.Helper()
		select {
		case f := <-sub.Frames():
			return f
		case <-time.After(time.Second):
			t.Fatal("viewer starved")
			return capture.Frame{}
		}
	}
	for i, sub := range subs {
		for want := uint64(1); want <= 3; want++ {
			if f := recv(sub); f.Sequence != want {
				t.Fatalf("viewer %d got sequence %d, want %d", i, f.Sequence, want)
			}
		}
	}

	// Two viewers leave mid-stream; the rest keep receiving.
	subs[1].Close()
	subs[3].Close()
	if n := hub.Viewers(); n != 3 {
		t.Fatalf("viewers after detach = %d, want 3", n)
	}

	src.emit(capture.Frame{Data: []byte{4}, Sequence: 4})
	for _, i := range []int{0, 2, 4} {
		if f := recv(subs[i]); f.Sequence != 4 {
			t.Errorf("viewer %d got sequence %d after detach, want 4", i, f.Sequence)
		}
	}
	if c.State() != StateActive {
		t.Errorf("session state = %s, want active", c.State())
	}
	if n := factory.openHandles(); n != 1 {
		t.Errorf("open handles = %d, want 1", n)
	}
	c.ForceStop(context.Background())
}

func TestConcurrent_toggles_single_winner(t *testing.T) {
	factory := &fakeFactory{}
	c := NewController(testConfig(), factory.new, &fakeStore{}, &fakePublisher{}, testLogger(), nil)

	const n = 8
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Toggle(context.Background())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	busy := 0
	for err := range results {
		if errors.Is(err, ErrBusy) {
			busy++
		} else if err != nil {
			t.Errorf("unexpected toggle error: %v", err)
		}
	}
	// Every losing toggle reports busy; winners never error. The final state
	// depends on how many toggles won, but must be a settled one.
	if state := c.State(); state != StateActive && state != StateIdle {
		t.Errorf("unsettled state after concurrent toggles: %s", state)
	}
	if factory.openHandles() > 1 {
		t.Errorf("open handles = %d, want at most 1", factory.openHandles())
	}
	c.ForceStop(context.Background())
}
