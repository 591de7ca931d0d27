package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

const (
	frameChanSize  = 16
	errorChanSize  = 4
	scanBufferSize = 1 << 20 // handles large 1080p MJPEG frames
	maxFrameSize   = 8 << 20

	// A running ffmpeg that delivers nothing for this long counts as a
	// device stall; process exit alone does not catch a wedged driver.
	frameStallTimeout = 10 * time.Second
)

// FFmpegSource captures MJPEG frames from a V4L2 device by running ffmpeg
// with an image2pipe output and splitting its stdout on JPEG markers.
// One instance corresponds to one exclusive device hold; it cannot be
// reopened after Close.
type FFmpegSource struct {
	dev Device

	frames chan Frame
	errs   chan error

	stallTimeout time.Duration
	lastFrame    atomic.Int64 // unix nanos of the newest frame

	mu     sync.Mutex
	opened bool
	closed bool
	cancel context.CancelFunc
	cmd    *exec.Cmd
	wg     sync.WaitGroup
}

// NewFFmpegSource returns an unopened source for the given device.
func NewFFmpegSource(dev Device) Source {
	return &FFmpegSource{
		dev:          dev,
		frames:       make(chan Frame, frameChanSize),
		errs:         make(chan error, errorChanSize),
		stallTimeout: frameStallTimeout,
	}
}

// Device returns the device this source captures from.
func (s *FFmpegSource) Device() Device {
	return s.dev
}

// Frames returns the frame channel. It is closed when the capture process
// exits, whether from Close or device loss.
func (s *FFmpegSource) Frames() <-chan Frame {
	return s.frames
}

// Errors returns the error channel. ErrDeviceDisconnected arrives here on
// mid-session loss; a clean Close delivers nothing.
func (s *FFmpegSource) Errors() <-chan error {
	return s.errs
}

// Open starts the ffmpeg capture process. A missing device node or a process
// that fails to start is reported as ErrDeviceUnavailable.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened || s.closed {
		return ErrAlreadyOpen
	}

	if _, err := os.Stat(s.dev.Path); err != nil {
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, s.dev.Path)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, "ffmpeg", s.args()...)
	cmd.Stderr = io.Discard

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: start ffmpeg: %v", ErrDeviceUnavailable, err)
	}

	s.cancel = cancel
	s.cmd = cmd
	s.opened = true
	s.lastFrame.Store(time.Now().UnixNano())

	s.wg.Add(2)
	go s.readFrames(runCtx, stdout)
	go s.watchdog(runCtx, cancel)

	return nil
}

// Close terminates the capture process and waits for the reader to drain,
// bounded by ctx. The device is released once Close returns.
func (s *FFmpegSource) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.opened || s.closed {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture: close: %w", ctx.Err())
	}
}

func (s *FFmpegSource) args() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", s.dev.Width, s.dev.Height),
		"-framerate", strconv.Itoa(s.dev.FPS),
		"-i", s.dev.Path,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	}
}

// readFrames splits the ffmpeg byte stream into JPEG frames and delivers
// them until the process exits. An exit that was not requested by Close is
// a device loss.
func (s *FFmpegSource) readFrames(ctx context.Context, stdout io.Reader) {
	defer s.wg.Done()
	defer close(s.frames)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanBufferSize), maxFrameSize)
	scanner.Split(scanJPEG)

	var seq uint64
	for scanner.Scan() {
		frame := trimToSOI(scanner.Bytes())
		if frame == nil {
			continue
		}
		seq++
		s.lastFrame.Store(time.Now().UnixNano())
		data := make([]byte, len(frame))
		copy(data, frame)

		select {
		case s.frames <- Frame{Data: data, Sequence: seq, Timestamp: time.Now()}:
		case <-ctx.Done():
			s.waitProcess()
			return
		default:
			// Consumer stalled: drop the oldest buffered frame so the
			// channel always carries the freshest capture.
			select {
			case <-s.frames:
			default:
			}
			select {
			case s.frames <- Frame{Data: data, Sequence: seq, Timestamp: time.Now()}:
			case <-ctx.Done():
				s.waitProcess()
				return
			}
		}
	}

	s.waitProcess()

	// Reader finished without Close being called: the device is gone.
	if ctx.Err() == nil {
		select {
		case s.errs <- ErrDeviceDisconnected:
		default:
		}
	}
}

// watchdog trips when the running process delivers no frame for the stall
// timeout: a wedged driver keeps ffmpeg alive while the stream goes silent,
// which process-exit detection alone never sees. It reports the loss and
// kills the process; the reader then drains out normally.
func (s *FFmpegSource) watchdog(ctx context.Context, cancel context.CancelFunc) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.stallTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		last := time.Unix(0, s.lastFrame.Load())
		if time.Since(last) < s.stallTimeout {
			continue
		}

		select {
		case s.errs <- ErrDeviceDisconnected:
		default:
		}
		cancel()
		return
	}
}

func (s *FFmpegSource) waitProcess() {
	// Reap the process; the error is expected on cancellation.
	_ = s.cmd.Wait()
}

// scanJPEG is a bufio.SplitFunc that cuts the stream at each JPEG EOI
// marker, yielding one encoded image per token.
func scanJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, jpegEOI); i >= 0 {
		return i + len(jpegEOI), data[:i+len(jpegEOI)], nil
	}
	if atEOF {
		// Trailing partial frame at process exit; discard it.
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// trimToSOI drops any leading bytes before the JPEG start marker. Returns
// nil when the token holds no start marker at all.
func trimToSOI(token []byte) []byte {
	i := bytes.Index(token, jpegSOI)
	if i < 0 {
		return nil
	}
	return token[i:]
}
