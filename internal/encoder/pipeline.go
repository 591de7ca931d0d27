// Package encoder turns the capture frame stream into bounded, time-cut
// stream segments and writes them to the segment store without ever letting
// a stalled store block capture.
package encoder

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/JamesjinKim/livecam2/internal/capture"
	"github.com/JamesjinKim/livecam2/internal/platform/metrics"
	"github.com/JamesjinKim/livecam2/internal/store"
)

// SegmentWriter is the store-facing side of the pipeline.
type SegmentWriter interface {
	Write(store.Segment) error
}

// Config bounds the pipeline.
type Config struct {
	// SegmentDuration is the time boundary segments are cut on. Time-based
	// cutting keeps live latency bounded regardless of frame-rate jitter.
	SegmentDuration time.Duration

	// QueueSize caps segments buffered between cutter and store writer.
	// When the store stalls, the oldest queued segment is dropped.
	QueueSize int

	// FailureLimit is the consecutive store-write failure budget. Once
	// exceeded, OnFatal fires and the session is forced to stop.
	FailureLimit int
}

// Pipeline consumes frames for one capture session, cuts MJPEG segments on
// the configured time boundary, and hands them to the store via a bounded
// drop-oldest queue.
type Pipeline struct {
	cfg       Config
	sessionID string
	w         SegmentWriter
	log       *slog.Logger
	met       *metrics.Metrics

	// OnFatal is invoked at most once, from the writer goroutine, when the
	// store failure budget is exhausted.
	OnFatal func(error)

	queue chan store.Segment
	wg    sync.WaitGroup

	now func() time.Time
}

// New returns a pipeline for one session. Defaults: 2s segments, queue of 8,
// failure limit 5.
func New(cfg Config, sessionID string, w SegmentWriter, log *slog.Logger, met *metrics.Metrics) *Pipeline {
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = 5
	}
	return &Pipeline{
		cfg:       cfg,
		sessionID: sessionID,
		w:         w,
		log:       log,
		met:       met,
		queue:     make(chan store.Segment, cfg.QueueSize),
		now:       time.Now,
	}
}

// Start launches the cutter and the store writer. The pipeline runs until
// frames is closed; call Wait to drain.
func (p *Pipeline) Start(frames <-chan capture.Frame) {
	p.wg.Add(2)
	go p.cut(frames)
	go p.writeLoop()
}

// Wait blocks until the frame channel has closed, the final partial segment
// has been flushed, and the queue has drained into the store.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// cut accumulates frames and emits a segment whenever the time boundary
// passes. The final partial segment is flushed when the frame channel
// closes.
func (p *Pipeline) cut(frames <-chan capture.Frame) {
	defer p.wg.Done()
	defer close(p.queue)

	var (
		buf        bytes.Buffer
		seq        int64
		frameCount int
		openedAt   time.Time
	)

	flush := func() {
		if frameCount == 0 {
			return
		}
		seq++
		data := make([]byte, buf.Len())
		copy(data, buf.Bytes())
		seg := store.Segment{
			SessionID:  p.sessionID,
			Sequence:   seq,
			CreatedAt:  p.now(),
			Duration:   p.now().Sub(openedAt),
			FrameCount: frameCount,
			Data:       data,
		}
		buf.Reset()
		frameCount = 0
		p.enqueue(seg)
	}

	for frame := range frames {
		if frameCount == 0 {
			openedAt = p.now()
		}
		buf.Write(frame.Data)
		frameCount++
		p.met.IncFramesCaptured()

		if p.now().Sub(openedAt) >= p.cfg.SegmentDuration {
			flush()
		}
	}
	flush()
}

// enqueue pushes a segment without blocking; a full queue sheds its oldest
// entry so memory stays bounded while the store stalls.
func (p *Pipeline) enqueue(seg store.Segment) {
	select {
	case p.queue <- seg:
		return
	default:
	}

	select {
	case dropped := <-p.queue:
		p.met.IncSegmentsDropped()
		p.log.Warn("segment queue full, dropping oldest",
			slog.Int64("dropped_sequence", dropped.Sequence),
			slog.String("session_id", p.sessionID))
	default:
	}

	select {
	case p.queue <- seg:
	default:
		// Writer raced us and the queue refilled; shed this segment instead.
		p.met.IncSegmentsDropped()
	}
}

// writeLoop drains the queue into the store, tracking consecutive failures
// against the budget. Isolated failures drop the segment and continue.
func (p *Pipeline) writeLoop() {
	defer p.wg.Done()

	consecutive := 0
	fired := false
	for seg := range p.queue {
		err := p.w.Write(seg)
		if err == nil {
			consecutive = 0
			continue
		}

		consecutive++
		p.log.Error("segment write failed",
			slog.Int64("sequence", seg.Sequence),
			slog.Int("consecutive", consecutive),
			slog.String("error", err.Error()))

		if consecutive >= p.cfg.FailureLimit && !fired && p.OnFatal != nil {
			fired = true
			p.OnFatal(err)
		}
	}
}
