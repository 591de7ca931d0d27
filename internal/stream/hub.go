// Package stream fans one capture session out to many viewers. Each viewer
// gets an independent bounded buffer; a slow viewer drops its own oldest
// frames and never slows the encoder or other viewers.
package stream

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/JamesjinKim/livecam2/internal/capture"
	"github.com/JamesjinKim/livecam2/internal/platform/metrics"
)

// ErrViewerLimit is returned by Subscribe when the configured viewer cap is
// reached.
var ErrViewerLimit = errors.New("stream: viewer limit reached")

const defaultBufferSize = 8

// Subscription is one viewer's handle on the hub. Frames arrive in
// non-decreasing sequence order; gaps mean the viewer fell behind.
type Subscription struct {
	id  string
	ch  chan capture.Frame
	hub *Hub

	closeOnce sync.Once
}

// Frames returns the viewer's frame channel. It is never closed by the hub;
// viewers leave by calling Close.
func (s *Subscription) Frames() <-chan capture.Frame {
	return s.ch
}

// Close detaches the viewer from the hub.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.unsubscribe(s.id)
	})
}

// Hub is the broadcast point between the active capture session and viewer
// connections. Publish never blocks.
type Hub struct {
	maxViewers int
	bufSize    int
	met        *metrics.Metrics

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewHub returns a hub admitting at most maxViewers concurrent
// subscriptions (0 means unlimited).
func NewHub(maxViewers int, met *metrics.Metrics) *Hub {
	return &Hub{
		maxViewers: maxViewers,
		bufSize:    defaultBufferSize,
		met:        met,
		subs:       make(map[string]*Subscription),
	}
}

// Subscribe attaches a new viewer starting at "latest": the next published
// frame is the first it sees.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxViewers > 0 && len(h.subs) >= h.maxViewers {
		return nil, ErrViewerLimit
	}

	sub := &Subscription{
		id:  uuid.New().String(),
		ch:  make(chan capture.Frame, h.bufSize),
		hub: h,
	}
	h.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers a frame to every viewer without blocking. A viewer whose
// buffer is full loses its oldest frame, keeping delivery order
// non-decreasing while favoring fresh video.
func (h *Hub) Publish(frame capture.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- frame:
			continue
		default:
		}

		select {
		case <-sub.ch:
			h.met.IncFramesDropped()
		default:
		}
		select {
		case sub.ch <- frame:
		default:
			h.met.IncFramesDropped()
		}
	}
}

// MaxViewers returns the configured subscription cap, 0 meaning unlimited.
func (h *Hub) MaxViewers() int {
	return h.maxViewers
}

// Viewers returns the current subscription count.
func (h *Hub) Viewers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}
