package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JamesjinKim/livecam2/internal/platform/metrics"
)

var (
	// ErrSequenceOrder is returned when a write would break the
	// strictly-increasing sequence guarantee within a session.
	ErrSequenceOrder = errors.New("store: segment sequence not increasing")

	// ErrWriteFailed wraps I/O failures writing a segment file. The session
	// survives isolated write failures; the encoder tracks a failure budget.
	ErrWriteFailed = errors.New("store: segment write failed")
)

// Config bounds the store. Retention applies by count and/or age; a zero
// value disables that bound.
type Config struct {
	Dir            string
	RetentionCount int
	RetentionAge   time.Duration
}

// DiskStore keeps stream segments as files under a fast ephemeral directory
// (tmpfs in deployment) with an in-memory ordered index. Writes and eviction
// share one critical section so readers never observe a partially-deleted
// window.
type DiskStore struct {
	cfg Config
	log *slog.Logger
	met *metrics.Metrics

	mu    sync.RWMutex
	refs  []SegmentRef
	bytes int64

	now func() time.Time
}

// New creates the store directory if needed and returns an empty store.
// Leftover files from a previous run are removed: no in-memory state
// survives a restart, so orphaned segments are unaddressable anyway.
func New(cfg Config, log *slog.Logger, met *metrics.Metrics) (*DiskStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	s := &DiskStore{cfg: cfg, log: log, met: met, now: time.Now}
	if err := s.removeAllFiles(); err != nil {
		return nil, err
	}
	return s, nil
}

// Write stores one segment and immediately evicts anything beyond the
// retention window. Sequence numbers must be strictly increasing within a
// session.
func (s *DiskStore) Write(seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.refs); n > 0 {
		last := s.refs[n-1]
		if last.SessionID == seg.SessionID && seg.Sequence <= last.Sequence {
			return fmt.Errorf("%w: got %d after %d", ErrSequenceOrder, seg.Sequence, last.Sequence)
		}
	}

	name := SegmentName(seg.SessionID, seg.Sequence)
	path := filepath.Join(s.cfg.Dir, name)
	if err := os.WriteFile(path, seg.Data, 0o644); err != nil {
		s.met.IncStoreWriteErrors()
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	ref := SegmentRef{
		SessionID: seg.SessionID,
		Sequence:  seg.Sequence,
		Name:      name,
		Size:      int64(len(seg.Data)),
		CreatedAt: seg.CreatedAt,
		Duration:  seg.Duration,
	}
	s.refs = append(s.refs, ref)
	s.bytes += ref.Size
	s.met.IncSegmentsWritten()

	s.evictLocked()
	return nil
}

// Evict applies the retention policy outside of a write. The periodic
// age-based sweep uses this.
func (s *DiskStore) Evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
}

// evictLocked deletes segments beyond the retention count and older than the
// retention age. Caller must hold s.mu in write mode.
func (s *DiskStore) evictLocked() {
	drop := 0
	if s.cfg.RetentionCount > 0 && len(s.refs) > s.cfg.RetentionCount {
		drop = len(s.refs) - s.cfg.RetentionCount
	}
	if s.cfg.RetentionAge > 0 {
		cutoff := s.now().Add(-s.cfg.RetentionAge)
		for drop < len(s.refs) && s.refs[drop].CreatedAt.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return
	}

	for _, ref := range s.refs[:drop] {
		if err := os.Remove(filepath.Join(s.cfg.Dir, ref.Name)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("evict segment", slog.String("name", ref.Name), slog.String("error", err.Error()))
		}
		s.bytes -= ref.Size
	}
	s.refs = append([]SegmentRef(nil), s.refs[drop:]...)
	s.met.AddSegmentsEvicted(drop)
}

// ListFrom returns refs with sequence >= seq, ordered by sequence ascending.
// Pass 0 (or 1) for the full retained window.
func (s *DiskStore) ListFrom(seq int64) []SegmentRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SegmentRef, 0, len(s.refs))
	for _, ref := range s.refs {
		if ref.Sequence >= seq {
			out = append(out, ref)
		}
	}
	return out
}

// Latest returns the newest segment ref, if any.
func (s *DiskStore) Latest() (SegmentRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.refs) == 0 {
		return SegmentRef{}, false
	}
	return s.refs[len(s.refs)-1], true
}

// Path resolves a segment name to its on-disk path. Only names present in
// the index resolve, so handlers cannot be walked outside the store dir.
func (s *DiskStore) Path(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ref := range s.refs {
		if ref.Name == name {
			return filepath.Join(s.cfg.Dir, ref.Name), true
		}
	}
	return "", false
}

// Occupancy returns the current segment count and byte total.
func (s *DiskStore) Occupancy() (segments int, bytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs), s.bytes
}

// Clear deletes every stored segment. Called on session stop and on
// shutdown: the store is ephemeral by contract.
func (s *DiskStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range s.refs {
		if err := os.Remove(filepath.Join(s.cfg.Dir, ref.Name)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("clear segment", slog.String("name", ref.Name), slog.String("error", err.Error()))
		}
	}
	s.refs = nil
	s.bytes = 0
	return nil
}

// removeAllFiles wipes stale segment files at startup.
func (s *DiskStore) removeAllFiles() error {
	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, "sess-*.mjpeg"))
	if err != nil {
		return fmt.Errorf("store: scan dir: %w", err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("store: remove stale segment: %w", err)
		}
	}
	return nil
}
