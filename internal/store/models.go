package store

import (
	"fmt"
	"time"
)

// Segment is one encoded chunk of the live stream, produced by the encoder
// pipeline. Data is only carried on the write path; once stored, segments
// are addressed by reference and read from disk.
type Segment struct {
	SessionID  string
	Sequence   int64
	CreatedAt  time.Time
	Duration   time.Duration
	FrameCount int
	Data       []byte
}

// SegmentRef describes a stored, immutable segment. Refs are what viewers
// and playlists see; the store is the sole writer and deleter of the file
// behind a ref.
type SegmentRef struct {
	SessionID string        `json:"session_id"`
	Sequence  int64         `json:"sequence"`
	Name      string        `json:"name"`
	Size      int64         `json:"size"`
	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"-"`
}

// SegmentName builds the on-disk file name for a session/sequence pair.
// Names carry the session ID so viewers resuming across a restart can detect
// that sequence numbering has reset.
func SegmentName(sessionID string, seq int64) string {
	return fmt.Sprintf("sess-%s-seq-%06d.mjpeg", sessionID, seq)
}
