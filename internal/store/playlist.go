package store

import (
	"fmt"
	"math"
	"strings"
)

// BuildLivePlaylist converts a slice of segment refs (ordered by sequence
// ascending) into an HLS-style live index document. If ended is true,
// #EXT-X-ENDLIST is appended so viewers know the session stopped. An empty
// slice produces a minimal valid playlist with media sequence 0.
//
// Segment URIs are served by the /stream/segments endpoint; the document is
// an addressing index for resumable viewers, not a codec contract.
func BuildLivePlaylist(refs []SegmentRef, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(refs) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(refs)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", refs[0].Sequence))

	for _, ref := range refs {
		b.WriteString(fmt.Sprintf("#EXTINF:%.1f,\n", ref.Duration.Seconds()))
		b.WriteString("segments/" + ref.Name)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// ContiguousWindow returns at most windowSize refs: the leading run of
// gap-free sequence numbers inside the window. Anything after a gap is hidden until the gap
// falls off the back, so a resuming viewer never observes e.g. 42 followed
// by 44. refs must be sorted by sequence ascending.
func ContiguousWindow(refs []SegmentRef, windowSize int) []SegmentRef {
	if windowSize <= 0 || len(refs) == 0 {
		return nil
	}

	// Slide first so missing segments eventually fall off the back.
	start := 0
	if len(refs) > windowSize {
		start = len(refs) - windowSize
	}
	windowed := refs[start:]

	visible := make([]SegmentRef, 0, len(windowed))
	for i := range windowed {
		if i > 0 && windowed[i].Sequence != windowed[i-1].Sequence+1 {
			break
		}
		visible = append(visible, windowed[i])
	}
	return visible
}

// targetDuration returns the playlist target duration: the ceiling of the
// longest segment duration in seconds, at least 1.
func targetDuration(refs []SegmentRef) int {
	max := 0.0
	for _, ref := range refs {
		if d := ref.Duration.Seconds(); d > max {
			max = d
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
