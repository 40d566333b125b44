// Package view implements the per-open-file View of spec.md §4.2: the
// mutable segment-size / active-channel state, and the monotonic
// version counter that ties decoded chunks to the parameters under
// which they were produced.
package view

import (
	"math"
	"sync"

	"github.com/bnelair/brainmaze-mef3-server/internal/chunk"
	"github.com/bnelair/brainmaze-mef3-server/internal/corerr"
)

// View holds the mutable state of one open file (spec.md §3
// FileView). It is guarded by its own lock, taken briefly to read or
// mutate (spec.md §5), and never held while calling into the cache or
// the decoder.
type View struct {
	mu sync.Mutex

	metadata        chunk.Metadata
	segmentSeconds  float64
	activeChannels  []string // empty means "all channels, in recording order"
	segmentCount    int
	version         int64
}

// New constructs a View with the defaults of spec.md §3: the entire
// recording as one segment, and all channels.
func New(metadata chunk.Metadata) *View {
	v := &View{
		metadata: metadata,
		version:  1,
	}
	v.segmentSeconds = v.durationSeconds()
	if v.segmentSeconds <= 0 {
		v.segmentSeconds = 1 // degenerate zero-duration recording: avoid div-by-zero below
	}
	v.recomputeSegmentCountLocked()
	return v
}

func (v *View) durationSeconds() float64 {
	return float64(v.metadata.DurationUs()) / 1e6
}

// Metadata returns the immutable snapshot captured on open.
func (v *View) Metadata() chunk.Metadata {
	return v.metadata // immutable; no lock needed
}

// Version returns the current view version (spec.md §3/§4.2).
func (v *View) Version() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

// SegmentCount returns the current segment_count (spec.md §4.2
// get_segment_count).
func (v *View) SegmentCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.segmentCount
}

// ActiveChannels returns the current active_channels, already resolved:
// if the view's stored list is empty, this returns all channels in
// recording order (spec.md §3/§8 "active_channels = [] equals all
// channels in recording order").
func (v *View) ActiveChannels() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.activeChannels) == 0 {
		return v.metadata.ChannelNames()
	}
	out := make([]string, len(v.activeChannels))
	copy(out, v.activeChannels)
	return out
}

// SegmentSeconds returns the current segment_seconds.
func (v *View) SegmentSeconds() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.segmentSeconds
}

// SetSegmentSeconds implements spec.md §4.2 set_segment_seconds:
// validates s > 0, recomputes segment_count, and bumps version. It
// returns the new version and segment_count so the caller (File
// Manager) can invalidate the cache and report the new count.
func (v *View) SetSegmentSeconds(s float64) (newVersion int64, segmentCount int, err error) {
	if s <= 0 {
		return 0, 0, corerr.Newf(corerr.EKind.InvalidArgument(), "segment_seconds must be > 0, got %v", s)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.segmentSeconds = s
	v.recomputeSegmentCountLocked()
	v.version++
	return v.version, v.segmentCount, nil
}

// SetActiveChannels implements spec.md §4.2 set_active_channels: every
// name must be in metadata.channel_list, order is preserved, duplicates
// are rejected (spec.md §9 open question 2: baseline rejects
// duplicates), and an empty list resets to "all". Bumps version.
func (v *View) SetActiveChannels(names []string) (newVersion int64, err error) {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if !v.metadata.HasChannel(n) {
			return 0, corerr.Newf(corerr.EKind.InvalidChannel(), "unknown channel %q", n)
		}
		if seen[n] {
			return 0, corerr.Newf(corerr.EKind.InvalidArgument(), "duplicate channel %q", n)
		}
		seen[n] = true
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.activeChannels = append([]string(nil), names...)
	v.version++
	return v.version, nil
}

// SegmentRange implements spec.md §4.2 segment_range(i): returns
// (t_start_us, t_end_us) for segment i, t_start = i * segment_seconds,
// t_end = min((i+1) * segment_seconds, recording_duration). Fails
// out_of_range unless 0 <= i < segment_count.
func (v *View) SegmentRange(i int) (tStartUs, tEndUs int64, version int64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if i < 0 || i >= v.segmentCount {
		return 0, 0, 0, corerr.Newf(corerr.EKind.OutOfRange(), "segment index %d out of range [0, %d)", i, v.segmentCount)
	}

	segmentUs := int64(v.segmentSeconds * 1e6)
	start := int64(i) * segmentUs
	end := start + segmentUs
	durationUs := v.metadata.DurationUs()
	if end > durationUs {
		end = durationUs
	}
	return start, end, v.version, nil
}

func (v *View) recomputeSegmentCountLocked() {
	durationSeconds := v.durationSeconds()
	v.segmentCount = int(math.Ceil(durationSeconds / v.segmentSeconds))
	if v.segmentCount < 1 {
		v.segmentCount = 1
	}
}
