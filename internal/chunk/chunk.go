// Package chunk defines the core data model of spec.md §3: file
// identity, the cache key, and the decoded chunk payload.
package chunk

import (
	"path/filepath"
)

// FileID is a canonical absolute path. Equality is byte-exact after
// normalization (spec.md §3).
type FileID string

// NewFileID normalizes path into a FileID: cleaned and made absolute,
// so two different spellings of the same file collide on the same key.
func NewFileID(path string) (FileID, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return FileID(filepath.Clean(abs)), nil
}

func (f FileID) String() string { return string(f) }

// Key is the tuple (FileID, version, segment index) from spec.md §3.
// Including the view version makes cache entries self-invalidating:
// mutating the view makes old entries unreachable without an explicit
// purge.
type Key struct {
	File    FileID
	Version int64
	Segment int
}

// ChannelInfo is the per-channel metadata captured from the decoder on
// open (spec.md §3 FileView.metadata).
type ChannelInfo struct {
	Name       string
	SampleRate float64
}

// Metadata is the immutable snapshot taken from the Decoder Adapter on
// open: channel list, sample rates, and recording time bounds.
type Metadata struct {
	Channels []ChannelInfo
	StartUs  int64
	EndUs    int64
}

// ChannelNames returns the channel names in recording order, the
// baseline for FileView's "empty active_channels means all channels"
// rule (spec.md §3).
func (m Metadata) ChannelNames() []string {
	names := make([]string, len(m.Channels))
	for i, c := range m.Channels {
		names[i] = c.Name
	}
	return names
}

// DurationUs is the recording's total duration in microseconds.
func (m Metadata) DurationUs() int64 {
	return m.EndUs - m.StartUs
}

// SampleRate returns the sample rate for name, and whether it exists.
func (m Metadata) SampleRate(name string) (float64, bool) {
	for _, c := range m.Channels {
		if c.Name == name {
			return c.SampleRate, true
		}
	}
	return 0, false
}

// HasChannel reports whether name is a channel of this recording.
func (m Metadata) HasChannel(name string) bool {
	_, ok := m.SampleRate(name)
	return ok
}

// Chunk is the decoded payload for one segment (spec.md §3).
type Chunk struct {
	// Data is [channel][sample], row-major, one row per entry of
	// ChannelNames, in the same order.
	Data [][]float64

	ChannelNames []string
	SampleRates  []float64

	TStartUs int64
	TEndUs   int64
}

// Shape returns (rows, columns): the number of channels and the number
// of samples per channel.
func (c Chunk) Shape() (rows, cols int) {
	rows = len(c.Data)
	if rows == 0 {
		return 0, 0
	}
	return rows, len(c.Data[0])
}

// SizeBytes estimates the chunk's memory footprint as rows * columns *
// 8 bytes (float64), used only for accounting, never for eviction
// decisions in the count-bounded baseline (spec.md §3).
func (c Chunk) SizeBytes() int64 {
	rows, cols := c.Shape()
	return int64(rows) * int64(cols) * 8
}
