package decoder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bnelair/brainmaze-mef3-server/internal/chunk"
	"github.com/bnelair/brainmaze-mef3-server/internal/corerr"
)

// FakeAdapter is the deterministic test double called for in spec.md
// §9 ("Polymorphic decoder... the test suite substitutes a deterministic
// fake that counts calls and returns known matrices"). It is not a
// NativeDecoder wrapped by serializingAdapter: it implements Adapter
// directly, since tests need to count Read calls at the Adapter level
// to verify the single-flight guarantee (spec.md §8).
type FakeAdapter struct {
	mu        sync.Mutex
	files     map[string]fakeFile
	readCount atomic.Int64
	openCount atomic.Int64

	// ReadDelay, if set, is run before producing a result, to simulate a
	// slow decoder for concurrency and cancellation tests.
	ReadDelay func()
}

type fakeFile struct {
	metadata chunk.Metadata
}

// NewFakeAdapter builds a fake with no registered files; call
// AddFile before Open.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{files: make(map[string]fakeFile)}
}

// AddFile registers path as openable with the given metadata.
func (f *FakeAdapter) AddFile(path string, md chunk.Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = fakeFile{metadata: md}
}

type fakeHandle struct {
	path string
}

func (f *FakeAdapter) Open(_ context.Context, path string) (chunk.Metadata, Handle, error) {
	f.openCount.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	ff, ok := f.files[path]
	if !ok {
		return chunk.Metadata{}, nil, corerr.New(corerr.EKind.NotFound(), fmt.Sprintf("no such recording: %s", path))
	}
	return ff.metadata, &fakeHandle{path: path}, nil
}

// Read returns a deterministic matrix: sample j of the row for a channel
// is channelIndex*1e9 + tStartUs + j, where channelIndex is the
// channel's position in the recording, so tests can assert exact
// equality without tracking separate state.
func (f *FakeAdapter) Read(_ context.Context, h Handle, channelNames []string, tStartUs, tEndUs int64) ([][]float64, error) {
	f.readCount.Add(1)

	if f.ReadDelay != nil {
		f.ReadDelay()
	}

	fh, ok := h.(*fakeHandle)
	if !ok {
		return nil, corerr.New(corerr.EKind.IO(), "invalid handle")
	}

	f.mu.Lock()
	ff := f.files[fh.path]
	f.mu.Unlock()

	matrix := make([][]float64, len(channelNames))
	for ci, name := range channelNames {
		rate, ok := ff.metadata.SampleRate(name)
		if !ok {
			return nil, corerr.New(corerr.EKind.InvalidChannel(), fmt.Sprintf("unknown channel %q", name))
		}
		samples := samplesInRange(rate, tStartUs, tEndUs)
		row := make([]float64, samples)
		chanIndex := channelIndex(ff.metadata, name)
		for s := range row {
			row[s] = float64(chanIndex)*1e9 + float64(tStartUs) + float64(s)
		}
		matrix[ci] = row
	}
	return matrix, nil
}

func (f *FakeAdapter) Close(_ context.Context, h Handle) error {
	return nil
}

// ReadCount returns the number of Read calls observed so far, the
// mechanism scenario 5 (spec.md §8) uses to assert exactly-once
// decoding under concurrent readers.
func (f *FakeAdapter) ReadCount() int64 { return f.readCount.Load() }

// OpenCount returns the number of Open calls observed so far.
func (f *FakeAdapter) OpenCount() int64 { return f.openCount.Load() }

func samplesInRange(sampleRateHz float64, tStartUs, tEndUs int64) int {
	durationUs := float64(tEndUs - tStartUs)
	return int(durationUs * sampleRateHz / 1e6)
}

func channelIndex(md chunk.Metadata, name string) int {
	for i, c := range md.Channels {
		if c.Name == name {
			return i
		}
	}
	return -1
}
