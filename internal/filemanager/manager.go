// Package filemanager implements the File Manager of spec.md §4.5: the
// public façade the RPC layer sits on, coordinating the registry of
// open files, each file's View, the Chunk Cache, and the Prefetch
// Scheduler.
//
// Lock order, always (spec.md §5): registry -> FileView -> Cache ->
// decoder handle. The registry lock below is only ever held for map
// bookkeeping; it is released before any View, Cache, or Adapter call.
package filemanager

import (
	"context"
	"sync"

	"github.com/bnelair/brainmaze-mef3-server/internal/cache"
	"github.com/bnelair/brainmaze-mef3-server/internal/chunk"
	"github.com/bnelair/brainmaze-mef3-server/internal/config"
	"github.com/bnelair/brainmaze-mef3-server/internal/corelog"
	"github.com/bnelair/brainmaze-mef3-server/internal/corerr"
	"github.com/bnelair/brainmaze-mef3-server/internal/decoder"
	"github.com/bnelair/brainmaze-mef3-server/internal/metrics"
	"github.com/bnelair/brainmaze-mef3-server/internal/prefetch"
	"github.com/bnelair/brainmaze-mef3-server/internal/view"
)

type openFile struct {
	handle decoder.Handle
	view   *view.View
}

// Manager is the File Manager façade of spec.md §4.5.
type Manager struct {
	ctx context.Context // root lifetime context; prefetch work outlives any single request

	adapter   decoder.Adapter
	cache     *cache.Cache
	scheduler *prefetch.Scheduler
	nPrefetch int

	mu       sync.Mutex
	files    map[chunk.FileID]*openFile
	opening  map[chunk.FileID]chan struct{} // single-flight for concurrent OpenFile(same path)

	metrics *metrics.Sink
	log     corelog.ComponentLogger
}

// New builds a Manager. ctx is the server's lifetime context: prefetch
// goroutines are derived from it, not from any individual request's
// context, so they survive past the request that triggered them.
func New(ctx context.Context, adapter decoder.Adapter, cfg config.Config, logger corelog.Logger) *Manager {
	if logger == nil {
		logger = corelog.Discard
	}
	sink := metrics.New()
	c := cache.New(cfg.CacheCapacity(), sink, logger)
	sched := prefetch.New(c, cfg.MaxWorkers, sink, logger)

	return &Manager{
		ctx:       ctx,
		adapter:   adapter,
		cache:     c,
		scheduler: sched,
		nPrefetch: cfg.NPrefetch,
		files:     make(map[chunk.FileID]*openFile),
		opening:   make(map[chunk.FileID]chan struct{}),
		metrics:   sink,
		log:       logger.With("filemanager"),
	}
}

// Metrics exposes the shared counters (spec.md component 6).
func (m *Manager) Metrics() metrics.Snapshot { return m.metrics.Snapshot() }

// OpenFile implements spec.md §4.5 open_file: idempotent, returns
// existing metadata if already open. Concurrent opens of the same path
// single-flight through m.opening, exactly as the Chunk Cache
// single-flights decodes.
func (m *Manager) OpenFile(ctx context.Context, path string) (chunk.Metadata, error) {
	fid, err := chunk.NewFileID(path)
	if err != nil {
		return chunk.Metadata{}, corerr.Wrap(err, corerr.EKind.InvalidArgument(), "resolving path")
	}

	for {
		m.mu.Lock()
		if f, ok := m.files[fid]; ok {
			m.mu.Unlock()
			return f.view.Metadata(), nil
		}
		if ch, ok := m.opening[fid]; ok {
			m.mu.Unlock()
			<-ch
			continue
		}
		ch := make(chan struct{})
		m.opening[fid] = ch
		m.mu.Unlock()

		md, handle, openErr := m.adapter.Open(ctx, path)

		m.mu.Lock()
		delete(m.opening, fid)
		if openErr != nil {
			m.mu.Unlock()
			close(ch)
			return chunk.Metadata{}, openErr
		}
		m.files[fid] = &openFile{handle: handle, view: view.New(md)}
		m.mu.Unlock()
		close(ch)

		m.log.Infof("opened file=%s channels=%d", fid, len(md.Channels))
		return md, nil
	}
}

// CloseFile implements spec.md §4.5 close_file: invalidates the cache
// for the file, drains its pending prefetches, closes the decoder
// handle, and drops the View. Idempotent: closing an unknown or
// already-closed path is a no-op.
func (m *Manager) CloseFile(ctx context.Context, path string) error {
	fid, err := chunk.NewFileID(path)
	if err != nil {
		return corerr.Wrap(err, corerr.EKind.InvalidArgument(), "resolving path")
	}

	m.mu.Lock()
	f, ok := m.files[fid]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.files, fid)
	m.mu.Unlock()

	m.scheduler.CancelFile(fid)
	m.cache.InvalidateFile(fid)

	err = m.adapter.Close(ctx, f.handle)
	m.log.Infof("closed file=%s", fid)
	return err
}

// ListOpenFiles implements spec.md §4.5 list_open_files: a point-in-time
// snapshot.
func (m *Manager) ListOpenFiles() []chunk.FileID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chunk.FileID, 0, len(m.files))
	for fid := range m.files {
		out = append(out, fid)
	}
	return out
}

// SetSegmentSeconds implements spec.md §4.5 set_segment_seconds:
// mutates the View, invalidates cache entries at the old version, and
// cancels any queued (not-yet-started) prefetches -- which, submitted
// before this call returned, can only have been for the old version.
func (m *Manager) SetSegmentSeconds(path string, seconds float64) (segmentCount int, err error) {
	f, fid, err := m.lookup(path)
	if err != nil {
		return 0, err
	}

	newVersion, segCount, err := f.view.SetSegmentSeconds(seconds)
	if err != nil {
		return 0, err
	}

	m.scheduler.CancelFile(fid)
	m.cache.Invalidate(fid, newVersion)
	return segCount, nil
}

// SetActiveChannels implements spec.md §4.5 set_active_channels.
func (m *Manager) SetActiveChannels(path string, names []string) error {
	f, fid, err := m.lookup(path)
	if err != nil {
		return err
	}

	newVersion, err := f.view.SetActiveChannels(names)
	if err != nil {
		return err
	}

	m.scheduler.CancelFile(fid)
	m.cache.Invalidate(fid, newVersion)
	return nil
}

// GetSegmentCount implements spec.md §4.5 get_segment_count.
func (m *Manager) GetSegmentCount(path string) (int, error) {
	f, _, err := m.lookup(path)
	if err != nil {
		return 0, err
	}
	return f.view.SegmentCount(), nil
}

// GetSignalSegment implements spec.md §4.5 get_signal_segment: resolves
// the view, checks bounds, builds the ChunkKey at the current version,
// delegates to the cache with a compute_fn that reads the decoder over
// the active channels, then submits prefetches for the following
// N_prefetch indices.
func (m *Manager) GetSignalSegment(ctx context.Context, path string, index int) (chunk.Chunk, error) {
	f, fid, err := m.lookup(path)
	if err != nil {
		return chunk.Chunk{}, err
	}

	tStart, tEnd, version, err := f.view.SegmentRange(index)
	if err != nil {
		return chunk.Chunk{}, err
	}
	channels := f.view.ActiveChannels()

	key := chunk.Key{File: fid, Version: version, Segment: index}
	result, err := m.cache.GetOrCompute(ctx, key, m.decodeFunc(f, channels, tStart, tEnd))
	if err != nil {
		return chunk.Chunk{}, err
	}

	m.submitPrefetches(fid, f, index)

	return result, nil
}

func (m *Manager) decodeFunc(f *openFile, channels []string, tStart, tEnd int64) cache.ComputeFunc {
	return func(ctx context.Context) (chunk.Chunk, error) {
		matrix, err := m.adapter.Read(ctx, f.handle, channels, tStart, tEnd)
		if err != nil {
			return chunk.Chunk{}, err
		}
		rates := make([]float64, len(channels))
		for i, name := range channels {
			rate, _ := f.view.Metadata().SampleRate(name)
			rates[i] = rate
		}
		return chunk.Chunk{
			Data:         matrix,
			ChannelNames: append([]string(nil), channels...),
			SampleRates:  rates,
			TStartUs:     tStart,
			TEndUs:       tEnd,
		}, nil
	}
}

// submitPrefetches hands the scheduler the next N_prefetch indices
// after index, never crossing segment_count (spec.md §4.4, §9 open
// question 3).
func (m *Manager) submitPrefetches(fid chunk.FileID, f *openFile, index int) {
	segCount := f.view.SegmentCount()
	for offset := 1; offset <= m.nPrefetch; offset++ {
		next := index + offset
		if next >= segCount {
			break
		}

		tStart, tEnd, version, err := f.view.SegmentRange(next)
		if err != nil {
			continue // view mutated concurrently; let the next foreground access resolve it
		}
		channels := f.view.ActiveChannels()

		key := chunk.Key{File: fid, Version: version, Segment: next}
		m.scheduler.Submit(m.ctx, key, m.decodeFunc(f, channels, tStart, tEnd))
	}
}

func (m *Manager) lookup(path string) (*openFile, chunk.FileID, error) {
	fid, err := chunk.NewFileID(path)
	if err != nil {
		return nil, "", corerr.Wrap(err, corerr.EKind.InvalidArgument(), "resolving path")
	}

	m.mu.Lock()
	f, ok := m.files[fid]
	m.mu.Unlock()
	if !ok {
		return nil, fid, corerr.Newf(corerr.EKind.NotOpen(), "file not open: %s", fid)
	}
	return f, fid, nil
}
