// Package prefetch implements the Prefetch Scheduler of spec.md §4.4: a
// bounded worker pool that speculatively decodes upcoming chunks after
// each client access, submitting through the same single-flight path
// the foreground uses.
//
// Per the design note in spec.md §9 ("Cyclic / back-reference between
// File Manager and Prefetch Scheduler"), the Scheduler holds only a
// capability reference to the Chunk Cache, never the full File Manager:
// cache invalidation is the Manager's only lever over worker effects.
package prefetch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/bnelair/brainmaze-mef3-server/internal/cache"
	"github.com/bnelair/brainmaze-mef3-server/internal/chunk"
	"github.com/bnelair/brainmaze-mef3-server/internal/corelog"
	"github.com/bnelair/brainmaze-mef3-server/internal/corerr"
	"github.com/bnelair/brainmaze-mef3-server/internal/metrics"
)

// queuedRequest tracks one submitted-but-not-yet-started prefetch, so it
// can be cancelled either by overflow (spec.md §4.4 drop-oldest) or by
// CancelFile (spec.md §4.4 "Cancellation").
type queuedRequest struct {
	key    chunk.Key
	cancel context.CancelFunc
}

// Scheduler is the bounded prefetch worker pool of spec.md §4.4. The
// bound is enforced with a weighted semaphore (mirroring the teacher's
// common.SendLimiter), sized to max_workers; per-file backlog depth is
// bounded independently so a slow file cannot starve others of queue
// space.
type Scheduler struct {
	cache *cache.Cache
	sem   *semaphore.Weighted

	queueDepthPerFile int

	mu      sync.Mutex
	perFile map[chunk.FileID][]*queuedRequest
	wg      sync.WaitGroup

	metrics *metrics.Sink
	log     corelog.ComponentLogger
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithQueueDepthPerFile overrides the default per-file backlog depth
// (spec.md §5 "Prefetch queue: ≤ max_workers × k... k ≥ 2").
func WithQueueDepthPerFile(k int) Option {
	return func(s *Scheduler) {
		if k > 0 {
			s.queueDepthPerFile = k
		}
	}
}

// New builds a Scheduler bounded to maxWorkers concurrent decodes,
// submitting single-flight work into cacheRef.
func New(cacheRef *cache.Cache, maxWorkers int, sink *metrics.Sink, logger corelog.Logger, opts ...Option) *Scheduler {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if sink == nil {
		sink = metrics.New()
	}
	if logger == nil {
		logger = corelog.Discard
	}
	s := &Scheduler{
		cache:             cacheRef,
		sem:               semaphore.NewWeighted(int64(maxWorkers)),
		queueDepthPerFile: maxWorkers * 2,
		perFile:           make(map[chunk.FileID][]*queuedRequest),
		metrics:           sink,
		log:               logger.With("prefetch"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit speculatively decodes key via compute, skipping it if the
// cache already has it completed or in flight (spec.md §4.4 "skipping
// those... already present or pending in the cache"). Submission is
// non-blocking and best-effort: ctx is the caller's root context (e.g.
// the server's lifetime context), not the request's -- a prefetch must
// outlive the foreground request that triggered it.
func (s *Scheduler) Submit(ctx context.Context, key chunk.Key, compute cache.ComputeFunc) {
	if s.cache.Contains(key) || s.cache.Pending(key) {
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	qr := &queuedRequest{key: key, cancel: cancel}

	s.mu.Lock()
	backlog := s.perFile[key.File]
	if len(backlog) >= s.queueDepthPerFile {
		// Drop the oldest queued prefetch for this file: the newer index
		// is closer to what the client will ask for next (spec.md §4.4).
		victim := backlog[0]
		backlog = backlog[1:]
		victim.cancel()
		s.metrics.IncPrefetchDropped()
		s.log.Debugf("dropped oldest queued prefetch file=%s segment=%d to admit segment=%d", key.File, victim.key.Segment, key.Segment)
	}
	backlog = append(backlog, qr)
	s.perFile[key.File] = backlog
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(reqCtx, qr, key, compute)
}

func (s *Scheduler) run(ctx context.Context, qr *queuedRequest, key chunk.Key, compute cache.ComputeFunc) {
	defer s.wg.Done()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		// Cancelled before a worker slot freed up: either overflow-dropped
		// or the owning file was closed/mutated before we got to run.
		s.removeQueued(key.File, qr)
		s.metrics.IncPrefetchDropped()
		return
	}
	defer s.sem.Release(1)

	s.removeQueued(key.File, qr)

	_, err := s.cache.GetOrCompute(ctx, key, compute)
	if err != nil {
		if corerr.Is(err, corerr.EKind.Invalidated()) {
			// Spec.md §4.4: "If the cache indicates invalidated, the
			// worker discards the result silently."
			s.log.Debugf("prefetch invalidated file=%s segment=%d", key.File, key.Segment)
			return
		}
		s.metrics.IncPrefetchFailed()
		s.log.Debugf("prefetch failed file=%s segment=%d: %v", key.File, key.Segment, err)
		return
	}

	s.metrics.IncPrefetchCompleted()
}

func (s *Scheduler) removeQueued(fileID chunk.FileID, target *queuedRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	backlog := s.perFile[fileID]
	for i, qr := range backlog {
		if qr == target {
			s.perFile[fileID] = append(backlog[:i], backlog[i+1:]...)
			break
		}
	}
	if len(s.perFile[fileID]) == 0 {
		delete(s.perFile, fileID)
	}
}

// CancelFile implements spec.md §4.4's cancellation rule: every queued
// (not-yet-started) prefetch request for fileID is drained and dropped.
// In-flight decodes are not interrupted; their results are discarded
// later via the cache's invalidation path, not by this call.
func (s *Scheduler) CancelFile(fileID chunk.FileID) {
	s.mu.Lock()
	backlog := s.perFile[fileID]
	delete(s.perFile, fileID)
	s.mu.Unlock()

	for _, qr := range backlog {
		qr.cancel()
	}
}

// Wait blocks until every submitted prefetch (running or queued) has
// returned. Intended for tests and for a clean process shutdown, not
// for request handling.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
