// Package metrics implements the lightweight counters of spec.md's
// component 6 (Metrics/Events): hits, misses, evictions, invalidations,
// and prefetch completion/drop/failure counts. Grounded on the
// teacher's common.CountPerSecond, simplified to plain atomic counters
// since spec.md calls for observability counts, not rate smoothing.
package metrics

import "sync/atomic"

// Sink accumulates the counters every cache and prefetch-scheduler
// instance reports into. The zero value is ready to use.
type Sink struct {
	hits              atomic.Int64
	misses            atomic.Int64
	evictions         atomic.Int64
	invalidations     atomic.Int64
	prefetchCompleted atomic.Int64
	prefetchDropped   atomic.Int64
	prefetchFailed    atomic.Int64
	decodeErrors      atomic.Int64
}

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	Hits              int64
	Misses            int64
	Evictions         int64
	Invalidations     int64
	PrefetchCompleted int64
	PrefetchDropped   int64
	PrefetchFailed    int64
	DecodeErrors      int64
}

func New() *Sink { return &Sink{} }

func (s *Sink) IncHit()              { s.hits.Add(1) }
func (s *Sink) IncMiss()             { s.misses.Add(1) }
func (s *Sink) IncEviction()         { s.evictions.Add(1) }
func (s *Sink) IncInvalidation()     { s.invalidations.Add(1) }
func (s *Sink) IncPrefetchCompleted() { s.prefetchCompleted.Add(1) }
func (s *Sink) IncPrefetchDropped()   { s.prefetchDropped.Add(1) }
func (s *Sink) IncPrefetchFailed()    { s.prefetchFailed.Add(1) }
func (s *Sink) IncDecodeError()       { s.decodeErrors.Add(1) }

func (s *Sink) Snapshot() Snapshot {
	return Snapshot{
		Hits:              s.hits.Load(),
		Misses:            s.misses.Load(),
		Evictions:         s.evictions.Load(),
		Invalidations:     s.invalidations.Load(),
		PrefetchCompleted: s.prefetchCompleted.Load(),
		PrefetchDropped:   s.prefetchDropped.Load(),
		PrefetchFailed:    s.prefetchFailed.Load(),
		DecodeErrors:      s.decodeErrors.Load(),
	}
}
