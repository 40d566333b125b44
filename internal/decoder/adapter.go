// Package decoder defines the Decoder Adapter capability of spec.md
// §4.1: the only place that touches the native MEF3 decoding library.
// The library itself is an opaque external dependency (spec.md §1);
// this package states its contract and, in adapter.go, the narrow
// per-handle serialization a non-reentrant decoder would need.
package decoder

import (
	"context"
	"sync"

	"github.com/bnelair/brainmaze-mef3-server/internal/chunk"
	"github.com/bnelair/brainmaze-mef3-server/internal/corerr"
)

// Handle is an opaque reference to an open recording, as returned by
// the native decoder's open() call (spec.md §6).
type Handle interface{}

// NativeDecoder is the minimal capability set the native MEF3 library
// exposes (spec.md §6 "Decoder library contract (consumed)"):
// open/read/close. Implementations are not assumed to be re-entrant
// per handle; Adapter serializes concurrent reads on the same handle.
type NativeDecoder interface {
	Open(path string) (chunk.Metadata, Handle, error)
	Read(h Handle, channelNames []string, tStartUs, tEndUs int64) ([][]float64, error)
	Close(h Handle) error
}

// Adapter is the capability this package exposes to the rest of the
// core: open, read a contiguous range over a channel subset, close
// (spec.md §4.1). It must be safe to call Read from multiple worker
// goroutines concurrently for the *same* handle.
type Adapter interface {
	Open(ctx context.Context, path string) (chunk.Metadata, Handle, error)
	Read(ctx context.Context, h Handle, channelNames []string, tStartUs, tEndUs int64) ([][]float64, error)
	Close(ctx context.Context, h Handle) error
}

// serializingAdapter wraps a NativeDecoder that is not safe for
// concurrent reads on one handle, taking a per-handle lock around Read
// calls (spec.md §4.1, spec.md §5 "One per-decoder-handle lock if the
// underlying decoder is not re-entrant").
type serializingAdapter struct {
	native NativeDecoder

	mu          sync.Mutex
	handleLocks map[Handle]*sync.Mutex
}

// New wraps native in an Adapter that serializes reads per handle. This
// is always safe to use even if native happens to already be
// re-entrant: it merely adds a lock around calls on the same handle,
// never across different handles.
func New(native NativeDecoder) Adapter {
	return &serializingAdapter{
		native:      native,
		handleLocks: make(map[Handle]*sync.Mutex),
	}
}

func (a *serializingAdapter) Open(ctx context.Context, path string) (chunk.Metadata, Handle, error) {
	md, h, err := a.native.Open(path)
	if err != nil {
		return chunk.Metadata{}, nil, classify(err)
	}

	a.mu.Lock()
	a.handleLocks[h] = &sync.Mutex{}
	a.mu.Unlock()

	return md, h, nil
}

func (a *serializingAdapter) Read(ctx context.Context, h Handle, channelNames []string, tStartUs, tEndUs int64) ([][]float64, error) {
	lock := a.lockFor(h)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matrix, err := a.native.Read(h, channelNames, tStartUs, tEndUs)
	if err != nil {
		return nil, classify(err)
	}
	return matrix, nil
}

func (a *serializingAdapter) Close(ctx context.Context, h Handle) error {
	lock := a.lockFor(h)
	lock.Lock()
	defer lock.Unlock()

	err := a.native.Close(h)

	a.mu.Lock()
	delete(a.handleLocks, h)
	a.mu.Unlock()

	if err != nil {
		return classify(err)
	}
	return nil
}

func (a *serializingAdapter) lockFor(h Handle) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.handleLocks[h]
	if !ok {
		// Defensive only: Read/Close called on a handle that was never
		// returned by Open, or already closed. Give it its own lock
		// rather than panicking, so a racing Close doesn't crash readers.
		lock = &sync.Mutex{}
		a.handleLocks[h] = lock
	}
	return lock
}

// classify maps a native decoder error onto spec.md §7's taxonomy:
// {not_found, corrupt, io, unsupported}. Native errors are expected to
// implement ClassifiedError; anything else is classified as io, the
// conservative choice for an unrecognized transient-looking failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(ClassifiedError); ok {
		return corerr.Wrap(err, ce.Kind(), "decoder")
	}
	return corerr.Wrap(err, corerr.EKind.IO(), "decoder")
}

// ClassifiedError lets a NativeDecoder implementation report which of
// spec.md §7's kinds a given failure is, instead of being defaulted to
// `io`.
type ClassifiedError interface {
	error
	Kind() corerr.Kind
}
