package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnelair/brainmaze-mef3-server/internal/cache"
	"github.com/bnelair/brainmaze-mef3-server/internal/chunk"
	"github.com/bnelair/brainmaze-mef3-server/internal/corerr"
)

func key(file string, version int64, segment int) chunk.Key {
	return chunk.Key{File: chunk.FileID(file), Version: version, Segment: segment}
}

func TestGetOrCompute_MissThenHit(t *testing.T) {
	c := cache.New(10, nil, nil)
	var calls atomic.Int64

	compute := func(ctx context.Context) (chunk.Chunk, error) {
		calls.Add(1)
		return chunk.Chunk{Data: [][]float64{{1, 2, 3}}}, nil
	}

	k := key("f", 1, 0)
	got, err := c.GetOrCompute(context.Background(), k, compute)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 3}}, got.Data)
	assert.Equal(t, int64(1), calls.Load())

	got2, err := c.GetOrCompute(context.Background(), k, compute)
	require.NoError(t, err)
	assert.Equal(t, got.Data, got2.Data)
	assert.Equal(t, int64(1), calls.Load(), "second call must be a cache hit, not a second decode")
}

func TestGetOrCompute_SingleFlightUnderConcurrency(t *testing.T) {
	c := cache.New(10, nil, nil)
	var calls atomic.Int64
	start := make(chan struct{})

	compute := func(ctx context.Context) (chunk.Chunk, error) {
		<-start
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return chunk.Chunk{Data: [][]float64{{42}}}, nil
	}

	k := key("f", 1, 7)
	const n = 32
	var wg sync.WaitGroup
	results := make([]chunk.Chunk, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(context.Background(), k, compute)
		}(i)
	}
	time.Sleep(5 * time.Millisecond) // let every goroutine reach the cache before releasing the decode
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "exactly one decode must occur for 32 concurrent requests of the same key")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, [][]float64{{42}}, results[i].Data)
	}
}

func TestGetOrCompute_FailureIsNotCached(t *testing.T) {
	c := cache.New(10, nil, nil)
	var calls atomic.Int64
	boom := assert.AnError

	compute := func(ctx context.Context) (chunk.Chunk, error) {
		n := calls.Add(1)
		if n == 1 {
			return chunk.Chunk{}, boom
		}
		return chunk.Chunk{Data: [][]float64{{9}}}, nil
	}

	k := key("f", 1, 0)
	_, err := c.GetOrCompute(context.Background(), k, compute)
	assert.ErrorIs(t, err, boom)

	got, err := c.GetOrCompute(context.Background(), k, compute)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{9}}, got.Data)
	assert.Equal(t, int64(2), calls.Load(), "a failed decode must retry, not be cached")
}

func TestEviction_StrictLRU(t *testing.T) {
	c := cache.New(2, nil, nil)
	compute := func(v [][]float64) cache.ComputeFunc {
		return func(ctx context.Context) (chunk.Chunk, error) { return chunk.Chunk{Data: v}, nil }
	}

	k0, k1, k2 := key("f", 1, 0), key("f", 1, 1), key("f", 1, 2)
	_, err := c.GetOrCompute(context.Background(), k0, compute([][]float64{{0}}))
	require.NoError(t, err)
	_, err = c.GetOrCompute(context.Background(), k1, compute([][]float64{{1}}))
	require.NoError(t, err)

	// touch k0 so it becomes MRU, leaving k1 as LRU
	_, err = c.GetOrCompute(context.Background(), k0, compute([][]float64{{99}}))
	require.NoError(t, err)

	_, err = c.GetOrCompute(context.Background(), k2, compute([][]float64{{2}}))
	require.NoError(t, err)

	assert.LessOrEqual(t, c.Len(), c.Capacity())
	assert.True(t, c.Contains(k0), "k0 was touched most recently and must survive eviction")
	assert.True(t, c.Contains(k2), "k2 was just inserted and must be present")
	assert.False(t, c.Contains(k1), "k1 was least recently used and must have been evicted")
}

func TestInvalidate_DropsOlderVersionsOnly(t *testing.T) {
	c := cache.New(10, nil, nil)
	compute := func(ctx context.Context) (chunk.Chunk, error) { return chunk.Chunk{Data: [][]float64{{1}}}, nil }

	old := key("f", 1, 0)
	kept := key("f", 2, 0)
	other := key("g", 1, 0)

	_, err := c.GetOrCompute(context.Background(), old, compute)
	require.NoError(t, err)
	_, err = c.GetOrCompute(context.Background(), kept, compute)
	require.NoError(t, err)
	_, err = c.GetOrCompute(context.Background(), other, compute)
	require.NoError(t, err)

	c.Invalidate(chunk.FileID("f"), 2)

	assert.False(t, c.Contains(old))
	assert.True(t, c.Contains(kept))
	assert.True(t, c.Contains(other), "a different file's entries must be untouched")
}

func TestInvalidate_UnblocksPendingWaiters(t *testing.T) {
	c := cache.New(10, nil, nil)
	release := make(chan struct{})
	k := key("f", 1, 0)

	compute := func(ctx context.Context) (chunk.Chunk, error) {
		<-release
		return chunk.Chunk{Data: [][]float64{{1}}}, nil
	}

	var waiterErr error
	done := make(chan struct{})
	go func() {
		_, waiterErr = c.GetOrCompute(context.Background(), k, compute)
		close(done)
	}()

	// give the initiator time to register the pending entry
	time.Sleep(5 * time.Millisecond)

	// a second caller racing the same key should also be waiting
	secondDone := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(context.Background(), k, compute)
		secondDone <- err
	}()
	time.Sleep(5 * time.Millisecond)

	c.Invalidate(chunk.FileID("f"), 999) // drops version 1

	select {
	case err := <-secondDone:
		assert.True(t, corerr.Is(err, corerr.EKind.Invalidated()))
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked by invalidation")
	}

	close(release)
	<-done
	assert.True(t, corerr.Is(waiterErr, corerr.EKind.Invalidated()), "the initiating goroutine must also observe invalidation, not a stale success")
}

func TestInvalidateFile_DropsAllVersions(t *testing.T) {
	c := cache.New(10, nil, nil)
	compute := func(ctx context.Context) (chunk.Chunk, error) { return chunk.Chunk{Data: [][]float64{{1}}}, nil }

	k1 := key("f", 1, 0)
	k2 := key("f", 2, 0)
	_, err := c.GetOrCompute(context.Background(), k1, compute)
	require.NoError(t, err)
	_, err = c.GetOrCompute(context.Background(), k2, compute)
	require.NoError(t, err)

	c.InvalidateFile(chunk.FileID("f"))

	assert.False(t, c.Contains(k1))
	assert.False(t, c.Contains(k2))
	assert.Equal(t, 0, c.Len())
}

func TestGetOrCompute_ContextCancelledWhileWaiting(t *testing.T) {
	c := cache.New(10, nil, nil)
	release := make(chan struct{})
	k := key("f", 1, 0)
	compute := func(ctx context.Context) (chunk.Chunk, error) {
		<-release
		return chunk.Chunk{Data: [][]float64{{1}}}, nil
	}

	go func() {
		_, _ = c.GetOrCompute(context.Background(), k, compute)
	}()
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrCompute(ctx, k, compute)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
}
