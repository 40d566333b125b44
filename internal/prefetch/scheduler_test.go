package prefetch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnelair/brainmaze-mef3-server/internal/cache"
	"github.com/bnelair/brainmaze-mef3-server/internal/chunk"
	"github.com/bnelair/brainmaze-mef3-server/internal/prefetch"
)

func key(file string, segment int) chunk.Key {
	return chunk.Key{File: chunk.FileID(file), Version: 1, Segment: segment}
}

func TestSubmit_SkipsAlreadyCachedKey(t *testing.T) {
	c := cache.New(10, nil, nil)
	k := key("f", 0)
	_, err := c.GetOrCompute(context.Background(), k, func(ctx context.Context) (chunk.Chunk, error) {
		return chunk.Chunk{Data: [][]float64{{1}}}, nil
	})
	require.NoError(t, err)

	s := prefetch.New(c, 2, nil, nil)
	calledAgain := false
	s.Submit(context.Background(), k, func(ctx context.Context) (chunk.Chunk, error) {
		calledAgain = true
		return chunk.Chunk{}, nil
	})
	s.Wait()
	assert.False(t, calledAgain, "a key already completed in the cache must not be re-decoded")
}

func TestSubmit_PopulatesCache(t *testing.T) {
	c := cache.New(10, nil, nil)
	s := prefetch.New(c, 2, nil, nil)

	k := key("f", 1)
	s.Submit(context.Background(), k, func(ctx context.Context) (chunk.Chunk, error) {
		return chunk.Chunk{Data: [][]float64{{7}}}, nil
	})
	s.Wait()

	assert.True(t, c.Contains(k))
}

func TestSubmit_DropsOldestOnBacklogOverflow(t *testing.T) {
	c := cache.New(100, nil, nil)
	block := make(chan struct{})

	// maxWorkers=1 so everything queues behind the first running decode,
	// queueDepthPerFile=1 so the second queued item evicts the first.
	s := prefetch.New(c, 1, nil, nil, prefetch.WithQueueDepthPerFile(1))

	// occupy the single worker slot
	started := make(chan struct{})
	s.Submit(context.Background(), key("f", 0), func(ctx context.Context) (chunk.Chunk, error) {
		close(started)
		<-block
		return chunk.Chunk{Data: [][]float64{{0}}}, nil
	})
	<-started

	droppedCalled := false
	s.Submit(context.Background(), key("f", 1), func(ctx context.Context) (chunk.Chunk, error) {
		droppedCalled = true
		return chunk.Chunk{Data: [][]float64{{1}}}, nil
	})
	time.Sleep(10 * time.Millisecond) // let it land in the backlog

	survivorCalled := make(chan struct{})
	s.Submit(context.Background(), key("f", 2), func(ctx context.Context) (chunk.Chunk, error) {
		close(survivorCalled)
		return chunk.Chunk{Data: [][]float64{{2}}}, nil
	})

	close(block)
	s.Wait()

	select {
	case <-survivorCalled:
	case <-time.After(time.Second):
		t.Fatal("the newer queued prefetch should have run")
	}
	assert.False(t, droppedCalled, "the older queued prefetch should have been dropped on overflow")
}

func TestCancelFile_StopsQueuedButNotInFlight(t *testing.T) {
	c := cache.New(100, nil, nil)
	s := prefetch.New(c, 1, nil, nil)

	started := make(chan struct{})
	block := make(chan struct{})
	s.Submit(context.Background(), key("f", 0), func(ctx context.Context) (chunk.Chunk, error) {
		close(started)
		<-block
		return chunk.Chunk{Data: [][]float64{{0}}}, nil
	})
	<-started

	queuedRan := false
	s.Submit(context.Background(), key("f", 1), func(ctx context.Context) (chunk.Chunk, error) {
		queuedRan = true
		return chunk.Chunk{}, nil
	})
	time.Sleep(10 * time.Millisecond)

	s.CancelFile(chunk.FileID("f"))
	close(block)
	s.Wait()

	assert.False(t, queuedRan, "a queued-not-started prefetch must be cancelled by CancelFile")
	assert.True(t, c.Contains(key("f", 0)), "an in-flight decode must not be interrupted by CancelFile")
}
