package filemanager_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnelair/brainmaze-mef3-server/internal/chunk"
	"github.com/bnelair/brainmaze-mef3-server/internal/config"
	"github.com/bnelair/brainmaze-mef3-server/internal/corerr"
	"github.com/bnelair/brainmaze-mef3-server/internal/decoder"
	"github.com/bnelair/brainmaze-mef3-server/internal/filemanager"
)

const testPath = "/recordings/patient001.mef3"

func tenSecondMetadata() chunk.Metadata {
	return chunk.Metadata{
		Channels: []chunk.ChannelInfo{
			{Name: "Ch1", SampleRate: 1000},
			{Name: "Ch2", SampleRate: 1000},
			{Name: "Ch3", SampleRate: 1000},
		},
		StartUs: 0,
		EndUs:   10_000_000,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func newManager(t *testing.T, cfg config.Config) (*filemanager.Manager, *decoder.FakeAdapter) {
	t.Helper()
	fake := decoder.NewFakeAdapter()
	fake.AddFile(testPath, tenSecondMetadata())
	mgr := filemanager.New(context.Background(), fake, cfg, nil)
	return mgr, fake
}

// Scenario 1 (spec.md §8): open, enumerate, read sequentially with
// prefetch disabled -- exactly one decoder read per segment.
func TestScenario_SequentialReadsNoPrefetch(t *testing.T) {
	cfg := config.Config{NPrefetch: 0, CacheCapacityMultiplier: 1, MaxWorkers: 1}
	mgr, fake := newManager(t, cfg)
	ctx := context.Background()

	md, err := mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)
	assert.Len(t, md.Channels, 3)

	count, err := mgr.SetSegmentSeconds(testPath, 2.0)
	require.NoError(t, err)
	require.Equal(t, 5, count)

	for i := 0; i < count; i++ {
		_, err := mgr.GetSignalSegment(ctx, testPath, i)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(5), fake.ReadCount())
}

// Scenario 2 (spec.md §8): with n_prefetch=3, reading segment 0 should
// warm segments 1-3 so later foreground reads of them cost no further
// decoder reads. The recording is cut into exactly 4 segments so that
// the prefetches triggered by reading 1-3 have no uncached index left
// to decode.
func TestScenario_PrefetchWarmsFollowingSegments(t *testing.T) {
	cfg := config.Config{NPrefetch: 3, CacheCapacityMultiplier: 3, MaxWorkers: 4}
	mgr, fake := newManager(t, cfg)
	ctx := context.Background()

	_, err := mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)
	_, err = mgr.SetSegmentSeconds(testPath, 2.5) // 4 segments
	require.NoError(t, err)

	_, err = mgr.GetSignalSegment(ctx, testPath, 0)
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool { return fake.ReadCount() >= 4 })
	warmedCount := fake.ReadCount()

	for i := 1; i <= 3; i++ {
		_, err := mgr.GetSignalSegment(ctx, testPath, i)
		require.NoError(t, err)
	}
	assert.Equal(t, warmedCount, fake.ReadCount(), "segments already prefetched must not trigger additional decoder reads")
}

// Scenario 3 (spec.md §8): resizing segment_seconds invalidates prior
// entries; the next read at the new layout decodes fresh.
func TestScenario_ResizeInvalidatesPriorEntries(t *testing.T) {
	cfg := config.Config{NPrefetch: 0, CacheCapacityMultiplier: 2, MaxWorkers: 1}
	mgr, fake := newManager(t, cfg)
	ctx := context.Background()

	_, err := mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)
	_, err = mgr.SetSegmentSeconds(testPath, 2.0)
	require.NoError(t, err)

	_, err = mgr.GetSignalSegment(ctx, testPath, 0)
	require.NoError(t, err)
	firstReads := fake.ReadCount()

	newCount, err := mgr.SetSegmentSeconds(testPath, 5.0) // 2 segments now
	require.NoError(t, err)
	assert.Equal(t, 2, newCount)

	_, err = mgr.GetSignalSegment(ctx, testPath, 0)
	require.NoError(t, err)
	assert.Greater(t, fake.ReadCount(), firstReads, "a segment at the new layout must be freshly decoded, not served from the stale cache")
}

// Scenario 4 (spec.md §8): active_channels filters and reorders the
// returned rows to match the requested order.
func TestScenario_ActiveChannelsFilterAndReorder(t *testing.T) {
	cfg := config.Config{NPrefetch: 0, CacheCapacityMultiplier: 1, MaxWorkers: 1}
	mgr, _ := newManager(t, cfg)
	ctx := context.Background()

	_, err := mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)
	_, err = mgr.SetSegmentSeconds(testPath, 10.0) // 1 segment
	require.NoError(t, err)

	require.NoError(t, mgr.SetActiveChannels(testPath, []string{"Ch3", "Ch1"}))

	c, err := mgr.GetSignalSegment(ctx, testPath, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ch3", "Ch1"}, c.ChannelNames)
	rows, _ := c.Shape()
	assert.Equal(t, 2, rows)
}

// Scenario 5 (spec.md §8): 32 concurrent readers of the same segment
// observe exactly one decoder read and identical data.
func TestScenario_ConcurrentReadersSingleDecode(t *testing.T) {
	cfg := config.Config{NPrefetch: 0, CacheCapacityMultiplier: 1, MaxWorkers: 8}
	mgr, fake := newManager(t, cfg)
	fake.ReadDelay = func() { time.Sleep(5 * time.Millisecond) }
	ctx := context.Background()

	_, err := mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)
	_, err = mgr.SetSegmentSeconds(testPath, 2.0)
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	results := make([]chunk.Chunk, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mgr.GetSignalSegment(ctx, testPath, 2)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Data, results[i].Data)
	}
	assert.Equal(t, int64(1), fake.ReadCount())
}

// Scenario 6 (spec.md §8): closing a file cancels queued prefetches and
// discards any in-flight results; reopening starts clean.
func TestScenario_CloseCancelsPrefetchAndCleansUp(t *testing.T) {
	cfg := config.Config{NPrefetch: 5, CacheCapacityMultiplier: 2, MaxWorkers: 1}
	mgr, fake := newManager(t, cfg)
	fake.ReadDelay = func() { time.Sleep(30 * time.Millisecond) }
	ctx := context.Background()

	_, err := mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)
	_, err = mgr.SetSegmentSeconds(testPath, 1.0) // 10 segments, plenty to prefetch
	require.NoError(t, err)

	_, err = mgr.GetSignalSegment(ctx, testPath, 0)
	require.NoError(t, err)

	require.NoError(t, mgr.CloseFile(ctx, testPath))

	time.Sleep(50 * time.Millisecond) // let any in-flight prefetch finish and discover invalidation

	_, err = mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)
	readsBeforeReopenRead := fake.ReadCount()

	_, err = mgr.GetSignalSegment(ctx, testPath, 0)
	require.NoError(t, err)
	assert.Greater(t, fake.ReadCount(), readsBeforeReopenRead, "closing and reopening must not leave a stale cache entry behind")
}

func TestOpenFile_IsIdempotent(t *testing.T) {
	cfg := config.Config{NPrefetch: 0, CacheCapacityMultiplier: 1, MaxWorkers: 1}
	mgr, fake := newManager(t, cfg)
	ctx := context.Background()

	_, err := mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)
	_, err = mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)

	assert.Equal(t, int64(1), fake.OpenCount())
}

func TestCloseFile_IsIdempotent(t *testing.T) {
	cfg := config.Config{NPrefetch: 0, CacheCapacityMultiplier: 1, MaxWorkers: 1}
	mgr, _ := newManager(t, cfg)
	ctx := context.Background()

	assert.NoError(t, mgr.CloseFile(ctx, testPath)) // never opened
	_, err := mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)
	assert.NoError(t, mgr.CloseFile(ctx, testPath))
	assert.NoError(t, mgr.CloseFile(ctx, testPath)) // already closed
}

func TestGetSignalSegment_NotOpen(t *testing.T) {
	cfg := config.Config{NPrefetch: 0, CacheCapacityMultiplier: 1, MaxWorkers: 1}
	mgr, _ := newManager(t, cfg)
	_, err := mgr.GetSignalSegment(context.Background(), testPath, 0)
	assert.True(t, corerr.Is(err, corerr.EKind.NotOpen()))
}

func TestGetSignalSegment_OutOfRangeAtSegmentCount(t *testing.T) {
	cfg := config.Config{NPrefetch: 0, CacheCapacityMultiplier: 1, MaxWorkers: 1}
	mgr, _ := newManager(t, cfg)
	ctx := context.Background()
	_, err := mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)
	count, err := mgr.SetSegmentSeconds(testPath, 2.0)
	require.NoError(t, err)

	_, err = mgr.GetSignalSegment(ctx, testPath, count) // index == segment_count
	assert.True(t, corerr.Is(err, corerr.EKind.OutOfRange()))
}

func TestListOpenFiles(t *testing.T) {
	cfg := config.Config{NPrefetch: 0, CacheCapacityMultiplier: 1, MaxWorkers: 1}
	mgr, _ := newManager(t, cfg)
	ctx := context.Background()
	assert.Empty(t, mgr.ListOpenFiles())

	_, err := mgr.OpenFile(ctx, testPath)
	require.NoError(t, err)
	assert.Len(t, mgr.ListOpenFiles(), 1)
}
