package tilecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRenderer is a controllable in-memory stand-in for the external Tile
// Renderer, used to exercise the Cache's sequencing logic without touching
// real tile-producing code.
type fakeRenderer struct {
	mu       sync.Mutex
	active   *ActiveSet
	delay    time.Duration // applied to synchronous GetQuickTile/GetTile calls
	bgDelay  time.Duration // applied to the background goroutine GetBackgroundTile spawns
	failNext bool
	calls    []string
	bgQueue  []Key
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{active: NewActiveSet()}
}

func (f *fakeRenderer) Active() *ActiveSet { return f.active }

func (f *fakeRenderer) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRenderer) GetQuickTile(ctx context.Context, key Key, minZoom int, outfile string, priority int, extraFast bool) error {
	f.record(fmt.Sprintf("quick:%s:p%d:f%v", key.String(), priority, extraFast))
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("simulated renderer failure")
	}
	return writePlaceholder(outfile)
}

func (f *fakeRenderer) GetTile(ctx context.Context, key Key, outfile string) error {
	f.record("best:" + key.String())
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("simulated renderer failure")
	}
	return writePlaceholder(outfile)
}

func (f *fakeRenderer) GetBackgroundTile(ctx context.Context, key Key, quickZoom int, outfile string, priority int) {
	f.mu.Lock()
	f.bgQueue = append(f.bgQueue, key)
	f.mu.Unlock()
	f.record(fmt.Sprintf("background:%s:p%d", key.String(), priority))
	go func() {
		if f.bgDelay > 0 {
			time.Sleep(f.bgDelay)
		}
		f.active.Mark(key)
		_ = writePlaceholder(outfile)
		f.active.Unmark(key)
	}()
}

func (f *fakeRenderer) TileQueueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bgQueue)
}

func (f *fakeRenderer) ChunkQueueLen() int { return 0 }

func writePlaceholder(path string) error {
	return os.WriteFile(path, []byte("tile-bytes"), 0o644)
}

func newTestCache(t *testing.T, r *fakeRenderer) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(dir, r, nil)
	require.NoError(t, err)
	return c
}

func TestGetQuickReturnsExistingHigherZoomWithoutCallingRenderer(t *testing.T) {
	r := newFakeRenderer()
	c := newTestCache(t, r)

	k := Key{Row: 1, Col: 1, MapType: "BI", Zoom: 16}
	hit := k.WithZoom(15)
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, hit.FileName()), []byte("x"), 0o644))

	path, err := c.GetQuick(context.Background(), k, 13, DefaultPriority, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.dir, hit.FileName()), path)
	assert.Empty(t, r.calls, "a zoom-walk hit must not invoke the renderer")
}

func TestGetQuickFallsThroughToRendererAtMinZoom(t *testing.T) {
	r := newFakeRenderer()
	c := newTestCache(t, r)
	k := Key{Row: 2, Col: 2, MapType: "BI", Zoom: 16}

	path, err := c.GetQuick(context.Background(), k, 14, DefaultPriority, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.dir, k.WithZoom(14).FileName()), path)
	require.Len(t, r.calls, 1)
	assert.Contains(t, r.calls[0], "quick:2_2_BI_14")
	assert.FileExists(t, path)
}

func TestGetQuickSingleFlightForConcurrentCallers(t *testing.T) {
	r := newFakeRenderer()
	r.delay = 50 * time.Millisecond
	c := newTestCache(t, r)
	k := Key{Row: 3, Col: 3, MapType: "BI", Zoom: 16}

	const n = 10
	var wg sync.WaitGroup
	paths := make([]string, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			p, err := c.GetQuick(context.Background(), k, 16, DefaultPriority, false)
			require.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
	assert.Len(t, r.calls, 1, "only one producer should have run for the shared key")
}

func TestGetQuickRecordsTileTimeAndAdjustsZoom(t *testing.T) {
	r := newFakeRenderer()
	r.delay = 10 * time.Millisecond
	c := newTestCache(t, r)

	for i := 0; i < 5; i++ {
		k := Key{Row: i, Col: i, MapType: "BI", Zoom: 16}
		_, err := c.GetQuick(context.Background(), k, 16, DefaultPriority, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 18, c.active.TargetZoom(), "fast synthetic renderer calls should saturate target zoom upward")
}

func TestGetQuickSwallowsRendererError(t *testing.T) {
	r := newFakeRenderer()
	r.failNext = true
	c := newTestCache(t, r)
	k := Key{Row: 5, Col: 5, MapType: "BI", Zoom: 16}

	path, err := c.GetQuick(context.Background(), k, 16, DefaultPriority, false)
	require.NoError(t, err, "renderer errors must be swallowed, never surfaced")
	assert.Equal(t, filepath.Join(c.dir, k.FileName()), path)
	assert.NoFileExists(t, path, "a failed render leaves no artifact behind")
}

func TestGetTargetFallsBackToZoomMinusTwoWhenTargetZoomIsNotHigher(t *testing.T) {
	r := newFakeRenderer()
	c := newTestCache(t, r)
	// Default TargetZoom is 16; for zoom 18, max(zoom-2, TargetZoom) =
	// max(16, 16) = 16, clamped further by min(zoom, .) = 16.
	k := Key{Row: 6, Col: 6, MapType: "BI", Zoom: 18}

	_, err := c.GetTarget(context.Background(), k)
	require.NoError(t, err)
	require.Len(t, r.calls, 1)
	assert.Contains(t, r.calls[0], "quick:6_6_BI_16")
}

func TestGetTargetUsesTargetZoomWhenHigherThanZoomMinusTwo(t *testing.T) {
	r := newFakeRenderer()
	c := newTestCache(t, r)
	for i := 0; i < 5; i++ {
		c.active.RecordTileTime(100 * time.Millisecond) // saturate TargetZoom to 18
	}
	require.Equal(t, 18, c.active.TargetZoom())

	k := Key{Row: 7, Col: 7, MapType: "BI", Zoom: 18}
	_, err := c.GetTarget(context.Background(), k)
	require.NoError(t, err)
	require.Len(t, r.calls, 1)
	// min_zoom = min(zoom, max(zoom-2, TargetZoom)) = min(18, max(16,18)) = 18
	assert.Contains(t, r.calls[0], "quick:7_7_BI_18")
}

func TestGetBackgroundIsIdempotentWhenArtifactExists(t *testing.T) {
	r := newFakeRenderer()
	c := newTestCache(t, r)
	k := Key{Row: 7, Col: 7, MapType: "BI", Zoom: 16}
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, k.FileName()), []byte("present"), 0o644))

	c.GetBackground(context.Background(), k)
	assert.Empty(t, r.calls, "an existing artifact must short-circuit background scheduling")
}

func TestGetBackgroundEnqueuesWhenMissing(t *testing.T) {
	r := newFakeRenderer()
	c := newTestCache(t, r)
	k := Key{Row: 8, Col: 8, MapType: "BI", Zoom: 16}

	c.GetBackground(context.Background(), k)
	require.Len(t, r.calls, 1)
	assert.Contains(t, r.calls[0], "background:8_8_BI_16")
}

func TestGetBestReturnsExistingArtifact(t *testing.T) {
	r := newFakeRenderer()
	c := newTestCache(t, r)
	k := Key{Row: 9, Col: 9, MapType: "BI", Zoom: 16}
	want := filepath.Join(c.dir, k.FileName())
	require.NoError(t, os.WriteFile(want, []byte("present"), 0o644))

	path, err := c.GetBest(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, want, path)
	assert.Empty(t, r.calls)
}

func TestGetBestDegradesToQuickWhenKeyActive(t *testing.T) {
	r := newFakeRenderer()
	c := newTestCache(t, r)
	k := Key{Row: 10, Col: 10, MapType: "BI", Zoom: 16}
	require.True(t, c.active.Mark(k))
	defer c.active.Unmark(k)

	path, err := c.GetBest(context.Background(), k)
	require.NoError(t, err)
	assert.Contains(t, path, "10_10_BI_14.dds", "GetBest degrades to get_quick(zoom-2) when active")
}

func TestGetBestSwallowsRendererFailureAndReturnsExpectedPath(t *testing.T) {
	r := newFakeRenderer()
	r.failNext = true
	c := newTestCache(t, r)
	k := Key{Row: 11, Col: 11, MapType: "BI", Zoom: 16}

	path, err := c.GetBest(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.dir, k.FileName()), path)
}

func TestGetDeadlineReturnsArtifactProducedWithinDeadline(t *testing.T) {
	r := newFakeRenderer()
	r.bgDelay = 20 * time.Millisecond
	c := newTestCache(t, r)
	k := Key{Row: 12, Col: 12, MapType: "BI", Zoom: 16}

	path, err := c.GetDeadline(context.Background(), k, 0, 0, 500*time.Millisecond, DefaultDeadlinePriority)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestGetDeadlineFallsThroughToQuickOnTimeout(t *testing.T) {
	r := newFakeRenderer()
	r.bgDelay = 500 * time.Millisecond // background producer far slower than the deadline
	c := newTestCache(t, r)
	k := Key{Row: 13, Col: 13, MapType: "BI", Zoom: 16}

	start := time.Now()
	path, err := c.GetDeadline(context.Background(), k, 0, 13, 30*time.Millisecond, DefaultDeadlinePriority)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Contains(t, path, "13_13_BI_13.dds")
	assert.Less(t, elapsed, 400*time.Millisecond, "fallback must not wait for the slow background producer")
}

func TestGetDeadlineImmediateHitSkipsWaiting(t *testing.T) {
	r := newFakeRenderer()
	c := newTestCache(t, r)
	k := Key{Row: 14, Col: 14, MapType: "BI", Zoom: 16}
	want := filepath.Join(c.dir, k.FileName())
	require.NoError(t, os.WriteFile(want, []byte("present"), 0o644))

	path, err := c.GetDeadline(context.Background(), k, 0, 0, time.Second, DefaultDeadlinePriority)
	require.NoError(t, err)
	assert.Equal(t, want, path)
	assert.Empty(t, r.calls)
}
