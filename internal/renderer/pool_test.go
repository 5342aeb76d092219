package renderer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SFAntti/autoortho/internal/tilecache"
)

type recordingSource struct {
	mu    sync.Mutex
	order []string
	delay time.Duration
}

func (s *recordingSource) Fetch(ctx context.Context, key tilecache.Key, outfile string, extraFast bool) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.order = append(s.order, key.String())
	s.mu.Unlock()
	return os.WriteFile(outfile, []byte("tile"), 0o644)
}

func TestPoolPlaceholderSourceWritesRecognizableFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.dds")
	src := PlaceholderSource{}
	require.NoError(t, src.Fetch(context.Background(), tilecache.Key{Row: 1, Col: 1, MapType: "BI", Zoom: 16}, out, false))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "DDS ", string(data[:4]))
}

func TestPoolGetQuickTileWritesAtRequestedZoom(t *testing.T) {
	src := &recordingSource{}
	p := NewPool(2, src, nil)
	defer p.Shutdown()

	dir := t.TempDir()
	out := filepath.Join(dir, "q.dds")
	k := tilecache.Key{Row: 5, Col: 5, MapType: "BI", Zoom: 16}
	err := p.GetQuickTile(context.Background(), k, 13, out, 1, false)
	require.NoError(t, err)
	assert.FileExists(t, out)
	require.Len(t, src.order, 1)
	assert.Equal(t, "5_5_BI_13", src.order[0])
}

func TestPoolBackgroundJobsRunAndMarkActiveSet(t *testing.T) {
	src := &recordingSource{delay: 20 * time.Millisecond}
	p := NewPool(1, src, nil)
	defer p.Shutdown()

	dir := t.TempDir()
	out := filepath.Join(dir, "bg.dds")
	k := tilecache.Key{Row: 6, Col: 6, MapType: "BI", Zoom: 16}

	p.GetBackgroundTile(context.Background(), k, 0, out, 1)

	// The source sleeps 20ms, so the key stays marked while it fetches.
	require.Eventually(t, func() bool { return p.Active().Contains(k) }, time.Second, time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(out); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.FileExists(t, out)
	assert.Eventually(t, func() bool { return !p.Active().Contains(k) }, time.Second, time.Millisecond)
}

func TestPoolHighPriorityJobsRunBeforeLowPriority(t *testing.T) {
	src := &recordingSource{delay: 10 * time.Millisecond}
	// Single worker so ordering is deterministic.
	p := NewPool(1, src, nil)
	defer p.Shutdown()
	dir := t.TempDir()

	low := tilecache.Key{Row: 1, Col: 1, MapType: "BI", Zoom: 16}
	high := tilecache.Key{Row: 2, Col: 2, MapType: "BI", Zoom: 16}

	// Pin the worker with a throwaway job first so both real jobs land in
	// the queue before the worker starts draining it.
	pin := tilecache.Key{Row: 0, Col: 0, MapType: "BI", Zoom: 16}
	p.GetBackgroundTile(context.Background(), pin, 0, filepath.Join(dir, "pin.dds"), 1)
	time.Sleep(2 * time.Millisecond)

	p.GetBackgroundTile(context.Background(), low, 0, filepath.Join(dir, "low.dds"), 5)
	p.GetBackgroundTile(context.Background(), high, 0, filepath.Join(dir, "high.dds"), 0)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		src.mu.Lock()
		done := len(src.order) >= 3
		src.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	require.Len(t, src.order, 3)
	assert.Equal(t, "0_0_BI_16", src.order[0])
	assert.Equal(t, "2_2_BI_16", src.order[1], "priority 0 must be served before priority 5")
	assert.Equal(t, "1_1_BI_16", src.order[2])
}

type blockingSource struct {
	release chan struct{}
}

func (s *blockingSource) Fetch(ctx context.Context, key tilecache.Key, outfile string, extraFast bool) error {
	<-s.release
	return os.WriteFile(outfile, []byte("tile"), 0o644)
}

func TestPoolTileQueueLenReflectsPendingJobs(t *testing.T) {
	src := &blockingSource{release: make(chan struct{})}
	p := NewPool(1, src, nil) // single worker: the first job occupies it, the rest queue up
	defer func() {
		close(src.release)
		p.Shutdown()
	}()
	dir := t.TempDir()

	p.GetBackgroundTile(context.Background(), tilecache.Key{Row: 1, Col: 1, MapType: "BI", Zoom: 16}, 0, filepath.Join(dir, "a.dds"), 1)
	// Give the sole worker a moment to dequeue and block on the first job.
	time.Sleep(20 * time.Millisecond)
	p.GetBackgroundTile(context.Background(), tilecache.Key{Row: 2, Col: 2, MapType: "BI", Zoom: 16}, 0, filepath.Join(dir, "b.dds"), 1)

	assert.Equal(t, 1, p.TileQueueLen(), "second job should still be queued while the worker blocks on the first")
	assert.Equal(t, 0, p.ChunkQueueLen())
}

func TestPoolGetTileUsesSourceDirectly(t *testing.T) {
	src := &recordingSource{}
	p := NewPool(1, src, nil)
	defer p.Shutdown()
	dir := t.TempDir()
	out := filepath.Join(dir, "best.dds")

	err := p.GetTile(context.Background(), tilecache.Key{Row: 9, Col: 9, MapType: "BI", Zoom: 16}, out)
	require.NoError(t, err)
	assert.FileExists(t, out)
}
