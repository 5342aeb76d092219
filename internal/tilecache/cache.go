package tilecache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Default priorities and deadlines for callers that don't have a more
// specific value to supply (spec §4.1's operation defaults).
const (
	DefaultPriority           = 1
	DefaultBackgroundPriority = 4
	DefaultDeadlinePriority   = 5
)

// Cache is the Tile Cache: it sequences calls against a Renderer and
// coordinates single-flight / adaptive zoom through the Renderer's shared
// ActiveSet. It never produces tile bytes itself.
type Cache struct {
	dir      string
	renderer Renderer
	active   *ActiveSet
	log      *slog.Logger
}

// New creates (or reuses) dir as the cache directory and returns a Cache
// bound to renderer. mkdir is idempotent per spec §5's "shared resources"
// note.
func New(dir string, renderer Renderer, log *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tilecache: create cache dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{dir: dir, renderer: renderer, active: renderer.Active(), log: log}, nil
}

// Active returns the shared ActiveSet, exposed for diagnostics and for the
// Mount Adapter's fallback-to-quick behavior.
func (c *Cache) Active() *ActiveSet { return c.active }

func (c *Cache) artifactPath(k Key) string {
	return filepath.Join(c.dir, k.FileName())
}

// artifactExists reports whether k's artifact is present and complete. A
// zero-byte file is treated as not-yet-complete (spec §4's data model:
// "a cache artifact file, once present and nonzero, is complete").
func (c *Cache) artifactExists(k Key) bool {
	return pathNonEmpty(c.artifactPath(k))
}

func pathNonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}

// GetQuick walks zoom levels from k.Zoom down to minZoom, returning the
// first hit. If minZoom is 0 it defaults to k.Zoom-3. extraFast is passed
// straight through to the renderer (spec §4.2); it does not affect
// priority or the zoom walk. See spec §4.1.
func (c *Cache) GetQuick(ctx context.Context, k Key, minZoom, priority int, extraFast bool) (string, error) {
	zoom := clampZoom(k.Zoom)
	if minZoom == 0 {
		minZoom = zoom - 3
	}
	minZoom = clampZoom(minZoom)
	if minZoom > zoom {
		minZoom = zoom
	}

	for z := zoom; z >= minZoom; z-- {
		zk := k.WithZoom(z)
		if c.active.Contains(zk) {
			continue // be quick: don't wait on someone else's work mid-walk
		}
		if c.artifactExists(zk) {
			return c.artifactPath(zk), nil
		}
	}

	target := k.WithZoom(minZoom)
	path := c.artifactPath(target)

	c.active.WaitWhileActive(target, func(active bool) bool {
		return active && !pathNonEmpty(path)
	}, 0)
	if pathNonEmpty(path) {
		return path, nil
	}

	if !c.active.Mark(target) {
		// Lost a race to another producer between the wait and Mark; wait
		// once more for it to finish rather than starting a second one.
		c.active.WaitWhileActive(target, func(active bool) bool { return active }, 0)
		if pathNonEmpty(path) {
			return path, nil
		}
		return path, nil
	}

	start := time.Now()
	err := c.renderer.GetQuickTile(ctx, target, minZoom, path, priority, extraFast)
	c.active.Unmark(target)
	c.active.RecordTileTime(time.Since(start))
	if err != nil {
		c.log.Warn("get_quick_tile failed", "key", target.String(), "err", err)
	}
	return path, nil
}

// GetTarget resolves min_zoom = min(zoom, max(zoom-2, TargetZoom)) and
// delegates to GetQuick.
func (c *Cache) GetTarget(ctx context.Context, k Key) (string, error) {
	tz := c.active.TargetZoom()
	minZoom := k.Zoom - 2
	if tz > minZoom {
		minZoom = tz
	}
	if k.Zoom < minZoom {
		minZoom = k.Zoom
	}
	return c.GetQuick(ctx, k, minZoom, DefaultPriority, false)
}

// GetBackground is idempotent and non-blocking: if the artifact already
// exists it is a no-op, otherwise it enqueues renderer work and returns.
func (c *Cache) GetBackground(ctx context.Context, k Key) {
	if c.artifactExists(k) {
		return
	}
	path := c.artifactPath(k)
	c.renderer.GetBackgroundTile(ctx, k, 0, path, DefaultBackgroundPriority)
}

// GetBest returns the existing artifact if present, degrades to GetQuick
// if a producer is already active for the key, and otherwise calls the
// renderer synchronously for best quality. Renderer errors are logged and
// swallowed — the expected path is returned regardless (spec §4.1).
func (c *Cache) GetBest(ctx context.Context, k Key) (string, error) {
	path := c.artifactPath(k)
	if pathNonEmpty(path) {
		return path, nil
	}
	if c.active.Contains(k) {
		return c.GetQuick(ctx, k, k.Zoom-2, DefaultPriority, false)
	}
	if !c.active.Mark(k) {
		// Lost the race to another get_best/get_quick producer; degrade
		// the same way we would have if Contains had caught it above.
		return c.GetQuick(ctx, k, k.Zoom-2, DefaultPriority, false)
	}
	err := c.renderer.GetTile(ctx, k, path)
	c.active.Unmark(k)
	if err != nil {
		c.log.Warn("get_tile failed", "key", k.String(), "err", err)
	}
	return path, nil
}

// GetDeadline targets quickZoom (or k.Zoom if quickZoom is 0). If the
// target artifact is missing, it enqueues background work and waits up to
// deadline for it to appear; on timeout (or if still active) it falls
// through to GetQuick(k.Zoom, minZoom or k.Zoom-3).
func (c *Cache) GetDeadline(ctx context.Context, k Key, quickZoom, minZoom int, deadline time.Duration, priority int) (string, error) {
	target := k
	if quickZoom != 0 {
		target = k.WithZoom(clampZoom(quickZoom))
	}
	path := c.artifactPath(target)
	if pathNonEmpty(path) {
		return path, nil
	}

	c.renderer.GetBackgroundTile(ctx, target, quickZoom, path, priority)

	timedOut := c.active.WaitWhileActive(target, func(active bool) bool {
		return active || !pathNonEmpty(path)
	}, deadline)
	if !timedOut && pathNonEmpty(path) {
		return path, nil
	}

	// Fall through with get_quick's own default priority, not the deadline
	// priority passed in here — a missed deadline degrades to an ordinary
	// live read, it doesn't keep queue-jumping (spec §4.1).
	return c.GetQuick(ctx, k, minZoom, DefaultPriority, false)
}
