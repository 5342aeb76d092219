package tilecache

import "context"

// Renderer is the external Tile Renderer collaborator (spec §6): the
// primitive that actually produces tile artifacts. The cache never
// implements rendering itself — it only sequences calls against this
// interface and coordinates single-flight via the Renderer's own shared
// ActiveSet.
//
// All methods are safe to call concurrently. GetQuickTile and GetTile
// block until the artifact is written (or the call fails); the Cache
// holds the key marked in the shared ActiveSet for the duration of those
// two calls, so implementations need not mark it themselves.
// GetBackgroundTile enqueues work and returns immediately — since no
// caller blocks waiting for it, implementations MUST mark the key
// themselves before starting that work and unmark it (broadcasting
// waiters) whether the work completes, fails, or is aborted.
type Renderer interface {
	// GetQuickTile blocks until outfile is written at minZoom quality for
	// key's (row, col, maptype). priority influences queue ordering
	// relative to concurrent GetBackgroundTile work (lower value = higher
	// priority; 0 outranks 1). extraFast is propagated from the DSF
	// Parser's open-path warming (spec §4.2/§4.5: spd > 400 ∧ alt > 4500)
	// and is independent of priority — it's a hint to render at reduced
	// quality for speed, not a queue-ordering signal.
	GetQuickTile(ctx context.Context, key Key, minZoom int, outfile string, priority int, extraFast bool) error

	// GetTile blocks until outfile is written at best available quality
	// for key. May return an error; callers are expected to log and
	// continue (spec §4.1's get_best failure semantics).
	GetTile(ctx context.Context, key Key, outfile string) error

	// GetBackgroundTile enqueues work to produce outfile and returns
	// immediately without blocking. If quickZoom is nonzero, the artifact
	// is first produced at that lower quality before any best-quality
	// upgrade; priority orders the request in the work queue.
	GetBackgroundTile(ctx context.Context, key Key, quickZoom int, outfile string, priority int)

	// Active returns the shared ActiveSet/condition this renderer uses
	// for single-flight coordination. The cache also marks and unmarks
	// keys in it around its own GetQuickTile/GetTile calls and records
	// their tile times into it.
	Active() *ActiveSet

	// TileQueueLen and ChunkQueueLen expose queue depth for diagnostics,
	// mirroring the external renderer's tile_work_queue/chunk_work_queue
	// size introspection (spec §6).
	TileQueueLen() int
	ChunkQueueLen() int
}
