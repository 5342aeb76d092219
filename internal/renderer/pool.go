// Package renderer provides the default disk-backed implementation of
// tilecache.Renderer: a priority-aware worker pool that produces tile
// artifacts on disk. Real deployments are expected to swap in a renderer
// backed by an actual imagery provider (spec.md's Tile Renderer is
// explicitly external); this default exists so the rest of the tree has
// something concrete to run against, the way the teacher's ChromePool
// gives PDF generation a concrete (if swappable) browser backend.
package renderer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/SFAntti/autoortho/internal/tilecache"
)

// Source produces the actual tile bytes for a key at a given zoom.
// extraFast is the DSF Parser's open-path speed hint (spec §4.2/§4.5): a
// real backend may use it to request a lower-effort render, distinct from
// queue priority. The default Pool ships with a Source that writes a
// small placeholder DDS payload and ignores the hint; production
// deployments supply one that talks to a real imagery backend.
type Source interface {
	Fetch(ctx context.Context, key tilecache.Key, outfile string, extraFast bool) error
}

type job struct {
	key       tilecache.Key
	outfile   string
	quickZoom int
	priority  int
}

// Pool is a priority-aware worker pool: two queues (high for priority 0,
// low for everything else) are drained by a fixed set of workers that
// always prefer the high queue, per SPEC_FULL.md's "priority 0 ranks
// above priority 1" rule. Lazy-started on first use, mirroring
// ChromePool's sync.Once initialize()/background warmup idiom.
type Pool struct {
	source  Source
	active  *tilecache.ActiveSet
	log     *slog.Logger
	workers int

	startOnce sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	highJobs []job
	lowJobs  []job
	notify   chan struct{}
}

// NewPool returns a Pool with workers concurrent goroutines, using source
// to actually produce tile bytes. If source is nil, a PlaceholderSource
// is used.
func NewPool(workers int, source Source, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if source == nil {
		source = PlaceholderSource{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		source:   source,
		active:   tilecache.NewActiveSet(),
		log:      log,
		workers:  workers,
		stopChan: make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// Active returns the shared ActiveSet backing this pool's Renderer
// methods, satisfying tilecache.Renderer.
func (p *Pool) Active() *tilecache.ActiveSet { return p.active }

// start lazily launches the worker goroutines on first background
// enqueue, so a Pool that's never asked to do background work never
// spins up goroutines.
func (p *Pool) start() {
	p.startOnce.Do(func() {
		p.wg.Add(p.workers)
		for i := 0; i < p.workers; i++ {
			go p.worker(i)
		}
		p.log.Info("renderer pool started", "workers", p.workers)
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		j, ok := p.dequeue()
		if !ok {
			select {
			case <-p.stopChan:
				return
			case <-p.notify:
				continue
			}
		}
		p.run(j)
	}
}

func (p *Pool) dequeue() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.highJobs) > 0 {
		j := p.highJobs[0]
		p.highJobs = p.highJobs[1:]
		return j, true
	}
	if len(p.lowJobs) > 0 {
		j := p.lowJobs[0]
		p.lowJobs = p.lowJobs[1:]
		return j, true
	}
	return job{}, false
}

func (p *Pool) enqueue(j job) {
	p.mu.Lock()
	if j.priority <= 0 {
		p.highJobs = append(p.highJobs, j)
	} else {
		p.lowJobs = append(p.lowJobs, j)
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) run(j job) {
	if !p.active.Mark(j.key) {
		return // someone else is already producing this key
	}
	err := p.source.Fetch(context.Background(), j.key, j.outfile, false)
	p.active.Unmark(j.key)
	if err != nil {
		p.log.Warn("background tile fetch failed", "key", j.key.String(), "err", err)
	}
}

// GetQuickTile blocks until outfile is written at minZoom quality. Cache
// already holds the key marked in the ActiveSet for the duration of this
// call (tilecache.Cache.GetQuick), so no marking happens here. priority
// only affects this call's standing relative to background queue work
// (it isn't used here, since this path never enqueues); extraFast is
// forwarded to the Source as-is.
func (p *Pool) GetQuickTile(ctx context.Context, key tilecache.Key, minZoom int, outfile string, priority int, extraFast bool) error {
	return p.source.Fetch(ctx, key.WithZoom(minZoom), outfile, extraFast)
}

// GetTile blocks until outfile is written at best quality. Cache marks
// the key for the duration of this call.
func (p *Pool) GetTile(ctx context.Context, key tilecache.Key, outfile string) error {
	return p.source.Fetch(ctx, key, outfile, false)
}

// GetBackgroundTile enqueues a job and returns immediately; the worker pool
// marks/unmarks the ActiveSet around the actual fetch since no caller
// blocks waiting for this to run.
func (p *Pool) GetBackgroundTile(ctx context.Context, key tilecache.Key, quickZoom int, outfile string, priority int) {
	p.start()
	target := key
	if quickZoom != 0 {
		target = key.WithZoom(quickZoom)
	}
	p.enqueue(job{key: target, outfile: outfile, quickZoom: quickZoom, priority: priority})
}

// TileQueueLen reports the combined depth of the high/low priority
// queues, for diagnostics.
func (p *Pool) TileQueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.highJobs) + len(p.lowJobs)
}

// ChunkQueueLen is always 0: this pool has no separate chunk-granularity
// queue. The DSF Parser does its own chunking (errgroup fan-out) upstream
// of the renderer rather than delegating chunk scheduling to it.
func (p *Pool) ChunkQueueLen() int { return 0 }

// Shutdown stops all workers and waits for in-flight jobs to finish,
// mirroring RollupScheduler.Stop's close(stopChan)+wg.Wait idiom.
func (p *Pool) Shutdown() {
	close(p.stopChan)
	p.wg.Wait()
	p.log.Info("renderer pool shut down")
}

// PlaceholderSource writes a minimal, deterministic DDS-shaped payload.
// It never contacts a real imagery provider — that integration is an
// external concern (spec.md §1/§6) left to whoever wires a production
// Source in.
type PlaceholderSource struct{}

func (PlaceholderSource) Fetch(ctx context.Context, key tilecache.Key, outfile string, extraFast bool) error {
	// DDS magic + a minimal zeroed header so the artifact is recognizable
	// as a (degenerate) DDS file rather than arbitrary bytes.
	const ddsMagic = "DDS "
	header := make([]byte, 128)
	copy(header, ddsMagic)
	if err := os.WriteFile(outfile, header, 0o644); err != nil {
		return fmt.Errorf("renderer: write placeholder for %s: %w", key.String(), err)
	}
	return nil
}
