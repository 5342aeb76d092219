package tilecache

import "time"

const windowSize = 5

// zoomState holds the Tile Time Window and Target Zoom. It is embedded
// directly in ActiveSet so both are protected by the same mutex the spec
// calls "the tile condition" — Active Set membership, the time window,
// and Target Zoom are all adjusted under one lock (design notes, §5).
type zoomState struct {
	window     [windowSize]time.Duration
	count      int // number of valid entries, caps at windowSize
	next       int // ring cursor
	targetZoom int
}

func newZoomState() zoomState {
	return zoomState{targetZoom: 16}
}

// recordTileTime appends a retrieval wall-time to the ring (oldest
// evicted first once full) and re-runs the adaptive zoom controller.
func (z *zoomState) recordTileTime(d time.Duration) {
	z.window[z.next] = d
	z.next = (z.next + 1) % windowSize
	if z.count < windowSize {
		z.count++
	}

	avg := z.average()
	switch {
	case avg > 2*time.Second && z.targetZoom >= 13:
		z.targetZoom--
	case avg <= 300*time.Millisecond && z.targetZoom < 18:
		z.targetZoom++
	}
	z.targetZoom = clampTargetZoom(z.targetZoom)
}

// average divides by the number of entries seen so far, not the fixed
// window size — a plain running mean rather than the original's
// divide-by-window-size behavior (which would treat an unfilled ring's
// empty slots as zero-duration samples and bias the average low during
// warm-up). spec §4.1 only says "moving average of window", and a
// running mean is the more literal reading, so that's what this keeps;
// see DESIGN.md's zoomState.average entry for the tradeoff.
func (z *zoomState) average() time.Duration {
	if z.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < z.count; i++ {
		total += z.window[i]
	}
	return total / time.Duration(z.count)
}

// TargetZoom returns the cache-global adaptive fallback zoom.
func (a *ActiveSet) TargetZoom() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.zoom.targetZoom
}

// RecordTileTime feeds one synchronous retrieval's wall-clock duration
// into the Tile Time Window and lets the adaptive controller adjust
// Target Zoom (see spec §4.1's get_quick moving-average rule).
func (a *ActiveSet) RecordTileTime(d time.Duration) {
	a.mu.Lock()
	a.zoom.recordTileTime(d)
	a.mu.Unlock()
}

// AverageTileTime reports the Tile Time Window's current moving average,
// for diagnostics.
func (a *ActiveSet) AverageTileTime() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.zoom.average()
}
