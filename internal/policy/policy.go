// Package policy implements the Read-Path Policy: given a tile key and a
// flight-state snapshot, decide which Tile Cache operation to invoke and
// with what arguments (spec.md §4.4).
package policy

import (
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/SFAntti/autoortho/internal/flight"
	"github.com/SFAntti/autoortho/internal/tilecache"
)

// Strategy names which Cache operation the Mount Adapter must invoke.
type Strategy int

const (
	// StrategyPassthrough means the path is not a tile the policy resolves
	// (maptype == tilecache.ZLSentinel); the adapter leaves it to the
	// underlying filesystem.
	StrategyPassthrough Strategy = iota
	StrategyQuick
	StrategyDeadline
)

// Args carries the parameters for whichever Strategy was selected. Not
// every field applies to every Strategy; QuickZoom of 0 means "use the
// Cache's own default" (spec.md §4.1's get_deadline quick_zoom=0 case).
type Args struct {
	MinZoom   int
	QuickZoom int
	Deadline  time.Duration
	Priority  int
}

// Resolve implements the guard table in spec.md §4.4, in order, first
// match wins. The stationary branch is deliberately placed before the
// generic "not facing, close range" branch, per the spec's explicit
// ordering note: both guards overlap at distance <= nearRange with
// facing == false, and only spd < 2 distinguishes them.
func Resolve(key tilecache.Key, state *flight.State) (Strategy, Args) {
	if key.MapType == tilecache.ZLSentinel {
		return StrategyPassthrough, Args{}
	}
	if state == nil || !state.Connected {
		return StrategyQuick, Args{MinZoom: key.Zoom}
	}

	x, y := deg2tile(state.Lat, state.Lon, key.Zoom)
	nearRange := 4 * math.Pow(2, float64(max(12, key.Zoom)-12))
	dx := float64(x - key.Col)
	dy := float64(y - key.Row)
	distance := math.Sqrt(dx*dx + dy*dy)
	facing := facingTile(state.Hdg, key.Row, key.Col, x, y)
	near := distance <= nearRange

	switch {
	case state.Spd > 400 && near && state.Alt < 4500 && facing:
		return StrategyDeadline, deadlineArgs(key.Zoom-2, 350*time.Millisecond, tilecache.DefaultDeadlinePriority)
	case state.Spd > 400 && near && state.Alt < 4500:
		return StrategyQuick, Args{MinZoom: key.Zoom}

	case state.Spd > 200 && near && state.Alt < 4500 && facing:
		return StrategyDeadline, deadlineArgs(key.Zoom-1, time.Second, tilecache.DefaultDeadlinePriority)
	case state.Spd > 200 && near && state.Alt < 4500:
		return StrategyQuick, Args{MinZoom: key.Zoom}

	case state.Spd > 200 && !near && facing:
		return StrategyDeadline, deadlineArgs(key.Zoom-2, 350*time.Millisecond, tilecache.DefaultDeadlinePriority)
	case state.Spd > 200 && !near:
		return StrategyQuick, Args{MinZoom: key.Zoom}

	case near && facing:
		return StrategyDeadline, deadlineArgs(0, 4*time.Second, 2)
	case near && state.Spd < 2:
		return StrategyDeadline, deadlineArgs(0, 8*time.Second, tilecache.DefaultDeadlinePriority)
	case near:
		return StrategyDeadline, deadlineArgs(0, time.Second, tilecache.DefaultDeadlinePriority)

	case facing:
		return StrategyDeadline, deadlineArgs(0, 1500*time.Millisecond, tilecache.DefaultDeadlinePriority)
	default:
		return StrategyQuick, Args{MinZoom: key.Zoom}
	}
}

func deadlineArgs(quickZoom int, deadline time.Duration, priority int) Args {
	return Args{QuickZoom: quickZoom, Deadline: deadline, Priority: priority}
}

// deg2tile converts a lat/lon pair to slippy-map tile coordinates at the
// given zoom, via orb/maptile (standard Web Mercator tiling — the same
// formula spec.md §4.4 spells out by hand).
func deg2tile(lat, lon float64, zoom int) (x, y int) {
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(zoom))
	return int(t.X), int(t.Y)
}

// facingTile implements the heading half-plane test from spec.md §4.4.
// Boundaries are closed on the side listed first in each range.
func facingTile(hdg float64, row, col, x, y int) bool {
	switch {
	case hdg >= 315 || hdg < 45:
		return row <= y
	case hdg >= 135 && hdg < 225:
		return row >= y
	case hdg >= 45 && hdg < 135:
		return col >= x
	default: // [225, 315)
		return col <= x
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
