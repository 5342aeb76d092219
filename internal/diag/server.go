// Package diag implements the loopback-only diagnostics HTTP surface
// from SPEC_FULL.md §6: GET /healthz (liveness) and GET /stats (cache
// and flight-state observability). It is pure observability — nothing
// here can mutate cache state — and carries no authentication, since it
// only ever binds to 127.0.0.1.
package diag

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	custommw "github.com/SFAntti/autoortho/internal/middleware"
	"github.com/SFAntti/autoortho/internal/tilecache"
)

// FlightStater is the minimal view diag needs of the flight follower —
// kept as a tiny local interface so this package doesn't need to import
// the concrete *flight.Follower type just to read a snapshot.
type FlightStater interface {
	Connected() bool
}

// Server is the diagnostics HTTP server. Bind failures are non-fatal to
// the core mount (SPEC_FULL.md §7): callers log a Warn and continue
// without it, mirroring the teacher's graceful degradation pattern when
// an optional dependency (e.g. Redis) is unavailable.
type Server struct {
	addr     string
	cacheDir string
	active   *tilecache.ActiveSet
	flight   FlightStater
	log      *slog.Logger
	httpSrv  *http.Server
}

// New builds a Server bound to addr (expected to be a 127.0.0.1 address),
// reporting on active, the cache directory at cacheDir, and flight's
// connection state.
func New(addr, cacheDir string, active *tilecache.ActiveSet, flight FlightStater, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{addr: addr, cacheDir: cacheDir, active: active, flight: flight, log: log}

	r := chi.NewRouter()
	r.Use(custommw.RequestIDChi)
	r.Use(custommw.Recoverer)
	r.Use(custommw.Logger)
	r.Use(custommw.Timeout(5 * time.Second))
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"http://127.0.0.1:*", "http://localhost:*"}}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe starts the server; it returns http.ErrServerClosed on a
// clean Shutdown, matching net/http's own convention.
func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type statsResponse struct {
	ActiveTiles     int    `json:"active_tiles"`
	TargetZoom      int    `json:"target_zoom"`
	TileTimeAvgMs   int64  `json:"tile_time_avg_ms"`
	CacheDir        string `json:"cache_dir"`
	CacheDirSize    string `json:"cache_dir_size"`
	FlightConnected bool   `json:"flight_connected"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		CacheDir: s.cacheDir,
	}
	if s.active != nil {
		resp.ActiveTiles = s.active.Len()
		resp.TargetZoom = s.active.TargetZoom()
		resp.TileTimeAvgMs = s.active.AverageTileTime().Milliseconds()
	}
	if s.flight != nil {
		resp.FlightConnected = s.flight.Connected()
	}
	resp.CacheDirSize = humanize.Bytes(uint64(dirSize(s.cacheDir)))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// dirSize is a best-effort, shallow directory-size estimate for the
// /stats surface; errors (including a cache dir that doesn't exist yet)
// are swallowed and reported as zero, since this is observability only.
func dirSize(dir string) int64 {
	var total int64
	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return 0
	}
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil {
			total += fi.Size()
		}
	}
	return total
}
