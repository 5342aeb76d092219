// Package dsf implements the DSF Parser: given a scenery descriptor
// file, it discovers every DDS tile the scenery references and warms
// the Tile Cache for them in parallel.
package dsf

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/sync/errgroup"

	"github.com/SFAntti/autoortho/internal/tilecache"
)

const numChunks = 8

// terrainRe matches terrain-reference tokens inside a .dsf file's text,
// e.g. "terrain/30_20_BI16.ter" (spec.md §4.2's grammar).
var terrainRe = regexp.MustCompile(`terrain\W?\d+[-_]\d+[-_]\D*\d+\w*\.ter`)

// ddsRefRe matches DDS path references inside a .ter file's text.
var ddsRefRe = regexp.MustCompile(`\S*/\d+[-_]\d+[-_]\D*\d+\.dds`)

// Cache is the subset of tilecache.Cache the parser needs: a quick
// fetch to warm the cache for a discovered key.
type Cache interface {
	GetQuick(ctx context.Context, key tilecache.Key, minZoom, priority int, extraFast bool) (string, error)
}

// Parser scans DSF files and warms the cache for every tile they
// reference.
type Parser struct {
	cache Cache
	log   *slog.Logger
}

// NewParser returns a Parser backed by cache.
func NewParser(cache Cache, log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}
	return &Parser{cache: cache, log: log}
}

// Open scans the .dsf file at path for terrain references, resolves each
// to a .ter file two directories up, extracts the DDS references found
// there, deduplicates them, and fans warming work out across up to 8
// parallel workers. Every warm call runs at priority 0 — DSF prefetch
// always outranks live reads (spec §4.2/§9) — while extraFast is
// forwarded to the renderer as an independent hint; the Mount Adapter
// computes it from flight state when it opens a DSF path (spec.md §4.5).
func (p *Parser) Open(ctx context.Context, path string, extraFast bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("dsf: read %s: %w", path, err)
	}

	terMatches := terrainRe.FindAll(data, -1)
	p.log.Info("dsf: found terrain references", "path", path, "count", len(terMatches))

	terDir := filepath.Join(filepath.Dir(path), "..", "..")
	ddsSet := make(map[string]struct{})
	for _, t := range terMatches {
		terPath := filepath.Join(terDir, string(t))
		terData, err := os.ReadFile(terPath)
		if err != nil {
			p.log.Debug("dsf: skipping unreadable .ter reference", "ter_path", terPath, "err", err)
			continue
		}
		for _, dds := range ddsRefRe.FindAll(terData, -1) {
			full := filepath.Join(filepath.Dir(terPath), string(dds))
			ddsSet[full] = struct{}{}
		}
	}

	ddsList := make([]string, 0, len(ddsSet))
	for dds := range ddsSet {
		ddsList = append(ddsList, dds)
	}
	p.log.Debug("dsf: found dds references", "path", path, "count", len(ddsList))

	g, gctx := errgroup.WithContext(ctx)
	for _, chunk := range chunkInto(ddsList, numChunks) {
		chunk := chunk
		g.Go(func() error {
			p.warmChunk(gctx, chunk, extraFast)
			return nil
		})
	}
	return g.Wait()
}

// warmChunk is the per-worker unit: touch missing artifacts, and quick-
// warm any that exist but are empty placeholders. Priority is always 0:
// DSF prefetch outranks live reads unconditionally (spec §4.2/§9).
func (p *Parser) warmChunk(ctx context.Context, ddsPaths []string, extraFast bool) {
	for _, ddsPath := range ddsPaths {
		key, ok := tilecache.ParseFileName(ddsPath)
		if !ok {
			p.log.Debug("dsf: dds path does not match known pattern", "path", ddsPath)
			continue
		}

		fi, err := os.Stat(ddsPath)
		if os.IsNotExist(err) {
			p.log.Debug("dsf: creating empty placeholder", "path", ddsPath)
			if err := touch(ddsPath); err != nil {
				p.log.Debug("dsf: failed to create placeholder", "path", ddsPath, "err", err)
			}
			continue
		}
		if err != nil {
			p.log.Debug("dsf: stat failed, skipping", "path", ddsPath, "err", err)
			continue
		}
		if fi.Size() > 0 {
			continue // already has real content
		}

		if _, err := p.cache.GetQuick(ctx, key, 0, 0, extraFast); err != nil {
			p.log.Debug("dsf: quick warm failed", "path", ddsPath, "err", err)
		}
	}
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// chunkInto splits items into at most n roughly-equal, non-empty chunks.
// Unlike a naive len/n integer division (which degenerates to a
// zero-size step for fewer than n items), this always returns between
// 1 and n chunks for a non-empty input.
func chunkInto(items []string, n int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if n > len(items) {
		n = len(items)
	}
	chunkSize := (len(items) + n - 1) / n
	chunks := make([][]string, 0, n)
	for i := 0; i < len(items); i += chunkSize {
		end := i + chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
