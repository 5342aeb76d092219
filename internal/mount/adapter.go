// Package mount wires the Tile Cache, DSF Parser, and Read-Path Policy
// into a FUSE filesystem via github.com/hanwen/go-fuse/v2/fs, per
// spec.md §4.5. Passthrough paths are handled by go-fuse's own loopback
// node; tile and DSF paths are intercepted on Getattr/Open.
package mount

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/SFAntti/autoortho/internal/dsf"
	"github.com/SFAntti/autoortho/internal/flight"
	"github.com/SFAntti/autoortho/internal/policy"
	"github.com/SFAntti/autoortho/internal/tilecache"
)

// tileRe and dsfRe classify paths per spec.md §4.5's grammar.
var (
	tileRe = regexp.MustCompile(`\d+[-_]\d+[-_]\D*\d+\.dds$`)
	dsfRe  = regexp.MustCompile(`\+\d+[-+]\d+\.dsf$`)
)

// PathMap records, for each tile path the policy has resolved, the
// artifact path Open should serve — so Open doesn't need to re-run the
// policy engine (spec.md §4.5: "record the resolved artifact path in the
// Path Map").
type PathMap struct {
	mu    sync.Mutex
	paths map[string]string
}

func newPathMap() *PathMap {
	return &PathMap{paths: make(map[string]string)}
}

func (m *PathMap) set(path, artifact string) {
	m.mu.Lock()
	m.paths[path] = artifact
	m.mu.Unlock()
}

func (m *PathMap) get(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	artifact, ok := m.paths[path]
	return artifact, ok
}

// Adapter bundles the collaborators the mount needs to resolve tile and
// DSF paths: the Tile Cache, the DSF Parser, and a live flight state
// source. It is shared by every Node in the tree.
type Adapter struct {
	Cache    *tilecache.Cache
	Parser   *dsf.Parser
	Follower *flight.Follower
	Log      *slog.Logger

	paths *PathMap
}

// NewAdapter returns an Adapter ready to be handed to NewRoot.
func NewAdapter(cache *tilecache.Cache, parser *dsf.Parser, follower *flight.Follower, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{Cache: cache, Parser: parser, Follower: follower, Log: log, paths: newPathMap()}
}

// NewRoot builds the FUSE root node for sourceDir, wiring a.newNode as
// the node constructor go-fuse's LoopbackRoot uses for every node it
// creates (root included) — the layering the package doc comment
// describes as "nodefs and pathfs provide ways to implement filesystems
// at higher levels". The NewNode hook must be set before the root node
// itself is constructed, so this builds LoopbackRoot directly rather
// than going through the fs.NewLoopbackRoot convenience constructor.
func (a *Adapter) NewRoot(sourceDir string) (fs.InodeEmbedder, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(sourceDir, &st); err != nil {
		return nil, err
	}
	root := &fs.LoopbackRoot{
		Path:    sourceDir,
		Dev:     uint64(st.Dev),
		NewNode: a.newNode,
	}
	rootNode := a.newNode(root, nil, "", &st)
	root.RootNode = rootNode
	return rootNode, nil
}

func (a *Adapter) newNode(rootData *fs.LoopbackRoot, parent *fs.Inode, name string, st *syscall.Stat_t) fs.InodeEmbedder {
	return &Node{LoopbackNode: fs.LoopbackNode{RootData: rootData}, adapter: a}
}

// Node is the tile/DSF-aware loopback node. All methods it doesn't
// override fall through to fs.LoopbackNode's passthrough behavior.
type Node struct {
	fs.LoopbackNode
	adapter *Adapter
}

var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)

func (n *Node) fullPath() string {
	return n.Path(n.Root())
}

// Getattr resolves tile paths through the Read-Path Policy and records
// the chosen artifact in the Path Map, per spec.md §4.5. Non-tile paths
// (including ZL probes, handled inside policy.Resolve) fall through to
// the loopback default.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	full := n.fullPath()
	if key, ok := tilecache.ParseFileName(full); ok && tileRe.MatchString(full) {
		artifact := n.adapter.resolve(ctx, key)
		n.adapter.paths.set(full, artifact)
	}
	return n.LoopbackNode.Getattr(ctx, f, out)
}

// Open intercepts DDS and DSF paths. For a DDS path it serves the
// resolved artifact (falling back to a synchronous GetQuick if Getattr's
// Path Map entry is missing, e.g. a direct open with no prior stat). For
// a DSF path it primes the cache via the DSF Parser before letting the
// original file open normally.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	full := n.fullPath()

	if tileRe.MatchString(full) {
		artifact, ok := n.adapter.paths.get(full)
		if !ok {
			if key, kok := tilecache.ParseFileName(full); kok {
				artifact = n.adapter.quickFallback(ctx, key)
			}
		}
		if artifact != "" {
			fh, errno := openArtifact(artifact)
			if errno == 0 {
				return fh, fuse.FOPEN_KEEP_CACHE, 0
			}
			n.adapter.Log.Warn("mount: artifact open failed, falling back to passthrough", "path", full, "err", errno)
		}
	}

	if dsfRe.MatchString(full) && n.adapter.Parser != nil {
		extraFast := false
		if n.adapter.Follower != nil {
			st := n.adapter.Follower.State()
			extraFast = st.Spd > 400 && st.Alt > 4500
		}
		if err := n.adapter.Parser.Open(ctx, full, extraFast); err != nil {
			n.adapter.Log.Debug("mount: dsf warm failed", "path", full, "err", err)
		}
	}

	return n.LoopbackNode.Open(ctx, flags)
}

// resolve runs the Read-Path Policy for key and invokes the matching
// Cache operation, returning the artifact path it produced. Passthrough
// resolutions return "".
func (a *Adapter) resolve(ctx context.Context, key tilecache.Key) string {
	var state *flight.State
	if a.Follower != nil {
		state = a.Follower.State()
	}

	strat, args := policy.Resolve(key, state)
	switch strat {
	case policy.StrategyPassthrough:
		return ""
	case policy.StrategyQuick:
		path, err := a.Cache.GetQuick(ctx, key, args.MinZoom, tilecache.DefaultPriority, false)
		if err != nil {
			a.Log.Warn("mount: get_quick failed", "key", key.String(), "err", err)
		}
		return path
	case policy.StrategyDeadline:
		minZoom := 0
		path, err := a.Cache.GetDeadline(ctx, key, args.QuickZoom, minZoom, args.Deadline, args.Priority)
		if err != nil {
			a.Log.Warn("mount: get_deadline failed", "key", key.String(), "err", err)
		}
		return path
	default:
		return ""
	}
}

// quickFallback is used by Open when no Path Map entry exists yet (the
// kernel may Open without a preceding Getattr in some cache states).
func (a *Adapter) quickFallback(ctx context.Context, key tilecache.Key) string {
	path, err := a.Cache.GetQuick(ctx, key, 0, tilecache.DefaultPriority, false)
	if err != nil {
		a.Log.Warn("mount: fallback get_quick failed", "key", key.String(), "err", err)
	}
	return path
}

// artifactFile is a minimal read-only FileHandle serving bytes straight
// off the resolved cache artifact.
type artifactFile struct {
	f *os.File
}

func openArtifact(path string) (fs.FileHandle, syscall.Errno) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	return &artifactFile{f: f}, 0
}

var _ fs.FileReader = (*artifactFile)(nil)
var _ fs.FileReleaser = (*artifactFile)(nil)

func (f *artifactFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.f.ReadAt(dest, off)
	if err != nil && n == 0 {
		return nil, fs.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *artifactFile) Release(ctx context.Context) syscall.Errno {
	return fs.ToErrno(f.f.Close())
}
