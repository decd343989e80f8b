package nsfs

import (
	"context"
	"sync"

	"github.com/sivanov/nsmux/internal/hnode"
	"github.com/sivanov/nsmux/internal/lnode"
	"github.com/sivanov/nsmux/internal/ncache"
	"github.com/sivanov/nsmux/internal/trans"
)

// Runtime groups the process-wide singletons spec.md §9 names (dir,
// maptime, underlying_node, fsid, netfs_root_node, ulfs_lock, ncache,
// dyntrans) into one value created once at startup and threaded through
// every handler, instead of module-level globals.
type Runtime struct {
	// UnderlyingLock serializes port refreshes against the underlying
	// filesystem (spec.md §5's ulfs_lock, first in the locking
	// hierarchy). Root initialization in NewRuntime runs before the
	// Runtime exists and does not take it.
	UnderlyingLock sync.Mutex

	RootLNode *lnode.LNode
	RootNode  *hnode.Node

	Cache *ncache.Cache
	Trans *trans.Registry

	// TranslatorPrefix is prepended to a relative translator spec
	// before it is split into argv, mirroring set_translator's
	// "/hurd/"-style default prefix.
	TranslatorPrefix string

	// SymlinkLoopLimit bounds symlink chain resolution (spec.md §8
	// scenario 5: default 12).
	SymlinkLoopLimit int
}

// NewRuntime opens dirPath as the mirrored root and wires up a cache
// bounded at cacheSize entries.
func NewRuntime(dirPath string, cacheSize int) (*Runtime, error) {
	initDebugLog()

	n, root := hnode.CreateRoot()
	if err := hnode.InitRoot(n, dirPath); err != nil {
		return nil, Underlying(err)
	}

	rt := &Runtime{
		RootLNode:        root,
		RootNode:         n,
		Cache:            ncache.New(cacheSize),
		Trans:            trans.New(),
		TranslatorPrefix: "/hurd/",
		SymlinkLoopLimit: 12,
	}
	return rt, nil
}

// Shutdown gracefully tears down every translator this runtime started.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	return rt.Trans.ShutdownAll(ctx, true)
}
