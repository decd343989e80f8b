package nsfs

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// ShutdownTimeout bounds how long the CLI waits for translators to
// exit on their own before abandoning the wait (spec.md §4.F).
const ShutdownTimeout = 5 * time.Second

// Mount mounts rt's namespace at mountPoint, following
// _examples/hanwen-go-fuse/example/loopback/main.go's call shape:
// build the root InodeEmbedder, hand it to fs.Mount with a modest
// attribute cache timeout (nsmux's Non-goals rule out writes, so
// aggressive caching of metadata is safe).
func Mount(mountPoint string, rt *Runtime, allowOther bool) (*fuse.Server, error) {
	root := wrap(rt, rt.RootLNode, rt.RootNode)
	opts := &fs.Options{
		AttrTimeout:  durationPtr(time.Second),
		EntryTimeout: durationPtr(time.Second),
	}
	opts.MountOptions.Name = "nsmux"
	opts.MountOptions.FsName = "nsmux"
	opts.MountOptions.AllowOther = allowOther
	return fs.Mount(mountPoint, root, opts)
}

func durationPtr(d time.Duration) *time.Duration { return &d }
