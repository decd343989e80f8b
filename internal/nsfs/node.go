package nsfs

import (
	"context"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/sivanov/nsmux/internal/hnode"
	"github.com/sivanov/nsmux/internal/lnode"
	"github.com/sivanov/nsmux/internal/magic"
)

// Node is nsmux's fs.InodeEmbedder: the FS-server glue of spec.md §4.H,
// wrapping a heavy node (and, except for translator-stack tops, the
// light node backing it) for presentation through go-fuse/v2. Grounded
// on _examples/hanwen-go-fuse/fs/loopback.go's loopbackNode, generalized
// from a bare fd to nsmux's lnode/hnode pair.
type Node struct {
	fs.Inode

	RT *Runtime
	LN *lnode.LNode // nil for translator-stack-top Shadow nodes
	HN *hnode.Node
}

var (
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeReader     = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
	_ fs.NodeAccesser   = (*Node)(nil)
	_ fs.NodeGetxattrer = (*Node)(nil)
	_ fs.NodeStatfser   = (*Node)(nil)
	_ fs.NodeOnForgetter = (*Node)(nil)
)

func wrap(rt *Runtime, ln *lnode.LNode, hn *hnode.Node) *Node {
	return &Node{RT: rt, LN: ln, HN: hn}
}

func (n *Node) statToAttr(out *fuse.Attr) {
	n.HN.Lock()
	st := n.HN.Stat
	n.HN.Unlock()
	out.FromStat(&syscall.Stat_t{
		Dev:     uint64(st.Dev),
		Ino:     st.Ino,
		Nlink:   uint64(st.Nlink),
		Mode:    st.Mode,
		Uid:     st.Uid,
		Gid:     st.Gid,
		Rdev:    uint64(st.Rdev),
		Size:    st.Size,
		Blksize: st.Blksize,
		Blocks:  st.Blocks,
		Atim:    st.Atim,
		Mtim:    st.Mtim,
		Ctim:    st.Ctim,
	})
}

// Lookup implements the per-component algorithm of spec.md §4.G: a
// magic split starts a translator stack, otherwise it is an ordinary
// lookup through lookupPlain.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.LN == nil {
		return nil, syscall.ENOTDIR // translator-stack tops have no namespace children
	}

	off, found, err := magic.FindSeparator(name)
	if err != nil {
		return nil, ToErrno(Underlying(err))
	}
	if !found {
		unescaped := magic.Unescape(name)
		childLN, hn, lerr := lookupPlain(n.RT, n.LN, unescaped, false)
		if lerr != nil {
			return nil, ToErrno(lerr)
		}
		child := wrap(n.RT, childLN, hn)
		n.statToAttr(&out.Attr)
		return n.NewInode(ctx, child, idFromStat(hn)), 0
	}

	head := magic.Unescape(name[:off])
	tail := name[off+2:]

	childLN, err2 := n.LN.Get(head)
	if err2 == lnode.ErrNotFound {
		n.LN.Lock()
		childLN = lnode.Create(head)
		n.LN.Install(childLN)
		n.LN.Unlock()
		childLN.Lock()
	} else if err2 != nil {
		return nil, ToErrno(Underlying(err2))
	}
	proxy := hnode.CreateProxy(childLN)
	// CreateProxy's AddProxy just added childLN's one permanent
	// reference for this stack; drop the transient reference Get (or
	// Create's initial self-reference) contributed, the same balance
	// lookupPlain strikes for plain components.
	childLN.RefRemove()

	top, serr := stackTranslators(n.RT, proxy, tail)
	if serr != nil {
		return nil, ToErrno(serr)
	}

	child := wrap(n.RT, nil, top)
	n.statToAttr(&out.Attr)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

func idFromStat(hn *hnode.Node) fs.StableAttr {
	hn.Lock()
	st := hn.Stat
	hn.Unlock()
	mode := uint32(st.Mode) & unix.S_IFMT
	return fs.StableAttr{Mode: mode, Gen: 1, Ino: st.Ino}
}

// Getattr refreshes n's port against the underlying filesystem (the
// update operation of spec.md §4.C, serialized per §5's locking
// hierarchy: ulfs_lock, then the root node, then this node internally)
// before returning cached stat information, computing directory size
// via hnode.GetSize per the get_size contract.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if n.LN != nil && n.HN.Kind == hnode.Normal {
		n.RT.UnderlyingLock.Lock()
		n.RT.RootNode.Lock()
		err := hnode.UpdateLocked(n.HN, n.RT.RootNode)
		n.RT.RootNode.Unlock()
		n.RT.UnderlyingLock.Unlock()
		if err == hnode.ErrLoop() {
			return syscall.ELOOP
		}
	}

	n.statToAttr(&out.Attr)
	if out.Attr.Mode&unix.S_IFMT == unix.S_IFDIR {
		if size, err := hnode.GetSize(n.HN); err == nil {
			out.Attr.Size = uint64(size)
		}
	}
	return 0
}

// OnForget implements node_norefs (spec.md §4.H): once the kernel drops
// its last reference to this inode, release the client reference this
// node's heavy node was handed back at lookup time (lookup.go's
// lookupPlain, or this file's magic-stacking branch of Lookup above).
func (n *Node) OnForget() {
	n.HN.Release()
}

// Access implements check_open_permissions (spec.md §4.H), consolidated
// per spec.md §9 on the {READ, WRITE, EXEC}-iterating variant: the
// underlying filesystem's own mode bits are authoritative, so this
// checks requested bits against the cached stat mode directly rather
// than re-deriving them through a second permission path.
func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	n.HN.Lock()
	mode := n.HN.Stat.Mode
	n.HN.Unlock()

	for _, bit := range [...]uint32{unix.R_OK, unix.W_OK, unix.X_OK} {
		if mask&bit == 0 {
			continue
		}
		var need uint32
		switch bit {
		case unix.R_OK:
			need = 0o004
		case unix.W_OK:
			need = 0o002
		case unix.X_OK:
			need = 0o001
		}
		if uint32(mode)&(need<<6) == 0 && uint32(mode)&(need<<3) == 0 && uint32(mode)&need == 0 {
			return syscall.EACCES
		}
	}
	return 0
}

// Open returns no dedicated file handle: Read operates directly against
// n.HN.Port, following loopback.go's pattern of keeping per-node state
// on the node rather than a separate handle object, since nsmux nodes
// are never written to (spec.md §1 Non-goals).
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.HN.Lock()
	defer n.HN.Unlock()
	if n.HN.Port == nil {
		path := ""
		if n.LN != nil {
			path = n.LN.PathConstruct()
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, ToErrno(Underlying(err))
		}
		n.HN.Port = f
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

// Read forwards to the underlying file's port, per attempt_read in
// spec.md §4.H.
func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n.HN.Lock()
	port := n.HN.Port
	n.HN.Unlock()
	if port == nil {
		return nil, syscall.EBADF
	}
	read, err := port.ReadAt(dest, off)
	if err != nil && read == 0 {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:read]), 0
}

// Readdir implements get_dirents (spec.md §4.H), backed by
// hnode.EntriesGet (component D).
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := hnode.EntriesGet(n.HN)
	if err != nil {
		return nil, ToErrno(Underlying(err))
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, fuse.DirEntry{
			Name: e.Name,
			Ino:  e.Ino,
			Mode: uint32(e.Type),
		})
	}
	return fs.NewListDirStream(list), 0
}

// Readlink returns a symlink's target without following it. Chains met
// through ordinary Lookup/Readlink calls are bounded only by the kernel's
// own ELOOP limit, not by rt.SymlinkLoopLimit, which applies to
// resolveSymlinkChain alone.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	if n.LN == nil {
		return nil, syscall.EINVAL
	}
	target, err := os.Readlink(n.LN.PathConstruct())
	if err != nil {
		return nil, ToErrno(Underlying(err))
	}
	return []byte(target), 0
}

// Getxattr exposes the supplemental lnode_list_translators introspection
// of SPEC_FULL.md §3 as a synthetic, read-only extended attribute.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if attr != "user.nsmux.translators" || n.LN == nil {
		return 0, syscall.ENODATA
	}
	names := n.LN.Translators()
	joined := ""
	for i, name := range names {
		if i > 0 {
			joined += "\x00"
		}
		joined += name
	}
	if len(dest) < len(joined) {
		return uint32(len(joined)), syscall.ERANGE
	}
	copy(dest, joined)
	return uint32(len(joined)), 0
}

// Statfs delegates to the underlying filesystem via the root's port.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	n.RT.RootNode.Lock()
	port := n.RT.RootNode.Port
	n.RT.RootNode.Unlock()
	if port == nil {
		return syscall.EIO
	}
	var st unix.Statfs_t
	if err := unix.Fstatfs(int(port.Fd()), &st); err != nil {
		return ToErrno(Underlying(err))
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return 0
}

// Mutation handlers below are terse "unsupported" stubs, per spec.md
// §1's out-of-scope list and §4.H's contract; go-fuse/v2's default
// InodeEmbedder behavior already returns ENOSYS for anything not
// implemented, so none of create/unlink/rename/mkdir/chmod/chown/link/
// symlink/mknod/setattr/statfs-mutation are defined here.
