// Package hnode implements the heavy-node factory and lifecycle:
// client-facing nodes bound to an open port into the mirrored
// filesystem. A heavy node is always one of three kinds (Normal, Proxy,
// Shadow) and is either the primary node of a light node, a proxy
// aliasing one, or unattached (Shadow).
//
// Grounded on original_source/node.c and nsmux.c (create_normal,
// create_proxy, create_from_port, destroy, create_root, init_root,
// netfs_node_update, netfs_get_directory_entries), with the port
// abstraction mapped onto an open *os.File the way
// _examples/hanwen-go-fuse/fs/loopback.go holds a raw fd for each node,
// and stat handling grounded on golang.org/x/sys/unix as used by
// nodefs/bridge.go for flag/attribute constants.
package hnode

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sivanov/nsmux/internal/lnode"
)

// Kind distinguishes the three heavy-node variants of spec.md §3.
type Kind int

const (
	Normal Kind = iota
	Proxy
	Shadow
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Proxy:
		return "proxy"
	case Shadow:
		return "shadow"
	default:
		return "unknown"
	}
}

// Flags is the bit field carried by every heavy node.
type Flags uint32

const (
	// FlagFixed marks a node that must never be refreshed against the
	// underlying filesystem (the root).
	FlagFixed Flags = 1 << iota
	// FlagInvalidate marks a node whose port is known stale.
	FlagInvalidate
	// FlagUpToDate marks a node validated against the underlying FS on
	// the current logical tick.
	FlagUpToDate
)

// Node is a client-facing heavy node: "node"/netnode in spec.md §3.
type Node struct {
	mu sync.Mutex

	Kind  Kind
	Flags Flags

	// LN is the light node this heavy node is attached to. Nil for
	// Shadow nodes.
	LN *lnode.LNode

	// Port is the open file backing this node in the mirrored
	// filesystem, or nil if none has been obtained yet.
	Port *os.File
	Stat unix.Stat_t

	// CachePrev/CacheNext thread this node through the ncache chain.
	// Both nil means the node is outside the cache. Owned by package
	// ncache; hnode only stores the slots.
	CachePrev, CacheNext *Node

	// Below is the translator-below-me link for Proxy nodes: the node
	// representing the next translator down the stack, or nil at the
	// bottom.
	Below *Node

	// DynTransID is the translator-registry entry id associated with
	// this proxy node's translator, or 0 if none.
	DynTransID uint64

	// refs is the outstanding client-reference count: the FS-server
	// glue's node_norefs contract (spec.md §4.H) destroys the node when
	// this drops to zero and it is not cache-resident. The node cache
	// (package ncache) takes one of these references while an entry is
	// pinned in the chain.
	refs int
}

// Lock / Unlock expose the node's mutex for callers coordinating
// multi-step operations (ncache, the lookup engine).
func (n *Node) Lock()   { n.mu.Lock() }
func (n *Node) Unlock() { n.mu.Unlock() }

// AddRef takes one client reference on n.
func (n *Node) AddRef() {
	n.mu.Lock()
	n.refs++
	n.mu.Unlock()
}

// Release drops one client reference on n. If that was the last
// reference and n is not cache-resident, n is destroyed (the
// node_norefs contract of spec.md §4.H).
func (n *Node) Release() {
	n.mu.Lock()
	n.refs--
	zero := n.refs <= 0
	cacheResident := n.CachePrev != nil || n.CacheNext != nil
	n.mu.Unlock()
	if zero && !cacheResident {
		Destroy(n)
	}
}

// Refs returns the current client-reference count, for tests.
func (n *Node) Refs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refs
}

// CreateNormal allocates a Normal node bound to ln as its primary. ln
// must be locked by the caller; the caller is responsible for unlocking
// ln afterward.
func CreateNormal(ln *lnode.LNode) *Node {
	n := &Node{Kind: Normal, LN: ln, refs: 1}
	ln.SetPrimary(lnode.HeavyNode(n))
	ln.RefAdd()
	return n
}

// CreateProxy allocates a Proxy node aliasing ln. It does not become
// ln's primary. ln must be locked by the caller.
func CreateProxy(ln *lnode.LNode) *Node {
	n := &Node{Kind: Proxy, LN: ln, refs: 1}
	ln.AddProxy(lnode.HeavyNode(n))
	return n
}

// CreateFromPort allocates a Shadow node not linked to any light node,
// seeded with an already-open port. Used as the substrate for a
// translator stacked on a non-directory object.
func CreateFromPort(port *os.File) *Node {
	return &Node{Kind: Shadow, Port: port, refs: 1}
}

// Destroy releases n's resources. n must not be cache-resident. If n is
// attached to a light node, Destroy clears the appropriate back-link and
// releases exactly the one reference CreateNormal/CreateProxy added,
// which may in turn uninstall and destroy the light node.
func Destroy(n *Node) {
	n.mu.Lock()
	if n.CachePrev != nil || n.CacheNext != nil {
		n.mu.Unlock()
		panic("hnode: destroy of cache-resident node")
	}
	port := n.Port
	n.Port = nil
	ln := n.LN
	n.LN = nil
	n.mu.Unlock()

	if port != nil {
		port.Close()
	}
	if ln == nil {
		return
	}

	ln.Lock()
	if ln.Primary() == lnode.HeavyNode(n) {
		ln.ClearPrimary()
	} else {
		ln.RemoveProxy(lnode.HeavyNode(n))
	}
	ln.RefRemove() // may uninstall+destroy ln; ln must not be touched after
}

// CreateRoot creates the nameless root light node and its Normal heavy
// node, then unlocks the light node before returning (matching
// original_source/node.c's create_root, which unlocks before handing the
// node back to the caller).
func CreateRoot() (*Node, *lnode.LNode) {
	root := lnode.Create("")
	root.Lock()
	n := CreateNormal(root)
	n.Flags |= FlagFixed
	root.Unlock()
	return n, root
}

// InitRoot opens the mirrored directory at dirPath, stores the resulting
// port and stat information on n, and sets the root light node's path to
// the cleaned dirPath. The root light node keeps the empty name
// CreateRoot gave it: the backslash-unescaped last component of dirPath
// is computed but not stored anywhere.
func InitRoot(n *Node, dirPath string) error {
	f, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("hnode: opening mirror root %q: %w", dirPath, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return fmt.Errorf("hnode: stat mirror root %q: %w", dirPath, err)
	}

	clean := filepath.Clean(dirPath)
	name := unescapeBackslashSlash(filepath.Base(clean))

	n.mu.Lock()
	n.Port = f
	n.Stat = st
	n.Flags |= FlagUpToDate
	n.mu.Unlock()

	n.LN.SetRootPath(clean)
	n.LN.Lock()
	// Root's own "name" is cosmetic (it is never looked up as a path
	// component); lnode.Create("") fixed it at "" and LNode has no
	// setter, so the derived name is dropped here.
	_ = name
	n.LN.Unlock()
	return nil
}

func unescapeBackslashSlash(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == '/' {
			out = append(out, '/')
			i++
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

// UpdateLocked rebuilds n's port against the underlying filesystem. The
// caller must already hold the root node's lock (per spec.md §9's
// resolution of the node_update locking ambiguity: always enter with
// the root lock held, never take it here).
func UpdateLocked(n *Node, root *Node) error {
	if n.Kind != Normal || n.Flags&FlagFixed != 0 {
		return nil
	}

	n.mu.Lock()
	ln := n.LN
	oldPort := n.Port
	n.mu.Unlock()

	path := ln.PathConstruct()

	if oldPort != nil {
		oldPort.Close()
	}

	newPort, err := os.Open(path)
	if err != nil {
		n.mu.Lock()
		n.Port = nil
		n.Flags &^= FlagInvalidate
		n.Flags &^= FlagUpToDate
		n.mu.Unlock()
		return nil // deferred failure: null port, success per §7 policy
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(newPort.Fd()), &st); err == nil {
		var rootSt unix.Stat_t
		if root.Port != nil && unix.Fstat(int(root.Port.Fd()), &rootSt) == nil {
			if st.Ino == rootSt.Ino && st.Dev == rootSt.Dev {
				newPort.Close()
				return errLoop
			}
		}
	}

	n.mu.Lock()
	n.Port = newPort
	n.Stat = st
	n.Flags &^= FlagInvalidate
	n.Flags |= FlagUpToDate
	n.mu.Unlock()
	return nil
}

var errLoop = fmt.Errorf("hnode: lookup looped back to proxy root")

// ErrLoop is returned by UpdateLocked when refreshing a node's port
// redirects back onto the proxy's own root.
func ErrLoop() error { return errLoop }

// GetSize sums the in-memory directory-entry sizes for dir, as computed
// by the directory-entry fetcher.
func GetSize(dir *Node) (int64, error) {
	entries, err := EntriesGet(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += int64(e.RecLen)
	}
	return total, nil
}

// Unlink validates that name exists under dir and forwards to the
// underlying filesystem's unlink. nsmux exposes this only so shadow
// translator substrates can be cleaned up; the FS-server glue layer
// rejects client-initiated unlink per spec.md §4.H.
func Unlink(dir *Node, name string) error {
	if dir.LN == nil {
		return fmt.Errorf("hnode: unlink on a node with no light node")
	}
	child, err := dir.LN.Get(name)
	if err != nil {
		return err
	}
	child.RefRemove()

	path := filepath.Join(dir.LN.PathConstruct(), name)
	return os.Remove(path)
}
