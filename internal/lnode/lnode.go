// Package lnode implements the light-node tree: the persistent, cheap
// identity layer of the nsmux namespace. An LNode survives across
// lookups; it is not bound to any open port. Heavy nodes (package hnode)
// reference an LNode for as long as they exist.
//
// Grounded on original_source/lnode.c and lnode.h, with the intrusive
// prev/next child list translated from the C "pointer to the previous
// pointer" trick (here, **LNode) into the same shape in Go, and the
// locking discipline from nodefs/inode.go (parent-before-child, retry on
// change under contention is not required here because lnode mutations
// always hold the parent's lock already, per spec.md's locking hierarchy).
package lnode

import (
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when no child with the given name exists.
var ErrNotFound = errors.New("lnode: not found")

// HeavyNode is the marker type lnode uses to track which heavy nodes
// reference it, without importing package hnode (which references
// *LNode in the other direction). Only pointer identity is used.
type HeavyNode any

// LNode is a persistent logical directory entry in the proxy namespace.
type LNode struct {
	mu sync.Mutex

	name string
	path string // cached absolute path; "" until PathConstruct runs

	parent *LNode

	// Intrusive doubly linked list of parent.entries, threaded through
	// next/prevp. prevp points at whichever word holds the pointer to
	// this node (either parent.entries or a sibling's next), so removal
	// is O(1) without a parent scan.
	next  *LNode
	prevp **LNode

	entries *LNode // head of the children list; nil if childless or non-dir

	proxies []HeavyNode // heavy proxy nodes aliasing this lnode
	primary HeavyNode   // the lnode's primary heavy node, or nil

	translators []string // names of translators stacked on an ancestor path

	references int
}

// Create allocates a new, unlocked LNode with a single reference. name may
// be empty only for the root.
func Create(name string) *LNode {
	return &LNode{
		name:       name,
		references: 1,
	}
}

// Name returns the lnode's name. Safe without holding the lock: name is
// immutable after Create.
func (n *LNode) Name() string { return n.name }

// Parent returns the directory lnode this one is installed under, or nil
// for the root.
func (n *LNode) Parent() *LNode { return n.parent }

// Lock / Unlock expose the node's mutex to callers that must hold it
// across several lnode operations (e.g. the lookup engine installing a
// freshly created child).
func (n *LNode) Lock()   { n.mu.Lock() }
func (n *LNode) Unlock() { n.mu.Unlock() }

// Destroy releases an lnode's owned resources. The caller must have
// already uninstalled n from its parent (or n must be the root).
func (n *LNode) Destroy() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.proxies = nil
	n.primary = nil
	n.translators = nil
	n.path = ""
}

// RefAdd increments the reference count. n must be locked by the caller.
func (n *LNode) RefAdd() {
	n.references++
}

// RefRemove decrements the reference count. n must be locked on entry.
// If the count drops to zero, RefRemove uninstalls n from its parent and
// destroys it; in that case n must not be touched again by the caller,
// locked or otherwise. If the count stays positive, RefRemove unlocks n
// before returning. This asymmetry mirrors lnode_ref_remove in
// original_source/lnode.c: "after ref_remove, the pointer is no longer
// valid or no longer locked, in either case don't touch it again."
func (n *LNode) RefRemove() {
	n.references--
	if n.references > 0 {
		n.mu.Unlock()
		return
	}
	parent := n.parent
	n.mu.Unlock()

	if parent == nil {
		// Root: never uninstalled, but also never reaches zero in
		// practice since the mount holds a standing reference.
		n.Destroy()
		return
	}

	parent.Lock()
	parent.uninstallLocked(n)
	parent.Unlock()
	n.Destroy()
}

// Install links child into dir's entries list and adds one reference to
// dir. dir must be locked by the caller; child must not already be
// installed anywhere.
func (dir *LNode) Install(child *LNode) {
	child.parent = dir
	child.next = dir.entries
	if dir.entries != nil {
		dir.entries.prevp = &child.next
	}
	child.prevp = &dir.entries
	dir.entries = child
	dir.references++
}

// uninstallLocked removes n from its parent's entries list in O(1) and
// drops the parent's reference that Install added. The caller (which is
// n.parent) must be locked.
func (dir *LNode) uninstallLocked(n *LNode) {
	if n.prevp != nil {
		*n.prevp = n.next
	}
	if n.next != nil {
		n.next.prevp = n.prevp
	}
	n.next = nil
	n.prevp = nil
	n.parent = nil
	dir.references--
}

// Uninstall removes n from its parent's child list and drops the
// resulting parent reference. n must be locked; its parent is locked
// internally, honoring the parent-before-child ordering by releasing n's
// lock is NOT done here — callers that need strict lock ordering should
// prefer RefRemove, which sequences this correctly.
func (n *LNode) Uninstall() {
	parent := n.parent
	if parent == nil {
		return
	}
	parent.Lock()
	parent.uninstallLocked(n)
	parent.Unlock()
}

// Get finds a child of dir by exact name, adds one reference, and
// returns it locked: the caller must Unlock (or RefRemove, which
// consumes the lock) it. dir need not be locked by the caller (Get takes
// dir's lock itself for the scan).
func (dir *LNode) Get(name string) (*LNode, error) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	for c := dir.entries; c != nil; c = c.next {
		if c.name == name {
			c.mu.Lock()
			c.references++
			return c, nil
		}
	}
	return nil, ErrNotFound
}

// PathConstruct builds the absolute path of n by walking parent pointers
// to the root and joining names with "/". The root's own path (the
// mirrored directory, set once at startup) is the prefix. The result is
// cached in n.path and returned.
func (n *LNode) PathConstruct() string {
	var segments []string
	cur := n
	for cur.parent != nil {
		segments = append(segments, cur.name)
		cur = cur.parent
	}
	root := cur

	root.mu.Lock()
	rootPath := root.path
	root.mu.Unlock()

	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}

	var b strings.Builder
	b.WriteString(rootPath)
	for _, s := range segments {
		if b.Len() > 0 && b.String()[b.Len()-1] != '/' {
			b.WriteByte('/')
		}
		b.WriteString(s)
	}
	full := b.String()

	n.mu.Lock()
	n.path = full
	n.mu.Unlock()
	return full
}

// SetRootPath seeds the root lnode's cached path (the mirrored directory)
// during init_root. Only valid on the root (parent == nil).
func (n *LNode) SetRootPath(p string) {
	n.mu.Lock()
	n.path = p
	n.mu.Unlock()
}

// CachedPath returns the previously constructed path without recomputing
// it, or "" if PathConstruct has never run.
func (n *LNode) CachedPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

// AddProxy inserts node at the head of n.proxies. n must be locked by the
// caller (the factory holds the new proxy's lnode locked while wiring it
// up).
func (n *LNode) AddProxy(node HeavyNode) {
	n.proxies = append([]HeavyNode{node}, n.proxies...)
	n.references++
}

// RemoveProxy removes the first exact pointer match of node from
// n.proxies. n must be locked by the caller.
func (n *LNode) RemoveProxy(node HeavyNode) bool {
	for i, p := range n.proxies {
		if p == node {
			n.proxies = append(n.proxies[:i], n.proxies[i+1:]...)
			return true
		}
	}
	return false
}

// SetPrimary records node as n's primary heavy node. n must be locked.
func (n *LNode) SetPrimary(node HeavyNode) {
	n.primary = node
}

// Primary returns n's primary heavy node, or nil. n must be locked by
// the caller, or the caller must tolerate a racy read.
func (n *LNode) Primary() HeavyNode {
	return n.primary
}

// ClearPrimary nulls the primary back-reference; called by the heavy
// node destructor. n must be locked.
func (n *LNode) ClearPrimary() {
	n.primary = nil
}

// References returns the current reference count, for tests and
// invariant checks. n must be locked by the caller, or the caller must
// tolerate a racy read.
func (n *LNode) References() int {
	return n.references
}

// AddTranslators appends the names of translators that were just stacked
// through this lnode, for lnode_list_translators-style introspection
// (SPEC_FULL.md §3). n must be locked.
func (n *LNode) AddTranslators(names ...string) {
	n.translators = append(n.translators, names...)
}

// Translators returns the translator names recorded on n and its
// ancestors, root first.
func (n *LNode) Translators() []string {
	var all []string
	for cur := n; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		t := append([]string(nil), cur.translators...)
		cur.mu.Unlock()
		// ancestors first: prepend
		all = append(append([]string(nil), t...), all...)
	}
	return all
}
