package hnode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sivanov/nsmux/internal/lnode"
)

// TestDestroyProxyDropsLNodeReference is boundary scenario 6 from
// spec.md §8: destroying a heavy proxy node for lnode L decreases
// L.references by exactly one, uninstalling and destroying L if that
// reaches zero and L is not root.
func TestDestroyProxyDropsLNodeReference(t *testing.T) {
	root := lnode.Create("")
	root.SetRootPath("/tmp/demo")

	child := lnode.Create("f")
	root.Lock()
	root.Install(child)
	root.Unlock()

	child.Lock()
	before := child.References() // Create's own reference (install bumps the parent, not the child)
	n := CreateProxy(child)       // adds one more reference to child
	if got := child.References(); got != before+1 {
		t.Fatalf("after CreateProxy references = %d, want %d", got, before+1)
	}
	child.Unlock()

	Destroy(n)

	// child should still exist (Create's own reference remains); Get
	// itself adds one more transient reference, which we release again.
	got, err := root.Get("f")
	if err != nil {
		t.Fatalf("child was destroyed too early: %v", err)
	}
	if got.References() != before+1 {
		t.Fatalf("references after destroy+Get = %d, want %d", got.References(), before+1)
	}
	got.RefRemove()
}

func TestDestroyLastReferenceUninstalls(t *testing.T) {
	root := lnode.Create("")
	root.SetRootPath("/tmp/demo")

	child := lnode.Create("only")
	root.Lock()
	root.Install(child)
	root.Unlock()

	// Drop Create's own initial reference immediately so that the proxy
	// reference is the only thing keeping it alive.
	child.Lock()
	n := CreateProxy(child)
	child.RefRemove() // releases Create's ref (1 -> back down)

	Destroy(n) // releases the proxy's ref; should uninstall and destroy

	if _, err := root.Get("only"); err != lnode.ErrNotFound {
		t.Fatalf("expected child to be uninstalled, got err=%v", err)
	}
}

func TestInitRootOpensMirrorDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, root := CreateRoot()
	if err := InitRoot(n, dir); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}

	if root.CachedPath() != filepath.Clean(dir) {
		t.Fatalf("root path = %q, want %q", root.CachedPath(), filepath.Clean(dir))
	}

	entries, err := EntriesGet(n)
	if err != nil {
		t.Fatalf("EntriesGet: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" {
		t.Fatalf("entries = %+v, want a single a.txt entry", entries)
	}
}
