package nsfs

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/sivanov/nsmux/internal/hnode"
	"github.com/sivanov/nsmux/internal/lnode"
	"github.com/sivanov/nsmux/internal/magic"
	"github.com/sivanov/nsmux/internal/ncache"
	"github.com/sivanov/nsmux/internal/trans"
)

// newTestRuntime wires a Runtime directly against dir, the way
// NewRuntime does, without going through NewRuntime itself, so the
// tests skip NewRuntime's debug-log initialization.
func newTestRuntime(t *testing.T, dir string) *Runtime {
	t.Helper()
	n, root := hnode.CreateRoot()
	if err := hnode.InitRoot(n, dir); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	return &Runtime{
		RootLNode:        root,
		RootNode:         n,
		Cache:            ncache.New(256),
		Trans:            trans.New(),
		TranslatorPrefix: "/hurd/",
		SymlinkLoopLimit: 12,
	}
}

// TestLookupPlainMirror is spec.md §8's plain-mirror boundary scenario:
// looking up an ordinary file under the root returns a heavy node whose
// stat matches the underlying file, and a second lookup of the same name
// returns that same heavy node.
func TestLookupPlainMirror(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := newTestRuntime(t, dir)

	childLN, hn, err := lookupPlain(rt, rt.RootLNode, "hello", false)
	if err != nil {
		t.Fatalf("lookupPlain: %v", err)
	}
	if childLN.Name() != "hello" {
		t.Fatalf("childLN.Name() = %q, want %q", childLN.Name(), "hello")
	}
	hn.Lock()
	size := hn.Stat.Size
	hn.Unlock()
	if size != 2 {
		t.Fatalf("Stat.Size = %d, want 2", size)
	}

	// A second lookup of the same name must reuse the cached primary
	// node rather than creating a distinct one.
	_, hn2, err := lookupPlain(rt, rt.RootLNode, "hello", false)
	if err != nil {
		t.Fatalf("second lookupPlain: %v", err)
	}
	if hn != hn2 {
		t.Fatalf("lookupPlain did not reuse the cached primary node")
	}
}

// TestLookupPlainNotFound is spec.md §8's not-found boundary scenario:
// a missing child returns ErrNotFound and leaves no dangling lnode (a
// second failed lookup of the same name must go through the
// create-then-evict path again rather than finding a stale entry).
func TestLookupPlainNotFound(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)

	_, _, err := lookupPlain(rt, rt.RootLNode, "missing", false)
	if err != ErrNotFound {
		t.Fatalf("lookupPlain(missing) err = %v, want ErrNotFound", err)
	}

	if _, err := rt.RootLNode.Get("missing"); err != lnode.ErrNotFound {
		t.Fatalf("lookupPlain left a dangling lnode entry after a failed lookup: Get = %v", err)
	}
}

// TestLookupPlainMustBeDir is the directory-trailing-slash boundary
// scenario: mustBeDir rejects a regular file with ErrNotDir.
func TestLookupPlainMustBeDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "leaf"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := newTestRuntime(t, dir)

	_, _, err := lookupPlain(rt, rt.RootLNode, "leaf", true)
	if err != ErrNotDir {
		t.Fatalf("lookupPlain(leaf, mustBeDir) err = %v, want ErrNotDir", err)
	}
}

// TestSetTranslatorStacking is spec.md §8's magic-lookup boundary
// scenario: set_translator starts the requested program, wires its
// stdout as the next proxy's port, and NSMUX_TRANSLATOR_INPUT carries
// the resolved path of the node the translator stacks on.
func TestSetTranslatorStacking(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file")
	if err := os.WriteFile(target, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := newTestRuntime(t, dir)

	childLN, _, err := lookupPlain(rt, rt.RootLNode, "file", false)
	if err != nil {
		t.Fatalf("lookupPlain: %v", err)
	}
	childLN.Lock()
	below := hnode.CreateProxy(childLN)
	childLN.Unlock()

	script := filepath.Join(dir, "echo-input.sh")
	scriptBody := "#!/bin/sh\nprintenv NSMUX_TRANSLATOR_INPUT\n"
	if err := os.WriteFile(script, []byte(scriptBody), 0o755); err != nil {
		t.Fatal(err)
	}

	top, err := setTranslator(rt, below, script)
	if err != nil {
		t.Fatalf("setTranslator: %v", err)
	}
	if top.Kind != hnode.Proxy {
		t.Fatalf("setTranslator result Kind = %v, want Proxy", top.Kind)
	}
	if top.Below != below {
		t.Fatalf("setTranslator result Below = %v, want %v", top.Below, below)
	}
	if top.DynTransID == 0 {
		t.Fatalf("setTranslator did not register a translator entry")
	}

	top.Lock()
	port := top.Port
	top.Unlock()
	if port == nil {
		t.Fatalf("setTranslator result has no port")
	}
	// The translator's stdout pipe only hits EOF once the subprocess
	// exits, so reading to completion also waits out its single printenv
	// line without a manual poll loop.
	out, err := io.ReadAll(port)
	if err != nil {
		t.Fatalf("reading translator output: %v", err)
	}
	want := target + "\n"
	if string(out) != want {
		t.Fatalf("translator saw NSMUX_TRANSLATOR_INPUT = %q, want %q", string(out), want)
	}
}

// TestResolveSymlinkChainFollowsTarget exercises the plain, short-chain
// case: a single symlink resolves to its regular-file target.
func TestResolveSymlinkChainFollowsTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	rt := newTestRuntime(t, dir)

	resolved, fi, err := resolveSymlinkChain(rt, link)
	if err != nil {
		t.Fatalf("resolveSymlinkChain: %v", err)
	}
	if resolved != target {
		t.Fatalf("resolved = %q, want %q", resolved, target)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		t.Fatalf("resolveSymlinkChain returned a symlink FileInfo")
	}
}

// TestResolveSymlinkChainLoop is spec.md §8's symlink-loop boundary
// scenario: a chain of 13 symlinks (one past SymlinkLoopLimit's default
// of 12) must return ErrLoop rather than resolving or hanging.
func TestResolveSymlinkChainLoop(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)

	const chainLen = 13
	names := make([]string, chainLen)
	for i := range names {
		names[i] = filepath.Join(dir, "l"+string(rune('a'+i)))
	}
	for i := 0; i < chainLen-1; i++ {
		if err := os.Symlink(names[i+1], names[i]); err != nil {
			t.Fatal(err)
		}
	}
	// The last link points back at the first, so there is no terminal
	// non-symlink target at all within the bound: a real cycle.
	if err := os.Symlink(names[0], names[chainLen-1]); err != nil {
		t.Fatal(err)
	}

	_, _, err := resolveSymlinkChain(rt, names[0])
	if err != ErrLoop {
		t.Fatalf("resolveSymlinkChain on a %d-link cycle = %v, want ErrLoop", chainLen, err)
	}
}

// TestResolveSymlinkChainMissingTarget confirms a dangling symlink
// reports ErrNotFound rather than ErrLoop.
func TestResolveSymlinkChainMissingTarget(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling")
	if err := os.Symlink(filepath.Join(dir, "nope"), link); err != nil {
		t.Fatal(err)
	}
	rt := newTestRuntime(t, dir)

	_, _, err := resolveSymlinkChain(rt, link)
	if err != ErrNotFound {
		t.Fatalf("resolveSymlinkChain(dangling) = %v, want ErrNotFound", err)
	}
}

// TestStackTranslatorsEscape is spec.md §8's escape boundary scenario:
// a ",,,"-escaped component never triggers magic splitting, so
// stackTranslators is never invoked and the plain lookup sees the
// literal, unescaped name.
func TestStackTranslatorsEscape(t *testing.T) {
	dir := t.TempDir()
	literal := "a,,b"
	if err := os.WriteFile(filepath.Join(dir, literal), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := newTestRuntime(t, dir)

	// "a,,,b" is the on-the-wire escaped spelling of the literal name
	// "a,,b": magic.FindSeparator must report no unescaped separator,
	// the same check nsfs.Node.Lookup performs before ever reaching
	// stackTranslators.
	escaped := "a,,,b"
	if _, found, err := magic.FindSeparator(escaped); err != nil || found {
		t.Fatalf("FindSeparator(%q) = (found=%v, err=%v), want an escaped, non-magic name", escaped, found, err)
	}
	childLN, hn, err := lookupPlain(rt, rt.RootLNode, magic.Unescape(escaped), false)
	if err != nil {
		t.Fatalf("lookupPlain(%q): %v", escaped, err)
	}
	if childLN.Name() != literal {
		t.Fatalf("childLN.Name() = %q, want %q", childLN.Name(), literal)
	}
	hn.Lock()
	hn.Unlock()
}

// TestStatFromSyscallFieldMapping guards the field-by-field conversion
// statFromSyscall performs between the os/syscall and golang.org/x/sys/unix
// Stat_t shapes used respectively by os.FileInfo.Sys and hnode.Node.Stat.
func TestStatFromSyscallFieldMapping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		t.Skip("os.FileInfo.Sys() did not return *syscall.Stat_t on this platform")
	}
	got := statFromSyscall(st)
	if got.Size != st.Size || got.Ino != st.Ino || got.Mode != st.Mode {
		t.Fatalf("statFromSyscall mapping mismatch: got %+v, from %+v", got, st)
	}
}
