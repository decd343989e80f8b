package nsfs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sivanov/nsmux/internal/hnode"
	"github.com/sivanov/nsmux/internal/lnode"
	"github.com/sivanov/nsmux/internal/magic"
)

// statFromSyscall adapts a *syscall.Stat_t (what os.FileInfo.Sys()
// returns) into the unix.Stat_t shape hnode.Node stores, since the two
// packages define structurally identical but distinct named types.
func statFromSyscall(st *syscall.Stat_t) unix.Stat_t {
	return unix.Stat_t{
		Dev:     uint64(st.Dev),
		Ino:     st.Ino,
		Nlink:   uint64(st.Nlink),
		Mode:    st.Mode,
		Uid:     st.Uid,
		Gid:     st.Gid,
		Rdev:    uint64(st.Rdev),
		Size:    st.Size,
		Blksize: int64(st.Blksize),
		Blocks:  st.Blocks,
		Atim:    unix.Timespec{Sec: int64(st.Atim.Sec), Nsec: int64(st.Atim.Nsec)},
		Mtim:    unix.Timespec{Sec: int64(st.Mtim.Sec), Nsec: int64(st.Mtim.Nsec)},
		Ctim:    unix.Timespec{Sec: int64(st.Ctim.Sec), Nsec: int64(st.Ctim.Nsec)},
	}
}

// stackTranslators implements the iterative-stacking resolution of
// SPEC_FULL.md §4: given the proxy node created for the component before
// the first ",," and the raw remainder of the magic name (which may
// itself contain further ",," separators), it starts one translator per
// segment, chaining each over the port returned by the previous one,
// and returns the node representing the top of the final stack.
func stackTranslators(rt *Runtime, proxy *hnode.Node, rest string) (*hnode.Node, error) {
	current := proxy
	remainder := rest
	for {
		head, tail, hasMore, err := magic.Split(remainder)
		if err != nil {
			return nil, err
		}
		next, err := setTranslator(rt, current, head)
		if err != nil {
			return nil, err
		}
		if current.LN != nil {
			current.LN.Lock()
			current.LN.AddTranslators(head)
			current.LN.Unlock()
		}
		current = next
		if !hasMore {
			return current, nil
		}
		remainder = tail
	}
}

// setTranslator implements spec.md §4.G's set_translator algorithm: it
// normalizes transSpec to an absolute translator path, starts it as a
// subprocess with a control pipe (its stdin, closing it is this proxy's
// "go away" signal) and its stdout captured as the port into the
// translator's root, and registers it with the translator registry.
func setTranslator(rt *Runtime, below *hnode.Node, transSpec string) (*hnode.Node, error) {
	argv := normalizeTranslatorSpec(rt.TranslatorPrefix, transSpec)
	if len(argv) == 0 {
		return nil, &Error{Kind: KindBadPort, Cause: fmt.Errorf("empty translator spec")}
	}

	below.Lock()
	inputPath := ""
	if below.LN != nil {
		inputPath = below.LN.PathConstruct()
	}
	below.Unlock()

	if inputPath != "" {
		resolved, _, err := resolveSymlinkChain(rt, inputPath)
		if err != nil {
			return nil, err
		}
		inputPath = resolved
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if inputPath != "" {
		cmd.Env = append(os.Environ(), "NSMUX_TRANSLATOR_INPUT="+inputPath)
	}

	controlR, controlW, err := os.Pipe()
	if err != nil {
		return nil, Underlying(err)
	}
	cmd.Stdin = controlR

	outR, outW, err := os.Pipe()
	if err != nil {
		controlW.Close()
		controlR.Close()
		return nil, Underlying(err)
	}
	cmd.Stdout = outW

	if err := cmd.Start(); err != nil {
		controlW.Close()
		controlR.Close()
		outR.Close()
		outW.Close()
		return nil, Underlying(err)
	}
	controlR.Close() // the child owns its copy
	outW.Close()      // the child owns its copy

	entry := rt.Trans.Register(cmd, controlW, cmd.Process.Pid)

	top := hnode.CreateFromPort(outR)
	top.Kind = hnode.Proxy
	top.Below = below
	top.DynTransID = entry.ID
	return top, nil
}

// resolveSymlinkChain follows path's symlink chain, substituting each
// link's target for the component just resolved, up to
// rt.SymlinkLoopLimit times. This is step 4 of spec.md §4.G's lookup
// algorithm ("concatenate the symlink target with the remaining
// pathname and loop, bounded at 12, returning LOOP"): nsmux's own
// engine must bound this itself wherever it resolves a path directly
// (as setTranslator does for a translator's input), rather than
// leaning on the kernel's own, much larger ELOOP threshold.
func resolveSymlinkChain(rt *Runtime, path string) (string, os.FileInfo, error) {
	current := path
	for attempt := 0; attempt < rt.SymlinkLoopLimit; attempt++ {
		fi, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return "", nil, ErrNotFound
			}
			return "", nil, Underlying(err)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return current, fi, nil
		}
		target, err := os.Readlink(current)
		if err != nil {
			return "", nil, Underlying(err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(current), target)
		}
		current = target
	}
	return "", nil, ErrLoop
}

// normalizeTranslatorSpec splits transSpec on whitespace into argv,
// prefixing the binary with prefix if it is not already absolute. It
// does no magic-name unescaping: stackTranslators passes it a segment
// that magic.Split has already unescaped.
func normalizeTranslatorSpec(prefix, transSpec string) []string {
	fields := strings.Fields(transSpec)
	if len(fields) == 0 {
		return nil
	}
	if !filepath.IsAbs(fields[0]) {
		fields[0] = filepath.Join(prefix, fields[0])
	}
	return fields
}

// lookupPlain resolves a single, non-magic pathname component under
// dirLN/dirNode, creating the child lnode on first sight and pulling its
// heavy node through the cache. mustBeDir forces the result to be
// treated as a directory (trailing slash in the original pathname).
func lookupPlain(rt *Runtime, dirLN *lnode.LNode, name string, mustBeDir bool) (*lnode.LNode, *hnode.Node, error) {
	childLN, err := dirLN.Get(name)
	if err == lnode.ErrNotFound {
		dirLN.Lock()
		childLN = lnode.Create(name)
		dirLN.Install(childLN)
		dirLN.Unlock()
		childLN.Lock()
	} else if err != nil {
		return nil, nil, Underlying(err)
	}
	childLN.Unlock()

	childPath := childLN.PathConstruct()
	fi, err := os.Lstat(childPath)
	if err != nil {
		childLN.Lock()
		childLN.RefRemove()
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, Underlying(err)
	}
	if mustBeDir && !fi.IsDir() {
		childLN.Lock()
		childLN.RefRemove()
		return nil, nil, ErrNotDir
	}

	node := rt.Cache.Lookup(childLN)
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		node.Stat = statFromSyscall(st)
	}
	node.Unlock()
	rt.Cache.Add(node)

	// Release the transient reference this call took (via Get, or via
	// Create's initial self-reference in the freshly-installed case),
	// leaving only the steady-state contribution from the node cache's
	// primary-node link.
	childLN.Lock()
	childLN.RefRemove()
	return childLN, node, nil
}
