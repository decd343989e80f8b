// Package trans implements the dynamic-translator registry: the set of
// active translator control-port/pid pairs in registration order, graceful
// shutdown, and a reaper that notices translators that exit on their own
// (component F of spec.md §4.F, supplemented per SPEC_FULL.md §3 with
// the unregister/shutdown_all distinction and the reaper goroutine).
//
// Grounded on original_source/trans.c/trans.h for the list shape and the
// register/unregister/shutdown_all operations, and on
// golang.org/x/sync/errgroup (as SPEC_FULL.md §2 assigns it) for
// bounding concurrent shutdown RPCs to the registered translators.
package trans

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// StartupTimeout is the 60-second translator startup bound. Nothing in
// nsmux applies it: setTranslator starts the subprocess and returns
// without waiting for it to become ready.
const StartupTimeout = 60 * time.Second

// Entry is a translator-registry element: the control port (here, the
// process's stdin, closing it asks the translator to go away) and its
// pid.
type Entry struct {
	ID      uint64
	Cmd     *exec.Cmd
	Control *os.File // write end of the translator's control pipe (its stdin)
	Pid     int

	exited chan struct{} // closed once Cmd.Process.Wait() returns
}

// Registry holds the active translators, keyed by entry id, with their
// registration order kept most recent first. The zero value is usable;
// it starts empty.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
	order   []uint64 // registration order, head-first (most recent first)
	nextID  uint64

	deadCh chan *os.ProcessState
}

// New creates an empty registry. It starts no goroutine itself: each
// Register call starts a reaper for its own entry, which notices a
// translator process that exits on its own (the original's pid-tracking
// combined with SIGCHLD) and unregisters it without attempting to signal
// an already-dead process.
func New() *Registry {
	r := &Registry{entries: make(map[uint64]*Entry)}
	return r
}

// Register prepends a new entry for cmd/control/pid and starts a reaper
// goroutine that calls Unregister when the process exits on its own.
func (r *Registry) Register(cmd *exec.Cmd, control *os.File, pid int) *Entry {
	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[uint64]*Entry)
	}
	r.nextID++
	e := &Entry{ID: r.nextID, Cmd: cmd, Control: control, Pid: pid, exited: make(chan struct{})}
	r.entries[e.ID] = e
	r.order = append([]uint64{e.ID}, r.order...)
	r.mu.Unlock()

	go r.reap(e)
	return e
}

// reap waits for the translator process to exit and unregisters it if
// that happens without a prior explicit Unregister/ShutdownAll call.
func (r *Registry) reap(e *Entry) {
	_, _ = e.Cmd.Process.Wait()
	close(e.exited)
	r.mu.Lock()
	_, stillPresent := r.entries[e.ID]
	if stillPresent {
		delete(r.entries, e.ID)
		r.removeFromOrderLocked(e.ID)
	}
	r.mu.Unlock()
}

// Unregister splices entry out of the list and frees it. It does not
// terminate the translator process.
func (r *Registry) Unregister(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; !ok {
		return
	}
	delete(r.entries, e.ID)
	r.removeFromOrderLocked(e.ID)
}

func (r *Registry) removeFromOrderLocked(id uint64) {
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// ShutdownAll walks the registry in order, asking each translator to go
// away by closing its control pipe (the Go analog of the original's
// "go away" RPC with flags), and, if wait is set, waiting on its pid
// afterward. Shutdowns run concurrently, bounded by an errgroup, per
// SPEC_FULL.md §2's assignment of golang.org/x/sync/errgroup to this
// component. On any error the offending entries remain registered so a
// subsequent call resumes from where it left off; on full success the
// registry ends up empty.
func (r *Registry) ShutdownAll(ctx context.Context, wait bool) error {
	r.mu.Lock()
	ids := append([]uint64(nil), r.order...)
	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.entries[id]; ok {
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var failed []*Entry

	for _, e := range entries {
		e := e
		g.Go(func() error {
			if err := shutdownOne(gctx, e, wait); err != nil {
				mu.Lock()
				failed = append(failed, e)
				mu.Unlock()
				return err
			}
			r.mu.Lock()
			delete(r.entries, e.ID)
			r.removeFromOrderLocked(e.ID)
			r.mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		return fmt.Errorf("trans: shutdown_all: %d translator(s) did not shut down cleanly: %w", len(failed), err)
	}
	return nil
}

func shutdownOne(ctx context.Context, e *Entry, wait bool) error {
	if e.Control != nil {
		e.Control.Close()
	}
	if !wait {
		return nil
	}
	select {
	case <-e.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of currently registered translators.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
