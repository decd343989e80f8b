// Package nsfs implements components G and H of spec.md: the
// lookup/translator-stacking engine and the FS-server glue that exposes
// it through github.com/hanwen/go-fuse/v2, the host RPC framework named
// as an out-of-scope external collaborator in spec.md §1.
package nsfs

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind enumerates the error taxonomy of spec.md §7.
type Kind int

const (
	KindNoMem Kind = iota
	KindNotFound
	KindNotDir
	KindBadPort
	KindLoop
	KindPerm
	KindBusy
	KindUnsupported
	KindUnderlying
)

// Error is nsmux's internal error type, carrying one of the taxonomy
// kinds plus, for KindUnderlying, the wrapped cause. Consolidates the
// duplicated check_open_permissions error paths spec.md §9 flags by
// giving every internal package a single place to build these from.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnderlying:
		return fmt.Sprintf("nsmux: underlying error: %v", e.Cause)
	case KindNoMem:
		return "nsmux: out of memory"
	case KindNotFound:
		return "nsmux: not found"
	case KindNotDir:
		return "nsmux: not a directory"
	case KindBadPort:
		return "nsmux: could not open underlying file"
	case KindLoop:
		return "nsmux: symlink or lookup loop"
	case KindPerm:
		return "nsmux: permission denied"
	case KindBusy:
		return "nsmux: translator shutdown blocked"
	case KindUnsupported:
		return "nsmux: operation unsupported"
	default:
		return "nsmux: error"
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(k Kind) error { return &Error{Kind: k} }

// Underlying wraps cause as a KindUnderlying error, the pass-through
// case of spec.md §7's taxonomy.
func Underlying(cause error) error { return &Error{Kind: KindUnderlying, Cause: cause} }

var (
	ErrNoMem       = newError(KindNoMem)
	ErrNotFound    = newError(KindNotFound)
	ErrNotDir      = newError(KindNotDir)
	ErrBadPort     = newError(KindBadPort)
	ErrLoop        = newError(KindLoop)
	ErrPerm        = newError(KindPerm)
	ErrBusy        = newError(KindBusy)
	ErrUnsupported = newError(KindUnsupported)
)

// ToErrno maps an nsmux error onto the syscall.Errno the go-fuse/v2
// InodeEmbedder surface expects, per SPEC_FULL.md §1's ambient error
// handling section.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var nerr *Error
	if errors.As(err, &nerr) {
		switch nerr.Kind {
		case KindNoMem:
			return syscall.ENOMEM
		case KindNotFound:
			return syscall.ENOENT
		case KindNotDir:
			return syscall.ENOTDIR
		case KindBadPort:
			return syscall.EIO
		case KindLoop:
			return syscall.ELOOP
		case KindPerm:
			return syscall.EACCES
		case KindBusy:
			return syscall.EBUSY
		case KindUnsupported:
			return syscall.ENOSYS
		case KindUnderlying:
			var errno syscall.Errno
			if errors.As(nerr.Cause, &errno) {
				return errno
			}
			return syscall.EIO
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, errNotExist) {
		return syscall.ENOENT
	}
	return syscall.EIO
}

var errNotExist = errors.New("nsmux: no such file or directory")
