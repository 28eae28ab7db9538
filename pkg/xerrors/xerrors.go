package xerrors

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies mediacaddy errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	// KindAlreadyExists reports an identifier collision; writes are create-only.
	KindAlreadyExists
	// KindTraversal reports a path that resolves outside the store root.
	KindTraversal
	// KindSymlink reports a path component that is a symbolic link.
	KindSymlink
	KindRejectedFormat
	KindDecode
	KindOpenFailed
	KindProbeFailed
	KindTooLarge
	KindPermission
	KindNotSupported
	// KindCanceled reports an operation abandoned because its context ended.
	KindCanceled
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "name collision"
	case KindTraversal:
		return "directory traversal"
	case KindSymlink:
		return "symbolic link"
	case KindRejectedFormat:
		return "rejected format"
	case KindDecode:
		return "decode failed"
	case KindOpenFailed:
		return "open failed"
	case KindProbeFailed:
		return "probe failed"
	case KindTooLarge:
		return "too large"
	case KindPermission:
		return "permission denied"
	case KindNotSupported:
		return "not supported"
	case KindCanceled:
		return "canceled"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrExist),
		errors.Is(err, os.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, errors.ErrUnsupported):
		return KindNotSupported
	case errors.Is(err, iofs.ErrPermission),
		errors.Is(err, os.ErrPermission):
		return KindPermission
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}
