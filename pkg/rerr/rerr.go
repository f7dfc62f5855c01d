// Package rerr defines the sentinel error kinds at the engine boundary
// and the wrapping helpers used to attach context to them without
// inventing new error taxonomy at every call site.
package rerr

import "github.com/pkg/errors"

// Sentinel errors. Callers branch on these with errors.Is; wrapping below
// preserves them through errors.Wrap/WithMessage chains.
var (
	// ErrNotFound: key absent from the tree.
	ErrNotFound = errors.New("redbtree: not found")
	// ErrExists: key present and replace was not requested.
	ErrExists = errors.New("redbtree: exists")
	// ErrCorrupt: a node failed the start/end-mark check.
	ErrCorrupt = errors.New("redbtree: corrupt node")
	// ErrInvalidArgument: allocation size out of range, nil key, etc.
	ErrInvalidArgument = errors.New("redbtree: invalid argument")
	// ErrOutOfMemory: transient in-memory allocation failure.
	ErrOutOfMemory = errors.New("redbtree: out of memory")
	// ErrDeviceError: underlying positioned I/O or resize failed.
	ErrDeviceError = errors.New("redbtree: device error")
	// ErrClosed: operation attempted on a closed tree/device.
	ErrClosed = errors.New("redbtree: closed")
	// ErrBadMagic: the file header does not match the expected magic/version.
	ErrBadMagic = errors.New("redbtree: bad magic or version")
)

// Wrap annotates err with a sentinel kind and message, preserving err in the
// chain so errors.Is(result, kind) and errors.Is(result, err) both work.
func Wrap(kind error, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(joined{kind, err}, format, args...)
}

// New creates a fresh error tagged with kind, with no wrapped cause.
func New(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

// joined lets errors.Is match both the sentinel kind and the underlying
// cause through a single %w-free chain (pkg/errors predates %w support).
type joined struct {
	kind  error
	cause error
}

func (j joined) Error() string { return j.kind.Error() + ": " + j.cause.Error() }
func (j joined) Unwrap() error { return j.cause }
func (j joined) Is(target error) bool {
	return target == j.kind
}
