package fault

import (
	"errors"
	"fmt"
)

const (
	Validation  = "validation"
	Derivation  = "derivation"
	Storage     = "storage"
	Computation = "computation"
)

// Fault is a structured engine failure: a kind the caller can branch on
// plus a human-readable message. Storage faults wrap the store error and
// are the only kind worth retrying.
type Fault struct {
	Kind string
	Msg  string
	Err  error
}

func (f Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f Fault) Unwrap() error { return f.Err }

// Validationf builds a validation fault: input declined, store untouched.
func Validationf(format string, args ...any) Fault {
	return Fault{Kind: Validation, Msg: fmt.Sprintf(format, args...)}
}

// Derivationf builds a derivation fault: reference data cannot produce a
// status, cached fields are left as they were.
func Derivationf(format string, args ...any) Fault {
	return Fault{Kind: Derivation, Msg: fmt.Sprintf(format, args...)}
}

// Computationf builds a computation fault, distinct from a legitimate zero.
func Computationf(format string, args ...any) Fault {
	return Fault{Kind: Computation, Msg: fmt.Sprintf(format, args...)}
}

// Storagef wraps a store error.
func Storagef(err error, format string, args ...any) Fault {
	return Fault{Kind: Storage, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the fault kind from an error chain, "" if none.
func KindOf(err error) string {
	var f Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsKind reports whether err carries a fault of the given kind.
func IsKind(err error, kind string) bool {
	return KindOf(err) == kind
}
