// Package errs defines the typed error taxonomy shared by every HTX
// component. Callers use Is(err, kind) with the exported Kind constants
// rather than matching on error strings.
package errs

import "fmt"

// Kind identifies which stage of the HTX pipeline produced an error.
type Kind uint8

const (
	KindConfig Kind = iota
	KindCatalog
	KindCalibration
	KindOuterHandshake
	KindInnerHandshake
	KindFrame
	KindFlow
	KindProtocol
	KindResource
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindCatalog:
		return "catalog"
	case KindCalibration:
		return "calibration"
	case KindOuterHandshake:
		return "outer_handshake"
	case KindInnerHandshake:
		return "inner_handshake"
	case KindFrame:
		return "frame"
	case KindFlow:
		return "flow"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so the supervisor and
// status layer can classify failures without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error for op with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap constructs an Error for op wrapping err. Wrap returns a nil
// *Error if err is nil; returned directly as an error interface, that
// nil pointer is a non-nil error value.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is an *Error of the given Kind, unwrapping
// through any wrapper chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
