// Package fault defines the error kinds shared by every stage of the
// encrypted inference pipeline.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	Unknown Kind = iota
	SchemeMismatch
	InvalidParameters
	DecryptionError
	NoiseBudgetExceeded
	Overloaded
	Timeout
	CircuitMismatch
)

var kindNames = map[Kind]string{
	Unknown:             "unknown",
	SchemeMismatch:      "scheme mismatch",
	InvalidParameters:   "invalid parameters",
	DecryptionError:     "decryption error",
	NoiseBudgetExceeded: "noise budget exceeded",
	Overloaded:          "overloaded",
	Timeout:             "timeout",
	CircuitMismatch:     "circuit mismatch",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. A *Error matches the sentinel of its kind.
var (
	ErrSchemeMismatch      = &Error{Kind: SchemeMismatch}
	ErrInvalidParameters   = &Error{Kind: InvalidParameters}
	ErrDecryption          = &Error{Kind: DecryptionError}
	ErrNoiseBudgetExceeded = &Error{Kind: NoiseBudgetExceeded}
	ErrOverloaded          = &Error{Kind: Overloaded}
	ErrTimeout             = &Error{Kind: Timeout}
	ErrCircuitMismatch     = &Error{Kind: CircuitMismatch}
)

// Error carries a Kind, the operation that failed and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. Sentinels carry
// no Op, so a detailed error matches its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New returns an error of the given kind.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf formats a cause and wraps it with kind and op.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Retryable reports whether the request may be resubmitted. Only transient
// server conditions qualify; cryptographic failures never do.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Overloaded, Timeout:
		return true
	}
	return false
}
