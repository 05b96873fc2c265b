// Package walleterr defines the closed set of error kinds that handlers
// map to HTTP status codes, and that background tasks branch on to
// decide retry/backoff/skip behavior. Built on the convention of
// wrapping errors with fmt.Errorf("...: %w") plus typed sentinels for
// control-flow-significant cases (see circuitbreaker.ErrCircuitOpen).
package walleterr

import "errors"

type Kind string

const (
	KindInvalidInput        Kind = "InvalidInput"
	KindUnsupportedChain    Kind = "UnsupportedChain"
	KindNotTracked          Kind = "NotTracked"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindProviderDisagree    Kind = "ProviderDisagreement"
	KindLogRangeIrrecover   Kind = "LogRangeIrrecoverable"
	KindCallFailed          Kind = "CallFailed"
	KindBuildTimeout        Kind = "BuildTimeout"
	KindDatabaseError       Kind = "DatabaseError"
)

// Error wraps an underlying cause with a Kind that request handlers and
// background tasks branch on.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func Invalid(msg string) *Error { return New(KindInvalidInput, msg, nil) }

func UnsupportedChain(msg string) *Error { return New(KindUnsupportedChain, msg, nil) }

func NotTracked(msg string) *Error { return New(KindNotTracked, msg, nil) }
