package auth

import "fmt"

// Kind classifies authentication failures.
type Kind string

const (
	KindMalformed        Kind = "malformed"
	KindInvalidSignature Kind = "invalid_signature"
	KindExpired          Kind = "expired"
	KindInvalid          Kind = "invalid"
)

// Error is returned for every rejected assertion or session token.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("auth: %s", e.Kind)
	}
	return fmt.Sprintf("auth: %s: %s", e.Kind, e.Reason)
}

// Is matches another *Error of the same Kind, so errors.Is(err, &Error{Kind: KindExpired}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
