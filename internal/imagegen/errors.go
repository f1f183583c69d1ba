package imagegen

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the generation pipeline.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindPayloadBuild     ErrorKind = "payload_build"
	KindNetwork          ErrorKind = "network"
	KindServer           ErrorKind = "server"
	KindMalformedPayload ErrorKind = "malformed_payload"
	KindDisplay          ErrorKind = "display"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrPayloadBuild     = &Error{Kind: KindPayloadBuild}
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrServer           = &Error{Kind: KindServer}
	ErrMalformedPayload = &Error{Kind: KindMalformedPayload}
	ErrDisplay          = &Error{Kind: KindDisplay}
)

// Error is the single error type produced by the package.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}
