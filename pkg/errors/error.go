// Package errors defines the bridge error taxonomy.
//
// Every failure that crosses a package boundary is an *Error carrying a
// Kind, so the HTTP layer can map it to a response status without
// inspecting message text. Errors wrap their cause and participate in
// errors.Is / errors.As chains.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a bridge failure.
type Kind string

const (
	// KindMatrixAPI: the remote Matrix homeserver failed or returned an
	// unparseable body.
	KindMatrixAPI Kind = "matrix_api"

	// KindMyceliumNetwork: the Mycelium node is unreachable.
	KindMyceliumNetwork Kind = "mycelium_network"

	// KindMyceliumAPI: the Mycelium message API returned non-2xx.
	KindMyceliumAPI Kind = "mycelium_api"

	// KindDatabase: the backing store failed.
	KindDatabase Kind = "database"

	// KindConfig: the bridge is misconfigured.
	KindConfig Kind = "config"

	// KindSerde: an envelope or event has malformed or missing fields.
	KindSerde Kind = "serde"

	// KindAuth: authentication rejected.
	KindAuth Kind = "auth"

	// KindFederation: a federation constraint was violated, e.g. no
	// destination server could be determined for an event.
	KindFederation Kind = "federation"

	// KindTimeout: an operation exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindNotFound: a route or resource is absent.
	KindNotFound Kind = "not_found"

	// KindInvalidRequest: the request is syntactically ill-formed.
	KindInvalidRequest Kind = "invalid_request"

	// KindResourceExhausted: a capacity limit was hit, e.g. the pending
	// message registry is full.
	KindResourceExhausted Kind = "resource_exhausted"
)

// Error is the bridge error type.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Per-kind constructors. These mirror the taxonomy so call sites read as
// errors.MatrixAPI("Failed to parse response: %v", err).

func MatrixAPI(format string, args ...any) *Error {
	return Newf(KindMatrixAPI, format, args...)
}

func MyceliumNetwork(format string, args ...any) *Error {
	return Newf(KindMyceliumNetwork, format, args...)
}

func MyceliumAPI(format string, args ...any) *Error {
	return Newf(KindMyceliumAPI, format, args...)
}

func Database(format string, args ...any) *Error {
	return Newf(KindDatabase, format, args...)
}

func Config(format string, args ...any) *Error {
	return Newf(KindConfig, format, args...)
}

func Serde(format string, args ...any) *Error {
	return Newf(KindSerde, format, args...)
}

func Auth(format string, args ...any) *Error {
	return Newf(KindAuth, format, args...)
}

func Federation(format string, args ...any) *Error {
	return Newf(KindFederation, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return Newf(KindTimeout, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

func InvalidRequest(format string, args ...any) *Error {
	return Newf(KindInvalidRequest, format, args...)
}

func ResourceExhausted(format string, args ...any) *Error {
	return Newf(KindResourceExhausted, format, args...)
}

// KindOf returns the Kind of err, or "" when err is not a bridge error.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// asBridgeError unwraps err into target, reporting success.
func asBridgeError(err error, target **Error) bool {
	return stderrors.As(err, target)
}

// IsKind reports whether err is a bridge error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
