// Package errors provides kind-tagged errors for the engine's plaintext
// failure taxonomy and their HTTP status mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Kind identifies a structural (plaintext) failure. Confidential outcomes
// such as insufficient balance or a non-crossing price are never errors;
// they surface only as encrypted flags.
type Kind string

const (
	KindProofInvalid      Kind = "ProofInvalid"
	KindNotCompliant      Kind = "NotCompliant"
	KindNotOwner          Kind = "NotOwner"
	KindUnknownOrder      Kind = "UnknownOrder"
	KindUnknownMatch      Kind = "UnknownMatch"
	KindAlreadySettled    Kind = "AlreadySettled"
	KindAlreadyCancelled  Kind = "AlreadyCancelled"
	KindExpired           Kind = "Expired"
	KindInvalidExpiration Kind = "InvalidExpiration"
	KindSideMismatch      Kind = "SideMismatch"
	KindAssetMismatch     Kind = "AssetMismatch"
	KindNotAuthorized     Kind = "NotAuthorized"
	KindInvalid           Kind = "Invalid"
	KindInternal          Kind = "Internal"
)

// Error is a kind-tagged error carrying an optional cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the kind from err, or KindInternal if it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a failure kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindProofInvalid, KindInvalidExpiration, KindSideMismatch, KindAssetMismatch, KindInvalid:
		return http.StatusBadRequest
	case KindNotCompliant, KindNotOwner, KindNotAuthorized:
		return http.StatusForbidden
	case KindUnknownOrder, KindUnknownMatch:
		return http.StatusNotFound
	case KindAlreadySettled, KindAlreadyCancelled, KindExpired:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
