package registry

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a registry error for status mapping and for callers
// that branch on failure class rather than message.
type Kind int

const (
	// KindInvalidMetadata is a validation failure before any side effect.
	KindInvalidMetadata Kind = iota
	// KindPayloadTooLarge means the tarball exceeds the configured limit.
	KindPayloadTooLarge
	// KindDuplicateVersion means this (crate, vers) already exists.
	KindDuplicateVersion
	// KindNotAnOwner means the caller is not an owner of an existing crate.
	KindNotAnOwner
	// KindNotFound means a read path is missing a crate or version.
	KindNotFound
	// KindYanked means the version exists but is yanked, under a policy
	// that forbids downloading yanked versions.
	KindYanked
	// KindStorage means a downstream store failed; the cause is attached.
	KindStorage
	// KindInconsistent means compensation also failed and the stores
	// disagree. Operator repair is required.
	KindInconsistent
)

func (k Kind) String() string {
	switch k {
	case KindInvalidMetadata:
		return "invalid metadata"
	case KindPayloadTooLarge:
		return "payload too large"
	case KindDuplicateVersion:
		return "duplicate version"
	case KindNotAnOwner:
		return "not an owner"
	case KindNotFound:
		return "not found"
	case KindYanked:
		return "yanked"
	case KindStorage:
		return "storage"
	case KindInconsistent:
		return "inconsistent"
	default:
		return "unknown"
	}
}

// Error is the failure type every registry operation returns. Detail is
// safe to show to API clients; the wrapped cause is not.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the error kind to the status the API layer responds
// with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidMetadata, KindDuplicateVersion:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindNotAnOwner:
		return http.StatusForbidden
	case KindNotFound, KindYanked:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts the registry error from an error chain, or wraps an
// arbitrary failure as a storage error.
func AsError(err error) *Error {
	var regErr *Error
	if errors.As(err, &regErr) {
		return regErr
	}
	return &Error{Kind: KindStorage, Detail: "internal error", cause: err}
}

func errInvalidMetadata(field, reason string) *Error {
	return &Error{Kind: KindInvalidMetadata, Detail: fmt.Sprintf("invalid %s: %s", field, reason)}
}

func errPayloadTooLarge(size uint32, limit int64) *Error {
	return &Error{
		Kind:   KindPayloadTooLarge,
		Detail: fmt.Sprintf("crate tarball is %d bytes, the limit is %d", size, limit),
	}
}

func errDuplicateVersion(name, vers string) *Error {
	return &Error{
		Kind:   KindDuplicateVersion,
		Detail: fmt.Sprintf("crate '%s' already has a version '%s'", name, vers),
	}
}

func errNotAnOwner(name string) *Error {
	return &Error{Kind: KindNotAnOwner, Detail: fmt.Sprintf("you are not an owner of crate '%s'", name)}
}

func errNotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Detail: fmt.Sprintf("%s not found", what)}
}

func errYanked(name, vers string) *Error {
	return &Error{Kind: KindYanked, Detail: fmt.Sprintf("version '%s' of crate '%s' is yanked", vers, name)}
}

func errStorage(detail string, cause error) *Error {
	return &Error{Kind: KindStorage, Detail: detail, cause: cause}
}

func errInconsistent(detail string, cause error) *Error {
	return &Error{Kind: KindInconsistent, Detail: detail, cause: cause}
}
