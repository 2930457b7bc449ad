package bridge

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"net"
	"net/http"
	"syscall"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidSignature = "invalid_signature"
	TextCodeValidation       = "validation_error"
	TextCodeNotFound         = "not_found"
	TextCodeNotLinked        = "not_linked"
	TextCodeConnection       = "connection_error"
	TextCodeSyncFailed       = "sync_failed"
	TextCodeMalformedToken   = "malformed_token"
	TextCodeSessionInvalid   = "session_invalid"
	TextCodeAlreadyLinked    = "already_linked"
)

// ErrInvalidSignature is returned when a signed request fails verification.
var ErrInvalidSignature = goerrors.New("invalid request signature", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidSignature).
	WithCode(goerrors.CodeUnauthorized)

// ErrValidation is returned when inbound data is missing required fields.
var ErrValidation = goerrors.New("missing or invalid data", goerrors.CategoryValidation).
	WithTextCode(TextCodeValidation).
	WithCode(goerrors.CodeBadRequest)

// ErrNotFound is returned when no local user is mapped to a provider user.
var ErrNotFound = goerrors.New("user not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrUserNotFound is returned by token validation when the subject has no mapping.
var ErrUserNotFound = ErrNotFound

// ErrNotLinked is returned when an operation needs an identity mapping that does not exist.
var ErrNotLinked = goerrors.New("user is not linked to the auth provider", goerrors.CategoryConflict).
	WithTextCode(TextCodeNotLinked).
	WithCode(goerrors.CodeConflict)

// ErrAlreadyLinked is returned when a local user is mapped to a different provider user.
var ErrAlreadyLinked = goerrors.New("user is already linked to another provider account", goerrors.CategoryConflict).
	WithTextCode(TextCodeAlreadyLinked).
	WithCode(goerrors.CodeConflict)

// ErrConnection is returned when the auth provider store cannot be reached.
var ErrConnection = goerrors.New("auth provider store unreachable", goerrors.CategoryExternal).
	WithTextCode(TextCodeConnection).
	WithCode(http.StatusServiceUnavailable)

// ErrSyncFailed is returned when a provider write fails after connecting.
var ErrSyncFailed = goerrors.New("auth provider sync failed", goerrors.CategoryExternal).
	WithTextCode(TextCodeSyncFailed).
	WithCode(http.StatusBadGateway)

// ErrMalformedToken is returned for bearer tokens that are not header.payload.signature.
var ErrMalformedToken = goerrors.New("token is malformed", goerrors.CategoryAuth).
	WithTextCode(TextCodeMalformedToken).
	WithCode(goerrors.CodeUnauthorized)

// ErrSessionInvalid is returned when the provider holds no live session for a token.
var ErrSessionInvalid = goerrors.New("no live provider session for token", goerrors.CategoryAuth).
	WithTextCode(TextCodeSessionInvalid).
	WithCode(goerrors.CodeUnauthorized)

func newError(sentinel *goerrors.Error, cause error, metadata map[string]any) error {
	clone := sentinel.Clone()
	clone.Source = cause
	if len(metadata) > 0 {
		clone = clone.WithMetadata(metadata)
	}
	return clone
}

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == code
	}
	return false
}

// IsInvalidSignature reports whether err is a signature failure.
func IsInvalidSignature(err error) bool { return hasTextCode(err, TextCodeInvalidSignature) }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return hasTextCode(err, TextCodeValidation) }

// IsNotFound reports whether err means the user could not be resolved.
func IsNotFound(err error) bool { return hasTextCode(err, TextCodeNotFound) }

// IsNotLinked reports whether err means the user has no identity mapping.
func IsNotLinked(err error) bool { return hasTextCode(err, TextCodeNotLinked) }

// IsConnection reports whether err is a provider connectivity failure.
func IsConnection(err error) bool { return hasTextCode(err, TextCodeConnection) }

// IsSyncFailed reports whether err is a provider write failure.
func IsSyncFailed(err error) bool { return hasTextCode(err, TextCodeSyncFailed) }

// IsMalformedToken reports whether err is a structural token failure.
func IsMalformedToken(err error) bool { return hasTextCode(err, TextCodeMalformedToken) }

// IsSessionInvalid reports whether err means the provider session is gone.
func IsSessionInvalid(err error) bool { return hasTextCode(err, TextCodeSessionInvalid) }

// IsAlreadyLinked reports whether err is a conflicting mapping.
func IsAlreadyLinked(err error) bool { return hasTextCode(err, TextCodeAlreadyLinked) }

// isTerminal reports errors that must never be retried.
func isTerminal(err error) bool {
	return IsInvalidSignature(err) || IsValidation(err) || IsMalformedToken(err)
}

// isConnectionFailure classifies low level errors raised while talking to a store.
func isConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	if IsConnection(err) {
		return true
	}
	if stderrors.Is(err, driver.ErrBadConn) ||
		stderrors.Is(err, sql.ErrConnDone) ||
		stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}

// classifyWriteError maps a provider write failure to a typed error.
func classifyWriteError(err error, metadata map[string]any) error {
	if err == nil {
		return nil
	}
	if IsConnection(err) || IsSyncFailed(err) {
		return err
	}
	if isConnectionFailure(err) {
		return newError(ErrConnection, err, metadata)
	}
	return newError(ErrSyncFailed, err, metadata)
}

// validateWith runs ozzo rules and tags any failure as a validation error
func validateWith(message string, rules func() error) error {
	if verr := goerrors.ValidateWithOzzo(rules, message); verr != nil {
		return verr.WithTextCode(TextCodeValidation).WithCode(goerrors.CodeBadRequest)
	}
	return nil
}
