package account

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Stable machine-readable error kinds. User-visible failures always carry
// one of these plus a human message; callers must branch on the kind (or the
// sentinel below), never on message text.
const (
	KindValidation        = "validation"
	KindEntropy           = "entropy"
	KindDerivation        = "derivation"
	KindRateLimit         = "rate_limit"
	KindDuplicateUsername = "duplicate_username"
	KindAuthentication    = "authentication"
	KindStoreTimeout      = "store_timeout"
)

var (
	ErrValidation  = errors.New("invalid input")
	ErrRateLimited = errors.New("too many attempts")
	// ErrDuplicateUsername is best effort: the store cannot prove global
	// uniqueness, so absence of this error is not a guarantee.
	ErrDuplicateUsername = errors.New("username is already taken")
	// ErrAuthentication deliberately covers both unknown usernames and wrong
	// credentials to avoid username enumeration.
	ErrAuthentication = errors.New("user not found or wrong credentials")
)

// Error is the account layer's terminal failure type.
type Error struct {
	Kind       string
	Message    string
	RetryAfter time.Duration
	sentinel   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.sentinel }

func failValidation(format string, args ...any) *Error {
	return &Error{
		Kind:     KindValidation,
		Message:  fmt.Sprintf(format, args...),
		sentinel: ErrValidation,
	}
}

func failRateLimited(operation string, retryAfter time.Duration) *Error {
	minutes := int(math.Ceil(retryAfter.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return &Error{
		Kind:       KindRateLimit,
		Message:    fmt.Sprintf("too many %s attempts, retry in %d minutes", operation, minutes),
		RetryAfter: retryAfter,
		sentinel:   ErrRateLimited,
	}
}

func failDuplicate(username string) *Error {
	return &Error{
		Kind:     KindDuplicateUsername,
		Message:  fmt.Sprintf("username %q is already taken", username),
		sentinel: ErrDuplicateUsername,
	}
}

func failAuthentication() *Error {
	return &Error{
		Kind:     KindAuthentication,
		Message:  ErrAuthentication.Error(),
		sentinel: ErrAuthentication,
	}
}

func failStoreTimeout(err error) *Error {
	return &Error{
		Kind:     KindStoreTimeout,
		Message:  "the store did not answer in time, try again",
		sentinel: err,
	}
}
