package providers

import (
	"errors"
	"fmt"

	"mediasync/internal/accounts"
)

// Kind classifies a provider error for retry and abort decisions.
type Kind int

const (
	// KindTransient covers network failures, timeouts and 5xx responses.
	// Retried with pacing, counted toward the error ceiling.
	KindTransient Kind = iota
	// KindRateLimited means the provider pushed back. Retried after the
	// provider's rate-limit sleep, counted toward the error ceiling.
	KindRateLimited
	// KindAuthorizationExpired means the credentials no longer work.
	// Fatal for the account, never retried.
	KindAuthorizationExpired
	// KindCredentialsMissing means the account has no usable credentials.
	// Fatal for the account, never retried.
	KindCredentialsMissing
	// KindTooManyErrors means the recoverable-error counter exceeded the
	// provider ceiling. Fatal for the account.
	KindTooManyErrors
	// KindMalformedResponse means the provider returned an unexpected
	// shape. Retried like a transient error.
	KindMalformedResponse
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthorizationExpired:
		return "authorization_expired"
	case KindCredentialsMissing:
		return "credentials_missing"
	case KindTooManyErrors:
		return "too_many_errors"
	case KindMalformedResponse:
		return "malformed_response"
	}
	return "unknown"
}

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider accounts.Provider
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a classification for provider and operation.
func NewError(kind Kind, provider accounts.Provider, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

// KindOf extracts the classification from err. Unclassified errors
// are treated as transient so they stay retryable under the ceiling.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsFatal reports whether err terminates the account's pull immediately.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuthorizationExpired, KindCredentialsMissing, KindTooManyErrors:
		return true
	}
	return false
}

// IsRateLimited reports whether err warrants the rate-limit sleep.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}
