package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure crossing the core's trust boundary.
type Kind string

const (
	KindMalformedRequest        Kind = "malformed_request"
	KindInvalidProviderToken    Kind = "invalid_provider_token"
	KindAudienceMismatch        Kind = "audience_mismatch"
	KindInvalidRefreshToken     Kind = "invalid_refresh_token"
	KindUnauthorized            Kind = "unauthorized"
	KindAccountNotFound         Kind = "account_not_found"
	KindSigningKeyMisconfigured Kind = "signing_key_misconfigured"
	KindInternal                Kind = "internal"
)

// AuthError is the uniform failure value returned by the core. Description is
// safe to show to callers; the wrapped cause is for logs only.
type AuthError struct {
	Kind        Kind   `json:"error"`
	Description string `json:"error_description,omitempty"`
	cause       error
}

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *AuthError) Unwrap() error { return e.cause }

// Is matches any AuthError of the same kind, so sentinels work with errors.Is.
func (e *AuthError) Is(target error) bool {
	var t *AuthError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrMalformedRequest        = &AuthError{Kind: KindMalformedRequest, Description: "invalid request"}
	ErrInvalidProviderToken    = &AuthError{Kind: KindInvalidProviderToken, Description: "invalid provider token"}
	ErrAudienceMismatch        = &AuthError{Kind: KindAudienceMismatch, Description: "audience mismatch"}
	ErrInvalidRefreshToken     = &AuthError{Kind: KindInvalidRefreshToken, Description: "invalid or expired refresh token"}
	ErrUnauthorized            = &AuthError{Kind: KindUnauthorized, Description: "invalid token"}
	ErrAccountNotFound         = &AuthError{Kind: KindAccountNotFound, Description: "account not found"}
	ErrSigningKeyMisconfigured = &AuthError{Kind: KindSigningKeyMisconfigured, Description: "signing key is missing or too short"}
	ErrInternal                = &AuthError{Kind: KindInternal, Description: "internal error"}
)

// New builds an AuthError with a caller-facing description.
func New(kind Kind, description string) *AuthError {
	return &AuthError{Kind: kind, Description: description}
}

// Wrap builds an AuthError that keeps cause for logging.
func Wrap(kind Kind, description string, cause error) *AuthError {
	return &AuthError{Kind: kind, Description: description, cause: cause}
}

func NewMalformedRequest(description string) *AuthError {
	return New(KindMalformedRequest, description)
}

func NewInvalidProviderToken(provider string, cause error) *AuthError {
	return Wrap(KindInvalidProviderToken, fmt.Sprintf("invalid %s ID token", provider), cause)
}

func NewAudienceMismatch(provider string) *AuthError {
	return New(KindAudienceMismatch, fmt.Sprintf("%s audience mismatch", provider))
}

func NewInternal(cause error) *AuthError {
	return Wrap(KindInternal, "internal error", cause)
}

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ae *AuthError
	if stderrors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Public strips the cause so the value can be serialized to a caller. Foreign
// errors collapse to a generic internal error.
func Public(err error) *AuthError {
	var ae *AuthError
	if stderrors.As(err, &ae) {
		return &AuthError{Kind: ae.Kind, Description: ae.Description}
	}
	return &AuthError{Kind: KindInternal, Description: ErrInternal.Description}
}

// HTTPStatus maps an error to the status code the transport should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindMalformedRequest:
		return http.StatusBadRequest
	case KindInvalidProviderToken, KindAudienceMismatch, KindInvalidRefreshToken, KindUnauthorized:
		return http.StatusUnauthorized
	case KindAccountNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
