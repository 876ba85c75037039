package federation

import "errors"

// Validation failure reasons. They stay internal: callers only ever see
// an invalid-provider-token AuthError wrapping one of these.
var (
	ErrMissingKeyID      = errors.New("token header has no kid")
	ErrUnknownKeyID      = errors.New("signing key not found in provider key set")
	ErrDiscoveryFailed   = errors.New("failed to fetch provider discovery document")
	ErrKeySetFetchFailed = errors.New("failed to fetch provider key set")
	ErrIssuerNotAllowed  = errors.New("issuer not allowed")
	ErrTenantNotAllowed  = errors.New("tenant not allowed")
	ErrMissingSubject    = errors.New("token has no subject")
	ErrEmptyToken        = errors.New("empty token")
)
