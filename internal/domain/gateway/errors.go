package gateway

import "fmt"

// AuthReason classifies why a connection attempt was rejected.
type AuthReason string

const (
	AuthMissingCredential AuthReason = "missing_credential"
	AuthMissingToken      AuthReason = "missing_token"
	AuthInvalidSignature  AuthReason = "invalid_signature"
	AuthExpired           AuthReason = "expired"
	AuthMalformedClaims   AuthReason = "malformed_claims"
	AuthQuotaExceeded     AuthReason = "quota_exceeded"
)

// AuthError terminates a connection attempt with a descriptive reason.
// No connection state exists once it is returned.
type AuthError struct {
	Reason  AuthReason
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth rejected (%s): %s", e.Reason, e.Message)
}

// Event error codes, scoped to a single event on a single connection.
// The connection stays open.
const (
	EventErrInvalidID        = "invalid_id"
	EventErrRateLimited      = "rate_limited"
	EventErrMalformedPayload = "malformed_payload"
	EventErrInternal         = "internal_error"
)
