package jwtvalidator

import "errors"

// Validation failures are sentinel values so callers can branch with
// errors.Is; the full detail goes to the audit entry, never the transport.
var (
	ErrInvalidAlgorithm     = errors.New("jwt: alg not in trusted allowlist")
	ErrUnknownIdp           = errors.New("jwt: no trusted idp matches issuer and audience")
	ErrAmbiguousIdp         = errors.New("jwt: multiple trusted idp configs match issuer and audience")
	ErrUnknownKey           = errors.New("jwt: no signing key matches kid after refresh")
	ErrInvalidSignature     = errors.New("jwt: signature verification failed")
	ErrTokenExpired         = errors.New("jwt: token expired")
	ErrTokenNotYetValid     = errors.New("jwt: token not yet valid")
	ErrTokenTooOld          = errors.New("jwt: token exceeds configured maximum age")
	ErrAudienceMismatch     = errors.New("jwt: audience mismatch")
	ErrIssuerMismatch       = errors.New("jwt: issuer mismatch")
	ErrMissingRequiredClaim = errors.New("jwt: required claim missing")
)
