package security

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrPrincipalNotFound = errors.New("principal not found")

	// Capability verification failures, one per policy reason code.
	ErrCapabilityNotFound          = errors.New("capability token not found")
	ErrCapabilityRevoked           = errors.New("capability token revoked")
	ErrCapabilityExpired           = errors.New("capability token expired")
	ErrCapabilityPrincipalMismatch = errors.New("capability token principal mismatch")
	ErrCapabilityScopeViolation    = errors.New("capability token scope violation")

	ErrSecretNotFound    = errors.New("secret not found")
	ErrUnknownKeyVersion = errors.New("unknown master key version")
	ErrBadMasterKey      = errors.New("master key must be 32 hex-encoded bytes")
)
