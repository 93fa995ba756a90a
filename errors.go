package connect

import "errors"

// Errors returned by the Manager's operations.
var (
	// ErrInvalidState is returned by Complete when the state token is
	// unknown, expired, or already consumed. The three cases are deliberately
	// indistinguishable to callers.
	ErrInvalidState = errors.New("invalid or expired state token")

	// ErrUnknownProvider is returned when a provider name has no registered
	// adapter. This is a configuration error and should fail fast.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrScopeNotAllowed is returned by Initiate when a requested scope is
	// outside the provider's allowed set.
	ErrScopeNotAllowed = errors.New("requested scope not allowed")

	// ErrTokenUnavailable is returned by GetValidToken when no usable access
	// token can be produced without user interaction.
	ErrTokenUnavailable = errors.New("no valid token available")

	// ErrIntegrationRevoked is returned when an operation targets a revoked
	// integration.
	ErrIntegrationRevoked = errors.New("integration is revoked")
)
