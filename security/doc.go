// Package security provides the envelope encryption used to seal integration
// secrets at rest, clock-skew tolerant expiry checks, and the security audit
// trail for credential lifecycle events.
package security
