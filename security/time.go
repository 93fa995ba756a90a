package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period applied to
	// expiry checks. Providers, the application, and the user's machine all
	// keep their own clocks; a few seconds of NTP drift between them must not
	// produce false expiration errors.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsSecretExpired checks whether a secret is expired with the default clock
// skew grace period. A zero expiry means the secret never expires.
func IsSecretExpired(expiresAt time.Time) bool {
	return IsSecretExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsSecretExpiredWithGracePeriod checks whether a secret is expired with a
// custom clock skew grace period.
func IsSecretExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsExpiredAt checks expiry against an explicit reference time, for callers
// that carry their own clock. The default grace period applies.
func IsExpiredAt(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(DefaultClockSkewGracePeriod))
}

// IsSecretExpiringSoon checks whether a secret will expire within the given
// threshold. Used to decide when a refresh should run ahead of expiry.
func IsSecretExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
