package security

import "time"

// DefaultClockSkewGracePeriod pads expiry checks against clock drift between
// workers sharing a store. A challenge written by one worker may be cleaned
// up by another whose clock runs a few seconds ahead; 5 seconds covers
// typical NTP drift without meaningfully extending challenge lifetime.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether expiresAt has passed, with the default
// grace period applied. A zero time means no expiry.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod reports whether expiresAt passed more than
// gracePeriod ago.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	return time.Now().After(expiresAt.Add(gracePeriod))
}
