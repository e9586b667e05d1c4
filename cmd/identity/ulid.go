package identity

import (
	"time"

	"nostrid/cmd/identity/ids"
)

// NewULID returns a new ULID (26-char string).
func NewULID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// MustRequestID returns a ULID for request correlation, or "unknown" if the
// entropy source fails.
func MustRequestID() string {
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return "unknown"
	}
	return id
}
