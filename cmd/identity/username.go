package identity

import (
	"regexp"
	"strings"
)

// MaxUsernameLen bounds the local part of an identifier.
const MaxUsernameLen = 30

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,30}$`)

// ValidateUsername checks the local part of a NIP-05 identifier.
// Case is preserved; uniqueness is decided on NormalizeUsername.
func ValidateUsername(s string) error {
	if !usernameRe.MatchString(strings.TrimSpace(s)) {
		return Invalid("identity.ValidateUsername",
			"username must be 1-30 characters, letters, numbers, underscores or hyphens only")
	}
	return nil
}
