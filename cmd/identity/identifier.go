package identity

import "strings"

// Identifier is a domain-qualified name: username@domain.
type Identifier struct {
	Username string
	Domain   string
}

// NewIdentifier builds an Identifier, trimming the username and normalizing the domain.
func NewIdentifier(username, domain string) Identifier {
	return Identifier{
		Username: strings.TrimSpace(username),
		Domain:   NormalizeDomain(domain),
	}
}

// ParseIdentifier splits "username@domain" and validates the username.
func ParseIdentifier(s string) (Identifier, error) {
	const op = "identity.ParseIdentifier"

	s = strings.TrimSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return Identifier{}, Invalid(op, "identifier must be username@domain")
	}
	id := NewIdentifier(s[:at], s[at+1:])
	if err := ValidateUsername(id.Username); err != nil {
		return Identifier{}, err
	}
	if !IsValidDomainName(id.Domain) {
		return Identifier{}, Invalid(op, "invalid domain")
	}
	return id, nil
}

// String returns the case-preserving username@domain form.
func (i Identifier) String() string {
	return i.Username + "@" + i.Domain
}

// Key returns the lowercase form used for ledger uniqueness.
func (i Identifier) Key() string {
	return NormalizeUsername(i.Username) + "@" + i.Domain
}
