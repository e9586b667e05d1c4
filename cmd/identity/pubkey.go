package identity

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

var (
	pubkeyHexRe    = regexp.MustCompile(`^[0-9a-f]{64}$`)
	pubkeyAnyHexRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// IsPubkeyHex reports whether s is the canonical stored form: 64 lowercase hex chars.
func IsPubkeyHex(s string) bool {
	return pubkeyHexRe.MatchString(s)
}

// ParsePubkey accepts an npub (bech32) or a 64-char hex key in any case and
// returns the canonical lowercase hex form.
func ParsePubkey(s string) (string, error) {
	const op = "identity.ParsePubkey"

	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "npub"):
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "invalid npub format", Err: err}
		}
		if prefix != "npub" {
			return "", Invalid(op, "invalid npub format")
		}
		var out string
		switch v := value.(type) {
		case string:
			out = v
		case interface{ Hex() string }:
			out = v.Hex()
		default:
			return "", Invalid(op, "invalid npub conversion")
		}
		out = strings.ToLower(out)
		if !IsPubkeyHex(out) {
			return "", Invalid(op, "invalid npub conversion")
		}
		return out, nil
	case pubkeyAnyHexRe.MatchString(s):
		return strings.ToLower(s), nil
	default:
		return "", Invalid(op, "key must be npub or 64-character hex")
	}
}

// EncodeNpub converts a canonical hex key into its bech32 npub form.
func EncodeNpub(pubkeyHex string) (string, error) {
	const op = "identity.EncodeNpub"

	if !IsPubkeyHex(pubkeyHex) {
		return "", Invalid(op, "pubkey must be 64 lowercase hex characters")
	}
	if _, err := hex.DecodeString(pubkeyHex); err != nil {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Err: err}
	}
	npub, err := nip19.EncodePublicKey(pubkeyHex)
	if err != nil {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Err: err}
	}
	return npub, nil
}
