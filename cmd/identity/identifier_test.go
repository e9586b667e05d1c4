package identity

import "testing"

func TestValidateUsername(t *testing.T) {
	t.Parallel()

	valid := []string{"alice", "Alice_01", "_", "a-b", "abcdefghijabcdefghijabcdefghij"}
	for _, s := range valid {
		if err := ValidateUsername(s); err != nil {
			t.Fatalf("ValidateUsername(%q): %v", s, err)
		}
	}

	invalid := []string{"", "has space", "dots.not.allowed", "emoji🙂", "abcdefghijabcdefghijabcdefghijk"}
	for _, s := range invalid {
		if err := ValidateUsername(s); !IsInvalidInput(err) {
			t.Fatalf("ValidateUsername(%q) expected invalid input, got %v", s, err)
		}
	}
}

func TestParseIdentifier(t *testing.T) {
	t.Parallel()

	id, err := ParseIdentifier("Alice@Example.COM")
	if err != nil {
		t.Fatalf("ParseIdentifier: %v", err)
	}
	if id.Username != "Alice" || id.Domain != "example.com" {
		t.Fatalf("unexpected identifier: %+v", id)
	}
	if id.String() != "Alice@example.com" {
		t.Fatalf("String()=%q", id.String())
	}
	if id.Key() != "alice@example.com" {
		t.Fatalf("Key()=%q", id.Key())
	}

	for _, bad := range []string{"", "alice", "@example.com", "alice@", "al ice@example.com", "alice@exa mple.com"} {
		if _, err := ParseIdentifier(bad); !IsInvalidInput(err) {
			t.Fatalf("ParseIdentifier(%q) expected invalid input, got %v", bad, err)
		}
	}
}

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Example.com":      "example.com",
		"example.com.":     "example.com",
		"example.com:8080": "example.com",
		" localhost:8000 ": "localhost",
		"sub.Example.org":  "sub.example.org",
	}
	for in, want := range cases {
		if got := NormalizeDomain(in); got != want {
			t.Fatalf("NormalizeDomain(%q)=%q want=%q", in, got, want)
		}
	}
}
