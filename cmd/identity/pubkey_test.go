package identity

import (
	"strings"
	"testing"
)

// Vector from NIP-19.
const (
	vectorNpub = "npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"
	vectorHex  = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"
)

func TestParsePubkey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "npub", in: vectorNpub, want: vectorHex},
		{name: "lower hex", in: vectorHex, want: vectorHex},
		{name: "upper hex", in: strings.ToUpper(vectorHex), want: vectorHex},
		{name: "padded", in: "  " + vectorHex + "\n", want: vectorHex},
		{name: "short hex", in: vectorHex[:63], wantErr: true},
		{name: "garbage npub", in: "npub1notreallybech32", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePubkey(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParsePubkey(%q) expected error, got %q", tc.in, got)
				}
				if !IsInvalidInput(err) {
					t.Fatalf("expected invalid input, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePubkey(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParsePubkey(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestEncodeNpub_RoundTrip(t *testing.T) {
	t.Parallel()

	npub, err := EncodeNpub(vectorHex)
	if err != nil {
		t.Fatalf("EncodeNpub: %v", err)
	}
	if npub != vectorNpub {
		t.Fatalf("EncodeNpub=%q want=%q", npub, vectorNpub)
	}

	if _, err := EncodeNpub(strings.ToUpper(vectorHex)); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input for uppercase hex, got %v", err)
	}
}

func TestIsPubkeyHex(t *testing.T) {
	t.Parallel()

	if !IsPubkeyHex(strings.Repeat("aa", 32)) {
		t.Fatalf("expected aa*32 to be valid")
	}
	if IsPubkeyHex(strings.Repeat("AA", 32)) {
		t.Fatalf("uppercase must not be canonical")
	}
	if IsPubkeyHex(strings.Repeat("a", 63)) {
		t.Fatalf("63 chars must be invalid")
	}
}
