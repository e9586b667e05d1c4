package names

import (
	"strings"
	"testing"

	"nostrid/cmd/identity"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    map[string]string
		corrupt bool
		invalid bool
	}{
		{name: "ok", in: `{"names":{"alice":"` + keyA + `"}}`, want: map[string]string{"alice": keyA}},
		{name: "uppercase hex is lowered", in: `{"names":{"alice":"` + strings.ToUpper(keyA) + `"}}`, want: map[string]string{"alice": keyA}},
		{name: "missing names", in: `{}`, want: map[string]string{}},
		{name: "null names", in: `{"names":null}`, want: map[string]string{}},
		{name: "extra members kept aside", in: `{"names":{},"relays":{}}`, want: map[string]string{}},
		{name: "truncated", in: `{"names":{"alice":`, corrupt: true},
		{name: "null document", in: `null`, corrupt: true},
		{name: "names is a list", in: `{"names":[]}`, invalid: true},
		{name: "non-string value", in: `{"names":{"alice":1}}`, invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			doc, err := Decode([]byte(tt.in))
			switch {
			case tt.corrupt:
				require.ErrorIs(t, err, identity.ErrCorrupt)
			case tt.invalid:
				require.ErrorIs(t, err, identity.ErrInvalidInput)
			default:
				require.NoError(t, err)
				require.Equal(t, tt.want, doc.Names)
			}
		})
	}
}

func TestDocument_CaseInsensitiveOps(t *testing.T) {
	t.Parallel()

	doc := NewDocument()
	doc.Put("Alice", keyA)
	require.True(t, doc.Has("alice"))
	require.True(t, doc.Has("ALICE"))

	k, ok := doc.Lookup("aLiCe")
	require.True(t, ok)
	require.Equal(t, "Alice", k)

	doc.Put("alice", keyB)
	require.Equal(t, 1, doc.Len())
	require.Equal(t, keyB, doc.Names["alice"])

	filtered := doc.Filter("ALICE")
	require.Equal(t, map[string]string{"alice": keyB}, filtered.Names)
	require.Equal(t, 0, doc.Filter("bob").Len())

	require.True(t, doc.Delete("ALICE"))
	require.False(t, doc.Delete("alice"))
	require.Equal(t, 0, doc.Len())
}

func TestDocument_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	doc := NewDocument()
	doc.Put("alice", keyA)
	c := doc.Clone()
	c.Put("bob", keyB)
	require.Equal(t, 1, doc.Len())
	require.Equal(t, 2, c.Len())
}

func TestDocument_ExtraMembersRoundTrip(t *testing.T) {
	t.Parallel()

	in := `{"names":{"bob":"` + keyB + `"},"relays":{"` + keyB + `":["wss://r.example.com"]},"nip46":{"x":1}}`
	doc, err := Decode([]byte(in))
	require.NoError(t, err)
	require.Len(t, doc.Extra, 2)

	c := doc.Clone()
	c.Put("alice", keyA)
	out, err := c.Encode()
	require.NoError(t, err)
	require.JSONEq(t, `{
		"names": {"alice": "`+keyA+`", "bob": "`+keyB+`"},
		"relays": {"`+keyB+`": ["wss://r.example.com"]},
		"nip46": {"x": 1}
	}`, string(out))

	// Encode only reads Names for the "names" member.
	c.Extra["names"] = []byte(`{"mallory":"x"}`)
	out, err = c.Encode()
	require.NoError(t, err)
	require.NotContains(t, string(out), "mallory")
}

func TestDocument_FilterNarrowsRelays(t *testing.T) {
	t.Parallel()

	in := `{"names":{"bob":"` + keyB + `","carol":"` + keyC + `"},` +
		`"relays":{"` + keyB + `":["wss://b.example.com"],"` + keyC + `":["wss://c.example.com"]}}`
	doc, err := Decode([]byte(in))
	require.NoError(t, err)

	out, err := doc.Filter("BOB").Encode()
	require.NoError(t, err)
	require.JSONEq(t, `{"names":{"bob":"`+keyB+`"},"relays":{"`+keyB+`":["wss://b.example.com"]}}`, string(out))

	out, err = doc.Filter("nobody").Encode()
	require.NoError(t, err)
	require.JSONEq(t, `{"names":{}}`, string(out))
}

func TestDocument_SanitizedMatchesValidate(t *testing.T) {
	t.Parallel()

	doc := Document{Names: map[string]string{
		"Bob":   keyB,
		"bob":   keyC,
		" ":     keyA,
		"eve":   "npub1notahexkey",
		"carol": keyC,
	}}
	require.Error(t, doc.Validate())

	clean, dropped := doc.Sanitized()
	require.NoError(t, clean.Validate())
	require.Equal(t, map[string]string{"Bob": keyB, "carol": keyC}, clean.Names)
	require.Len(t, dropped, 3)
	require.Contains(t, dropped, "bob")
	require.Len(t, doc.Names, 5, "Sanitized does not modify the receiver")
}

func TestDocument_ValidateNilNames(t *testing.T) {
	t.Parallel()

	err := Document{}.Validate()
	require.ErrorIs(t, err, identity.ErrInvalidInput)
}

func TestDocument_PutKeepsUniquenessInvariant(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		doc := NewDocument()
		usernames := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z0-9_-]{1,8}`), 1, 40).Draw(t, "usernames")
		keys := []string{keyA, keyB, keyC}
		for i, u := range usernames {
			if rapid.Bool().Draw(t, "delete") {
				doc.Delete(u)
				continue
			}
			doc.Put(u, keys[i%len(keys)])
		}

		if err := doc.Validate(); err != nil {
			t.Fatalf("document violates invariants: %v", err)
		}

		data, err := doc.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		back, err := Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(back.Names) != len(doc.Names) {
			t.Fatalf("round trip changed size: %d != %d", len(back.Names), len(doc.Names))
		}
		for k, v := range doc.Names {
			if back.Names[k] != v {
				t.Fatalf("round trip lost %q", k)
			}
		}
	})
}
