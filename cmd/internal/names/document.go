package names

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"nostrid/cmd/identity"
)

// Document is the per-domain NIP-05 file: {"names": {username: pubkey_hex}}.
//
// Usernames keep the case they were registered with; uniqueness is
// case-insensitive. Other top-level members (e.g. "relays") are carried in
// Extra and written back unchanged.
type Document struct {
	Names map[string]string
	Extra map[string]json.RawMessage
}

// NewDocument returns an empty document.
func NewDocument() Document {
	return Document{Names: map[string]string{}}
}

// Lookup returns the stored key (original case) matching username case-insensitively.
func (d Document) Lookup(username string) (string, bool) {
	want := identity.NormalizeUsername(username)
	if want == "" {
		return "", false
	}
	for k := range d.Names {
		if identity.NormalizeUsername(k) == want {
			return k, true
		}
	}
	return "", false
}

// Has reports whether username is present case-insensitively.
func (d Document) Has(username string) bool {
	_, ok := d.Lookup(username)
	return ok
}

// Put sets username -> pubkey, replacing any case-insensitive match so the
// document never holds two keys that compare equal.
func (d Document) Put(username, pubkeyHex string) {
	if existing, ok := d.Lookup(username); ok {
		delete(d.Names, existing)
	}
	d.Names[strings.TrimSpace(username)] = pubkeyHex
}

// Delete removes username (case-insensitive) and reports whether it was present.
func (d Document) Delete(username string) bool {
	existing, ok := d.Lookup(username)
	if !ok {
		return false
	}
	delete(d.Names, existing)
	return true
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	out := Document{Names: make(map[string]string, len(d.Names))}
	for k, v := range d.Names {
		out.Names[k] = v
	}
	if d.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// Len returns the number of entries.
func (d Document) Len() int { return len(d.Names) }

// Filter returns a document holding only username (case-insensitive), for
// NIP-05 ?name= queries. A "relays" member is narrowed to that user's key.
func (d Document) Filter(username string) Document {
	out := NewDocument()
	k, ok := d.Lookup(username)
	if !ok {
		return out
	}
	out.Names[k] = d.Names[k]

	var relays map[string]json.RawMessage
	if raw, ok := d.Extra["relays"]; ok && json.Unmarshal(raw, &relays) == nil {
		if r, ok := relays[d.Names[k]]; ok {
			narrowed, err := json.Marshal(map[string]json.RawMessage{d.Names[k]: r})
			if err == nil {
				out.Extra = map[string]json.RawMessage{"relays": narrowed}
			}
		}
	}
	return out
}

// Validate checks the document shape before it is written. Load applies the
// same rules, so a document that loads cleanly always saves.
func (d Document) Validate() error {
	const op = "names.Validate"

	if d.Names == nil {
		return identity.Invalid(op, "'names' must be a mapping")
	}
	var first error
	d.check(func(_ string, reason string) {
		if first == nil {
			first = identity.Invalid(op, reason)
		}
	})
	return first
}

// Sanitized returns a copy without the entries Validate rejects, and the
// rejected usernames with the reason for each. Entries are visited in sorted
// order, so of two case-insensitive duplicates the first in byte order stays.
func (d Document) Sanitized() (Document, map[string]string) {
	out := d.Clone()
	if out.Names == nil {
		out.Names = map[string]string{}
	}
	var dropped map[string]string
	d.check(func(username, reason string) {
		if dropped == nil {
			dropped = map[string]string{}
		}
		dropped[username] = reason
		delete(out.Names, username)
	})
	return out, dropped
}

// check calls bad for every entry that breaks the document rules.
func (d Document) check(bad func(username, reason string)) {
	seen := make(map[string]string, len(d.Names))
	keys := make([]string, 0, len(d.Names))
	for k := range d.Names {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			bad(k, "empty username")
			continue
		}
		if !identity.IsPubkeyHex(d.Names[k]) {
			bad(k, fmt.Sprintf("pubkey for %q must be 64 lowercase hex characters", k))
			continue
		}
		norm := identity.NormalizeUsername(k)
		if prev, dup := seen[norm]; dup {
			bad(k, fmt.Sprintf("usernames %q and %q collide case-insensitively", prev, k))
			continue
		}
		seen[norm] = k
	}
}

// Encode serializes the document as indented UTF-8 JSON with a trailing newline.
func (d Document) Encode() ([]byte, error) {
	names := d.Names
	if names == nil {
		names = map[string]string{}
	}
	top := make(map[string]any, len(d.Extra)+1)
	for k, v := range d.Extra {
		top[k] = v
	}
	top["names"] = names

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(top); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a registry file.
//
// Syntax errors are reported as identity.ErrCorrupt. A "names" member that is
// not an object of strings is reported as identity.ErrInvalidInput. A missing
// or null "names" member decodes to an empty document. Hex values are
// lower-cased. Entry-level rules are not checked here; see Validate.
func Decode(data []byte) (Document, error) {
	const op = "names.Decode"

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Document{}, identity.OpError{Op: op, Kind: identity.ErrCorrupt, Err: err}
	}
	if top == nil {
		return Document{}, identity.OpError{Op: op, Kind: identity.ErrCorrupt, Msg: "document is null"}
	}

	doc := NewDocument()
	for k, v := range top {
		if k == "names" {
			continue
		}
		if doc.Extra == nil {
			doc.Extra = map[string]json.RawMessage{}
		}
		doc.Extra[k] = v
	}
	raw, ok := top["names"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return doc, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return Document{}, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "'names' must be a mapping of strings", Err: err}
	}
	for k, v := range m {
		if lower := strings.ToLower(v); identity.IsPubkeyHex(lower) {
			v = lower
		}
		doc.Names[k] = v
	}
	return doc, nil
}
