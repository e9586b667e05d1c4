// Package identity implements the naming primitives behind NIP-05 identifiers.
//
// It contains username and public-key validation, identifier parsing, the
// configured domain set, ULID helpers, and the error kinds shared by the
// registry, the ledger and the coordinator.
//
// This package is intentionally dependency-light.
package identity
