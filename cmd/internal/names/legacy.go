package names

import (
	"encoding/json"
	"errors"
	"os"
	"sort"

	"nostrid/cmd/identity"

	"github.com/spf13/afero"
)

// MigratedSuffix is appended to the legacy file once it has been merged.
const MigratedSuffix = ".migrated"

// LegacyShape is the closed set of consolidated layouts the migration understands.
type LegacyShape int

const (
	// ShapeUnrecognized is anything else. It is never guessed at.
	ShapeUnrecognized LegacyShape = iota
	// ShapePerDomain is {"domains": {domain: {username: pubkey}}}.
	ShapePerDomain
	// ShapeFlat is {"names": {username: pubkey}}, owned by the primary domain.
	ShapeFlat
)

func (s LegacyShape) String() string {
	switch s {
	case ShapePerDomain:
		return "per_domain"
	case ShapeFlat:
		return "flat"
	default:
		return "unrecognized"
	}
}

// LegacyLayout is a classified legacy file.
type LegacyLayout struct {
	Shape   LegacyShape
	Domains map[string]map[string]string
}

// ClassifyLegacy decides which shape data has. Documents carrying both keys,
// neither key, or wrongly typed members are ShapeUnrecognized.
func ClassifyLegacy(data []byte) (LegacyLayout, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return LegacyLayout{}, identity.OpError{Op: "names.ClassifyLegacy", Kind: identity.ErrCorrupt, Err: err}
	}
	rawDomains, hasDomains := top["domains"]
	rawNames, hasNames := top["names"]

	switch {
	case hasDomains && !hasNames:
		var m map[string]map[string]string
		if err := json.Unmarshal(rawDomains, &m); err != nil || m == nil {
			return LegacyLayout{Shape: ShapeUnrecognized}, nil
		}
		return LegacyLayout{Shape: ShapePerDomain, Domains: m}, nil
	case hasNames && !hasDomains:
		var m map[string]string
		if err := json.Unmarshal(rawNames, &m); err != nil || m == nil {
			return LegacyLayout{Shape: ShapeUnrecognized}, nil
		}
		return LegacyLayout{Shape: ShapeFlat, Domains: map[string]map[string]string{"": m}}, nil
	default:
		return LegacyLayout{Shape: ShapeUnrecognized}, nil
	}
}

// MigrationReport summarizes one MigrateLegacy run.
type MigrationReport struct {
	Shape    LegacyShape
	Skipped  bool
	Reason   string
	Merged   map[string]int
	Rejected int
}

// MigrateLegacy merges a consolidated legacy file into the per-domain files,
// then renames it with MigratedSuffix so a repeated run does nothing.
//
// Legacy entries win over existing entries with the same case-insensitive
// username. Unconfigured domains and invalid entries are dropped with a warning.
// An unrecognized or unparsable legacy file is left in place untouched.
func (r *Registry) MigrateLegacy(legacyPath string, domains identity.DomainSet) (MigrationReport, error) {
	const op = "names.MigrateLegacy"
	report := MigrationReport{Merged: map[string]int{}}

	data, err := afero.ReadFile(r.fs, legacyPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return report, identity.Storage(op, err)
		}
		report.Skipped = true
		if done, _ := afero.Exists(r.fs, legacyPath+MigratedSuffix); done {
			report.Reason = "already_migrated"
		} else {
			report.Reason = "no_legacy_file"
		}
		r.log.Debug("registry.legacy.skip", "path", legacyPath, "reason", report.Reason)
		return report, nil
	}

	layout, err := ClassifyLegacy(data)
	if err != nil {
		report.Skipped = true
		report.Reason = "corrupt"
		r.log.Error("registry.legacy.corrupt", "path", legacyPath, "err", err)
		return report, nil
	}
	report.Shape = layout.Shape
	if layout.Shape == ShapeUnrecognized {
		report.Skipped = true
		report.Reason = "unrecognized_shape"
		r.log.Warn("registry.legacy.unrecognized", "path", legacyPath)
		return report, nil
	}

	if layout.Shape == ShapeFlat {
		primary := domains.Primary()
		layout.Domains = map[string]map[string]string{primary.Name: layout.Domains[""]}
	}

	targets := make([]string, 0, len(layout.Domains))
	for d := range layout.Domains {
		targets = append(targets, d)
	}
	sort.Strings(targets)

	for _, raw := range targets {
		domain := identity.NormalizeDomain(raw)
		if !domains.Contains(domain) {
			r.log.Warn("registry.legacy.unknown_domain", "domain", raw, "entries", len(layout.Domains[raw]))
			report.Rejected += len(layout.Domains[raw])
			continue
		}
		n, rejected, err := r.mergeInto(domain, layout.Domains[raw])
		report.Rejected += rejected
		if err != nil {
			return report, err
		}
		report.Merged[domain] = n
	}

	if err := r.fs.Rename(legacyPath, legacyPath+MigratedSuffix); err != nil {
		return report, identity.Storage(op, err)
	}
	r.log.Info("registry.legacy.migrated",
		"path", legacyPath,
		"shape", layout.Shape.String(),
		"domains", len(report.Merged),
		"rejected", report.Rejected,
	)
	return report, nil
}

func (r *Registry) mergeInto(domain string, entries map[string]string) (merged, rejected int, err error) {
	if err := r.EnsureDomain(domain); err != nil {
		return 0, 0, err
	}
	doc, _, err := r.Load(domain)
	if err != nil {
		return 0, 0, err
	}

	users := make([]string, 0, len(entries))
	for u := range entries {
		users = append(users, u)
	}
	sort.Strings(users)

	for _, u := range users {
		if err := identity.ValidateUsername(u); err != nil {
			r.log.Warn("registry.legacy.invalid_username", "domain", domain, "username", u)
			rejected++
			continue
		}
		hex, err := identity.ParsePubkey(entries[u])
		if err != nil {
			r.log.Warn("registry.legacy.invalid_pubkey", "domain", domain, "username", u)
			rejected++
			continue
		}
		doc.Put(u, hex)
		merged++
	}
	if merged == 0 {
		return 0, rejected, nil
	}
	if err := r.Save(domain, doc); err != nil {
		return 0, rejected, err
	}
	return merged, rejected, nil
}
