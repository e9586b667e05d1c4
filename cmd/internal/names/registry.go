// Package names is the per-domain name registry: the publicly served
// {"names": {username: pubkey}} document, its backup, and its recovery rules.
//
// Layout under the registry root:
//
//	<root>/<domain>/.well-known/nostr.json   authoritative document
//	<root>/<domain>/nostr.json.bak           last known-good snapshot
//	<root>/<domain>/.well-known/*.tmp.json   in-flight writes (discarded at startup)
//
// Registry does not lock. Mutations must go through the coordinator.
package names

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"nostrid/cmd/identity"
	"nostrid/cmd/internal/atomicfile"

	"github.com/spf13/afero"
)

const (
	wellKnownDir = ".well-known"
	fileName     = "nostr.json"
	backupName   = "nostr.json.bak"
)

// LoadStatus tags how a document was obtained.
type LoadStatus int

const (
	// StatusOK means the primary file parsed cleanly.
	StatusOK LoadStatus = iota
	// StatusMissing means there was no primary file; the document is empty.
	StatusMissing
	// StatusRecovered means the primary was unusable and the backup was used.
	StatusRecovered
	// StatusCorrupt means primary and backup were unusable; the document is empty.
	StatusCorrupt
	// StatusInvalid means the primary parsed but held entries that break the
	// document rules; those entries were dropped.
	StatusInvalid
)

func (s LoadStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMissing:
		return "missing"
	case StatusRecovered:
		return "recovered"
	case StatusCorrupt:
		return "corrupt"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("LoadStatus(%d)", int(s))
	}
}

// Registry loads and saves per-domain documents below a root directory.
type Registry struct {
	root string
	fs   afero.Fs
	w    *atomicfile.Writer
	log  *slog.Logger
}

// New constructs a Registry rooted at root. A nil writer means the OS filesystem.
func New(root string, w *atomicfile.Writer, log *slog.Logger) *Registry {
	if w == nil {
		w = atomicfile.New(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{root: root, fs: w.Fs(), w: w, log: log}
}

// WellKnownDir returns the directory holding a domain's public document.
func (r *Registry) WellKnownDir(domain string) string {
	return filepath.Join(r.root, domain, wellKnownDir)
}

// Path returns the authoritative document path for domain.
func (r *Registry) Path(domain string) string {
	return filepath.Join(r.WellKnownDir(domain), fileName)
}

// BackupPath returns the backup snapshot path for domain.
func (r *Registry) BackupPath(domain string) string {
	return filepath.Join(r.root, domain, backupName)
}

// Load returns the domain's document.
//
// A missing file yields an empty document. A corrupt or malformed file falls
// back to the backup; if that is unusable too the result is an empty document
// with StatusCorrupt, logged at error level as a data-loss event. A file that
// parses but fails Validate keeps its valid entries and drops the rest, each
// logged at error level (StatusInvalid). Only read failures other than
// "not exist" are returned as errors.
func (r *Registry) Load(domain string) (Document, LoadStatus, error) {
	const op = "names.Load"

	path := r.Path(domain)
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.log.Warn("registry.load.missing", "domain", domain, "path", path)
			return NewDocument(), StatusMissing, nil
		}
		r.log.Error("registry.load.read_failed", "domain", domain, "path", path, "err", err)
		return Document{}, StatusCorrupt, identity.Storage(op, err)
	}

	doc, err := Decode(data)
	if err == nil {
		verr := doc.Validate()
		if verr == nil {
			r.log.Debug("registry.load.ok", "domain", domain, "entries", doc.Len())
			return doc, StatusOK, nil
		}
		r.log.Error("registry.load.invalid", "domain", domain, "path", path, "err", verr)
		clean, dropped := doc.Sanitized()
		for u, reason := range dropped {
			r.log.Error("registry.load.entry_dropped", "domain", domain, "username", u, "reason", reason)
		}
		return clean, StatusInvalid, nil
	}
	r.log.Error("registry.load.corrupt", "domain", domain, "path", path, "err", err)

	backup, berr := r.loadBackup(domain)
	if berr == nil {
		r.log.Info("registry.load.recovered", "domain", domain, "entries", backup.Len())
		return backup, StatusRecovered, nil
	}
	r.log.Error("registry.load.backup_unusable",
		"domain", domain,
		"path", r.BackupPath(domain),
		"err", berr,
		"result", "empty_document",
	)
	return NewDocument(), StatusCorrupt, nil
}

// loadBackup returns the backup only when it passes Validate.
func (r *Registry) loadBackup(domain string) (Document, error) {
	data, err := afero.ReadFile(r.fs, r.BackupPath(domain))
	if err != nil {
		return Document{}, err
	}
	doc, err := Decode(data)
	if err != nil {
		return Document{}, err
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Save validates doc and atomically replaces the domain's document.
//
// The current file is snapshotted to the backup path first, but only when it
// is itself a valid document, so a corrupt primary never replaces a good backup.
func (r *Registry) Save(domain string, doc Document) error {
	const op = "names.Save"

	if err := doc.Validate(); err != nil {
		return err
	}
	data, err := doc.Encode()
	if err != nil {
		return identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Err: err}
	}

	if err := r.fs.MkdirAll(r.WellKnownDir(domain), 0o755); err != nil {
		return identity.Storage(op, err)
	}

	path := r.Path(domain)
	r.snapshot(domain, path)

	if err := r.w.Write(path, data); err != nil {
		r.log.Error("registry.save.failed", "domain", domain, "path", path, "err", err)
		return identity.Storage(op, err)
	}
	r.log.Info("registry.save.ok", "domain", domain, "entries", doc.Len())
	return nil
}

// Restore atomically writes doc without touching the backup. It undoes a Save
// whose surrounding transaction could not be committed.
func (r *Registry) Restore(domain string, doc Document) error {
	const op = "names.Restore"

	data, err := doc.Encode()
	if err != nil {
		return identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Err: err}
	}
	if err := r.w.Write(r.Path(domain), data); err != nil {
		r.log.Error("registry.restore.failed", "domain", domain, "err", err)
		return identity.Storage(op, err)
	}
	r.log.Warn("registry.restore.ok", "domain", domain, "entries", doc.Len())
	return nil
}

func (r *Registry) snapshot(domain, path string) {
	current, err := afero.ReadFile(r.fs, path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("registry.backup.read_failed", "domain", domain, "err", err)
		}
		return
	}
	doc, err := Decode(current)
	if err == nil {
		err = doc.Validate()
	}
	if err != nil {
		r.log.Warn("registry.backup.skipped_unusable_primary", "domain", domain, "err", err)
		return
	}
	if err := r.w.Write(r.BackupPath(domain), current); err != nil {
		r.log.Warn("registry.backup.write_failed", "domain", domain, "err", err)
	}
}

// ReadRaw returns the current bytes of the domain's document without any
// recovery. Used by lock-free public serving.
func (r *Registry) ReadRaw(domain string) ([]byte, error) {
	return afero.ReadFile(r.fs, r.Path(domain))
}

// EnsureDomain creates the domain directories and an empty document if none exists.
func (r *Registry) EnsureDomain(domain string) error {
	const op = "names.EnsureDomain"

	dir := r.WellKnownDir(domain)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return identity.Storage(op, err)
	}
	_ = r.fs.Chmod(dir, 0o755)

	ok, err := afero.Exists(r.fs, r.Path(domain))
	if err != nil {
		return identity.Storage(op, err)
	}
	if ok {
		return nil
	}
	data, err := NewDocument().Encode()
	if err != nil {
		return identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Err: err}
	}
	if err := r.w.Write(r.Path(domain), data); err != nil {
		return identity.Storage(op, err)
	}
	r.log.Info("registry.domain.created", "domain", domain, "path", r.Path(domain))
	return nil
}

// CleanupOrphans removes temp files left by interrupted writes.
func (r *Registry) CleanupOrphans() ([]string, error) {
	removed, err := r.w.CleanupOrphans(r.root)
	for _, p := range removed {
		r.log.Info("registry.orphan.removed", "path", p)
	}
	if err != nil {
		return removed, identity.Storage("names.CleanupOrphans", err)
	}
	return removed, nil
}
