package coordinator

import (
	"context"
	"errors"
	"fmt"

	"nostrid/cmd/identity"
	"nostrid/cmd/internal/ledger"
	"nostrid/cmd/internal/names"
)

// section is one critical section: an open ledger transaction plus the
// domain's document as loaded (prev) and as it will be written (doc).
type section struct {
	c      *Coordinator
	ctx    context.Context
	op     string
	domain string
	tx     ledger.Tx
	prev   names.Document
	doc    names.Document
	done   bool
	// label overrides the outcome label for operations without an Outcome.
	label string
}

// begin opens the ledger transaction before anything else so an unreachable
// ledger fails the operation with nothing touched.
func (c *Coordinator) begin(ctx context.Context, op, domain string) (*section, error) {
	tx, err := c.ledger.Begin(ctx)
	if err != nil {
		c.log.Error("coordinator.ledger.unavailable", "op", op, "err", err)
		return nil, identity.Unavailable(op, err)
	}
	s := &section{c: c, ctx: ctx, op: op, domain: domain, tx: tx}

	doc, status, err := c.reg.Load(domain)
	if err != nil {
		s.rollback("load_failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if status == names.StatusCorrupt || status == names.StatusInvalid {
		c.log.Error("coordinator.load.degraded", "op", op, "domain", domain, "status", status.String())
	}
	s.prev = doc
	s.doc = doc.Clone()
	return s, nil
}

// taken reports whether id is held in the file or by a paid ledger record.
func (s *section) taken(id identity.Identifier) (bool, error) {
	if s.doc.Has(id.Username) {
		return true, nil
	}
	done, err := s.tx.CompletedExists(s.ctx, id.Key())
	if err != nil {
		return false, identity.Storage(s.op, err)
	}
	return done, nil
}

// deny ends the section with a denial, or with err when the check itself failed.
func (s *section) deny(id identity.Identifier, err error) (Outcome, error) {
	if err != nil {
		return 0, s.fail("check_failed", err)
	}
	s.rollback("taken")
	s.c.log.Info("coordinator.denied", "op", s.op, "nip05", id.String(), "reason", "taken")
	return OutcomeTaken, nil
}

// dropPending deletes the unpaid record for id unless it already holds
// keepHash, in which case it is kept and reported.
func (s *section) dropPending(id identity.Identifier, keepHash string) (kept bool, err error) {
	rec, err := s.tx.GetPendingRecord(s.ctx, id.Key())
	if err != nil {
		if identity.IsNotFound(err) {
			return false, nil
		}
		return false, s.fail("ledger_read_failed", identity.Storage(s.op, err))
	}
	if keepHash != "" && rec.PaymentHash != nil && *rec.PaymentHash == keepHash {
		return true, nil
	}
	if _, err := s.tx.DeleteRecord(s.ctx, rec.ID); err != nil {
		return false, s.fail("ledger_write_failed", identity.Storage(s.op, err))
	}
	s.c.log.Info("coordinator.pending.replaced", "op", s.op, "nip05", id.Key(), "record_id", rec.ID)
	return false, nil
}

// fail rolls back and returns err.
func (s *section) fail(reason string, err error) error {
	s.rollback(reason)
	return err
}

func (s *section) rollback(reason string) {
	if s.done {
		return
	}
	s.done = true
	if err := s.tx.Rollback(s.ctx); err != nil && !errors.Is(err, ledger.ErrTxDone) {
		s.c.log.Warn("coordinator.rollback.failed", "op", s.op, "reason", reason, "err", err)
	}
	s.c.metrics.rollback(s.op, reason)
}

// publish writes the working document, then commits the ledger. A failed
// write rolls the ledger back; the file is untouched by construction.
func (s *section) publish() error {
	if err := s.c.reg.Save(s.domain, s.doc); err != nil {
		s.rollback("file_write_failed")
		s.c.log.Error("coordinator.write.failed", "op", s.op, "domain", s.domain, "err", err)
		return fmt.Errorf("%s: %w", s.op, err)
	}
	return s.commit(true)
}

// commit finishes the section. When the commit fails after the file was
// written, the previous document is put back before the error is returned.
func (s *section) commit(fileWritten bool) error {
	s.done = true
	err := s.tx.Commit(s.ctx)
	if err == nil {
		if fileWritten {
			s.c.notify(s.domain)
		}
		return nil
	}

	s.c.metrics.rollback(s.op, "commit_failed")
	if rbErr := s.tx.Rollback(s.ctx); rbErr != nil && !errors.Is(rbErr, ledger.ErrTxDone) {
		s.c.log.Warn("coordinator.rollback.failed", "op", s.op, "reason", "commit_failed", "err", rbErr)
	}
	if !fileWritten {
		return identity.Storage(s.op, err)
	}

	if rerr := s.c.reg.Restore(s.domain, s.prev); rerr != nil {
		s.c.log.Error("coordinator.commit.failed_restore_failed",
			"op", s.op, "domain", s.domain, "commit_err", err, "restore_err", rerr)
		return identity.Storage(s.op, errors.Join(err, rerr))
	}
	s.c.metrics.Compensations.Inc()
	s.c.notify(s.domain)
	s.c.log.Error("coordinator.commit.failed_file_restored", "op", s.op, "domain", s.domain, "err", err)
	return identity.Storage(s.op, err)
}
