package coordinator

import (
	"context"

	"nostrid/cmd/identity"
	"nostrid/cmd/internal/ledger"
)

// UpdatePubkey points username@domain at a new key in both the file and the ledger.
func (c *Coordinator) UpdatePubkey(ctx context.Context, username, pubkey, domain string) error {
	const op = "coordinator.UpdatePubkey"

	t, err := c.resolve(op, username, pubkey, domain)
	if err != nil {
		return err
	}
	_, err = c.run(ctx, op, t.id, func(s *section) (Outcome, error) {
		s.label = "updated"
		key, inFile := s.doc.Lookup(t.id.Username)
		inLedger, err := s.tx.UpdatePubkey(s.ctx, t.id.Key(), t.npub, t.pubkeyHex, c.now())
		if err != nil {
			return 0, s.fail("ledger_write_failed", identity.Storage(op, err))
		}
		if !inFile && !inLedger {
			return 0, s.fail("not_found", identity.NotFoundError{Op: op, Resource: "record"})
		}
		if !inFile {
			// The file does not publish this row; make the ledger say so.
			if _, err := s.tx.SetInNameFile(s.ctx, t.id.Key(), false, c.now()); err != nil {
				return 0, s.fail("ledger_write_failed", identity.Storage(op, err))
			}
			return 0, s.commit(false)
		}
		s.doc.Names[key] = t.pubkeyHex
		if err := s.publish(); err != nil {
			return 0, err
		}
		c.log.Info("coordinator.pubkey.updated", "nip05", t.id.String())
		return 0, nil
	})
	return err
}

// Remove deletes username@domain from the file and the ledger.
func (c *Coordinator) Remove(ctx context.Context, username, domain string) error {
	const op = "coordinator.Remove"

	id, err := c.resolveName(op, username, domain)
	if err != nil {
		return err
	}
	_, err = c.run(ctx, op, id, func(s *section) (Outcome, error) {
		s.label = "removed"
		inFile := s.doc.Delete(id.Username)
		inLedger, err := s.tx.DeleteByIdentifier(s.ctx, id.Key())
		if err != nil {
			return 0, s.fail("ledger_write_failed", identity.Storage(op, err))
		}
		if !inFile && !inLedger {
			return 0, s.fail("not_found", identity.NotFoundError{Op: op, Resource: "record"})
		}
		if !inFile {
			return 0, s.commit(false)
		}
		if err := s.publish(); err != nil {
			return 0, err
		}
		c.log.Info("coordinator.removed", "nip05", id.String())
		return 0, nil
	})
	return err
}

// ListRecords returns a page of ledger records, newest first. Reads do not
// take the registry lock.
func (c *Coordinator) ListRecords(ctx context.Context, limit, offset int) ([]ledger.Record, int, error) {
	const op = "coordinator.ListRecords"

	var (
		out   []ledger.Record
		total int
	)
	err := ledger.RunInTx(ctx, c.ledger, func(tx ledger.Tx) error {
		var err error
		out, total, err = tx.ListRecords(ctx, limit, offset)
		return err
	})
	if err != nil {
		if identity.IsUnavailable(err) {
			return nil, 0, err
		}
		return nil, 0, identity.Storage(op, err)
	}
	return out, total, nil
}
