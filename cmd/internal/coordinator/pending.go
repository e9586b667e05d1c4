package coordinator

import (
	"context"
	"strings"

	"nostrid/cmd/identity"
	"nostrid/cmd/internal/ledger"
)

// CreatePending records an unpaid claim on username@domain tied to
// paymentHash, issued when an invoice is created. An earlier unpaid claim for
// the same identifier is replaced; a repeated call with the same hash is a
// no-op. A name that is already held is denied.
func (c *Coordinator) CreatePending(ctx context.Context, username, pubkey, domain, paymentHash string) (Outcome, error) {
	const op = "coordinator.CreatePending"

	t, err := c.resolve(op, username, pubkey, domain)
	if err != nil {
		return 0, err
	}
	paymentHash = strings.TrimSpace(paymentHash)
	if paymentHash == "" {
		return 0, identity.Invalid(op, "payment hash is required")
	}

	return c.run(ctx, op, t.id, func(s *section) (Outcome, error) {
		if taken, err := s.taken(t.id); err != nil || taken {
			return s.deny(t.id, err)
		}
		kept, err := s.dropPending(t.id, paymentHash)
		if err != nil {
			return 0, err
		}
		if kept {
			s.rollback("pending_exists")
			return OutcomePending, nil
		}
		if _, err := s.tx.InsertRecord(s.ctx, ledger.NewRecord{
			NIP05:       t.id.Key(),
			Npub:        t.npub,
			PubkeyHex:   t.pubkeyHex,
			PaymentHash: &paymentHash,
			Now:         c.now(),
		}); err != nil {
			if identity.IsConflict(err) {
				return 0, s.fail("conflict", err)
			}
			return 0, s.fail("insert_failed", identity.Storage(op, err))
		}
		if err := s.commit(false); err != nil {
			return 0, err
		}
		c.log.Info("coordinator.pending.created", "nip05", t.id.String(), "payment_hash", shortHash(paymentHash))
		return OutcomePending, nil
	})
}

// CancelPending deletes the unpaid claim on username@domain. It reports
// whether one existed.
func (c *Coordinator) CancelPending(ctx context.Context, username, domain string) (bool, error) {
	const op = "coordinator.CancelPending"

	id, err := c.resolveName(op, username, domain)
	if err != nil {
		return false, err
	}

	var cancelled bool
	_, err = c.run(ctx, op, id, func(s *section) (Outcome, error) {
		rec, err := s.tx.GetPendingRecord(s.ctx, id.Key())
		if err != nil {
			if identity.IsNotFound(err) {
				s.label = "none"
				s.rollback("no_pending")
				return 0, nil
			}
			return 0, s.fail("ledger_read_failed", identity.Storage(op, err))
		}
		if _, err := s.tx.DeleteRecord(s.ctx, rec.ID); err != nil {
			return 0, s.fail("ledger_write_failed", identity.Storage(op, err))
		}
		if err := s.commit(false); err != nil {
			return 0, err
		}
		cancelled = true
		s.label = "cancelled"
		c.log.Info("coordinator.pending.cancelled", "nip05", id.String())
		return 0, nil
	})
	return cancelled, err
}
