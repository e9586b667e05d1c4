package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"nostrid/cmd/identity"

	"github.com/stretchr/testify/require"
)

const (
	hexA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hexB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func strPtr(s string) *string { return &s }

// runConformance exercises the Tx contract against any backend.
func runConformance(t *testing.T, open func(t *testing.T) Ledger) {
	t.Run("insert and read back pending", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0).UTC()

		var id int64
		require.NoError(t, RunInTx(ctx, l, func(tx Tx) error {
			var err error
			id, err = tx.InsertRecord(ctx, NewRecord{
				NIP05: "Alice@Example.com", Npub: "npub1alice", PubkeyHex: hexA,
				PaymentHash: strPtr("hash-1"), Now: now,
			})
			return err
		}))
		require.Positive(t, id)

		require.NoError(t, RunInTx(ctx, l, func(tx Tx) error {
			r, err := tx.GetPendingRecord(ctx, "ALICE@example.com")
			require.NoError(t, err)
			require.Equal(t, id, r.ID)
			require.Equal(t, "alice@example.com", r.NIP05)
			require.Equal(t, hexA, r.PubkeyHex)
			require.NotNil(t, r.PaymentHash)
			require.Equal(t, "hash-1", *r.PaymentHash)
			require.False(t, r.PaymentCompleted)
			require.True(t, r.RegistrationDate.Equal(now))

			byHash, err := tx.GetByPaymentHash(ctx, "hash-1")
			require.NoError(t, err)
			require.Equal(t, id, byHash.ID)

			done, err := tx.CompletedExists(ctx, "alice@example.com")
			require.NoError(t, err)
			require.False(t, done)
			return nil
		}))
	})

	t.Run("mark payment completed", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, RunInTx(ctx, l, func(tx Tx) error {
			_, err := tx.InsertRecord(ctx, NewRecord{NIP05: "bob@example.com", Npub: "npub1bob", PubkeyHex: hexB, PaymentHash: strPtr("hash-2"), Now: now})
			return err
		}))
		require.NoError(t, RunInTx(ctx, l, func(tx Tx) error {
			ok, err := tx.MarkPaymentCompleted(ctx, "hash-2", now)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = tx.MarkPaymentCompleted(ctx, "no-such-hash", now)
			require.NoError(t, err)
			require.False(t, ok)
			return nil
		}))
		require.NoError(t, RunInTx(ctx, l, func(tx Tx) error {
			done, err := tx.CompletedExists(ctx, "BOB@example.com")
			require.NoError(t, err)
			require.True(t, done)

			_, err = tx.GetPendingRecord(ctx, "bob@example.com")
			require.True(t, identity.IsNotFound(err))

			r, err := tx.GetByPaymentHash(ctx, "hash-2")
			require.NoError(t, err)
			require.True(t, r.PaymentCompleted)
			require.True(t, r.InNameFile)
			return nil
		}))
	})

	t.Run("duplicates conflict", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, RunInTx(ctx, l, func(tx Tx) error {
			_, err := tx.InsertRecord(ctx, NewRecord{NIP05: "carol@example.com", Npub: "n", PubkeyHex: hexA, PaymentHash: strPtr("hash-3"), Now: now})
			return err
		}))

		tx, err := l.Begin(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()

		_, err = tx.InsertRecord(ctx, NewRecord{NIP05: "CAROL@example.com", Npub: "n", PubkeyHex: hexB, Now: now})
		require.True(t, identity.IsConflict(err), "got %v", err)

		_, err = tx.InsertRecord(ctx, NewRecord{NIP05: "dave@example.com", Npub: "n", PubkeyHex: hexB, PaymentHash: strPtr("hash-3"), Now: now})
		var ce identity.ConflictError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, "payment_hash", ce.Field)

		// The transaction stays usable after a conflict.
		_, err = tx.InsertRecord(ctx, NewRecord{NIP05: "erin@example.com", Npub: "n", PubkeyHex: hexB, Now: now})
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
	})

	t.Run("rollback discards changes", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()

		tx, err := l.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.InsertRecord(ctx, NewRecord{NIP05: "frank@example.com", Npub: "n", PubkeyHex: hexA, PaymentHash: strPtr("hash-4"), Now: time.Now()})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))
		require.ErrorIs(t, tx.Commit(ctx), ErrTxDone)

		require.NoError(t, RunInTx(ctx, l, func(tx Tx) error {
			_, err := tx.GetByPaymentHash(ctx, "hash-4")
			require.True(t, identity.IsNotFound(err))
			return nil
		}))
	})

	t.Run("update, flag, delete, list", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()
		now := time.Now().UTC()

		var ids []int64
		require.NoError(t, RunInTx(ctx, l, func(tx Tx) error {
			for _, n := range []string{"g1@example.com", "g2@example.com", "g3@example.com"} {
				id, err := tx.InsertRecord(ctx, NewRecord{NIP05: n, Npub: "n", PubkeyHex: hexA, PaymentCompleted: true, AdminOnly: true, InNameFile: true, Now: now})
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return nil
		}))

		require.NoError(t, RunInTx(ctx, l, func(tx Tx) error {
			ok, err := tx.UpdatePubkey(ctx, "G1@example.com", "npub1new", hexB, now)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = tx.SetInNameFile(ctx, "g2@example.com", false, now)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = tx.DeleteByIdentifier(ctx, "G3@EXAMPLE.COM")
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = tx.DeleteRecord(ctx, 999_999)
			require.NoError(t, err)
			require.False(t, ok)
			return nil
		}))

		require.NoError(t, RunInTx(ctx, l, func(tx Tx) error {
			page, total, err := tx.ListRecords(ctx, 1, 0)
			require.NoError(t, err)
			require.Equal(t, 2, total)
			require.Len(t, page, 1)
			require.Equal(t, ids[1], page[0].ID, "newest first")
			require.False(t, page[0].InNameFile)

			page, _, err = tx.ListRecords(ctx, 10, 1)
			require.NoError(t, err)
			require.Len(t, page, 1)
			require.Equal(t, hexB, page[0].PubkeyHex)
			require.Equal(t, "npub1new", page[0].Npub)

			page, _, err = tx.ListRecords(ctx, 10, 10)
			require.NoError(t, err)
			require.Empty(t, page)
			return nil
		}))
	})

	t.Run("migrate is idempotent", func(t *testing.T) {
		l := open(t)
		require.NoError(t, l.Migrate(context.Background()))
		require.NoError(t, l.Migrate(context.Background()))
		require.NoError(t, l.Ping(context.Background()))
	})

	t.Run("concurrent transactions serialize", func(t *testing.T) {
		l := open(t)
		ctx := context.Background()

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := RunInTx(ctx, l, func(tx Tx) error {
					_, err := tx.InsertRecord(ctx, NewRecord{NIP05: "race@example.com", Npub: "n", PubkeyHex: hexA, Now: time.Now()})
					return err
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case identity.IsConflict(err):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, successes)
		require.Equal(t, 7, conflicts)
	})
}
