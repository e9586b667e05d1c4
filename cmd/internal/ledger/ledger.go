// Package ledger is the transactional registration ledger: one row per
// NIP-05 identifier, recording who owns it and whether it was paid for.
//
// The coordinator owns transaction boundaries. Every operation runs inside a
// Tx and nothing is visible to other transactions until Commit.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("ledger: transaction already committed or rolled back")

// Record is one ledger row. NIP05 is stored lower-cased.
type Record struct {
	ID               int64
	NIP05            string
	Npub             string
	PubkeyHex        string
	PaymentHash      *string
	PaymentCompleted bool
	AdminOnly        bool
	InNameFile       bool
	RegistrationDate time.Time
	UpdatedAt        time.Time
}

// NewRecord is a normalized insert payload.
type NewRecord struct {
	NIP05            string
	Npub             string
	PubkeyHex        string
	PaymentHash      *string
	PaymentCompleted bool
	AdminOnly        bool
	InNameFile       bool
	Now              time.Time
}

//go:generate mockgen -source=ledger.go -destination=ledgermock/mock_ledger.go -package=ledgermock

// Ledger opens transactions against a backing store.
type Ledger interface {
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	// Migrate brings the schema to the latest version. It is idempotent.
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is one ledger transaction. Lookups by identifier are case-insensitive.
type Tx interface {
	// GetPendingRecord returns the unpaid record for nip05 or a NotFoundError.
	GetPendingRecord(ctx context.Context, nip05 string) (Record, error)
	// GetByPaymentHash returns the record holding paymentHash or a NotFoundError.
	GetByPaymentHash(ctx context.Context, paymentHash string) (Record, error)
	// CompletedExists reports whether a paid or admin record exists for nip05.
	CompletedExists(ctx context.Context, nip05 string) (bool, error)
	// MarkPaymentCompleted flags the record as paid and published. It reports
	// whether a row matched.
	MarkPaymentCompleted(ctx context.Context, paymentHash string, now time.Time) (bool, error)
	// InsertRecord returns the new row id, or a ConflictError on a duplicate
	// identifier or payment hash.
	InsertRecord(ctx context.Context, in NewRecord) (int64, error)
	DeleteRecord(ctx context.Context, id int64) (bool, error)
	DeleteByIdentifier(ctx context.Context, nip05 string) (bool, error)
	SetInNameFile(ctx context.Context, nip05 string, in bool, now time.Time) (bool, error)
	UpdatePubkey(ctx context.Context, nip05, npub, pubkeyHex string, now time.Time) (bool, error)
	// ListRecords returns a page ordered newest first, plus the total row count.
	ListRecords(ctx context.Context, limit, offset int) ([]Record, int, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RunInTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func RunInTx(ctx context.Context, l Ledger, fn func(tx Tx) error) (err error) {
	tx, err := l.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 12
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
