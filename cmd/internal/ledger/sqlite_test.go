package ledger

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) Ledger {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.Migrate(ctx))
	return l
}

func TestSQLiteLedger_Conformance(t *testing.T) {
	runConformance(t, openTestSQLite)
}

func TestSQLiteLedger_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	l, err := OpenSQLite(ctx, path, log)
	require.NoError(t, err)
	require.NoError(t, l.Migrate(ctx))
	require.NoError(t, RunInTx(ctx, l, func(tx Tx) error {
		_, err := tx.InsertRecord(ctx, NewRecord{NIP05: "alice@example.com", Npub: "n", PubkeyHex: hexA, PaymentCompleted: true, Now: time.Now()})
		return err
	}))
	require.NoError(t, l.Close())

	l2, err := OpenSQLite(ctx, path, log)
	require.NoError(t, err)
	defer l2.Close()
	require.NoError(t, l2.Migrate(ctx))
	require.NoError(t, RunInTx(ctx, l2, func(tx Tx) error {
		ok, err := tx.CompletedExists(ctx, "alice@example.com")
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	}))
}
