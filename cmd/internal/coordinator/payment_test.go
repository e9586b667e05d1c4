package coordinator

import (
	"context"
	"path/filepath"
	"testing"

	"nostrid/cmd/identity"
	"nostrid/cmd/internal/ledger"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestConfirmPayment_HappyPathThenIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	out, err := f.c.CreatePending(ctx, "alice", keyA, "example.com", "hash-alice")
	require.NoError(t, err)
	require.Equal(t, OutcomePending, out)
	require.Empty(t, f.fileNames(t, "example.com"), "pending claims are not published")

	available, err := f.c.CheckAvailable(ctx, "alice", "example.com")
	require.NoError(t, err)
	require.True(t, available, "an unpaid claim does not make a name unavailable")

	out, err = f.c.RegisterWithPaymentConfirmation(ctx, "alice", keyA, "example.com", "hash-alice")
	require.NoError(t, err)
	require.Equal(t, OutcomeRegistered, out)
	require.Equal(t, map[string]string{"alice": keyA}, f.fileNames(t, "example.com"))

	rec := f.record(t, "hash-alice")
	require.True(t, rec.PaymentCompleted)
	require.True(t, rec.InNameFile)
	require.False(t, rec.AdminOnly)

	out, err = f.c.RegisterWithPaymentConfirmation(ctx, "alice", keyA, "example.com", "hash-alice")
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyConfirmed, out)
}

func TestConfirmPayment_HijackGuard(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.CreatePending(ctx, "bob", keyB, "example.com", "hash-bob")
	require.NoError(t, err)

	_, err = f.c.RegisterWithPaymentConfirmation(ctx, "mallory", keyC, "example.com", "hash-bob")
	require.True(t, identity.IsInvalidInput(err), "got %v", err)

	_, err = f.c.RegisterWithPaymentConfirmation(ctx, "bob", keyB, "example.org", "hash-bob")
	require.True(t, identity.IsInvalidInput(err), "same username on another domain is a different identifier")

	require.Empty(t, f.fileNames(t, "example.com"))
	require.False(t, f.record(t, "hash-bob").PaymentCompleted)
}

func TestConfirmPayment_UnknownHash(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.c.RegisterWithPaymentConfirmation(context.Background(), "carol", keyC, "example.com", "nope")
	require.True(t, identity.IsNotFound(err))

	_, err = f.c.RegisterWithPaymentConfirmation(context.Background(), "carol", keyC, "example.com", "  ")
	require.True(t, identity.IsInvalidInput(err))
}

func TestConfirmPayment_NameTakenMeanwhile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.CreatePending(ctx, "dave", keyA, "example.com", "hash-dave")
	require.NoError(t, err)

	// An admin registers the same name (different case) before the payment lands.
	out, err := f.c.Register(ctx, "DAVE", keyB, "example.com")
	require.NoError(t, err)
	require.Equal(t, OutcomeRegistered, out)

	_, err = f.c.RegisterWithPaymentConfirmation(ctx, "dave", keyA, "example.com", "hash-dave")
	require.True(t, identity.IsNotFound(err), "the admin registration replaced the unpaid claim")
	require.Equal(t, map[string]string{"DAVE": keyB}, f.fileNames(t, "example.com"))
}

func TestConfirmPayment_UpdatesKeyToConfirmedOne(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.CreatePending(ctx, "erin", keyA, "example.com", "hash-erin")
	require.NoError(t, err)
	_, err = f.c.RegisterWithPaymentConfirmation(ctx, "erin", keyB, "example.com", "hash-erin")
	require.NoError(t, err)

	require.Equal(t, map[string]string{"erin": keyB}, f.fileNames(t, "example.com"))
	require.Equal(t, keyB, f.record(t, "hash-erin").PubkeyHex, "ledger and file agree on the key")
}

// A failed file write must leave the ledger row unpaid and the file unchanged,
// checked against a real transactional store.
func TestConfirmPayment_FileWriteFailureRollsBackLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, err := ledger.OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.Migrate(ctx))

	mem := afero.NewMemMapFs()
	good := newFixtureOn(t, mem, mem, l)
	_, err = good.c.Register(ctx, "existing", keyC, "example.com")
	require.NoError(t, err)
	_, err = good.c.CreatePending(ctx, "frank", keyA, "example.com", "hash-frank")
	require.NoError(t, err)

	broken := newFixtureOn(t, mem, renameFailFs{mem}, l)
	_, err = broken.c.RegisterWithPaymentConfirmation(ctx, "frank", keyA, "example.com", "hash-frank")
	require.Error(t, err)
	require.True(t, identity.IsStorage(err))

	rec := good.record(t, "hash-frank")
	require.False(t, rec.PaymentCompleted)
	require.False(t, rec.InNameFile)
	require.Equal(t, map[string]string{"existing": keyC}, good.fileNames(t, "example.com"))

	// Once storage recovers the same confirmation goes through.
	out, err := good.c.RegisterWithPaymentConfirmation(ctx, "frank", keyA, "example.com", "hash-frank")
	require.NoError(t, err)
	require.Equal(t, OutcomeRegistered, out)
	require.True(t, good.record(t, "hash-frank").PaymentCompleted)
}

func TestPending_Lifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	out, err := f.c.CreatePending(ctx, "gina", keyA, "example.com", "hash-1")
	require.NoError(t, err)
	require.Equal(t, OutcomePending, out)

	out, err = f.c.CreatePending(ctx, "gina", keyA, "example.com", "hash-1")
	require.NoError(t, err)
	require.Equal(t, OutcomePending, out, "same hash is a no-op")

	out, err = f.c.CreatePending(ctx, "GINA", keyA, "example.com", "hash-2")
	require.NoError(t, err)
	require.Equal(t, OutcomePending, out)

	_, err = f.c.RegisterWithPaymentConfirmation(ctx, "gina", keyA, "example.com", "hash-1")
	require.True(t, identity.IsNotFound(err), "the expired invoice was replaced")

	_, err = f.c.CreatePending(ctx, "hank", keyB, "example.com", "hash-2")
	require.True(t, identity.IsConflict(err), "a payment hash belongs to one claim")

	cancelled, err := f.c.CancelPending(ctx, "gina", "example.com")
	require.NoError(t, err)
	require.True(t, cancelled)

	cancelled, err = f.c.CancelPending(ctx, "gina", "example.com")
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestPending_DeniedWhenTaken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.Register(ctx, "ivy", keyA, "example.com")
	require.NoError(t, err)

	out, err := f.c.CreatePending(ctx, "Ivy", keyB, "example.com", "hash-ivy")
	require.NoError(t, err)
	require.Equal(t, OutcomeTaken, out)

	_, total, err := f.c.ListRecords(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestCancelPending_LeavesPaidRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.CreatePending(ctx, "jack", keyA, "example.com", "hash-jack")
	require.NoError(t, err)
	_, err = f.c.RegisterWithPaymentConfirmation(ctx, "jack", keyA, "example.com", "hash-jack")
	require.NoError(t, err)

	cancelled, err := f.c.CancelPending(ctx, "jack", "example.com")
	require.NoError(t, err)
	require.False(t, cancelled)
	require.True(t, f.record(t, "hash-jack").PaymentCompleted)
}
