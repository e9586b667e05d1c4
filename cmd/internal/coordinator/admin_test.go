package coordinator

import (
	"context"
	"testing"

	"nostrid/cmd/identity"
	"nostrid/cmd/internal/ledger"
	"nostrid/cmd/internal/names"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestUpdatePubkey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.Register(ctx, "Alice", keyA, "example.com")
	require.NoError(t, err)

	require.NoError(t, f.c.UpdatePubkey(ctx, "alice", keyB, "example.com"))
	require.Equal(t, map[string]string{"Alice": keyB}, f.fileNames(t, "example.com"), "stored case is kept")

	recs, _, err := f.c.ListRecords(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, keyB, recs[0].PubkeyHex)

	err = f.c.UpdatePubkey(ctx, "nobody", keyB, "example.com")
	require.True(t, identity.IsNotFound(err))
}

func TestUpdatePubkey_RowMissingFromFileIsMarkedUnpublished(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.Register(ctx, "alice", keyA, "example.com")
	require.NoError(t, err)
	// The entry disappears from the file behind the coordinator's back.
	require.NoError(t, f.reg.Save("example.com", names.NewDocument()))

	require.NoError(t, f.c.UpdatePubkey(ctx, "alice", keyB, "example.com"))
	require.Empty(t, f.fileNames(t, "example.com"))

	recs, _, err := f.c.ListRecords(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, keyB, recs[0].PubkeyHex)
	require.False(t, recs[0].InNameFile)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.Register(ctx, "bob", keyB, "example.com")
	require.NoError(t, err)
	_, err = f.c.Register(ctx, "carol", keyC, "example.com")
	require.NoError(t, err)

	require.NoError(t, f.c.Remove(ctx, "BOB", "example.com"))
	require.Equal(t, map[string]string{"carol": keyC}, f.fileNames(t, "example.com"))

	available, err := f.c.CheckAvailable(ctx, "bob", "example.com")
	require.NoError(t, err)
	require.True(t, available)

	err = f.c.Remove(ctx, "bob", "example.com")
	require.True(t, identity.IsNotFound(err))
}

// Registry files and the ledger agree after any sequence of operations:
// a name is in a domain's file exactly when a published record exists.
func TestCoordinator_FileAndLedgerAgree(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		ctx := context.Background()
		users := []string{"amy", "Amy", "ben", "BEN", "cat"}
		domains := []string{"example.com", "example.org"}
		keys := []string{keyA, keyB, keyC}

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			u := rapid.SampledFrom(users).Draw(rt, "user")
			d := rapid.SampledFrom(domains).Draw(rt, "domain")
			k := rapid.SampledFrom(keys).Draw(rt, "key")
			hash := "h-" + identity.NormalizeUsername(u) + "@" + d

			var err error
			switch rapid.IntRange(0, 5).Draw(rt, "op") {
			case 0:
				_, err = f.c.Register(ctx, u, k, d)
			case 1:
				_, err = f.c.CreatePending(ctx, u, k, d, hash)
			case 2:
				_, err = f.c.RegisterWithPaymentConfirmation(ctx, u, k, d, hash)
			case 3:
				_, err = f.c.CancelPending(ctx, u, d)
			case 4:
				err = f.c.Remove(ctx, u, d)
			case 5:
				err = f.c.UpdatePubkey(ctx, u, k, d)
			}
			if err != nil && !identity.IsNotFound(err) && !identity.IsConflict(err) {
				rt.Fatalf("step %d: unexpected error: %v", i, err)
			}
		}

		recs, _, err := f.c.ListRecords(ctx, 500, 0)
		if err != nil {
			rt.Fatalf("list: %v", err)
		}
		published := map[string]ledger.Record{}
		for _, r := range recs {
			if r.InNameFile {
				published[r.NIP05] = r
			}
		}
		seen := 0
		for _, d := range domains {
			for name, key := range f.fileNames(t, d) {
				id := identity.NewIdentifier(name, d)
				r, ok := published[id.Key()]
				if !ok {
					rt.Fatalf("%s is in the file but has no published record", id)
				}
				if r.PubkeyHex != key {
					rt.Fatalf("%s: file key %s, ledger key %s", id, key, r.PubkeyHex)
				}
				seen++
			}
		}
		if seen != len(published) {
			rt.Fatalf("%d published records but %d file entries", len(published), seen)
		}
	})
}
