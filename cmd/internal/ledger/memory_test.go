package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_Conformance(t *testing.T) {
	runConformance(t, func(t *testing.T) Ledger {
		return NewMemoryLedger()
	})
}

func TestMemoryLedger_BeginHonorsContext(t *testing.T) {
	t.Parallel()

	l := NewMemoryLedger()
	tx, err := l.Begin(context.Background())
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Begin(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryLedger_ClosedIsUnavailable(t *testing.T) {
	t.Parallel()

	l := NewMemoryLedger()
	require.NoError(t, l.Close())
	_, err := l.Begin(context.Background())
	require.Error(t, err)
	require.Error(t, l.Ping(context.Background()))
}
