package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"nostrid/cmd/identity"
)

// MemoryLedger keeps records in process memory. Transactions are serialized:
// Begin blocks until the previous transaction finishes, and a transaction
// works on a private copy that Commit publishes.
//
// Not durable. Intended for development and tests.
type MemoryLedger struct {
	sem chan struct{}

	mu      sync.Mutex
	records map[int64]Record
	nextID  int64
	closed  bool
}

// NewMemoryLedger constructs an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		sem:     make(chan struct{}, 1),
		records: map[int64]Record{},
		nextID:  1,
	}
}

func (m *MemoryLedger) Begin(ctx context.Context) (Tx, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		<-m.sem
		return nil, identity.Unavailable("ledger.memory.Begin", errLedgerClosed)
	}
	snap := make(map[int64]Record, len(m.records))
	for id, r := range m.records {
		snap[id] = cloneRecord(r)
	}
	return &memoryTx{l: m, records: snap, nextID: m.nextID}, nil
}

func (m *MemoryLedger) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errLedgerClosed
	}
	return nil
}

func (m *MemoryLedger) Migrate(context.Context) error { return nil }

func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryTx struct {
	l       *MemoryLedger
	records map[int64]Record
	nextID  int64
	done    bool
}

func (t *memoryTx) finish() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	<-t.l.sem
	return nil
}

func (t *memoryTx) Commit(context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.l.mu.Lock()
	t.l.records = t.records
	t.l.nextID = t.nextID
	t.l.mu.Unlock()
	return t.finish()
}

func (t *memoryTx) Rollback(context.Context) error {
	return t.finish()
}

func (t *memoryTx) find(match func(Record) bool) (Record, bool) {
	for _, r := range t.records {
		if match(r) {
			return r, true
		}
	}
	return Record{}, false
}

func (t *memoryTx) GetPendingRecord(_ context.Context, nip05 string) (Record, error) {
	if t.done {
		return Record{}, ErrTxDone
	}
	key := normalizeNIP05(nip05)
	r, ok := t.find(func(r Record) bool { return r.NIP05 == key && !r.PaymentCompleted })
	if !ok {
		return Record{}, identity.NotFoundError{Op: "ledger.GetPendingRecord", Resource: "record"}
	}
	return cloneRecord(r), nil
}

func (t *memoryTx) GetByPaymentHash(_ context.Context, paymentHash string) (Record, error) {
	if t.done {
		return Record{}, ErrTxDone
	}
	r, ok := t.find(func(r Record) bool { return r.PaymentHash != nil && *r.PaymentHash == paymentHash })
	if !ok {
		return Record{}, identity.NotFoundError{Op: "ledger.GetByPaymentHash", Resource: "record"}
	}
	return cloneRecord(r), nil
}

func (t *memoryTx) CompletedExists(_ context.Context, nip05 string) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	key := normalizeNIP05(nip05)
	_, ok := t.find(func(r Record) bool { return r.NIP05 == key && r.PaymentCompleted })
	return ok, nil
}

func (t *memoryTx) MarkPaymentCompleted(_ context.Context, paymentHash string, now time.Time) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	r, ok := t.find(func(r Record) bool { return r.PaymentHash != nil && *r.PaymentHash == paymentHash })
	if !ok {
		return false, nil
	}
	r.PaymentCompleted = true
	r.InNameFile = true
	r.UpdatedAt = now.UTC()
	t.records[r.ID] = r
	return true, nil
}

func (t *memoryTx) InsertRecord(_ context.Context, in NewRecord) (int64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	const op = "ledger.InsertRecord"
	key := normalizeNIP05(in.NIP05)
	if key == "" {
		return 0, identity.Invalid(op, "nip05 is required")
	}
	for _, r := range t.records {
		if r.NIP05 == key {
			return 0, identity.ConflictError{Op: op, Field: "nip05"}
		}
		if in.PaymentHash != nil && r.PaymentHash != nil && *r.PaymentHash == *in.PaymentHash {
			return 0, identity.ConflictError{Op: op, Field: "payment_hash"}
		}
	}
	now := in.Now.UTC()
	id := t.nextID
	t.nextID++
	t.records[id] = Record{
		ID:               id,
		NIP05:            key,
		Npub:             in.Npub,
		PubkeyHex:        in.PubkeyHex,
		PaymentHash:      clonePtr(in.PaymentHash),
		PaymentCompleted: in.PaymentCompleted,
		AdminOnly:        in.AdminOnly,
		InNameFile:       in.InNameFile,
		RegistrationDate: now,
		UpdatedAt:        now,
	}
	return id, nil
}

func (t *memoryTx) DeleteRecord(_ context.Context, id int64) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	if _, ok := t.records[id]; !ok {
		return false, nil
	}
	delete(t.records, id)
	return true, nil
}

func (t *memoryTx) DeleteByIdentifier(_ context.Context, nip05 string) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	key := normalizeNIP05(nip05)
	r, ok := t.find(func(r Record) bool { return r.NIP05 == key })
	if !ok {
		return false, nil
	}
	delete(t.records, r.ID)
	return true, nil
}

func (t *memoryTx) SetInNameFile(_ context.Context, nip05 string, in bool, now time.Time) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	key := normalizeNIP05(nip05)
	r, ok := t.find(func(r Record) bool { return r.NIP05 == key })
	if !ok {
		return false, nil
	}
	r.InNameFile = in
	r.UpdatedAt = now.UTC()
	t.records[r.ID] = r
	return true, nil
}

func (t *memoryTx) UpdatePubkey(_ context.Context, nip05, npub, pubkeyHex string, now time.Time) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	key := normalizeNIP05(nip05)
	r, ok := t.find(func(r Record) bool { return r.NIP05 == key })
	if !ok {
		return false, nil
	}
	r.Npub = npub
	r.PubkeyHex = pubkeyHex
	r.UpdatedAt = now.UTC()
	t.records[r.ID] = r
	return true, nil
}

func (t *memoryTx) ListRecords(_ context.Context, limit, offset int) ([]Record, int, error) {
	if t.done {
		return nil, 0, ErrTxDone
	}
	limit, offset = clampPage(limit, offset)
	all := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		all = append(all, cloneRecord(r))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset >= total {
		return []Record{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func normalizeNIP05(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func cloneRecord(r Record) Record {
	r.PaymentHash = clonePtr(r.PaymentHash)
	return r
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	s := *p
	return &s
}
