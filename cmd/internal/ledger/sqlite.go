package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nostrid/cmd/identity"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const recordColumns = `id, nip05, npub, pubkey_hex, payment_hash, payment_completed, admin_only, in_nostr_json, registration_date, updated_at`

// SQLiteLedger persists records in a single SQLite file.
type SQLiteLedger struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path. Write
// transactions take the database lock at BEGIN so concurrent writers queue on
// busy_timeout instead of failing at commit.
func OpenSQLite(ctx context.Context, path string, log *slog.Logger) (*SQLiteLedger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, identity.Invalid("ledger.OpenSQLite", "path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(full)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, identity.Unavailable("ledger.OpenSQLite", err)
	}
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db, log: log}
	if err := l.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, identity.Unavailable("ledger.OpenSQLite", err)
	}
	return l, nil
}

func (l *SQLiteLedger) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return l.db.PingContext(ctx)
}

func (l *SQLiteLedger) Close() error { return l.db.Close() }

func (l *SQLiteLedger) Begin(ctx context.Context) (Tx, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, identity.Unavailable("ledger.sqlite.Begin", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// Migrate applies pending embedded migrations, one transaction each.
func (l *SQLiteLedger) Migrate(ctx context.Context) error {
	const op = "ledger.sqlite.Migrate"

	all, err := Migrations("sqlite")
	if err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return identity.Storage(op, err)
	}

	current, err := l.schemaVersion(ctx, l.db)
	if err != nil {
		return identity.Storage(op, err)
	}
	for _, m := range pendingMigrations(all, current) {
		if err := l.apply(ctx, m); err != nil {
			l.log.Error("ledger.migrate.failed", "dialect", "sqlite", "version", m.Version, "name", m.Name, "err", err)
			return identity.Storage(op, fmt.Errorf("migration %d_%s: %w", m.Version, m.Name, err))
		}
		l.log.Info("ledger.migrate.applied", "dialect", "sqlite", "version", m.Version, "name", m.Name)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *SQLiteLedger) schemaVersion(ctx context.Context, q queryRower) (int, error) {
	var v int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}

func (l *SQLiteLedger) apply(ctx context.Context, m Migration) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Another process may have applied it since we looked.
	current, err := l.schemaVersion(ctx, tx)
	if err != nil {
		return err
	}
	if current >= m.Version {
		return nil
	}
	for _, stmt := range splitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
		m.Version, time.Now().Unix(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

func (t *sqliteTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		r       Record
		hash    sql.NullString
		regUnix int64
		updUnix int64
	)
	if err := row.Scan(
		&r.ID,
		&r.NIP05,
		&r.Npub,
		&r.PubkeyHex,
		&hash,
		&r.PaymentCompleted,
		&r.AdminOnly,
		&r.InNameFile,
		&regUnix,
		&updUnix,
	); err != nil {
		return Record{}, err
	}
	if hash.Valid {
		h := hash.String
		r.PaymentHash = &h
	}
	r.RegistrationDate = time.Unix(regUnix, 0).UTC()
	r.UpdatedAt = time.Unix(updUnix, 0).UTC()
	return r, nil
}

func (t *sqliteTx) getOne(ctx context.Context, op, where string, arg any) (Record, error) {
	r, err := scanSQLiteRecord(t.tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, identity.NotFoundError{Op: op, Resource: "record"}
		}
		return Record{}, err
	}
	return r, nil
}

func (t *sqliteTx) GetPendingRecord(ctx context.Context, nip05 string) (Record, error) {
	return t.getOne(ctx, "ledger.GetPendingRecord", `nip05 = ? AND payment_completed = 0`, normalizeNIP05(nip05))
}

func (t *sqliteTx) GetByPaymentHash(ctx context.Context, paymentHash string) (Record, error) {
	return t.getOne(ctx, "ledger.GetByPaymentHash", `payment_hash = ?`, paymentHash)
}

func (t *sqliteTx) CompletedExists(ctx context.Context, nip05 string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE nip05 = ? AND payment_completed = 1`,
		normalizeNIP05(nip05),
	).Scan(&n)
	return n > 0, err
}

func (t *sqliteTx) MarkPaymentCompleted(ctx context.Context, paymentHash string, now time.Time) (bool, error) {
	return t.exec(ctx,
		`UPDATE records SET payment_completed = 1, in_nostr_json = 1, updated_at = ? WHERE payment_hash = ?`,
		now.Unix(), paymentHash)
}

func (t *sqliteTx) InsertRecord(ctx context.Context, in NewRecord) (int64, error) {
	const op = "ledger.InsertRecord"

	key := normalizeNIP05(in.NIP05)
	if key == "" {
		return 0, identity.Invalid(op, "nip05 is required")
	}
	ts := in.Now.Unix()
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO records (
		     nip05, npub, pubkey_hex, payment_hash, payment_completed, admin_only, registration_date, updated_at, in_nostr_json
		   ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, in.Npub, in.PubkeyHex, in.PaymentHash,
		in.PaymentCompleted, in.AdminOnly, ts, ts, in.InNameFile,
	)
	if err != nil {
		if field, ok := sqliteUniqueViolation(err); ok {
			return 0, identity.ConflictError{Op: op, Field: field}
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (t *sqliteTx) DeleteRecord(ctx context.Context, id int64) (bool, error) {
	return t.exec(ctx, `DELETE FROM records WHERE id = ?`, id)
}

func (t *sqliteTx) DeleteByIdentifier(ctx context.Context, nip05 string) (bool, error) {
	return t.exec(ctx, `DELETE FROM records WHERE nip05 = ?`, normalizeNIP05(nip05))
}

func (t *sqliteTx) SetInNameFile(ctx context.Context, nip05 string, in bool, now time.Time) (bool, error) {
	return t.exec(ctx,
		`UPDATE records SET in_nostr_json = ?, updated_at = ? WHERE nip05 = ?`,
		in, now.Unix(), normalizeNIP05(nip05))
}

func (t *sqliteTx) UpdatePubkey(ctx context.Context, nip05, npub, pubkeyHex string, now time.Time) (bool, error) {
	return t.exec(ctx,
		`UPDATE records SET npub = ?, pubkey_hex = ?, updated_at = ? WHERE nip05 = ?`,
		npub, pubkeyHex, now.Unix(), normalizeNIP05(nip05))
}

func (t *sqliteTx) ListRecords(ctx context.Context, limit, offset int) ([]Record, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (t *sqliteTx) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func sqliteUniqueViolation(err error) (field string, ok bool) {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return "", false
	}
	if serr.ExtendedCode() != sqlite3.CONSTRAINT_UNIQUE {
		return "", false
	}
	if strings.Contains(serr.Error(), "payment_hash") {
		return "payment_hash", true
	}
	return "nip05", true
}
