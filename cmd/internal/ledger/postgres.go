package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"nostrid/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// PostgresLedger persists records in PostgreSQL. The pool is owned by the caller.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger
}

// PostgresOption configures PostgresLedger.
type PostgresOption func(*PostgresLedger) error

// WithSchema sets the DB schema used by the ledger (default: "nostrid").
func WithSchema(schema string) PostgresOption {
	return func(l *PostgresLedger) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return identity.Invalid("ledger.WithSchema", "invalid schema name")
		}
		l.schema = schema
		return nil
	}
}

// WithLogger sets the ledger logger.
func WithLogger(log *slog.Logger) PostgresOption {
	return func(l *PostgresLedger) error {
		if log != nil {
			l.log = log
		}
		return nil
	}
}

// NewPostgresLedger constructs a PostgresLedger.
func NewPostgresLedger(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresLedger, error) {
	l := &PostgresLedger{pool: pool, schema: "nostrid", log: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.pool == nil {
		return nil, identity.Invalid("ledger.NewPostgresLedger", "pool is required")
	}
	return l, nil
}

func (l *PostgresLedger) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (l *PostgresLedger) Close() error { return nil }

func (l *PostgresLedger) Begin(ctx context.Context) (Tx, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, identity.Unavailable("ledger.postgres.Begin", err)
	}
	return &postgresTx{tx: tx, records: pgIdent(l.schema, "records")}, nil
}

// Migrate applies pending embedded migrations. An advisory lock keyed on the
// schema serializes concurrent migrators.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	const op = "ledger.postgres.Migrate"

	all, err := Migrations("postgres")
	if err != nil {
		return err
	}

	schema := pgx.Identifier{l.schema}.Sanitize()
	versions := pgIdent(l.schema, "schema_version")

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return identity.Unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "nostrid.migrate."+l.schema); err != nil {
		return identity.Storage(op, err)
	}
	if _, err := tx.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
		return identity.Storage(op, err)
	}
	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+versions+` (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return identity.Storage(op, err)
	}

	var current int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM `+versions).Scan(&current); err != nil {
		return identity.Storage(op, err)
	}

	for _, m := range pendingMigrations(all, current) {
		body := strings.ReplaceAll(m.SQL, "{{schema}}", schema)
		for _, stmt := range splitStatements(body) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				l.log.Error("ledger.migrate.failed", "dialect", "postgres", "version", m.Version, "name", m.Name, "err", err)
				return identity.Storage(op, fmt.Errorf("migration %d_%s: %w", m.Version, m.Name, err))
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO `+versions+` (version) VALUES ($1)`, m.Version); err != nil {
			return identity.Storage(op, err)
		}
		l.log.Info("ledger.migrate.applied", "dialect", "postgres", "version", m.Version, "name", m.Name)
	}

	if err := tx.Commit(ctx); err != nil {
		return identity.Storage(op, err)
	}
	return nil
}

type postgresTx struct {
	tx      pgx.Tx
	records string
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

func scanPGRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(
		&r.ID,
		&r.NIP05,
		&r.Npub,
		&r.PubkeyHex,
		&r.PaymentHash,
		&r.PaymentCompleted,
		&r.AdminOnly,
		&r.InNameFile,
		&r.RegistrationDate,
		&r.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	r.RegistrationDate = r.RegistrationDate.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (t *postgresTx) getOne(ctx context.Context, op, where string, arg any) (Record, error) {
	r, err := scanPGRecord(t.tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM `+t.records+` WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, identity.NotFoundError{Op: op, Resource: "record"}
		}
		return Record{}, err
	}
	return r, nil
}

func (t *postgresTx) GetPendingRecord(ctx context.Context, nip05 string) (Record, error) {
	return t.getOne(ctx, "ledger.GetPendingRecord",
		`nip05 = $1 AND NOT payment_completed FOR UPDATE`, normalizeNIP05(nip05))
}

func (t *postgresTx) GetByPaymentHash(ctx context.Context, paymentHash string) (Record, error) {
	return t.getOne(ctx, "ledger.GetByPaymentHash", `payment_hash = $1 FOR UPDATE`, paymentHash)
}

func (t *postgresTx) CompletedExists(ctx context.Context, nip05 string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+t.records+` WHERE nip05 = $1 AND payment_completed)`,
		normalizeNIP05(nip05),
	).Scan(&ok)
	return ok, err
}

func (t *postgresTx) MarkPaymentCompleted(ctx context.Context, paymentHash string, now time.Time) (bool, error) {
	return t.exec(ctx,
		`UPDATE `+t.records+` SET payment_completed = true, in_nostr_json = true, updated_at = $1 WHERE payment_hash = $2`,
		now.UTC(), paymentHash)
}

func (t *postgresTx) InsertRecord(ctx context.Context, in NewRecord) (int64, error) {
	const op = "ledger.InsertRecord"

	key := normalizeNIP05(in.NIP05)
	if key == "" {
		return 0, identity.Invalid(op, "nip05 is required")
	}
	now := in.Now.UTC()

	// A failed statement aborts the whole Postgres transaction; the savepoint
	// keeps a conflict recoverable for the caller.
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return 0, err
	}
	var id int64
	err = sp.QueryRow(ctx,
		`INSERT INTO `+t.records+` (
		     nip05, npub, pubkey_hex, payment_hash, payment_completed, admin_only, registration_date, updated_at, in_nostr_json
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)
		RETURNING id`,
		key, in.Npub, in.PubkeyHex, in.PaymentHash, in.PaymentCompleted, in.AdminOnly, now, in.InNameFile,
	).Scan(&id)
	if err != nil {
		_ = sp.Rollback(ctx)
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return 0, identity.ConflictError{Op: op, Field: field}
		}
		return 0, err
	}
	if err := sp.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *postgresTx) DeleteRecord(ctx context.Context, id int64) (bool, error) {
	return t.exec(ctx, `DELETE FROM `+t.records+` WHERE id = $1`, id)
}

func (t *postgresTx) DeleteByIdentifier(ctx context.Context, nip05 string) (bool, error) {
	return t.exec(ctx, `DELETE FROM `+t.records+` WHERE nip05 = $1`, normalizeNIP05(nip05))
}

func (t *postgresTx) SetInNameFile(ctx context.Context, nip05 string, in bool, now time.Time) (bool, error) {
	return t.exec(ctx,
		`UPDATE `+t.records+` SET in_nostr_json = $1, updated_at = $2 WHERE nip05 = $3`,
		in, now.UTC(), normalizeNIP05(nip05))
}

func (t *postgresTx) UpdatePubkey(ctx context.Context, nip05, npub, pubkeyHex string, now time.Time) (bool, error) {
	return t.exec(ctx,
		`UPDATE `+t.records+` SET npub = $1, pubkey_hex = $2, updated_at = $3 WHERE nip05 = $4`,
		npub, pubkeyHex, now.UTC(), normalizeNIP05(nip05))
}

func (t *postgresTx) ListRecords(ctx context.Context, limit, offset int) ([]Record, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM `+t.records).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+recordColumns+` FROM `+t.records+` ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (t *postgresTx) exec(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}
	switch c := strings.ToLower(pgErr.ConstraintName); {
	case c == "uq_records_payment_hash", strings.Contains(c, "payment_hash"):
		return "payment_hash", true
	default:
		return "nip05", true
	}
}
