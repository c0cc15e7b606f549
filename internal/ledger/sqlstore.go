package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"freightline/internal/db"
)

type txKey struct{}

// WithTx attaches the unit of work's transaction to ctx so collaborators
// writing to the same database (the event journal) join it.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction of the enclosing unit of work.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// SQLStore keeps ledger entries in the ledger_entries table.
type SQLStore struct {
	DB     *sql.DB
	Driver db.Driver
	Now    func() uint64
}

func NewSQLStore(conn *sql.DB, driver db.Driver, now func() uint64) *SQLStore {
	if driver == "" {
		driver = db.DriverSQLite
	}
	return &SQLStore{DB: conn, Driver: driver, Now: now}
}

func (s *SQLStore) txOptions(readOnly bool) *sql.TxOptions {
	if s.Driver == db.DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: readOnly}
	}
	// sqlite rejects ReadOnly on a read-write connection pool
	return nil
}

func (s *SQLStore) Update(ctx context.Context, fn func(ctx context.Context, kv KV) error) error {
	tx, err := s.DB.BeginTx(ctx, s.txOptions(false))
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(WithTx(ctx, tx), &sqlTx{store: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (s *SQLStore) View(ctx context.Context, fn func(ctx context.Context, kv KV) error) error {
	tx, err := s.DB.BeginTx(ctx, s.txOptions(true))
	if err != nil {
		return fmt.Errorf("begin ledger view: %w", err)
	}
	defer tx.Rollback()
	return fn(ctx, &sqlTx{store: s, tx: tx, readOnly: true})
}

func (s *SQLStore) Close() error { return s.DB.Close() }

// LiveUntil returns the retention mark of key.
func (s *SQLStore) LiveUntil(ctx context.Context, key string) (uint64, error) {
	var v int64
	err := s.DB.QueryRowContext(ctx, db.Rebind(s.Driver, `SELECT live_until FROM ledger_entries WHERE key=?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return uint64(v), err
}

func (s *SQLStore) now() uint64 {
	if s.Now != nil {
		return s.Now()
	}
	return 0
}

type sqlTx struct {
	store    *SQLStore
	tx       *sql.Tx
	readOnly bool
}

func (t *sqlTx) q(query string) string { return db.Rebind(t.store.Driver, query) }

func (t *sqlTx) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(ctx, t.q(`SELECT value FROM ledger_entries WHERE key=?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (t *sqlTx) Set(ctx context.Context, key string, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, t.q(`INSERT INTO ledger_entries(key,value,live_until) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`), key, value, int64(t.store.now()))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (t *sqlTx) ExtendTTL(ctx context.Context, key string, minRemaining, extendTo uint32) error {
	if t.readOnly {
		return errReadOnly
	}
	var liveUntil int64
	err := t.tx.QueryRowContext(ctx, t.q(`SELECT live_until FROM ledger_entries WHERE key=?`), key).Scan(&liveUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read ttl %s: %w", key, err)
	}
	next := extendedLiveUntil(uint64(liveUntil), t.store.now(), minRemaining, extendTo)
	if next == uint64(liveUntil) {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, t.q(`UPDATE ledger_entries SET live_until=? WHERE key=?`), int64(next), key); err != nil {
		return fmt.Errorf("extend ttl %s: %w", key, err)
	}
	return nil
}
