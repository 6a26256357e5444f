// Package kv implements the in-process, durable, versioned key/value
// engine that backs every other component (C0), plus the typed façade
// over it (C1, in facade.go). It is backed by SQLite via modernc.org/sqlite
// the same way the teacher's core.Engine opened its session database: WAL
// mode, a busy timeout, and a single schema created on first open.
//
// Every key lives in one flat keyspace ordered lexicographically, which is
// enough to implement the "/"-prefixed range scans the rest of the system
// needs (recent heartbeats, a node's live queries, a table's live queries,
// a live query's pending notifications) without a secondary index.
//
// Transactions are NOT true snapshot-isolated/optimistic in the sense of a
// distributed store: SQLite serializes writers at the engine level, so a
// conflicting PutC/DelC is detected synchronously against the value as of
// the call rather than deferred to Commit. This is a deliberate, documented
// deviation from a literal reading of "conflicts surface at commit" — see
// "Per-operation Cond validation vs. commit-time validation" in DESIGN.md's
// Open Question decisions for the reasoning (bootstrap GC and the registry
// both depend on learning the outcome of each conditional write
// individually, within one transaction, to decide whether to continue,
// skip, or swallow a tie-break loss — deferring every Cond check to Commit
// would force an all-or-nothing abort on any single conflict instead).
// Callers see the same contract either way (PutC/DelC return
// errs.ErrConditionNotMet on disagreement, Commit/Rollback still close the
// transaction), and no conflicting write is ever visible to another
// transaction before Commit runs, so nothing above this package needs to
// know the difference.
package kv

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/surrealdb-lite/liveq/internal/errs"
)

// Store is the open KV engine. It is safe for concurrent use; individual
// Txn values are not (see §5 of SPEC_FULL.md: a transaction is owned by
// exactly one goroutine).
type Store struct {
	db   *sql.DB
	path string

	mu       sync.Mutex
	revision uint64 // monotonic counter, one tick per write and per notification id
}

// Open creates or opens the SQLite-backed KV engine at path. An empty path
// opens an in-memory, single-connection database, handy for tests that
// want a fresh engine per case without touching disk.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	dsn += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	if path == "" {
		// :memory: databases are per-connection; force a single
		// connection so every transaction sees the same data.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping kv store: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init kv schema: %w", err)
	}
	if err := s.loadRevision(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: load revision high-water mark: %v", errs.ErrFatalStorage, err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv_items (
		key      TEXT PRIMARY KEY,
		revision INTEGER NOT NULL,
		value    BLOB NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) loadRevision() error {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(revision) FROM kv_items`).Scan(&max); err != nil {
		return err
	}
	s.mu.Lock()
	if max.Valid && uint64(max.Int64) > s.revision {
		s.revision = uint64(max.Int64)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) nextRevision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision++
	return s.revision
}

// Close shuts the engine down, checkpointing the WAL the way the teacher's
// Engine.Close does.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Item is one stored record.
type Item struct {
	Key      string
	Revision uint64
	Value    []byte
}

// Cond is the expected-version predicate accepted by PutC/DelC.
type Cond struct {
	// MustNotExist requires the key to currently be absent. Used by
	// Register's "no prior expected value" create path.
	MustNotExist bool

	// MustExist requires the key to currently exist (any revision). Used
	// for deletes that don't care which revision, only that something is
	// there to delete.
	MustExist bool

	// ExpectRevision, when MustNotExist and MustExist are both false,
	// requires the stored revision to equal this exact value.
	ExpectRevision uint64
}

// NoCond is the zero Cond: no condition at all, i.e. always succeeds
// regardless of current state (a plain unconditional write/delete).
var NoCond = Cond{}

// Txn is a single KV transaction, uniquely owned by the goroutine that
// created it. It must be moved (passed by pointer), never shared.
type Txn struct {
	store  *Store
	tx     *sql.Tx
	ctx    context.Context
	closed bool

	// locals lets other packages (registry, change-capture) attach
	// per-transaction state without this package depending on them.
	// It is deliberately not synchronized: a Txn belongs to one goroutine.
	locals map[string]interface{}
}

// Begin starts a new transaction.
func (s *Store) Begin(ctx context.Context) (*Txn, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %v", errs.ErrStorage, err)
	}
	return &Txn{store: s, tx: sqlTx, ctx: ctx, locals: make(map[string]interface{})}, nil
}

// Local returns the per-transaction value stored under key, and whether it
// was present.
func (t *Txn) Local(key string) (interface{}, bool) {
	v, ok := t.locals[key]
	return v, ok
}

// SetLocal attaches a per-transaction value under key.
func (t *Txn) SetLocal(key string, value interface{}) {
	t.locals[key] = value
}

// Context returns the context the transaction was begun with.
func (t *Txn) Context() context.Context {
	return t.ctx
}

func (t *Txn) checkOpen() error {
	if t.closed {
		return errs.ErrTransactionClosed
	}
	return nil
}

// Get reads key. ok is false when the key does not exist.
func (t *Txn) Get(key string) (value []byte, revision uint64, ok bool, err error) {
	if err = t.checkOpen(); err != nil {
		return nil, 0, false, err
	}
	row := t.tx.QueryRowContext(t.ctx, `SELECT revision, value FROM kv_items WHERE key = ?`, key)
	err = row.Scan(&revision, &value)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: get %s: %v", errs.ErrStorage, key, err)
	}
	return value, revision, true, nil
}

// Set unconditionally writes key, returning its new revision.
func (t *Txn) Set(key string, value []byte) (uint64, error) {
	return t.PutC(key, value, NoCond)
}

// PutC writes key to value, enforcing cond against the current stored
// state. It returns errs.ErrConditionNotMet (not a hard error) when cond
// disagrees with reality.
func (t *Txn) PutC(key string, value []byte, cond Cond) (uint64, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}

	if cond != NoCond {
		_, rev, exists, err := t.Get(key)
		if err != nil {
			return 0, err
		}
		if cond.MustNotExist && exists {
			return 0, errs.ErrConditionNotMet
		}
		if cond.MustExist && !exists {
			return 0, errs.ErrConditionNotMet
		}
		if !cond.MustNotExist && !cond.MustExist && (!exists || rev != cond.ExpectRevision) {
			return 0, errs.ErrConditionNotMet
		}
	}

	rev := t.store.nextRevision()
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv_items (key, revision, value) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET revision = excluded.revision, value = excluded.value
	`, key, rev, value)
	if err != nil {
		return 0, fmt.Errorf("%w: put %s: %v", errs.ErrStorage, key, err)
	}
	return rev, nil
}

// Del unconditionally deletes key. Deleting an absent key is a no-op.
func (t *Txn) Del(key string) error {
	return t.DelC(key, NoCond)
}

// DelC deletes key, enforcing cond first. Deleting an absent key under
// NoCond is a no-op (idempotent, per P4); deleting an absent key under a
// MustExist/ExpectRevision cond reports ErrConditionNotMet.
func (t *Txn) DelC(key string, cond Cond) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	if cond != NoCond {
		_, rev, exists, err := t.Get(key)
		if err != nil {
			return err
		}
		if cond.MustNotExist && exists {
			return errs.ErrConditionNotMet
		}
		if cond.MustExist && !exists {
			return errs.ErrConditionNotMet
		}
		if !cond.MustNotExist && !cond.MustExist {
			if !exists || rev != cond.ExpectRevision {
				return errs.ErrConditionNotMet
			}
		}
	}

	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv_items WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: del %s: %v", errs.ErrStorage, key, err)
	}
	return nil
}

// Scan returns up to limit items with key >= start and key < end (end
// exclusive; an empty end means "no upper bound"), ordered by key. Callers
// page through a prefix by setting start to the prefix on the first call
// and to the last-seen key + "\x00" on subsequent calls, continuing until
// fewer than limit items come back.
func (t *Txn) Scan(start, end string, limit int) ([]Item, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	var rows *sql.Rows
	var err error
	if end == "" {
		rows, err = t.tx.QueryContext(t.ctx, `
			SELECT key, revision, value FROM kv_items
			WHERE key >= ? ORDER BY key LIMIT ?
		`, start, limit)
	} else {
		rows, err = t.tx.QueryContext(t.ctx, `
			SELECT key, revision, value FROM kv_items
			WHERE key >= ? AND key < ? ORDER BY key LIMIT ?
		`, start, end, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan [%s,%s): %v", errs.ErrStorage, start, end, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Key, &it.Revision, &it.Value); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", errs.ErrStorage, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ScanPrefix is a convenience wrapper around Scan for the common case of
// "every key starting with prefix".
func (t *Txn) ScanPrefix(prefix string, after string, limit int) ([]Item, error) {
	start := prefix
	if after != "" {
		start = after
	}
	return t.Scan(start, PrefixUpperBound(prefix), limit)
}

// PrefixUpperBound returns the smallest key that sorts after every key
// starting with prefix, for use as an exclusive scan bound.
func PrefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	// prefix is all 0xff bytes (or empty): no finite upper bound.
	return ""
}

// Commit finalizes the transaction.
func (t *Txn) Commit() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.closed = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", errs.ErrStorage, err)
	}
	return nil
}

// Rollback aborts the transaction, discarding every write and the change
// buffer any other package stashed in locals.
func (t *Txn) Rollback() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("%w: rollback: %v", errs.ErrStorage, err)
	}
	return nil
}
