// Package kvstore implements the KV-Store Adapter (spec.md §4.2): five
// logically independent key/value stores — core, warm, cold, journal, and
// meta — backed by a single SQLite file opened through the pure-Go
// modernc.org/sqlite driver, following the same WAL pragmas the teacher
// uses to open its own database (pkg/core/store_init.go).
package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tieredmem/tieredmem/pkg/tmerr"
	"github.com/tieredmem/tieredmem/pkg/tmlog"
)

// Store names the five logical stores spec.md §6 requires.
type Store string

const (
	Core    Store = "core"
	Warm    Store = "warm"
	Cold    Store = "cold"
	Journal Store = "journal"
	Meta    Store = "meta"
)

// Entry is a single key/value pair returned by GetAll/ScanChunks/Keys.
type Entry struct {
	Key   string
	Value []byte
}

// Adapter is the asynchronous-in-spirit KV adapter: every method accepts a
// context and may block on I/O, which is the Go rendering of the
// cooperative-task suspension points spec.md §5 describes.
type Adapter struct {
	db     *sql.DB
	logger tmlog.Logger
}

// Open creates or opens the SQLite-backed adapter at path.
func Open(path string, logger tmlog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = tmlog.Nop()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, tmerr.Wrap("kvstore.open", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	a := &Adapter{db: db, logger: logger}

	if err := a.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("kvstore opened", "path", path)
	return a, nil
}

func (a *Adapter) createSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv_entries (
		store TEXT NOT NULL,
		key   TEXT NOT NULL,
		value BLOB NOT NULL,
		seq   INTEGER,
		PRIMARY KEY (store, key)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_entries_store ON kv_entries(store);
	CREATE INDEX IF NOT EXISTS idx_kv_entries_store_seq ON kv_entries(store, seq);
	`
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return tmerr.Wrap("kvstore.create_schema", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return nil
}

// Put inserts or replaces a single key/value pair in store.
func (a *Adapter) Put(ctx context.Context, store Store, key string, value []byte) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO kv_entries (store, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(store, key) DO UPDATE SET value = excluded.value`,
		string(store), key, value)
	if err != nil {
		return tmerr.Wrap("kvstore.put", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return nil
}

// PutSeq inserts or replaces a key/value pair while also recording a
// sequence number; GetAll, Keys and ScanChunks order entries by that
// number before the key. The journal does not use it: it writes with Put
// under zero-padded keys, so key order is already write order.
func (a *Adapter) PutSeq(ctx context.Context, store Store, key string, value []byte, seq int64) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO kv_entries (store, key, value, seq) VALUES (?, ?, ?, ?)
		 ON CONFLICT(store, key) DO UPDATE SET value = excluded.value, seq = excluded.seq`,
		string(store), key, value, seq)
	if err != nil {
		return tmerr.Wrap("kvstore.put_seq", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return nil
}

// PutBatch writes multiple entries to store within a single transaction.
func (a *Adapter) PutBatch(ctx context.Context, store Store, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return tmerr.Wrap("kvstore.put_batch", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO kv_entries (store, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(store, key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return tmerr.Wrap("kvstore.put_batch", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, string(store), e.Key, e.Value); err != nil {
			return tmerr.Wrap("kvstore.put_batch", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return tmerr.Wrap("kvstore.put_batch", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return nil
}

// Get retrieves a single value. found is false when the key is absent.
func (a *Adapter) Get(ctx context.Context, store Store, key string) (value []byte, found bool, err error) {
	row := a.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE store = ? AND key = ?`, string(store), key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, tmerr.Wrap("kvstore.get", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return value, true, nil
}

// GetAll returns every entry in store. Callers scanning COLD should prefer
// ScanChunks to bound peak memory.
func (a *Adapter) GetAll(ctx context.Context, store Store) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT key, value FROM kv_entries WHERE store = ? ORDER BY seq, key`, string(store))
	if err != nil {
		return nil, tmerr.Wrap("kvstore.get_all", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, tmerr.Wrap("kvstore.get_all", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ScanChunks streams store's entries in fixed-size chunks over a channel so
// the COLD linear scan in spec.md §4.6 never materializes the whole tier at
// once. The returned channel is closed when the scan completes or ctx is
// cancelled; errors are delivered on the second channel before closing.
func (a *Adapter) ScanChunks(ctx context.Context, store Store, chunkSize int) (<-chan []Entry, <-chan error) {
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	out := make(chan []Entry)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		offset := 0
		for {
			rows, err := a.db.QueryContext(ctx,
				`SELECT key, value FROM kv_entries WHERE store = ? ORDER BY seq, key LIMIT ? OFFSET ?`,
				string(store), chunkSize, offset)
			if err != nil {
				errc <- tmerr.Wrap("kvstore.scan_chunks", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
				return
			}

			var chunk []Entry
			for rows.Next() {
				var e Entry
				if err := rows.Scan(&e.Key, &e.Value); err != nil {
					rows.Close()
					errc <- tmerr.Wrap("kvstore.scan_chunks", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
					return
				}
				chunk = append(chunk, e)
			}
			scanErr := rows.Err()
			rows.Close()
			if scanErr != nil {
				errc <- tmerr.Wrap("kvstore.scan_chunks", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, scanErr))
				return
			}

			if len(chunk) == 0 {
				return
			}

			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}

			if len(chunk) < chunkSize {
				return
			}
			offset += chunkSize
		}
	}()

	return out, errc
}

// Delete removes a single key from store. Deleting an absent key is a
// no-op, not an error.
func (a *Adapter) Delete(ctx context.Context, store Store, key string) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE store = ? AND key = ?`, string(store), key)
	if err != nil {
		return tmerr.Wrap("kvstore.delete", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return nil
}

// Count returns the number of entries in store.
func (a *Adapter) Count(ctx context.Context, store Store) (int64, error) {
	var n int64
	row := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_entries WHERE store = ?`, string(store))
	if err := row.Scan(&n); err != nil {
		return 0, tmerr.Wrap("kvstore.count", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return n, nil
}

// Keys returns every key currently stored in store.
func (a *Adapter) Keys(ctx context.Context, store Store) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT key FROM kv_entries WHERE store = ? ORDER BY seq, key`, string(store))
	if err != nil {
		return nil, tmerr.Wrap("kvstore.keys", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, tmerr.Wrap("kvstore.keys", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear removes every entry in store.
func (a *Adapter) Clear(ctx context.Context, store Store) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE store = ?`, string(store))
	if err != nil {
		return tmerr.Wrap("kvstore.clear", fmt.Errorf("%w: %v", tmerr.ErrStoreIO, err))
	}
	return nil
}

// Close releases the underlying database connection.
func (a *Adapter) Close() error {
	return a.db.Close()
}
