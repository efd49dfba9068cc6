// Package store is the single-writer, many-reader persistence layer.
// SQLite in WAL mode supplies the snapshot discipline: the one writer
// appends and commits batches, readers hold read transactions that see
// a consistent snapshot regardless of concurrent commits.
//
// Backed by ncruces/go-sqlite3 with the sqlite-vec extension for the
// 768-dim ANN column and FTS5 for the weighted keyword index.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// Store wraps the database handle. Writer instances hold the writer
// lock for their whole lifetime; reader instances are read-only and may
// lag behind the writer arbitrarily.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	writer bool
	lock   *writerLock
}

// OpenWriter opens (creating if needed) the store for the one writer
// process. Acquiring the writer lock is the first action; a conflict is
// fatal and the error names the likely holder.
func OpenWriter(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock, err := acquireWriterLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	db, err := open(path, false)
	if err != nil {
		lock.release()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		lock.release()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, writer: true, lock: lock}, nil
}

// OpenReader opens the store read-only. Readers never create schema and
// never touch sync-state.
func OpenReader(path string) (*Store, error) {
	db, err := open(path, true)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func open(path string, readonly bool) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if readonly {
		q.Set("mode", "ro")
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if readonly {
		db.SetMaxOpenConns(4)
	} else {
		// database/sql would otherwise interleave connections and
		// break the single-writer discipline.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Close releases the handle and, for writers, the writer lock. For the
// daemon this is the last action on shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	if s.lock != nil {
		s.lock.release()
		s.lock = nil
	}
	return err
}

// IsWriter reports whether this handle holds the writer lock.
func (s *Store) IsWriter() bool { return s.writer }

func (s *Store) requireWriter() error {
	if !s.writer {
		return fmt.Errorf("store opened read-only")
	}
	return nil
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalJSON[T any](s string) T {
	var v T
	if s != "" {
		_ = json.Unmarshal([]byte(s), &v)
	}
	return v
}

// vecJSON serialises an embedding for the vec0 column, which accepts a
// JSON array for float[768].
func vecJSON(v []float32) (string, error) {
	if len(v) != 768 {
		return "", fmt.Errorf("embedding has %d dims, want 768", len(v))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
