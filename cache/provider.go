package cache

import (
	"bytes"
	"database/sql"
	"io"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/xerrors"
)

// Store is a partitioned key-value store for serialized HTTP responses.
// Partitions isolate entries from each other and are created lazily on
// first write. Keys are canonical request URIs.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the stored bytes for the given key in the given partition,
	// along with a boolean indicating whether the key was found.
	Get(partition, key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key, recording storedAt
	// for eviction ordering. An existing entry is overwritten.
	Put(partition, key string, storedAt time.Time, value []byte) error
	// Delete removes the entry for the given key, if it exists.
	Delete(partition, key string) error
	// Keys returns all keys in the partition, oldest stored first.
	Keys(partition string) ([]string, error)
	// Count returns the number of entries in the partition.
	Count(partition string) (int, error)
	// Partitions returns the names of all partitions with at least one entry.
	Partitions() ([]string, error)
	// DeletePartition removes the partition and all of its entries.
	DeletePartition(partition string) error
}

// SQLiteStore is a Store backed by a single SQLite database.
// Values are lz4-compressed on disk.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore creates a new store with the given filename as the db.
// If the filename is empty, an in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, xerrors.Errorf("could not open cache db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		partition TEXT NOT NULL,
		key TEXT NOT NULL,
		stored_at INTEGER NOT NULL,
		body BLOB NOT NULL,
		PRIMARY KEY (partition, key)
	)`)
	if err != nil {
		return nil, xerrors.Errorf("could not create entries table: %w", err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS stored_at_idx ON entries (partition, stored_at)")
	if err != nil {
		return nil, xerrors.Errorf("could not create stored_at index: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return nil, xerrors.Errorf("could not enable WAL: %w", err)
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Get(partition, key string) ([]byte, bool, error) {
	var body []byte
	err := s.db.QueryRow(
		"SELECT body FROM entries WHERE partition = ? AND key = ?",
		partition, key,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("could not read entry: %w", err)
	}
	value, err := decompress(body)
	if err != nil {
		return nil, false, xerrors.Errorf("could not decompress entry: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(partition, key string, storedAt time.Time, value []byte) error {
	body, err := compress(value)
	if err != nil {
		return xerrors.Errorf("could not compress entry: %w", err)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO entries (partition, key, stored_at, body) VALUES (?, ?, ?, ?)",
		partition, key, storedAt.UnixNano(), body,
	)
	if err != nil {
		return xerrors.Errorf("could not write entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(partition, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE partition = ? AND key = ?", partition, key)
	if err != nil {
		return xerrors.Errorf("could not delete entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Keys(partition string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key FROM entries WHERE partition = ? ORDER BY stored_at ASC, key ASC",
		partition,
	)
	if err != nil {
		return nil, xerrors.Errorf("could not list keys: %w", err)
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, xerrors.Errorf("could not scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Count(partition string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE partition = ?", partition).Scan(&count)
	if err != nil {
		return 0, xerrors.Errorf("could not count entries: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Partitions() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT partition FROM entries ORDER BY partition")
	if err != nil {
		return nil, xerrors.Errorf("could not list partitions: %w", err)
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, xerrors.Errorf("could not scan partition name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) DeletePartition(partition string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE partition = ?", partition)
	if err != nil {
		return xerrors.Errorf("could not delete partition: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func compress(value []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := lz4.NewWriter(buf)
	if _, err := zw.Write(value); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(body []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(body))
	return io.ReadAll(zr)
}
