// Package coefstore implements the content-addressable blob store (§4.6
// "Store operations"): every blob's identity is the sha256 of its bytes,
// writes are idempotent, and nothing is ever deleted by the store itself.
// Built on the pure-Go modernc.org/sqlite driver, following the same
// single-*sql.DB, WAL-mode connection shape as internal/vectorindex.
package coefstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"

	"lensvault/internal/logging"

	_ "modernc.org/sqlite"
)

// Missing is returned by Get when no blob with that hash has ever been put
// (§7: ContentMissing's store-level counterpart).
type Missing struct {
	Hash string
}

func (e *Missing) Error() string {
	return fmt.Sprintf("coefstore: blob %s not found", e.Hash)
}

// Hash computes the content-addressing key for a byte string: lowercase hex
// sha256, per §6 ("the hash encoding on the wire is lowercase hex").
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Store is a sqlite-backed content-addressable blob store.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if absent) the blob store at path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryCoef, "coefstore.Open")
	defer timer.Stop()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("coefstore: failed to open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("coefstore: failed to apply pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Coef("coefstore: store ready at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		bytes BLOB NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("coefstore: failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes bytes to the store and returns their hash. Putting identical
// bytes twice is idempotent and leaves the store in the same state as a
// single put (§4.6 invariant; §8 round-trip law).
func (s *Store) Put(b []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := Hash(b)
	_, err := s.db.Exec(`INSERT INTO blobs (hash, bytes) VALUES (?, ?) ON CONFLICT(hash) DO NOTHING`, hash, b)
	if err != nil {
		return "", fmt.Errorf("coefstore: failed to put blob %s: %w", hash, err)
	}
	logging.CoefDebug("coefstore: put %s (%d bytes)", hash, len(b))
	return hash, nil
}

// Get retrieves the bytes for hash, returning *Missing if absent (§4.6:
// "get(put(b)) = b bitwise").
func (s *Store) Get(hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b []byte
	err := s.db.QueryRow(`SELECT bytes FROM blobs WHERE hash = ?`, hash).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, &Missing{Hash: hash}
	}
	if err != nil {
		return nil, fmt.Errorf("coefstore: failed to get blob %s: %w", hash, err)
	}
	return b, nil
}

// Exists reports whether a blob with the given hash is present.
func (s *Store) Exists(hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM blobs WHERE hash = ?`, hash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("coefstore: failed to check existence of %s: %w", hash, err)
	}
	return count > 0, nil
}

// List returns every hash currently in the store, order unspecified (§4.6).
func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT hash FROM blobs`)
	if err != nil {
		return nil, fmt.Errorf("coefstore: failed to list blobs: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
