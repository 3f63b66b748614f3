// Package vectorindex implements the persistent vector index (§4.3): a
// sqlite-backed store of reference embeddings with metadata and top-k cosine
// search, built on the pure-Go modernc.org/sqlite driver so the module never
// requires cgo.
package vectorindex

import (
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"sync"

	"lensvault/internal/logging"

	sqlite "modernc.org/sqlite"
)

var registerOnce sync.Once

// registerCosineDistance installs a deterministic scalar function computing
// cosine distance (1 - cosine similarity) over two little-endian float32
// blobs, mirroring the teacher's vec_compat.go registration pattern without
// needing a full virtual table: plain tables plus a SQL-callable distance
// function are sufficient for this index's access patterns.
func registerCosineDistance() {
	registerOnce.Do(func() {
		_ = sqlite.RegisterDeterministicScalarFunction("lens_cosine_distance", 2, cosineDistanceFunc)
	})
}

func cosineDistanceFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("lens_cosine_distance expects 2 arguments")
	}
	a, err := decodeVector(args[0])
	if err != nil {
		return nil, err
	}
	b, err := decodeVector(args[1])
	if err != nil {
		return nil, err
	}
	if len(a) != len(b) || len(a) == 0 {
		return float64(2), nil
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return float64(2), nil
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return float64(1 - cos), nil
}

func decodeVector(v driver.Value) ([]float32, error) {
	switch x := v.(type) {
	case []byte:
		if len(x)%4 != 0 {
			return nil, fmt.Errorf("lens_cosine_distance: blob length %d not multiple of 4", len(x))
		}
		out := make([]float32, len(x)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(x[i*4:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("lens_cosine_distance: unsupported value type %T", v)
	}
}

// EncodeVector serializes a float32 vector as little-endian bytes (§6:
// "byte order canonical little-endian f32").
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(buf []byte) ([]float32, error) {
	return decodeVector(driver.Value([]byte(buf)))
}

// Record is a reference example stored in the index.
type Record struct {
	ID        string // sha256(text)[:16], hex-encoded
	Lens      string
	Pole      string
	Text      string
	Embedding []float32
}

// RecordID derives the upsert identity for a piece of text per §3.
func RecordID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8]) // 8 bytes = 16 hex chars
}

// Match is a single top_k search hit.
type Match struct {
	ID     string
	Cosine float64
}

// Index is the sqlite-backed vector index.
type Index struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open opens (creating if absent) the vector index at path.
func Open(path string) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "Open")
	defer timer.Stop()

	registerCosineDistance()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
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
			return nil, fmt.Errorf("failed to apply pragma %q: %w", p, err)
		}
	}

	idx := &Index{db: db, path: path}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Index("Open: index ready at %s", path)
	return idx, nil
}

func (idx *Index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		lens TEXT NOT NULL,
		pole TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_lens_pole ON records(lens, pole);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := idx.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Write upserts records by id = sha256(text)[:16]. Writes with the same id
// and the same text are idempotent; writing a different text under the same
// id overwrites (the caller is expected never to do this, per §4.3's
// "records with the same id must have byte-identical text" invariant).
func (idx *Index) Write(records []Record) error {
	timer := logging.StartTimer(logging.CategoryIndex, "Write")
	defer timer.Stop()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO records (id, lens, pole, text, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET lens=excluded.lens, pole=excluded.pole, text=excluded.text, embedding=excluded.embedding
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		id := r.ID
		if id == "" {
			id = RecordID(r.Text)
		}
		if _, err := stmt.Exec(id, r.Lens, r.Pole, r.Text, EncodeVector(r.Embedding)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to upsert record %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write: %w", err)
	}
	logging.IndexDebug("Write: upserted %d records", len(records))
	return nil
}

// TopK returns the k closest records by cosine similarity, optionally
// filtered to a (lens, pole) pair. Results are sorted by cosine descending,
// ties broken by id lexical order (§4.3). If fewer than k records match the
// filter, all matching records are returned.
func (idx *Index) TopK(vector []float32, k int, lens, pole string) ([]Match, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k <= 0 {
		return nil, nil
	}

	query := "SELECT id, lens_cosine_distance(embedding, ?) AS dist FROM records"
	args := []interface{}{EncodeVector(vector)}
	if lens != "" || pole != "" {
		query += " WHERE lens = ? AND pole = ?"
		args = append(args, lens, pole)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top_k: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			return nil, fmt.Errorf("failed to scan top_k row: %w", err)
		}
		matches = append(matches, Match{ID: id, Cosine: 1 - dist})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Cosine != matches[j].Cosine {
			return matches[i].Cosine > matches[j].Cosine
		}
		return matches[i].ID < matches[j].ID
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// GetMeta retrieves a metadata value, returning ("", false) if absent.
func (idx *Index) GetMeta(key string) (string, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var value string
	err := idx.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, true, nil
}

// PutMeta writes a metadata value, overwriting any existing entry.
func (idx *Index) PutMeta(key, value string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to put metadata %s: %w", key, err)
	}
	return nil
}

// Records returns every record stored under the given (lens, pole), with
// embeddings decoded, for callers that need the raw vectors rather than a
// top-k search (the Baker's leave-one-out separation scoring, for instance).
func (idx *Index) Records(lens, pole string) ([]Record, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rows, err := idx.db.Query("SELECT id, lens, pole, text, embedding FROM records WHERE lens = ? AND pole = ?", lens, pole)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var blob []byte
		if err := rows.Scan(&r.ID, &r.Lens, &r.Pole, &r.Text, &blob); err != nil {
			return nil, err
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode embedding for %s: %w", r.ID, err)
		}
		r.Embedding = vec
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListLenses returns the distinct lens names present in the index.
func (idx *Index) ListLenses() ([]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rows, err := idx.db.Query("SELECT DISTINCT lens FROM records ORDER BY lens")
	if err != nil {
		return nil, fmt.Errorf("failed to list lenses: %w", err)
	}
	defer rows.Close()

	var lenses []string
	for rows.Next() {
		var lens string
		if err := rows.Scan(&lens); err != nil {
			return nil, err
		}
		lenses = append(lenses, lens)
	}
	return lenses, rows.Err()
}

// Corrupt is returned when the index's on-disk state cannot satisfy a
// requested operation (§7: IndexCorrupt).
type Corrupt struct {
	Path   string
	Reason string
}

func (e *Corrupt) Error() string {
	return fmt.Sprintf("index corrupt at %s: %s", e.Path, e.Reason)
}
