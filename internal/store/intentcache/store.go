// Package intentcache provides durable persistence for the IntentAnalyzer's
// exact-match and semantic cache layers, so a warmed cache survives a
// process restart. It is a pure-Go sqlite file, not a shared service: each
// agent process owns its own cache file under its workspace.
package intentcache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/goclaw/internal/intent"
)

const schema = `
CREATE TABLE IF NOT EXISTS intent_exact_cache (
	cache_key        TEXT PRIMARY KEY,
	fingerprint_json TEXT NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS intent_semantic_cache (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_signature TEXT NOT NULL,
	embedding              BLOB NOT NULL,
	fingerprint_json       TEXT NOT NULL,
	created_at             INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_intent_semantic_conversation
	ON intent_semantic_cache(conversation_signature);
`

// Store is a sqlite-backed intent.PersistentCache. The schema is small and
// owned entirely by this package, so it self-initializes on Open rather than
// going through the versioned migration tooling cmd/migrate.go drives for
// the Postgres store; there is nothing here worth a migration history yet.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite file at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("intentcache: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("intentcache: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// LoadExact returns every cached exact-match fingerprint.
func (s *Store) LoadExact(ctx context.Context) (map[string]intent.Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cache_key, fingerprint_json FROM intent_exact_cache`)
	if err != nil {
		return nil, fmt.Errorf("intentcache: load exact: %w", err)
	}
	defer rows.Close()

	out := make(map[string]intent.Fingerprint)
	for rows.Next() {
		var key, fpJSON string
		if err := rows.Scan(&key, &fpJSON); err != nil {
			return nil, fmt.Errorf("intentcache: scan exact row: %w", err)
		}
		fp, err := intent.UnmarshalFingerprint([]byte(fpJSON))
		if err != nil {
			continue // skip rows a future schema change made unreadable
		}
		out[key] = fp
	}
	return out, rows.Err()
}

// SaveExact upserts one exact-match cache entry.
func (s *Store) SaveExact(ctx context.Context, key string, fp intent.Fingerprint) error {
	fpJSON, err := intent.MarshalFingerprint(fp)
	if err != nil {
		return fmt.Errorf("intentcache: marshal fingerprint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intent_exact_cache (cache_key, fingerprint_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET fingerprint_json = excluded.fingerprint_json, updated_at = excluded.updated_at
	`, key, string(fpJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("intentcache: save exact: %w", err)
	}
	return nil
}

// LoadSemantic returns every cached semantic-match entry.
func (s *Store) LoadSemantic(ctx context.Context) ([]intent.SemanticRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT conversation_signature, embedding, fingerprint_json FROM intent_semantic_cache`)
	if err != nil {
		return nil, fmt.Errorf("intentcache: load semantic: %w", err)
	}
	defer rows.Close()

	var out []intent.SemanticRecord
	for rows.Next() {
		var conv, fpJSON string
		var embBytes []byte
		if err := rows.Scan(&conv, &embBytes, &fpJSON); err != nil {
			return nil, fmt.Errorf("intentcache: scan semantic row: %w", err)
		}
		fp, err := intent.UnmarshalFingerprint([]byte(fpJSON))
		if err != nil {
			continue
		}
		out = append(out, intent.SemanticRecord{
			Conversation: conv,
			Embedding:    decodeEmbedding(embBytes),
			Fingerprint:  fp,
		})
	}
	return out, rows.Err()
}

// SaveSemantic appends one semantic-match cache entry.
func (s *Store) SaveSemantic(ctx context.Context, rec intent.SemanticRecord) error {
	fpJSON, err := intent.MarshalFingerprint(rec.Fingerprint)
	if err != nil {
		return fmt.Errorf("intentcache: marshal fingerprint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intent_semantic_cache (conversation_signature, embedding, fingerprint_json, created_at)
		VALUES (?, ?, ?, ?)
	`, rec.Conversation, encodeEmbedding(rec.Embedding), string(fpJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("intentcache: save semantic: %w", err)
	}
	return nil
}

func encodeEmbedding(emb []float32) []byte {
	buf := make([]byte, 4*len(emb))
	for i, f := range emb {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
