package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/epvlab/epv/internal/database"
	"github.com/epvlab/epv/internal/domain"
)

// Store is the sqlite-backed persistent cache tier. Records are stored as
// msgpack blobs with their expiry timestamps, so the memory tier can be
// rehydrated after a restart without re-contacting providers.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a persistent store on the given database and ensures the
// schema exists.
func NewStore(db *database.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:  db,
		log: log.With().Str("component", "cache_store").Logger(),
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Conn().Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			record     BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create cache schema: %w", err)
	}
	return nil
}

// Save upserts one entry.
func (s *Store) Save(e *Entry) error {
	blob, err := msgpack.Marshal(e.Record)
	if err != nil {
		return fmt.Errorf("failed to marshal record for %s: %w", e.Key[:8], err)
	}

	_, err = s.db.Conn().Exec(
		"INSERT OR REPLACE INTO cache_entries (key, record, created_at, expires_at, size_bytes) VALUES (?, ?, ?, ?, ?)",
		e.Key, blob, e.CreatedAt.Unix(), e.ExpiresAt.Unix(), e.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", e.Key[:8], err)
	}
	return nil
}

// Load returns the entry for key if it exists and has not expired.
func (s *Store) Load(key string) (*Entry, bool, error) {
	row := s.db.Conn().QueryRow(
		"SELECT record, created_at, expires_at, size_bytes FROM cache_entries WHERE key = ? AND expires_at > ?",
		key, time.Now().Unix(),
	)

	var blob []byte
	var createdAt, expiresAt, sizeBytes int64
	err := row.Scan(&blob, &createdAt, &expiresAt, &sizeBytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load cache entry %s: %w", key[:8], err)
	}

	var rec domain.NormalizedRecord
	if err := msgpack.Unmarshal(blob, &rec); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry %s: %w", key[:8], err)
	}

	return &Entry{
		Key:       key,
		Record:    &rec,
		CreatedAt: time.Unix(createdAt, 0),
		ExpiresAt: time.Unix(expiresAt, 0),
		SizeBytes: sizeBytes,
	}, true, nil
}

// LoadAll returns all unexpired entries, used to rehydrate the memory tier
// on startup.
func (s *Store) LoadAll() ([]*Entry, error) {
	rows, err := s.db.Conn().Query(
		"SELECT key, record, created_at, expires_at, size_bytes FROM cache_entries WHERE expires_at > ? ORDER BY created_at",
		time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var key string
		var blob []byte
		var createdAt, expiresAt, sizeBytes int64
		if err := rows.Scan(&key, &blob, &createdAt, &expiresAt, &sizeBytes); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}

		var rec domain.NormalizedRecord
		if err := msgpack.Unmarshal(blob, &rec); err != nil {
			// A corrupt blob is a re-fetch, not a startup failure.
			s.log.Warn().Err(err).Str("key", key[:8]).Msg("Skipping undecodable cache entry")
			continue
		}

		out = append(out, &Entry{
			Key:       key,
			Record:    &rec,
			CreatedAt: time.Unix(createdAt, 0),
			ExpiresAt: time.Unix(expiresAt, 0),
			SizeBytes: sizeBytes,
		})
	}
	return out, rows.Err()
}

// DeleteExpired removes expired rows and returns the count.
func (s *Store) DeleteExpired() (int64, error) {
	result, err := s.db.Conn().Exec("DELETE FROM cache_entries WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if deleted > 0 {
		s.log.Info().Int64("count", deleted).Msg("Compacted expired entries from cache store")
	}
	return deleted, nil
}
