package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/flight-cache/pkg/clock"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
)

// DefaultMaxEntries bounds the durable tier when no limit is configured.
const DefaultMaxEntries = 500

type SQLiteConfig struct {
	// Database file name. An empty name opens a private in-memory db.
	Filename string
	// Maximum number of stored entries. Oldest entries (by creation time) are evicted first.
	MaxEntries int
	// If set, keys are partitioned by the text up to and including the first separator,
	// and MaxEntries applies to each partition on its own. The remote store uses "/" so that
	// one namespace cannot evict the entries of another.
	PartitionSeparator string
	// Clock used for sweeping expired entries. Defaults to the system clock.
	Clock clock.Clock
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// SQLiteCache is the durable tier. It survives restarts and holds at most MaxEntries entries.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	maxEntries int
	separator  string
	clock      clock.Clock
	log        zerolog.Logger
}

// NewSQLiteCache opens (and if needed creates) the cache db.
func NewSQLiteCache(config SQLiteConfig) (*SQLiteCache, error) {
	filename := config.Filename
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache %s: %w", filename, err)
	}
	// one connection: writes are serialized anyway, and an in-memory db only exists per connection
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS created_idx ON entries (created_at)",
		"CREATE INDEX IF NOT EXISTS expires_idx ON entries (expires_at)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite cache %s: %w", filename, err)
		}
	}

	s := &SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
		maxEntries: config.MaxEntries,
		separator:  config.PartitionSeparator,
		clock:      config.Clock,
	}
	if s.maxEntries <= 0 {
		s.maxEntries = DefaultMaxEntries
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if config.Logger == nil {
		s.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		s.log = *config.Logger
	}
	s.log = s.log.With().Str("tier", s.Name()).Logger()
	return s, nil
}

func (s *SQLiteCache) Name() string {
	return "durable"
}

func (s *SQLiteCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, "SELECT bytes FROM entries WHERE key = ?", key).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := Decode(b)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Purging corrupted entry")
		if err := s.Purge(ctx, key); err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("Could not purge corrupted entry")
		}
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *SQLiteCache) Put(ctx context.Context, entry Entry) error {
	b, err := entry.Encode()
	if err != nil {
		return err
	}
	return s.PutBytes(ctx, entry.Key, entry.CreatedAt, entry.ExpiresAt, b)
}

// PutBytes stores b under key.
// Before inserting, expired entries are swept and the oldest entries are evicted
// so that the table never exceeds the configured maximum.
func (s *SQLiteCache) PutBytes(ctx context.Context, key string, createdAt, expires time.Time, b []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	swept, err := sweep(ctx, tx, s.clock.Now())
	if err != nil {
		return err
	}

	partition := s.partition(key)
	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE key <> ? AND substr(key, 1, length(?)) = ?",
		key, partition, partition,
	).Scan(&count); err != nil {
		return err
	}
	var evicted int64
	if over := count - s.maxEntries + 1; over > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key IN (
			SELECT key FROM entries WHERE key <> ? AND substr(key, 1, length(?)) = ?
			ORDER BY created_at ASC, key ASC LIMIT ?
		)`, key, partition, partition, over)
		if err != nil {
			return err
		}
		evicted, _ = res.RowsAffected()
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (key, created_at, expires_at, bytes) VALUES (?, ?, ?, ?)",
		key, createdAt.UnixNano(), expires.UnixNano(), b,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Trace().Str("key", key).Int64("swept", swept).Int64("evicted", evicted).Msg("Cache write")
	return nil
}

// partition returns the key prefix that shares a capacity with key. The empty prefix is the whole table.
func (s *SQLiteCache) partition(key string) string {
	if s.separator == "" {
		return ""
	}
	if i := strings.Index(key, s.separator); i >= 0 {
		return key[:i+len(s.separator)]
	}
	return ""
}

func (s *SQLiteCache) Purge(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key)
	return err
}

func (s *SQLiteCache) AllKeys(ctx context.Context, prefix string, cb func(string)) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM entries WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return err
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s *SQLiteCache) Clear(ctx context.Context) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries")
	return err
}

// Sweep removes all expired entries and returns how many were removed.
func (s *SQLiteCache) Sweep(ctx context.Context) (int64, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := sweep(ctx, tx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Len returns the number of stored rows, expired ones included.
func (s *SQLiteCache) Len(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&count)
	return count, err
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}

func sweep(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE expires_at <= ?", now.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
