// Package sqlite implements an exact-match result cache on SQLite. The
// orchestrator uses it to skip classifier calls for messages it has
// already classified.
package sqlite

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/helmsman/pkg/clock"
	"github.com/pario-ai/helmsman/pkg/models"
)

// Cache is an exact-match cache keyed by prompt hash and scope.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	clock  clock.Clock
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	prompt_hash TEXT NOT NULL,
	scope TEXT NOT NULL,
	value BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (prompt_hash, scope)
);
`

// New creates a Cache with the given database path and entry TTL. A nil
// clk uses the real clock.
func New(dbPath string, ttl time.Duration, clk clock.Clock) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}

	return &Cache{db: db, ttl: ttl, clock: clk}, nil
}

// HashPrompt computes a SHA-256 hash of the parts after folding case and
// collapsing whitespace, so trivially different messages share an entry.
func HashPrompt(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strings.Join(strings.Fields(strings.ToLower(p)), " ")))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get retrieves a cached value. It reports false if the entry is missing
// or expired.
func (c *Cache) Get(promptHash, scope string) ([]byte, bool) {
	var value []byte
	var expiresAt time.Time

	err := c.db.QueryRow(
		`SELECT value, expires_at FROM cache_entries WHERE prompt_hash = ? AND scope = ?`,
		promptHash, scope,
	).Scan(&value, &expiresAt)

	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	if !c.clock.Now().Before(expiresAt) {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return value, true
}

// Put stores a value in the cache, replacing any previous entry.
func (c *Cache) Put(promptHash, scope string, value []byte) error {
	now := c.clock.Now().UTC()
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO cache_entries (prompt_hash, scope, value, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		promptHash, scope, value, now, now.Add(c.ttl),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired
// entries are removed. It returns the number of entries removed.
func (c *Cache) Clear(expiredOnly bool) (int64, error) {
	var res sql.Result
	var err error
	if expiredOnly {
		res, err = c.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= ?`, c.clock.Now().UTC())
	} else {
		res, err = c.db.Exec(`DELETE FROM cache_entries`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
