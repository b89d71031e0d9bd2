// Package oppcache provides persistence and refresh scheduling for fetched
// loop opportunities, so repeated queries are answered from the last known
// good snapshot instead of hammering the upstream API.
package oppcache

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/looplend/looplend/internal/database"
	"github.com/looplend/looplend/internal/opportunity"
)

// FreshFor is how long a snapshot counts as fresh. After this the data is
// still served, but a background refresh is scheduled.
const FreshFor = 10 * time.Minute

// Store is the pluggable key-value layer under the snapshot cache. The
// caching policy never touches the storage mechanism, so an in-memory map, a
// file, or an embedded database all work.
type Store interface {
	// Get returns the stored value, or nil with no error when the key is absent.
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// CacheKey derives the snapshot key from the query filters. Every distinct
// filter combination gets its own strictly partitioned snapshot.
func CacheKey(chainIDs []int, tokens []string) string {
	chainPart := "all"
	if len(chainIDs) > 0 {
		sorted := append([]int(nil), chainIDs...)
		sort.Ints(sorted)
		parts := make([]string, len(sorted))
		for i, id := range sorted {
			parts[i] = strconv.Itoa(id)
		}
		chainPart = strings.Join(parts, "-")
	}

	tokenPart := "all"
	if len(tokens) > 0 {
		sorted := make([]string, len(tokens))
		for i, tok := range tokens {
			sorted[i] = strings.ToLower(tok)
		}
		sort.Strings(sorted)
		tokenPart = strings.Join(sorted, "-")
	}

	return fmt.Sprintf("loop_opportunities_%s_%s", chainPart, tokenPart)
}

// snapshot is the persisted envelope: the fetched records plus when they were
// fetched. Encoded with msgpack; the timestamp is epoch milliseconds.
type snapshot struct {
	Records   []opportunity.LoopOpportunity `msgpack:"records"`
	Timestamp int64                         `msgpack:"timestamp"`
}

func encodeSnapshot(records []opportunity.LoopOpportunity, at time.Time) ([]byte, error) {
	return msgpack.Marshal(snapshot{Records: records, Timestamp: at.UnixMilli()})
}

func decodeSnapshot(blob []byte) ([]opportunity.LoopOpportunity, time.Time, error) {
	var snap snapshot
	if err := msgpack.Unmarshal(blob, &snap); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap.Records, time.UnixMilli(snap.Timestamp), nil
}

// SQLiteStore persists snapshots in the snapshot database.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore creates the store and its table if missing.
func NewSQLiteStore(db *database.DB) (*SQLiteStore, error) {
	_, err := db.Conn().Exec(`
		CREATE TABLE IF NOT EXISTS loop_snapshots (
			key        TEXT PRIMARY KEY,
			data       BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create loop_snapshots table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the snapshot blob for key, or nil when absent.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	var data []byte
	err := s.db.Conn().QueryRow(`SELECT data FROM loop_snapshots WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", key, err)
	}
	return data, nil
}

// Set upserts the snapshot blob for key.
func (s *SQLiteStore) Set(key string, value []byte) error {
	_, err := s.db.Conn().Exec(
		`INSERT OR REPLACE INTO loop_snapshots (key, data, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", key, err)
	}
	return nil
}

// Remove deletes the snapshot for key.
func (s *SQLiteStore) Remove(key string) error {
	_, err := s.db.Conn().Exec(`DELETE FROM loop_snapshots WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}
	return nil
}

// DeleteOlderThan removes snapshots not updated within the retention window.
// Returns the number of rows deleted.
func (s *SQLiteStore) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := s.db.Conn().Exec(`DELETE FROM loop_snapshots WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale snapshots: %w", err)
	}
	return result.RowsAffected()
}

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get returns the stored value, or nil when absent.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	return value, nil
}

// Set stores value under key.
func (m *MemoryStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Remove deletes key.
func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
