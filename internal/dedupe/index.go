package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/lead-qualifier/internal/model"
)

// Key builds the canonical identity key for a business: its normalized
// domain when it has one, otherwise its normalized name scoped to region.
// Returns "" when neither is usable.
func Key(domain, name, region string) string {
	if d := NormalizeDomain(domain); d != "" {
		return d
	}
	return NameKey(name, region)
}

// NameKey builds the name-scoped key regardless of domain. The pipeline
// indexes resolved leads under both keys so a later name-only candidate
// can find the domain an earlier run resolved.
func NameKey(name, region string) string {
	n := NormalizeName(name)
	if n == "" {
		return ""
	}
	return "name:" + n + "|" + NormalizeRegion(region)
}

// IndexEntry is a previously qualified identity.
type IndexEntry struct {
	Key       string             `json:"key"`
	Domain    string             `json:"domain,omitempty"`
	Name      string             `json:"name"`
	Region    string             `json:"region,omitempty"`
	Score     int                `json:"score"`
	Tier      model.PriorityTier `json:"tier"`
	LastRunID string             `json:"last_run_id"`
	SeenAt    time.Time          `json:"seen_at"`
}

// Index persists identities across runs.
type Index interface {
	Lookup(ctx context.Context, keys []string) (map[string]IndexEntry, error)
	Upsert(ctx context.Context, entries []IndexEntry) error
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]IndexEntry
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]IndexEntry)}
}

// Lookup returns the entries found for keys.
func (m *MemoryIndex) Lookup(_ context.Context, keys []string) (map[string]IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]IndexEntry)
	for _, k := range keys {
		if e, ok := m.entries[k]; ok {
			out[k] = e
		}
	}
	return out, nil
}

// Upsert inserts or replaces entries by key.
func (m *MemoryIndex) Upsert(_ context.Context, entries []IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		m.entries[e.Key] = e
	}
	return nil
}

// Len returns the number of indexed keys.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
