// Package cache holds the last-known state of every virtual machine seen
// in a heartbeat. Entries live on a sharded concurrent map keyed by VM
// identifier; each entry carries its own lock so updates to one VM never
// serialize updates to unrelated VMs.
package cache

import (
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/stratovm/heartbeatd/internal/models"
)

type entry struct {
	mu   sync.Mutex
	data models.CacheEntry
}

// Store is the per-VM state cache. It knows nothing about the transport
// or the queue; the cache updater is its only writer, the outer API
// layer its reader.
type Store struct {
	entries cmap.ConcurrentMap[string, *entry]
	logger  zerolog.Logger
}

// NewStore builds an empty cache.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		entries: cmap.New[*entry](),
		logger:  logger,
	}
}

// Get returns a copy of the cached entry for vmID, or false when the VM
// has never been reported (or has been invalidated).
func (s *Store) Get(vmID string) (models.CacheEntry, bool) {
	e, ok := s.entries.Get(vmID)
	if !ok {
		return models.CacheEntry{}, false
	}
	e.mu.Lock()
	out := e.data
	out.Attributes = copyAttributes(e.data.Attributes)
	e.mu.Unlock()
	return out, true
}

// Upsert runs fn against the entry for vmID under that entry's lock,
// creating the entry lazily on first reference. fn sees the stored value
// and mutates it in place; concurrent upserts for the same VM are
// serialized, upserts for different VMs are not.
func (s *Store) Upsert(vmID string, fn func(e *models.CacheEntry)) {
	e := s.entries.Upsert(vmID, nil, func(exists bool, current *entry, _ *entry) *entry {
		if exists {
			return current
		}
		return &entry{data: models.CacheEntry{VMID: vmID}}
	})
	e.mu.Lock()
	fn(&e.data)
	e.mu.Unlock()
}

// Invalidate drops the entry for vmID, reporting whether one existed.
// Invalidation is driven by external lifecycle decisions (VM destroyed);
// the heartbeat pipeline itself never removes entries.
func (s *Store) Invalidate(vmID string) bool {
	removed := s.entries.RemoveCb(vmID, func(_ string, _ *entry, exists bool) bool {
		return exists
	})
	if removed {
		s.logger.Info().Str("vm_id", vmID).Msg("Invalidated cached VM state")
	}
	return removed
}

// Len reports how many VMs currently have cached state.
func (s *Store) Len() int {
	return s.entries.Count()
}

// Snapshot returns a copy of every cached entry, for read-only surfaces.
func (s *Store) Snapshot() []models.CacheEntry {
	out := make([]models.CacheEntry, 0, s.entries.Count())
	for _, e := range s.entries.Items() {
		e.mu.Lock()
		c := e.data
		c.Attributes = copyAttributes(e.data.Attributes)
		e.mu.Unlock()
		out = append(out, c)
	}
	return out
}

func copyAttributes(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
