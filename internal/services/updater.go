package services

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratovm/heartbeatd/internal/cache"
	"github.com/stratovm/heartbeatd/internal/models"
	"github.com/stratovm/heartbeatd/internal/queue"
)

// TransitionListener consumes observable per-VM state changes. Like the
// queue signals, transitions are fire-and-forget: a slow or missing
// listener affects visibility, never cache correctness.
type TransitionListener interface {
	OnVMTransition(t models.VMTransition)
}

// UpdaterStats is a snapshot of the updater's counters.
type UpdaterStats struct {
	Applied          uint64
	Stale            uint64
	ValidationErrors uint64
}

// CacheUpdater runs the fixed pool of workers that pop heartbeats from
// the bounded queue and merge them into the cache. One Apply call is the
// unit of work per queue item.
type CacheUpdater struct {
	workers int

	queue  *queue.BoundedQueue
	store  *cache.Store
	logger zerolog.Logger

	listeners []TransitionListener

	applied          atomic.Uint64
	stale            atomic.Uint64
	validationErrors atomic.Uint64

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewCacheUpdater initializes a new CacheUpdater with a pool of the
// given size. The pool size should match the queue's concurrency limit;
// extra workers would only park inside Pop.
func NewCacheUpdater(workers int, q *queue.BoundedQueue, store *cache.Store, logger zerolog.Logger) *CacheUpdater {
	if workers < 1 {
		workers = 1
	}
	return &CacheUpdater{
		workers: workers,
		queue:   q,
		store:   store,
		logger:  logger,
	}
}

// AddListener registers a transition consumer. Wire listeners before
// Start.
func (u *CacheUpdater) AddListener(l TransitionListener) {
	u.listeners = append(u.listeners, l)
}

// Start launches the worker pool.
func (u *CacheUpdater) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		u.logger.Warn().Msg("Cache updater is already running")
		return errors.New("cache updater is already running")
	}
	u.running = true

	u.wg.Add(u.workers)
	for i := 0; i < u.workers; i++ {
		go u.runWorker(i)
	}

	u.logger.Info().Int("workers", u.workers).Msg("Cache updater started")
	return nil
}

// Stop closes the queue for admission, lets the workers drain what is
// already queued and waits for in-flight applies to finish.
func (u *CacheUpdater) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		u.logger.Warn().Msg("Cache updater is not running")
		return errors.New("cache updater is not running")
	}

	u.queue.Close()
	u.wg.Wait()
	u.running = false

	u.logger.Info().Msg("Cache updater stopped")
	return nil
}

// runWorker pops and applies until the queue reports shutdown.
func (u *CacheUpdater) runWorker(id int) {
	defer u.wg.Done()

	for {
		item, err := u.queue.Pop()
		if err != nil {
			u.logger.Debug().Int("worker", id).Msg("Cache update worker exiting")
			return
		}

		transitions := u.Apply(item.Record)
		u.queue.Done()

		for _, t := range transitions {
			for _, l := range u.listeners {
				l.OnVMTransition(t)
			}
			u.logger.Info().
				Str("vm_id", t.VMID).
				Str("old_zone_state", t.OldZoneState).
				Str("new_zone_state", t.NewZoneState).
				Uint64("revision", t.Revision).
				Msg("VM state transition")
		}
	}
}

// Apply merges one heartbeat into the cache and returns the observable
// transitions it caused. Safe to run concurrently for different VMs;
// updates to the same VM are serialized by the store's per-entry lock.
// A malformed tuple is skipped and counted without failing the record.
func (u *CacheUpdater) Apply(record *models.HeartbeatRecord) []models.VMTransition {
	rev := record.EffectiveRevision()
	var transitions []models.VMTransition

	for i := range record.VMs {
		vm := &record.VMs[i]
		if err := vm.Validate(); err != nil {
			u.validationErrors.Add(1)
			u.logger.Warn().
				Err(err).
				Str("node_id", record.NodeID).
				Msg("Skipping malformed VM status in heartbeat")
			continue
		}

		var transition *models.VMTransition
		applied := false
		u.store.Upsert(vm.VMID, func(e *models.CacheEntry) {
			if rev <= e.Revision {
				// Duplicate or out-of-order heartbeat; newer state
				// already cached.
				return
			}
			if e.ZoneState != vm.ZoneState || e.LifecycleState != vm.LifecycleState {
				transition = &models.VMTransition{
					VMID:         vm.VMID,
					OldZoneState: e.ZoneState,
					NewZoneState: vm.ZoneState,
					OldLifecycle: e.LifecycleState,
					NewLifecycle: vm.LifecycleState,
					Revision:     rev,
				}
			}
			e.NodeID = record.NodeID
			e.ZoneState = vm.ZoneState
			e.LifecycleState = vm.LifecycleState
			e.ZonePath = vm.ZonePath
			e.Brand = vm.Brand
			e.Shared = vm.Shared
			e.Attributes = vm.Attributes
			e.Revision = rev
			e.UpdatedAt = time.Now()
			applied = true
		})

		if applied {
			u.applied.Add(1)
		} else {
			u.stale.Add(1)
		}
		if transition != nil {
			transitions = append(transitions, *transition)
		}
	}

	return transitions
}

// Stats returns a snapshot of the updater counters.
func (u *CacheUpdater) Stats() UpdaterStats {
	return UpdaterStats{
		Applied:          u.applied.Load(),
		Stale:            u.stale.Load(),
		ValidationErrors: u.validationErrors.Load(),
	}
}
