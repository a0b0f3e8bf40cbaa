package services

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratovm/heartbeatd/internal/cache"
	"github.com/stratovm/heartbeatd/internal/models"
	"github.com/stratovm/heartbeatd/internal/queue"
)

type recordedTransitions struct {
	mu          sync.Mutex
	transitions []models.VMTransition
}

func (r *recordedTransitions) OnVMTransition(t models.VMTransition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recordedTransitions) all() []models.VMTransition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.VMTransition, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func newUpdaterFixture(workers int) (*CacheUpdater, *queue.BoundedQueue, *cache.Store) {
	q := queue.NewBoundedQueue(16, workers, queue.PolicyBlock, zerolog.Nop())
	store := cache.NewStore(zerolog.Nop())
	return NewCacheUpdater(workers, q, store, zerolog.Nop()), q, store
}

func heartbeat(node string, seq uint64, vms ...models.VMStatus) *models.HeartbeatRecord {
	return &models.HeartbeatRecord{
		NodeID:    node,
		Timestamp: time.Now(),
		Sequence:  seq,
		VMs:       vms,
	}
}

func TestCacheUpdater_ApplyCreatesEntriesAndTransitions(t *testing.T) {
	u, _, store := newUpdaterFixture(1)

	transitions := u.Apply(heartbeat("node-1", 1,
		models.VMStatus{VMID: "vm-1", ZoneState: "running", LifecycleState: "active"},
		models.VMStatus{VMID: "vm-2", ZoneState: "stopped", LifecycleState: "active"},
	))

	require.Len(t, transitions, 2)
	assert.Equal(t, "", transitions[0].OldZoneState)
	assert.Equal(t, "running", transitions[0].NewZoneState)

	entry, ok := store.Get("vm-1")
	require.True(t, ok)
	assert.Equal(t, "node-1", entry.NodeID)
	assert.Equal(t, "running", entry.ZoneState)
	assert.Equal(t, uint64(1), entry.Revision)

	entry, ok = store.Get("vm-2")
	require.True(t, ok)
	assert.Equal(t, "stopped", entry.ZoneState)
}

func TestCacheUpdater_NewerWinsRegardlessOfArrivalOrder(t *testing.T) {
	older := models.VMStatus{VMID: "vm-1", ZoneState: "running", LifecycleState: "active"}
	newer := models.VMStatus{VMID: "vm-1", ZoneState: "stopped", LifecycleState: "inactive"}

	// Newer first, older second.
	u, _, store := newUpdaterFixture(1)
	u.Apply(heartbeat("node-1", 2, newer))
	transitions := u.Apply(heartbeat("node-1", 1, older))
	assert.Empty(t, transitions, "stale heartbeat must not produce a transition")
	entry, _ := store.Get("vm-1")
	assert.Equal(t, "stopped", entry.ZoneState)
	assert.Equal(t, uint64(2), entry.Revision)
	assert.Equal(t, uint64(1), u.Stats().Stale)

	// Older first, newer second: same final state.
	u2, _, store2 := newUpdaterFixture(1)
	u2.Apply(heartbeat("node-1", 1, older))
	u2.Apply(heartbeat("node-1", 2, newer))
	entry2, _ := store2.Get("vm-1")
	assert.Equal(t, "stopped", entry2.ZoneState)
	assert.Equal(t, uint64(2), entry2.Revision)
}

func TestCacheUpdater_OutOfOrderTimestampsKeepNewerState(t *testing.T) {
	u, _, store := newUpdaterFixture(1)

	t1 := time.Unix(1, 0)
	t0 := time.Unix(0, 1)

	u.Apply(&models.HeartbeatRecord{
		NodeID:    "node-1",
		Timestamp: t1,
		VMs:       []models.VMStatus{{VMID: "vm-1", ZoneState: "running"}},
	})
	transitions := u.Apply(&models.HeartbeatRecord{
		NodeID:    "node-1",
		Timestamp: t0,
		VMs:       []models.VMStatus{{VMID: "vm-1", ZoneState: "stopped"}},
	})

	assert.Empty(t, transitions)
	entry, ok := store.Get("vm-1")
	require.True(t, ok)
	assert.Equal(t, "running", entry.ZoneState, "older timestamp must not overwrite newer state")
}

func TestCacheUpdater_DuplicateHeartbeatIsNoOp(t *testing.T) {
	u, _, store := newUpdaterFixture(1)
	hb := heartbeat("node-1", 5, models.VMStatus{VMID: "vm-1", ZoneState: "running"})

	first := u.Apply(hb)
	require.Len(t, first, 1)
	before, _ := store.Get("vm-1")

	second := u.Apply(hb)
	assert.Empty(t, second)
	after, _ := store.Get("vm-1")
	assert.Equal(t, before.Revision, after.Revision)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestCacheUpdater_SameStateUpdateProducesNoTransition(t *testing.T) {
	u, _, store := newUpdaterFixture(1)

	u.Apply(heartbeat("node-1", 1, models.VMStatus{VMID: "vm-1", ZoneState: "running", LifecycleState: "active"}))
	transitions := u.Apply(heartbeat("node-1", 2, models.VMStatus{VMID: "vm-1", ZoneState: "running", LifecycleState: "active"}))

	assert.Empty(t, transitions, "unchanged state advances the revision silently")
	entry, _ := store.Get("vm-1")
	assert.Equal(t, uint64(2), entry.Revision)
}

func TestCacheUpdater_MalformedTupleSkippedWithoutFailingRecord(t *testing.T) {
	u, _, store := newUpdaterFixture(1)

	transitions := u.Apply(heartbeat("node-1", 1,
		models.VMStatus{VMID: "", ZoneState: "running"},
		models.VMStatus{VMID: "vm-2", ZoneState: ""},
		models.VMStatus{VMID: "vm-3", ZoneState: "running"},
	))

	require.Len(t, transitions, 1)
	assert.Equal(t, "vm-3", transitions[0].VMID)
	assert.Equal(t, uint64(2), u.Stats().ValidationErrors)

	_, ok := store.Get("vm-2")
	assert.False(t, ok)
}

func TestCacheUpdater_WorkerPoolDrainsQueue(t *testing.T) {
	u, q, store := newUpdaterFixture(2)
	sink := &recordedTransitions{}
	u.AddListener(sink)

	require.NoError(t, u.Start())
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, q.Push(heartbeat("node-1", i,
			models.VMStatus{VMID: "vm-1", ZoneState: "running", LifecycleState: "active"},
		)))
	}

	// Stop closes the queue and waits for the workers to drain it.
	require.NoError(t, u.Stop())

	entry, ok := store.Get("vm-1")
	require.True(t, ok)
	assert.Equal(t, uint64(10), entry.Revision)
	assert.GreaterOrEqual(t, len(sink.all()), 1)

	stats := u.Stats()
	assert.Equal(t, uint64(10), stats.Applied+stats.Stale)
}

func TestCacheUpdater_StartStopGuards(t *testing.T) {
	u, _, _ := newUpdaterFixture(1)

	assert.Error(t, u.Stop(), "stop before start must fail")
	require.NoError(t, u.Start())
	assert.Error(t, u.Start(), "second start must fail")
	require.NoError(t, u.Stop())
}
