// Package queue implements the bounded, concurrency-limited FIFO that
// sits between the heartbeat receiver and the cache update workers.
// Saturation and drain are signaled conditions, not errors: the queue
// reports them to registered listeners on the transition edge and keeps
// accepting work according to its admission policy.
package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratovm/heartbeatd/internal/models"
)

// Policy governs what a push does when the queue is at capacity.
type Policy string

const (
	// PolicyBlock suspends the pusher until space frees. Default; no
	// heartbeat is silently lost under transient load.
	PolicyBlock Policy = "block"
	// PolicyDropNewest rejects the incoming item.
	PolicyDropNewest Policy = "drop-newest"
	// PolicyDropOldest evicts the head of the queue to make room.
	PolicyDropOldest Policy = "drop-oldest"
)

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyBlock, PolicyDropNewest, PolicyDropOldest:
		return Policy(s), nil
	case "":
		return PolicyBlock, nil
	}
	return "", fmt.Errorf("unknown admission policy %q", s)
}

// Listener receives the queue's lifecycle signals. Calls are made from
// queue goroutines without the queue lock held; implementations must be
// fast and must tolerate losing signals (visibility only, never
// correctness).
type Listener interface {
	// OnPush fires after every successful admission with the post-push
	// depth and the in-flight count at that moment.
	OnPush(depth, inflight int)
	// OnSaturated fires once per saturation episode, on the transition
	// into a full queue.
	OnSaturated()
	// OnDrained fires once each time depth and in-flight both return
	// to zero.
	OnDrained()
}

// Stats is a point-in-time snapshot of the queue's counters.
type Stats struct {
	Depth       int
	Inflight    int
	Pushed      uint64
	Rejected    uint64
	Evicted     uint64
	Undelivered uint64
}

// BoundedQueue is a fixed-capacity FIFO with a ceiling on concurrently
// dispatched items. Push admits according to the configured policy; Pop
// blocks workers until an item and a concurrency slot are both
// available; Done returns the slot and may complete a drain.
type BoundedQueue struct {
	capacity    int
	concurrency int
	policy      Policy
	logger      zerolog.Logger

	mu        sync.Mutex
	notFull   *sync.Cond
	notEmpty  *sync.Cond
	items     []*models.QueueItem
	inflight  int
	saturated bool
	active    bool
	closed    bool
	forced    bool

	listeners []Listener

	pushed      atomic.Uint64
	rejected    atomic.Uint64
	evicted     atomic.Uint64
	undelivered atomic.Uint64
}

// NewBoundedQueue builds a queue with capacity c and concurrency limit k.
// k is clamped into [1, c].
func NewBoundedQueue(c, k int, policy Policy, logger zerolog.Logger) *BoundedQueue {
	if c < 1 {
		c = 1
	}
	if k < 1 {
		k = 1
	}
	if k > c {
		k = c
	}
	q := &BoundedQueue{
		capacity:    c,
		concurrency: k,
		policy:      policy,
		logger:      logger,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// AddListener registers a signal consumer. Not safe to call after the
// queue has started moving items; wire listeners during construction.
func (q *BoundedQueue) AddListener(l Listener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// Push admits one heartbeat. Under the block policy it suspends the
// caller while the queue is full; under the drop policies it returns
// models.ErrQueueFull (drop-newest) or evicts the head (drop-oldest).
// After Close it returns models.ErrShutdown.
func (q *BoundedQueue) Push(record *models.HeartbeatRecord) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return models.ErrShutdown
	}

	// Each markSaturatedLocked that begins a new episode queues one
	// signal; a blocked push can legitimately see two episodes (full on
	// arrival, refilled after waking).
	satFires := 0
	if len(q.items) >= q.capacity {
		if q.markSaturatedLocked() {
			satFires++
		}
		switch q.policy {
		case PolicyDropNewest:
			q.rejected.Add(1)
			listeners := q.listeners
			q.mu.Unlock()
			q.emitSaturated(listeners, satFires)
			return models.ErrQueueFull
		case PolicyDropOldest:
			evicted := q.items[0]
			q.items = q.items[1:]
			q.evicted.Add(1)
			q.logger.Warn().
				Str("node_id", evicted.Record.NodeID).
				Msg("Evicted oldest queued heartbeat to admit a new one")
		default:
			for len(q.items) >= q.capacity && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				listeners := q.listeners
				q.mu.Unlock()
				q.emitSaturated(listeners, satFires)
				return models.ErrShutdown
			}
		}
	}

	item := &models.QueueItem{
		Record:          record,
		EnqueuedAt:      time.Now(),
		DepthAtAdmit:    len(q.items) + 1,
		InflightAtAdmit: q.inflight,
	}
	q.items = append(q.items, item)
	q.active = true
	q.pushed.Add(1)
	if len(q.items) >= q.capacity && q.markSaturatedLocked() {
		satFires++
	}
	depth, inflight := len(q.items), q.inflight
	listeners := q.listeners
	q.notEmpty.Signal()
	q.mu.Unlock()

	q.emitSaturated(listeners, satFires)
	for _, l := range listeners {
		l.OnPush(depth, inflight)
	}
	return nil
}

// Pop blocks until an item is available and an in-flight slot is free,
// then dispatches the head of the queue to the caller. The caller owns
// the item until it calls Done. Returns models.ErrShutdown once the
// queue is closed and, for a graceful close, fully drained.
func (q *BoundedQueue) Pop() (*models.QueueItem, error) {
	q.mu.Lock()
	for {
		if q.closed && (q.forced || len(q.items) == 0) {
			q.mu.Unlock()
			return nil, models.ErrShutdown
		}
		if len(q.items) > 0 && q.inflight < q.concurrency {
			break
		}
		q.notEmpty.Wait()
	}

	item := q.items[0]
	q.items = q.items[1:]
	q.inflight++
	if q.saturated && len(q.items) < q.capacity {
		q.saturated = false
	}
	q.notFull.Signal()
	q.mu.Unlock()
	return item, nil
}

// Done releases the in-flight slot held since the corresponding Pop and
// emits the drain signal when the queue has returned to empty with no
// work outstanding.
func (q *BoundedQueue) Done() {
	q.mu.Lock()
	if q.inflight > 0 {
		q.inflight--
	}
	drained := false
	if q.active && len(q.items) == 0 && q.inflight == 0 {
		q.active = false
		drained = true
	}
	listeners := q.listeners
	q.notEmpty.Signal()
	q.mu.Unlock()

	if drained {
		for _, l := range listeners {
			l.OnDrained()
		}
	}
}

// Close stops admission. Queued items remain poppable so workers can
// drain; once empty, Pop returns models.ErrShutdown.
func (q *BoundedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

// CloseNow stops admission and abandons queued items, returning the
// number of heartbeats that will never be delivered to a worker.
func (q *BoundedQueue) CloseNow() int {
	q.mu.Lock()
	q.closed = true
	q.forced = true
	n := len(q.items)
	q.items = nil
	q.undelivered.Add(uint64(n))
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
	if n > 0 {
		q.logger.Warn().Int("undelivered", n).Msg("Forced queue shutdown abandoned queued heartbeats")
	}
	return n
}

// Len reports the current queue depth.
func (q *BoundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Inflight reports how many dispatched items are being processed.
func (q *BoundedQueue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Saturated reports whether the queue is inside a saturation episode.
func (q *BoundedQueue) Saturated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.saturated
}

// Stats returns a snapshot of the queue counters.
func (q *BoundedQueue) Stats() Stats {
	q.mu.Lock()
	depth, inflight := len(q.items), q.inflight
	q.mu.Unlock()
	return Stats{
		Depth:       depth,
		Inflight:    inflight,
		Pushed:      q.pushed.Load(),
		Rejected:    q.rejected.Load(),
		Evicted:     q.evicted.Load(),
		Undelivered: q.undelivered.Load(),
	}
}

// markSaturatedLocked flips the saturation flag and reports whether this
// call began a new episode. Caller holds q.mu.
func (q *BoundedQueue) markSaturatedLocked() bool {
	if q.saturated {
		return false
	}
	q.saturated = true
	q.logger.Warn().
		Int("capacity", q.capacity).
		Int("inflight", q.inflight).
		Msg("Heartbeat queue saturated")
	return true
}

func (q *BoundedQueue) emitSaturated(listeners []Listener, fires int) {
	for i := 0; i < fires; i++ {
		for _, l := range listeners {
			l.OnSaturated()
		}
	}
}
