package models

import (
	"errors"
	"time"
)

// VMStatus is one per-VM tuple inside a heartbeat: the state of a single
// virtual machine as reported by the compute node hosting it.
type VMStatus struct {
	VMID           string            `json:"vm_id"`
	ZoneState      string            `json:"zone_state"`
	LifecycleState string            `json:"lifecycle_state"`
	ZonePath       string            `json:"zone_path,omitempty"`
	Brand          string            `json:"brand,omitempty"`
	Shared         bool              `json:"shared,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Validate checks that the tuple carries the fields the cache needs.
func (v *VMStatus) Validate() error {
	if v.VMID == "" {
		return errors.New("vm status is missing vm_id")
	}
	if v.ZoneState == "" {
		return errors.New("vm status is missing zone_state")
	}
	return nil
}

// HeartbeatRecord is one decoded state report from a compute node.
// Records are immutable after decode; they travel through the processing
// queue inside a QueueItem and are discarded once applied.
type HeartbeatRecord struct {
	NodeID    string     `json:"node_id"`
	Timestamp time.Time  `json:"timestamp"`
	Sequence  uint64     `json:"sequence,omitempty"`
	VMs       []VMStatus `json:"vms"`

	// ReceivedAt is stamped by the receiver, not the node.
	ReceivedAt time.Time `json:"-"`
}

// Validate enforces the admission rules for a decoded heartbeat: a node
// identifier, an orderable revision source and at least one well-formed
// VM tuple. Malformed tuples beyond the first valid one are tolerated
// here and skipped individually during apply.
func (h *HeartbeatRecord) Validate() error {
	if h.NodeID == "" {
		return errors.New("heartbeat is missing node_id")
	}
	if h.Timestamp.IsZero() && h.Sequence == 0 {
		return errors.New("heartbeat carries neither timestamp nor sequence")
	}
	for i := range h.VMs {
		if h.VMs[i].Validate() == nil {
			return nil
		}
	}
	return errors.New("heartbeat contains no well-formed vm status")
}

// EffectiveRevision orders heartbeats for the revision check. The node's
// monotonic sequence counter wins when supplied; otherwise the report
// timestamp is used.
func (h *HeartbeatRecord) EffectiveRevision() uint64 {
	if h.Sequence > 0 {
		return h.Sequence
	}
	return uint64(h.Timestamp.UnixNano())
}

// VMTransition describes an observable per-VM state change produced by
// applying a heartbeat. Emitted only when the zone or lifecycle state
// actually differs from the cached value.
type VMTransition struct {
	VMID         string `json:"vm_id"`
	OldZoneState string `json:"old_zone_state"`
	NewZoneState string `json:"new_zone_state"`
	OldLifecycle string `json:"old_lifecycle_state"`
	NewLifecycle string `json:"new_lifecycle_state"`
	Revision     uint64 `json:"revision"`
}
