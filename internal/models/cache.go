package models

import "time"

// CacheEntry is the last-known state of one virtual machine. Revision is
// non-decreasing for a given VM; a heartbeat whose effective revision is
// not newer than the cached one leaves the entry untouched.
type CacheEntry struct {
	VMID           string            `json:"vm_id"`
	NodeID         string            `json:"node_id"`
	ZoneState      string            `json:"zone_state"`
	LifecycleState string            `json:"lifecycle_state"`
	ZonePath       string            `json:"zone_path,omitempty"`
	Brand          string            `json:"brand,omitempty"`
	Shared         bool              `json:"shared,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Revision       uint64            `json:"revision"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
