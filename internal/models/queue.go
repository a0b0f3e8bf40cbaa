package models

import "time"

// QueueItem wraps one heartbeat on its way through the bounded queue,
// together with the queue's shape at admission time. The depth and
// in-flight values are what external observers chart to spot saturation
// trends.
type QueueItem struct {
	Record          *HeartbeatRecord
	EnqueuedAt      time.Time
	DepthAtAdmit    int
	InflightAtAdmit int
}
