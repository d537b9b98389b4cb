package dispatch

import "strings"

// InstanceLoadInfo is a lightweight view of one serving instance's load,
// produced by the external load calculator and pushed into the scheduler
// via UpdateInstanceInfos. The scheduler never computes these values itself.
type InstanceLoadInfo struct {
	InstanceID   string  `json:"instance_id"`
	DispatchLoad float64 `json:"dispatch_load"` // scaled load score, lower = less loaded
	QueueDepth   int     `json:"queue_depth"`   // requests waiting before execution
}

// Snapshot maps instance id to its most recent load record. Each delivery
// fully replaces the previous one; there is no incremental merge.
type Snapshot map[string]InstanceLoadInfo

// decodeOnlyTag marks instances reserved for continued/migrated work.
// The tag is an out-of-band naming convention owned by the fleet manager;
// the scheduler only interprets it.
const decodeOnlyTag = "decode"

// IsDecodeOnly reports whether the instance id is tagged as decode-only.
// Decode-only instances participate in the fleet but never receive
// fresh-request dispatch.
func IsDecodeOnly(instanceID string) bool {
	return strings.Contains(instanceID, decodeOnlyTag)
}
