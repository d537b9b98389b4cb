// Package fleet provides the etcd-backed fleet registry: serving
// instances register themselves under a key prefix with TTL leases and
// publish load reports as values; the control plane watches the prefix
// for membership churn and collects the latest reports as a load
// snapshot.
package fleet

import (
	"context"
	"sort"

	"github.com/llm-serving/dispatchd/dispatch"
)

// EventType distinguishes fleet membership events.
type EventType int

const (
	// InstanceJoined marks an instance appearing under the registry prefix.
	InstanceJoined EventType = iota
	// InstanceLeft marks an instance disappearing (deregistration or
	// lease expiry).
	InstanceLeft
)

// Event is one membership change observed by Watch.
type Event struct {
	Type       EventType
	InstanceID string
}

// Registry is the fleet membership and load-report store.
//
// Register/Publish/Deregister form the instance-side surface; Watch and
// Collect form the control-plane side. Implementations must deliver
// Collect results as latest-value-wins snapshots.
type Registry interface {
	// Register announces an instance with its initial load report. The
	// registration stays alive via keepalive heartbeats and disappears
	// automatically if the instance crashes.
	Register(ctx context.Context, report dispatch.InstanceLoadInfo) error

	// Publish replaces the instance's load report with a fresh one.
	Publish(ctx context.Context, report dispatch.InstanceLoadInfo) error

	// Deregister removes an instance during graceful shutdown.
	Deregister(ctx context.Context, instanceID string) error

	// Watch emits membership events until ctx is cancelled. The first
	// notifications replay the current membership as joins.
	Watch(ctx context.Context) (<-chan Event, error)

	// Collect fetches the current load reports of all registered
	// instances. Malformed entries are skipped.
	Collect(ctx context.Context) (dispatch.Snapshot, error)

	// Close releases the underlying client.
	Close() error
}

// diffMembership compares two membership sets and returns the join/leave
// events that turn prev into cur, in lexical id order (leaves first) so
// that capacity freed by departures is observed before new arrivals claim
// it.
func diffMembership(prev, cur map[string]struct{}) []Event {
	var events []Event
	for id := range prev {
		if _, ok := cur[id]; !ok {
			events = append(events, Event{Type: InstanceLeft, InstanceID: id})
		}
	}
	for id := range cur {
		if _, ok := prev[id]; !ok {
			events = append(events, Event{Type: InstanceJoined, InstanceID: id})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Type != events[j].Type {
			return events[i].Type == InstanceLeft
		}
		return events[i].InstanceID < events[j].InstanceID
	})
	return events
}
