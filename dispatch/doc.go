// Package dispatch implements the request-dispatch layer of the serving
// control plane: deciding, per incoming request, which serving instance
// receives it, and keeping a bounded subset of the fleet eligible for new
// work as instances join and leave.
//
// # Reading Guide
//
// Start with these files:
//   - scheduler.go: membership state machine, eligible-set capacity and
//     backfill, dispatch orchestration
//   - policy.go: the five selection policies and their registry
//   - instance.go: the load records pushed in by the external calculator
//
// # Architecture
//
// The package defines the single-writer scheduler core; the surrounding
// plumbing lives in sub-packages:
//   - dispatch/fleet/: etcd-backed fleet registry (membership watch and
//     load-report collection)
//   - dispatch/server/: HTTP surface and the operation loop that
//     serializes all scheduler access
//
// The scheduler does not measure load, talk to instances, or persist
// state; load snapshots and membership events are pushed in by the
// collaborators above.
package dispatch
