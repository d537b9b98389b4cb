package dispatch

import (
	"math/rand"
	"sort"
)

// RankMetric identifies which snapshot field a policy ranks instances by.
// RankNone means the policy works from dispatch counters alone and the
// scheduler skips rebuilding the sorted view for it.
type RankMetric int

const (
	RankNone RankMetric = iota
	RankLoad
	RankQueueDepth
)

// DispatchPolicy decides which eligible instance receives the next request.
//
// counts maps every eligible instance id to the number of requests already
// dispatched to it. sortedView holds the latest load records of eligible
// instances, stable-sorted ascending by the policy's RankMetric; it is
// only populated for policies whose RankBy is not RankNone. Select is
// invoked only when the policy's input universe is non-empty.
type DispatchPolicy interface {
	Select(counts map[string]int, sortedView []InstanceLoadInfo) string
	RankBy() RankMetric
}

// Flood concentrates traffic on the instance that already has the maximum
// dispatch count. Intentionally unbalanced; used only to generate
// concentrated load in tests and experiments.
type Flood struct{}

// Select implements DispatchPolicy for Flood.
func (f *Flood) Select(counts map[string]int, _ []InstanceLoadInfo) string {
	var target string
	max := -1
	for id, n := range counts {
		if n > max {
			max = n
			target = id
		}
	}
	return target
}

// RankBy implements DispatchPolicy for Flood.
func (f *Flood) RankBy() RankMetric { return RankNone }

// Balanced dispatches to the instance with the minimum dispatch count,
// a round-robin-by-count fairness: with a fixed eligible set, counters
// never drift apart by more than one.
type Balanced struct{}

// Select implements DispatchPolicy for Balanced.
func (b *Balanced) Select(counts map[string]int, _ []InstanceLoadInfo) string {
	var target string
	min := -1
	for id, n := range counts {
		if min == -1 || n < min {
			min = n
			target = id
		}
	}
	return target
}

// RankBy implements DispatchPolicy for Balanced.
func (b *Balanced) RankBy() RankMetric { return RankNone }

// LeastLoad dispatches to the head of the sorted view: the instance whose
// scaled load score is minimal (lower = less loaded). Ties keep the sorted
// view's stable order.
type LeastLoad struct{}

// Select implements DispatchPolicy for LeastLoad.
func (l *LeastLoad) Select(_ map[string]int, sortedView []InstanceLoadInfo) string {
	return sortedView[0].InstanceID
}

// RankBy implements DispatchPolicy for LeastLoad.
func (l *LeastLoad) RankBy() RankMetric { return RankLoad }

// ShortestQueue dispatches uniformly at random among the instances sharing
// the minimum queue depth. The random source is injected so tests can fix
// the seed.
type ShortestQueue struct {
	rng *rand.Rand
}

// Select implements DispatchPolicy for ShortestQueue.
func (q *ShortestQueue) Select(_ map[string]int, sortedView []InstanceLoadInfo) string {
	minDepth := sortedView[0].QueueDepth
	ties := 1
	for ties < len(sortedView) && sortedView[ties].QueueDepth == minDepth {
		ties++
	}
	return sortedView[q.rng.Intn(ties)].InstanceID
}

// RankBy implements DispatchPolicy for ShortestQueue.
func (q *ShortestQueue) RankBy() RankMetric { return RankQueueDepth }

// RoundRobin cycles through the eligible instances in lexical id order,
// advancing a persistent cursor one position per dispatch. Membership
// changes between calls can cause skips or repeats; there is no strict
// cyclic guarantee under churn.
type RoundRobin struct {
	prevIdx int
}

// NewRoundRobin returns a RoundRobin whose first selection is the lexically
// smallest eligible id.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{prevIdx: -1}
}

// Select implements DispatchPolicy for RoundRobin.
func (rr *RoundRobin) Select(counts map[string]int, _ []InstanceLoadInfo) string {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rr.prevIdx = (rr.prevIdx + 1) % len(ids)
	return ids[rr.prevIdx]
}

// RankBy implements DispatchPolicy for RoundRobin.
func (rr *RoundRobin) RankBy() RankMetric { return RankNone }

// ValidDispatchPolicies is the set of recognized dispatch policy names.
// Shared by Config.Validate and NewDispatchPolicy to avoid duplication.
var ValidDispatchPolicies = map[string]bool{
	"flood":    true,
	"balanced": true,
	"load":     true,
	"queue":    true,
	"rr":       true,
}

// PolicyNames returns the recognized dispatch policy names in sorted order.
func PolicyNames() []string {
	names := make([]string, 0, len(ValidDispatchPolicies))
	for name := range ValidDispatchPolicies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDispatchPolicy resolves a policy name to a constructed policy.
// rng seeds the queue policy's tie-breaking; other policies ignore it.
// Returns UnknownPolicyError for unrecognized names, so misconfiguration
// fails at setup rather than on the first request.
func NewDispatchPolicy(name string, rng *rand.Rand) (DispatchPolicy, error) {
	switch name {
	case "flood":
		return &Flood{}, nil
	case "balanced":
		return &Balanced{}, nil
	case "load":
		return &LeastLoad{}, nil
	case "queue":
		return &ShortestQueue{rng: rng}, nil
	case "rr":
		return NewRoundRobin(), nil
	default:
		return nil, &UnknownPolicyError{Name: name}
	}
}
