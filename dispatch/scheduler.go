package dispatch

import (
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
)

// statsEmitInterval is the dispatch cadence at which the scheduler pushes
// a statistics snapshot to its StatsSink.
const statsEmitInterval = 100

// Scheduler owns instance membership for request dispatch: the full fleet,
// the bounded subset of instances eligible for new requests, per-instance
// dispatch counters, and the latest load snapshot. It invokes the
// configured DispatchPolicy once per request.
//
// Scheduler is a single-writer object: it performs no internal locking and
// must be driven by exactly one goroutine (see server.Loop). No method
// blocks; everything is synchronous in-memory computation.
type Scheduler struct {
	policy   DispatchPolicy
	capacity int // max eligible instances; <= 0 means unbounded

	allInstances map[string]struct{}
	eligible     map[string]struct{}

	// dispatchCounts has exactly one entry per eligible instance and
	// doubles as the counting policies' view of the eligible set.
	dispatchCounts map[string]int

	lastSnapshot  Snapshot
	sortedView    []InstanceLoadInfo
	totalRequests int

	backfillRNG *rand.Rand
	stats       StatsSink
}

// NewScheduler constructs a Scheduler using the named dispatch policy and
// an eligible-set capacity (capacity <= 0 disables the bound). rng seeds
// queue tie-breaking and backfill selection; sink receives the periodic
// statistics snapshots (nil disables emission).
// Returns UnknownPolicyError for an unrecognized policy name.
func NewScheduler(policyName string, capacity int, rng *PartitionedRNG, sink StatsSink) (*Scheduler, error) {
	policy, err := NewDispatchPolicy(policyName, rng.ForSubsystem(SubsystemPolicy))
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		policy:         policy,
		capacity:       capacity,
		allInstances:   make(map[string]struct{}),
		eligible:       make(map[string]struct{}),
		dispatchCounts: make(map[string]int),
		backfillRNG:    rng.ForSubsystem(SubsystemBackfill),
		stats:          sink,
	}, nil
}

// UpdateInstanceInfos replaces the held load snapshot wholesale. Ids
// unknown to the scheduler are simply invisible to ranking; no validation
// is performed. Idempotent.
func (s *Scheduler) UpdateInstanceInfos(snapshot Snapshot) {
	s.lastSnapshot = snapshot
}

// AddInstance registers an instance with the fleet. Non-decode-only
// instances become eligible for dispatch while the eligible set has
// room (or unconditionally when the capacity bound is disabled); their
// dispatch counter starts at zero. Decode-only instances join the fleet
// but are excluded from eligibility entirely.
func (s *Scheduler) AddInstance(instanceID string) {
	s.allInstances[instanceID] = struct{}{}
	if IsDecodeOnly(instanceID) {
		return
	}
	if s.capacity <= 0 || len(s.eligible) < s.capacity {
		s.eligible[instanceID] = struct{}{}
		s.dispatchCounts[instanceID] = 0
	}
}

// RemoveInstance deregisters an instance. Removing an id that was never
// added returns InstanceNotFoundError and leaves all state unchanged.
//
// An instance without a dispatch counter (never eligible, e.g. decode-only)
// is logged as a warning and removal proceeds. If the removed instance was
// eligible and the remaining fleet can still saturate the capacity bound,
// one currently-ineligible instance is promoted to backfill the freed slot.
func (s *Scheduler) RemoveInstance(instanceID string) error {
	if _, ok := s.allInstances[instanceID]; !ok {
		return &InstanceNotFoundError{ID: instanceID}
	}
	delete(s.allInstances, instanceID)

	if _, ok := s.dispatchCounts[instanceID]; ok {
		delete(s.dispatchCounts, instanceID)
	} else {
		logrus.Warnf("instance %s has no dispatch counter (never eligible)", instanceID)
	}

	if _, ok := s.eligible[instanceID]; ok {
		delete(s.eligible, instanceID)
		if s.capacity > 0 && len(s.allInstances) >= s.capacity {
			s.backfill()
		}
	}
	return nil
}

// backfill promotes one ineligible, non-decode-only instance into the
// eligible set. The pick is uniform over the candidates; callers must not
// rely on which one is chosen. The promoted instance always gets a zero
// dispatch counter so counting and ranking policies agree on the eligible
// universe (see DESIGN.md).
func (s *Scheduler) backfill() {
	candidates := make([]string, 0, len(s.allInstances)-len(s.eligible))
	for id := range s.allInstances {
		if _, ok := s.eligible[id]; ok {
			continue
		}
		if IsDecodeOnly(id) {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return
	}
	sort.Strings(candidates)
	promoted := candidates[s.backfillRNG.Intn(len(candidates))]
	s.eligible[promoted] = struct{}{}
	s.dispatchCounts[promoted] = 0
}

// Dispatch selects the instance that should receive the next request and
// increments its counter. Returns ErrNoAvailableInstance when no eligible
// instance exists, or when a ranking policy has no load records for any
// eligible instance. Every statsEmitInterval-th request a statistics
// snapshot goes to the sink; emission never affects the selection.
func (s *Scheduler) Dispatch() (string, error) {
	s.totalRequests++
	if s.policy.RankBy() != RankNone {
		s.rebuildSortedView()
		if len(s.sortedView) == 0 {
			return "", ErrNoAvailableInstance
		}
	} else if len(s.dispatchCounts) == 0 {
		return "", ErrNoAvailableInstance
	}

	instanceID := s.policy.Select(s.dispatchCounts, s.sortedView)
	s.dispatchCounts[instanceID]++

	if s.totalRequests%statsEmitInterval == 0 && s.stats != nil {
		s.stats.RecordDispatchStats(s.totalRequests, s.DispatchCounts())
	}
	return instanceID, nil
}

// rebuildSortedView filters the last snapshot to eligible instances and
// stable-sorts ascending by the policy's metric. Entries start in lexical
// id order so equal-metric instances rank deterministically even though
// snapshot maps iterate in random order.
func (s *Scheduler) rebuildSortedView() {
	view := make([]InstanceLoadInfo, 0, len(s.eligible))
	for id := range s.eligible {
		if info, ok := s.lastSnapshot[id]; ok {
			view = append(view, info)
		}
	}
	sort.Slice(view, func(i, j int) bool { return view[i].InstanceID < view[j].InstanceID })
	if s.policy.RankBy() == RankQueueDepth {
		sort.SliceStable(view, func(i, j int) bool { return view[i].QueueDepth < view[j].QueueDepth })
	} else {
		sort.SliceStable(view, func(i, j int) bool { return view[i].DispatchLoad < view[j].DispatchLoad })
	}
	s.sortedView = view
}

// TotalRequests returns the number of Dispatch calls so far.
func (s *Scheduler) TotalRequests() int {
	return s.totalRequests
}

// NumInstances returns the current fleet size.
func (s *Scheduler) NumInstances() int {
	return len(s.allInstances)
}

// EligibleInstances returns the ids currently eligible for dispatch in
// lexical order.
func (s *Scheduler) EligibleInstances() []string {
	ids := make([]string, 0, len(s.eligible))
	for id := range s.eligible {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DispatchCounts returns a copy of the per-instance dispatch counters.
func (s *Scheduler) DispatchCounts() map[string]int {
	counts := make(map[string]int, len(s.dispatchCounts))
	for id, n := range s.dispatchCounts {
		counts[id] = n
	}
	return counts
}
