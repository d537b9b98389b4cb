package dispatch

import (
	"hash/fnv"
	"math/rand"
)

// SchedulingKey seeds all randomness in the control plane. Two schedulers
// built from the same SchedulingKey and identical configuration make
// identical random choices (queue tie-breaks, backfill picks).
type SchedulingKey int64

// NewSchedulingKey creates a SchedulingKey from a seed value.
func NewSchedulingKey(seed int64) SchedulingKey {
	return SchedulingKey(seed)
}

const (
	// SubsystemPolicy is the RNG subsystem for policy tie-breaking
	// (uniform choice among equally-queued instances).
	SubsystemPolicy = "policy"

	// SubsystemBackfill is the RNG subsystem for choosing which
	// ineligible instance backfills a freed dispatch slot.
	SubsystemBackfill = "backfill"
)

// PartitionedRNG provides deterministic, isolated RNG instances per
// subsystem, derived as masterSeed XOR fnv1a64(subsystemName), so that
// draws in one subsystem never perturb another.
//
// Thread-safety: NOT thread-safe. Must be called from a single goroutine,
// which matches the scheduler's single-writer model.
type PartitionedRNG struct {
	key        SchedulingKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SchedulingKey.
func NewPartitionedRNG(key SchedulingKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named
// subsystem. The same subsystem name always returns the same *rand.Rand
// instance (cached). Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(int64(p.key) ^ fnv1a64(name)))
	p.subsystems[name] = rng
	return rng
}

// Key returns the SchedulingKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SchedulingKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
