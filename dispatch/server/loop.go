// Package server hosts the dispatch scheduler as a control-plane service:
// a single-consumer operation loop that serializes all scheduler access,
// a fleet synchronizer feeding membership and load snapshots into it, and
// the HTTP surface.
package server

import (
	"context"
	"errors"
	"sync"

	"github.com/llm-serving/dispatchd/dispatch"
)

// ErrLoopStopped is returned for operations submitted after Stop.
var ErrLoopStopped = errors.New("scheduler loop stopped")

// Loop owns a Scheduler and processes one operation at a time to
// completion, which is the external synchronization the single-writer
// scheduler requires: multi-step transitions like RemoveInstance's
// backfill are never observable half-applied.
type Loop struct {
	sched *dispatch.Scheduler
	ops   chan loopOp

	stop    chan struct{}
	stopped chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

type loopOp struct {
	fn   func()
	done chan struct{}
}

// NewLoop wraps sched in an unstarted Loop. The scheduler must not be
// touched directly once handed over.
func NewLoop(sched *dispatch.Scheduler) *Loop {
	return &Loop{
		sched:   sched,
		ops:     make(chan loopOp),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Safe to call more than once.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Stop shuts the loop down and waits for the consumer goroutine to exit.
// Operations still queued when Stop is called fail with ErrLoopStopped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	<-l.stopped
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.stop:
			return
		case op := <-l.ops:
			op.fn()
			close(op.done)
		}
	}
}

// do submits fn and waits for it to complete. fn runs on the consumer
// goroutine; captured result variables are safe to read once do returns
// nil.
func (l *Loop) do(ctx context.Context, fn func()) error {
	op := loopOp{fn: fn, done: make(chan struct{})}
	select {
	case l.ops <- op:
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-op.done:
		return nil
	case <-l.stopped:
		return ErrLoopStopped
	}
}

// Dispatch selects the target instance for one incoming request.
func (l *Loop) Dispatch(ctx context.Context) (string, error) {
	var (
		instanceID string
		err        error
	)
	if doErr := l.do(ctx, func() {
		instanceID, err = l.sched.Dispatch()
	}); doErr != nil {
		return "", doErr
	}
	return instanceID, err
}

// AddInstance registers an instance with the scheduler.
func (l *Loop) AddInstance(ctx context.Context, instanceID string) error {
	return l.do(ctx, func() {
		l.sched.AddInstance(instanceID)
	})
}

// RemoveInstance deregisters an instance from the scheduler.
func (l *Loop) RemoveInstance(ctx context.Context, instanceID string) error {
	var err error
	if doErr := l.do(ctx, func() {
		err = l.sched.RemoveInstance(instanceID)
	}); doErr != nil {
		return doErr
	}
	return err
}

// UpdateInstanceInfos replaces the scheduler's load snapshot.
func (l *Loop) UpdateInstanceInfos(ctx context.Context, snapshot dispatch.Snapshot) error {
	return l.do(ctx, func() {
		l.sched.UpdateInstanceInfos(snapshot)
	})
}

// Stats is a point-in-time view of the scheduler's bookkeeping.
type Stats struct {
	TotalRequests  int            `json:"total_requests"`
	FleetSize      int            `json:"fleet_size"`
	Eligible       []string       `json:"eligible_instances"`
	DispatchCounts map[string]int `json:"dispatch_counts"`
}

// Stats reads the scheduler's counters through the loop.
func (l *Loop) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := l.do(ctx, func() {
		stats = Stats{
			TotalRequests:  l.sched.TotalRequests(),
			FleetSize:      l.sched.NumInstances(),
			Eligible:       l.sched.EligibleInstances(),
			DispatchCounts: l.sched.DispatchCounts(),
		}
	}); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
