package server

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/llm-serving/dispatchd/dispatch"
	"github.com/llm-serving/dispatchd/dispatch/fleet"
)

// FleetSync bridges the fleet registry and the operation loop: membership
// events become AddInstance/RemoveInstance calls, and a periodic tick
// collects the registry's load reports into UpdateInstanceInfos. The
// clock is injectable so tests can drive the refresh deterministically.
type FleetSync struct {
	loop     *Loop
	registry fleet.Registry
	clock    clockwork.Clock
	interval time.Duration
}

// NewFleetSync creates an unstarted FleetSync. A nil clock defaults to
// the real one.
func NewFleetSync(loop *Loop, registry fleet.Registry, clock clockwork.Clock, interval time.Duration) *FleetSync {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FleetSync{
		loop:     loop,
		registry: registry,
		clock:    clock,
		interval: interval,
	}
}

// Run consumes membership events and refreshes load snapshots until ctx
// is cancelled or the registry's watch channel closes.
func (f *FleetSync) Run(ctx context.Context) error {
	events, err := f.registry.Watch(ctx)
	if err != nil {
		return err
	}
	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.apply(ctx, ev)
		case <-ticker.Chan():
			f.refresh(ctx)
		}
	}
}

func (f *FleetSync) apply(ctx context.Context, ev fleet.Event) {
	switch ev.Type {
	case fleet.InstanceJoined:
		if err := f.loop.AddInstance(ctx, ev.InstanceID); err != nil {
			logrus.Warnf("fleet sync: add %s: %v", ev.InstanceID, err)
		}
	case fleet.InstanceLeft:
		err := f.loop.RemoveInstance(ctx, ev.InstanceID)
		var notFound *dispatch.InstanceNotFoundError
		if errors.As(err, &notFound) {
			// Watch replay can report a departure the scheduler never
			// saw join; nothing to undo.
			logrus.Warnf("fleet sync: remove unknown instance %s", ev.InstanceID)
		} else if err != nil {
			logrus.Warnf("fleet sync: remove %s: %v", ev.InstanceID, err)
		}
	}
}

func (f *FleetSync) refresh(ctx context.Context) {
	snapshot, err := f.registry.Collect(ctx)
	if err != nil {
		logrus.Warnf("fleet sync: collect failed: %v", err)
		return
	}
	if err := f.loop.UpdateInstanceInfos(ctx, snapshot); err != nil {
		logrus.Warnf("fleet sync: snapshot update failed: %v", err)
	}
}
