// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package fake

import (
	"context"
	"errors"

	"github.com/zeroscale/zeroscale/pkg/datapath"
	"github.com/zeroscale/zeroscale/pkg/lock"
	"github.com/zeroscale/zeroscale/pkg/maps/scalemap"
	fakemap "github.com/zeroscale/zeroscale/pkg/maps/scalemap/fake"
	"github.com/zeroscale/zeroscale/pkg/types"
)

// Verdict is the outcome of classifying one packet, mirroring the XDP
// return codes.
type Verdict int

const (
	// VerdictPass lets the packet through to the network stack.
	VerdictPass Verdict = iota

	// VerdictDrop discards the packet.
	VerdictDrop
)

func (v Verdict) String() string {
	if v == VerdictPass {
		return "pass"
	}
	return "drop"
}

// ringSize bounds the buffered wake events, standing in for the perf
// ring. Overflowing emissions are counted as lost.
const ringSize = 256

var _ datapath.Datapath = (*Datapath)(nil)

// Datapath replicates the XDP interception program in Go against an
// in-memory scale table. Packets are injected with Classify.
type Datapath struct {
	mutex    lock.Mutex
	table    *fakemap.Map
	attached bool
	emitted  []datapath.WakeEvent
	lost     uint64

	ring chan datapath.WakeEvent
}

// NewDatapath returns a fake datapath classifying against table.
func NewDatapath(table *fakemap.Map) *Datapath {
	return &Datapath{
		table: table,
		ring:  make(chan datapath.WakeEvent, ringSize),
	}
}

// Classify runs one packet destined to ip through the interception
// algorithm: unmonitored services pass, active services pass and refresh
// their activity stamp, idle services race to begin a scale-up with
// exactly one winner emitting a wake event, and everything else is held
// back.
func (d *Datapath) Classify(ip types.IPv4) Verdict {
	val, err := d.table.Lookup(ip)
	if err != nil {
		return VerdictPass
	}

	switch val.State {
	case scalemap.StateActive:
		d.table.TouchActivity(ip)
		return VerdictPass
	case scalemap.StateIdle:
		if gen, won := d.table.TryMarkScalingUp(ip); won {
			d.emit(datapath.WakeEvent{Generation: gen, IP: ip})
		}
		return VerdictDrop
	case scalemap.StateScalingUp, scalemap.StateScalingDown:
		return VerdictDrop
	default:
		// Unresolvable state for a monitored service, hold traffic back.
		return VerdictDrop
	}
}

func (d *Datapath) emit(ev datapath.WakeEvent) {
	d.mutex.Lock()
	d.emitted = append(d.emitted, ev)
	d.mutex.Unlock()

	select {
	case d.ring <- ev:
	default:
		d.mutex.Lock()
		d.lost++
		d.mutex.Unlock()
	}
}

// Emitted returns a copy of all wake events emitted so far.
func (d *Datapath) Emitted() []datapath.WakeEvent {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	out := make([]datapath.WakeEvent, len(d.emitted))
	copy(out, d.emitted)
	return out
}

// Lost returns the number of wake events dropped on ring overflow.
func (d *Datapath) Lost() uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.lost
}

// Attach marks the datapath as attached.
func (d *Datapath) Attach() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.attached = true
	return nil
}

// Detach marks the datapath as detached.
func (d *Datapath) Detach() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if !d.attached {
		return errors.New("not attached")
	}
	d.attached = false
	return nil
}

// Attached reports whether Attach has been called.
func (d *Datapath) Attached() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.attached
}

// RunEventListener dispatches emitted wake events to h until ctx is
// cancelled.
func (d *Datapath) RunEventListener(ctx context.Context, h datapath.EventHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.ring:
			h.HandleWakeEvent(ev)
		}
	}
}

// Close implements datapath.Datapath.
func (d *Datapath) Close() error {
	return nil
}
