// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package datapath

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/zeroscale/zeroscale/pkg/logging"
	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
	"github.com/zeroscale/zeroscale/pkg/types"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "datapath")

// WakeEvent is the userspace view of struct zs_wake_event emitted by the
// XDP program when it wins the idle transition for a service. Generation
// identifies the scale-up attempt the event belongs to.
type WakeEvent struct {
	Generation uint64
	IP         types.IPv4
}

func (e WakeEvent) String() string {
	return fmt.Sprintf("ip=%s generation=%d", e.IP, e.Generation)
}

// wakeEventSize is the wire size of struct zs_wake_event, including the
// trailing padding the compiler inserts after the address.
const wakeEventSize = 16

// decodeWakeEvent parses a raw perf sample. The generation counter is
// written by the CPU in native byte order, the address stays in network
// order as it appeared in the IPv4 header.
func decodeWakeEvent(raw []byte) (WakeEvent, error) {
	if len(raw) < wakeEventSize {
		return WakeEvent{}, fmt.Errorf("wake event truncated: %d bytes", len(raw))
	}
	var ev WakeEvent
	ev.Generation = binary.NativeEndian.Uint64(raw[0:8])
	copy(ev.IP[:], raw[8:12])
	return ev, nil
}

// EventHandler consumes wake events read from the datapath.
type EventHandler interface {
	HandleWakeEvent(ev WakeEvent)
}

// Datapath loads the XDP interception program, manages its attachment to
// the configured devices and streams wake events to a handler.
type Datapath interface {
	// Attach attaches the interception program to all configured devices.
	Attach() error

	// Detach removes the interception program from all configured devices.
	Detach() error

	// RunEventListener blocks reading wake events from the perf ring and
	// dispatches them to h until ctx is cancelled.
	RunEventListener(ctx context.Context, h EventHandler) error

	// Close releases the loaded collection. The scale table passed at
	// construction stays open, it is owned by the caller.
	Close() error
}
