// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

// Package scalemap provides access to the scale state table, the BPF hash
// map shared between the XDP program and the agent. It is the single source
// of truth for pass/drop decisions in the datapath.
package scalemap

import (
	"errors"
	"fmt"
	"path/filepath"
	"unsafe"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/zeroscale/zeroscale/pkg/defaults"
	"github.com/zeroscale/zeroscale/pkg/logging"
	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
	"github.com/zeroscale/zeroscale/pkg/types"
)

const (
	// MapName is the name of the scale state table. It is also the name
	// the map is pinned under.
	MapName = "zeroscale_services"

	// MaxEntries is the maximum number of monitored services.
	MaxEntries = defaults.ServiceTableSize
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "map-scale")

// ScaleKey is the key of the scale state table, the IPv4 cluster IP of a
// service in network byte order. Must match struct zs_key in bpf/zeroscale.h.
type ScaleKey struct {
	IP types.IPv4 `align:"ip"`
}

func (k *ScaleKey) String() string {
	return k.IP.String()
}

// ScaleValue is the value of the scale state table. Must match struct
// zs_service in bpf/zeroscale.h.
//
// State and Generation are written by the XDP program when it wins the
// idle to scaling-up transition, LastActivity on every passed packet of an
// active service. All other writes belong to the controller.
type ScaleValue struct {
	State        State  `align:"state"`
	Replicas     uint32 `align:"replicas"`
	LastActivity uint64 `align:"last_activity"`
	Generation   uint64 `align:"generation"`
}

func (v *ScaleValue) String() string {
	return fmt.Sprintf("state=%s replicas=%d generation=%d", v.State, v.Replicas, v.Generation)
}

// Map is the userspace handle of the scale state table.
type Map struct {
	*ebpf.Map

	path string
}

func newMapSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       MapName,
		Type:       ebpf.Hash,
		KeySize:    uint32(unsafe.Sizeof(ScaleKey{})),
		ValueSize:  uint32(unsafe.Sizeof(ScaleValue{})),
		MaxEntries: uint32(MaxEntries),
		Flags:      unix.BPF_F_NO_PREALLOC,
		Pinning:    ebpf.PinByName,
	}
}

// OpenOrCreate opens the scale state table pinned below pinDir, creating and
// pinning it first if it does not exist yet. Reusing an existing pin is what
// lets table state survive agent restarts.
func OpenOrCreate(pinDir string) (*Map, error) {
	m, err := ebpf.NewMapWithOptions(newMapSpec(), ebpf.MapOptions{
		PinPath: pinDir,
	})
	if err != nil {
		return nil, fmt.Errorf("opening map %s in %s: %w", MapName, pinDir, err)
	}

	path := filepath.Join(pinDir, MapName)
	log.WithField(logfields.BPFMapPath, path).Debug("Opened scale state table")

	return &Map{Map: m, path: path}, nil
}

// Path returns the bpffs pin path of the map.
func (m *Map) Path() string {
	return m.path
}

// Lookup returns the entry for ip. If ip is not monitored, the error wraps
// ebpf.ErrKeyNotExist.
func (m *Map) Lookup(ip types.IPv4) (*ScaleValue, error) {
	key := ScaleKey{IP: ip}
	val := ScaleValue{}

	if err := m.Map.Lookup(&key, &val); err != nil {
		return nil, err
	}

	return &val, nil
}

// Update writes the entire entry for ip.
func (m *Map) Update(ip types.IPv4, val *ScaleValue) error {
	key := ScaleKey{IP: ip}
	return m.Map.Update(&key, val, 0)
}

// Delete removes the entry for ip. Deleting a missing entry is not an error.
func (m *Map) Delete(ip types.IPv4) error {
	key := ScaleKey{IP: ip}
	if err := m.Map.Delete(&key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}
	return nil
}

// SetState writes a new state and generation for ip, preserving the replica
// count. A transition to StateActive also resets the activity timestamp so
// that idleness is measured from activation, not from the last packet that
// arrived before the scale-up.
func (m *Map) SetState(ip types.IPv4, state State, generation uint64) error {
	val, err := m.Lookup(ip)
	if err != nil {
		return err
	}

	val.State = state
	val.Generation = generation
	if state == StateActive {
		val.LastActivity = MonotonicNow()
	}

	return m.Update(ip, val)
}

// UpdateReplicas stores the observed replica count for ip, preserving all
// other fields.
func (m *Map) UpdateReplicas(ip types.IPv4, replicas uint32) error {
	val, err := m.Lookup(ip)
	if err != nil {
		return err
	}

	val.Replicas = replicas

	return m.Update(ip, val)
}

// IterateCallback represents the signature of the callback function expected
// by the IterateWithCallback method, which is used to iterate all entries of
// the scale state table.
type IterateCallback func(*ScaleKey, *ScaleValue)

// IterateWithCallback iterates through all entries of the table, passing
// each entry to cb.
func (m *Map) IterateWithCallback(cb IterateCallback) error {
	var key ScaleKey
	var val ScaleValue

	iter := m.Map.Iterate()
	for iter.Next(&key, &val) {
		k, v := key, val
		cb(&k, &v)
	}

	return iter.Err()
}

// MonotonicNow returns the current CLOCK_MONOTONIC reading in nanoseconds,
// the same clock the XDP program stamps activity with. All idleness
// arithmetic has to use this clock.
func MonotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}
