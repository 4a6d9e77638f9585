// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

// Package fake provides an in-memory scale state table. Beside the userspace
// operations of scalemap.Map it also implements the packet-context
// operations the XDP program performs with atomics, which makes the full
// state machine testable without a kernel.
package fake

import (
	"github.com/cilium/ebpf"

	"github.com/zeroscale/zeroscale/pkg/lock"
	"github.com/zeroscale/zeroscale/pkg/maps/scalemap"
	"github.com/zeroscale/zeroscale/pkg/types"
)

type ScaleKey = scalemap.ScaleKey
type ScaleValue = scalemap.ScaleValue

// Map is an in-memory scale state table.
type Map struct {
	mutex   lock.RWMutex
	entries map[types.IPv4]ScaleValue
	clock   func() uint64
}

// NewMap returns an empty fake scale state table.
func NewMap() *Map {
	return &Map{
		entries: map[types.IPv4]ScaleValue{},
		clock:   scalemap.MonotonicNow,
	}
}

// SetClock replaces the activity clock. Only used for testing.
func (f *Map) SetClock(clock func() uint64) {
	f.mutex.Lock()
	f.clock = clock
	f.mutex.Unlock()
}

func (f *Map) Lookup(ip types.IPv4) (*ScaleValue, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	val, exists := f.entries[ip]
	if !exists {
		return nil, ebpf.ErrKeyNotExist
	}
	return &val, nil
}

func (f *Map) Update(ip types.IPv4, val *ScaleValue) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.entries[ip] = *val
	return nil
}

func (f *Map) Delete(ip types.IPv4) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	delete(f.entries, ip)
	return nil
}

func (f *Map) SetState(ip types.IPv4, state scalemap.State, generation uint64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	val, exists := f.entries[ip]
	if !exists {
		return ebpf.ErrKeyNotExist
	}

	val.State = state
	val.Generation = generation
	if state == scalemap.StateActive {
		val.LastActivity = f.clock()
	}

	f.entries[ip] = val
	return nil
}

func (f *Map) UpdateReplicas(ip types.IPv4, replicas uint32) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	val, exists := f.entries[ip]
	if !exists {
		return ebpf.ErrKeyNotExist
	}

	val.Replicas = replicas
	f.entries[ip] = val
	return nil
}

func (f *Map) IterateWithCallback(cb scalemap.IterateCallback) error {
	f.mutex.RLock()
	entries := make(map[types.IPv4]ScaleValue, len(f.entries))
	for ip, val := range f.entries {
		entries[ip] = val
	}
	f.mutex.RUnlock()

	for ip, val := range entries {
		key := ScaleKey{IP: ip}
		v := val
		cb(&key, &v)
	}
	return nil
}

// TryMarkScalingUp is the compare-and-swap the XDP program performs on an
// idle entry. Exactly one concurrent caller observes idle and flips the
// entry to scaling-up with a bumped generation; it returns that generation
// and true. All other callers, and callers racing against any non-idle
// state, return false.
func (f *Map) TryMarkScalingUp(ip types.IPv4) (uint64, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	val, exists := f.entries[ip]
	if !exists || val.State != scalemap.StateIdle {
		return 0, false
	}

	val.State = scalemap.StateScalingUp
	val.Generation++
	f.entries[ip] = val

	return val.Generation, true
}

// TouchActivity is the activity stamp the XDP program stores on every passed
// packet of an active service. It is a no-op for entries in any other state.
func (f *Map) TouchActivity(ip types.IPv4) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	val, exists := f.entries[ip]
	if !exists || val.State != scalemap.StateActive {
		return
	}

	val.LastActivity = f.clock()
	f.entries[ip] = val
}

// Size returns the number of entries.
func (f *Map) Size() int {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	return len(f.entries)
}
