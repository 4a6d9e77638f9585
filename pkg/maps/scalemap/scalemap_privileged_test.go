// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

//go:build privileged_tests && linux

package scalemap

import (
	"errors"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/stretchr/testify/require"

	"github.com/zeroscale/zeroscale/pkg/types"
)

// newTestMap creates an unpinned table in the kernel, so the test does not
// depend on a bpffs mount.
func newTestMap(t *testing.T) *Map {
	t.Helper()

	require.NoError(t, rlimit.RemoveMemlock())

	spec := newMapSpec()
	spec.Pinning = ebpf.PinNone
	em, err := ebpf.NewMap(spec)
	require.NoError(t, err)
	t.Cleanup(func() { em.Close() })

	return &Map{Map: em}
}

func TestMapOps(t *testing.T) {
	m := newTestMap(t)
	ip := types.IPv4{10, 96, 0, 10}

	_, err := m.Lookup(ip)
	require.ErrorIs(t, err, ebpf.ErrKeyNotExist)

	require.NoError(t, m.Update(ip, &ScaleValue{State: StateIdle}))

	val, err := m.Lookup(ip)
	require.NoError(t, err)
	require.Equal(t, StateIdle, val.State)
	require.Equal(t, uint64(0), val.Generation)

	require.NoError(t, m.SetState(ip, StateScalingUp, 1))
	val, err = m.Lookup(ip)
	require.NoError(t, err)
	require.Equal(t, StateScalingUp, val.State)
	require.Equal(t, uint64(1), val.Generation)

	require.NoError(t, m.SetState(ip, StateActive, 2))
	val, err = m.Lookup(ip)
	require.NoError(t, err)
	require.Equal(t, StateActive, val.State)
	require.Equal(t, uint64(2), val.Generation)
	require.NotZero(t, val.LastActivity)

	require.NoError(t, m.UpdateReplicas(ip, 3))
	val, err = m.Lookup(ip)
	require.NoError(t, err)
	require.Equal(t, uint32(3), val.Replicas)
	require.Equal(t, StateActive, val.State)

	seen := 0
	require.NoError(t, m.IterateWithCallback(func(k *ScaleKey, v *ScaleValue) {
		seen++
		require.Equal(t, ip, k.IP)
		require.Equal(t, uint32(3), v.Replicas)
	}))
	require.Equal(t, 1, seen)

	require.NoError(t, m.Delete(ip))
	require.NoError(t, m.Delete(ip))

	_, err = m.Lookup(ip)
	require.True(t, errors.Is(err, ebpf.ErrKeyNotExist))
}

func TestSetStateMissingEntry(t *testing.T) {
	m := newTestMap(t)

	err := m.SetState(types.IPv4{192, 0, 2, 1}, StateActive, 1)
	require.ErrorIs(t, err, ebpf.ErrKeyNotExist)
}
