// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package fake

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/require"

	"github.com/zeroscale/zeroscale/pkg/maps/scalemap"
	"github.com/zeroscale/zeroscale/pkg/types"
)

var testIP = types.IPv4{10, 96, 0, 10}

func TestLookupUpdateDelete(t *testing.T) {
	m := NewMap()

	_, err := m.Lookup(testIP)
	require.ErrorIs(t, err, ebpf.ErrKeyNotExist)

	require.NoError(t, m.Update(testIP, &ScaleValue{State: scalemap.StateActive, Replicas: 1}))
	val, err := m.Lookup(testIP)
	require.NoError(t, err)
	require.Equal(t, scalemap.StateActive, val.State)
	require.Equal(t, 1, m.Size())

	// Lookup returns a copy, mutations must not leak into the table.
	val.Replicas = 99
	val, err = m.Lookup(testIP)
	require.NoError(t, err)
	require.Equal(t, uint32(1), val.Replicas)

	require.NoError(t, m.Delete(testIP))
	require.Equal(t, 0, m.Size())
}

func TestTryMarkScalingUp(t *testing.T) {
	m := NewMap()
	require.NoError(t, m.Update(testIP, &ScaleValue{State: scalemap.StateIdle, Generation: 4}))

	gen, won := m.TryMarkScalingUp(testIP)
	require.True(t, won)
	require.Equal(t, uint64(5), gen)

	val, err := m.Lookup(testIP)
	require.NoError(t, err)
	require.Equal(t, scalemap.StateScalingUp, val.State)

	// Once the entry left idle, nobody else can win.
	_, won = m.TryMarkScalingUp(testIP)
	require.False(t, won)

	// Unmonitored services have no entry to mark.
	_, won = m.TryMarkScalingUp(types.IPv4{192, 0, 2, 1})
	require.False(t, won)
}

// A packet burst against an idle service must produce exactly one winner no
// matter how many packets race.
func TestTryMarkScalingUpBurst(t *testing.T) {
	const packets = 1000

	m := NewMap()
	require.NoError(t, m.Update(testIP, &ScaleValue{State: scalemap.StateIdle}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(packets)
	for i := 0; i < packets; i++ {
		go func() {
			defer wg.Done()
			if _, won := m.TryMarkScalingUp(testIP); won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())

	val, err := m.Lookup(testIP)
	require.NoError(t, err)
	require.Equal(t, scalemap.StateScalingUp, val.State)
	require.Equal(t, uint64(1), val.Generation)
}

func TestTouchActivity(t *testing.T) {
	m := NewMap()

	var now uint64 = 1000
	m.SetClock(func() uint64 { return now })

	require.NoError(t, m.Update(testIP, &ScaleValue{State: scalemap.StateActive}))

	m.TouchActivity(testIP)
	val, err := m.Lookup(testIP)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), val.LastActivity)

	// Touching is state dependent, transitional entries keep their stamp.
	require.NoError(t, m.SetState(testIP, scalemap.StateScalingDown, 1))
	now = 2000
	m.TouchActivity(testIP)
	val, err = m.Lookup(testIP)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), val.LastActivity)
}

func TestSetStateActiveStampsActivity(t *testing.T) {
	m := NewMap()

	var now uint64 = 5000
	m.SetClock(func() uint64 { return now })

	require.NoError(t, m.Update(testIP, &ScaleValue{State: scalemap.StateScalingUp, Generation: 1}))
	require.NoError(t, m.SetState(testIP, scalemap.StateActive, 1))

	val, err := m.Lookup(testIP)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), val.LastActivity)

	require.ErrorIs(t, m.SetState(types.IPv4{192, 0, 2, 1}, scalemap.StateIdle, 0), ebpf.ErrKeyNotExist)
}

func TestGenerationMonotonic(t *testing.T) {
	m := NewMap()
	require.NoError(t, m.Update(testIP, &ScaleValue{State: scalemap.StateIdle}))

	// One full wake/activate/sweep/park cycle advances the generation by
	// four, one bump per transition.
	var last uint64
	for i := 0; i < 5; i++ {
		gen, won := m.TryMarkScalingUp(testIP)
		require.True(t, won)
		require.Greater(t, gen, last)

		require.NoError(t, m.SetState(testIP, scalemap.StateActive, gen+1))
		require.NoError(t, m.SetState(testIP, scalemap.StateScalingDown, gen+2))
		require.NoError(t, m.SetState(testIP, scalemap.StateIdle, gen+3))
		last = gen + 3
	}

	val, err := m.Lookup(testIP)
	require.NoError(t, err)
	require.Equal(t, uint64(20), val.Generation)
}

func TestIterateWithCallback(t *testing.T) {
	m := NewMap()
	other := types.IPv4{10, 96, 0, 11}

	require.NoError(t, m.Update(testIP, &ScaleValue{State: scalemap.StateIdle}))
	require.NoError(t, m.Update(other, &ScaleValue{State: scalemap.StateActive}))

	seen := map[types.IPv4]scalemap.State{}
	require.NoError(t, m.IterateWithCallback(func(k *ScaleKey, v *ScaleValue) {
		seen[k.IP] = v.State
	}))

	require.Len(t, seen, 2)
	require.Equal(t, scalemap.StateIdle, seen[testIP])
	require.Equal(t, scalemap.StateActive, seen[other])
}
