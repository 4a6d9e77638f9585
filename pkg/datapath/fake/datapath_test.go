// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package fake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeroscale/zeroscale/pkg/datapath"
	"github.com/zeroscale/zeroscale/pkg/maps/scalemap"
	fakemap "github.com/zeroscale/zeroscale/pkg/maps/scalemap/fake"
	"github.com/zeroscale/zeroscale/pkg/types"
)

var svcIP = types.IPv4{10, 0, 0, 7}

func TestClassifyUnmonitored(t *testing.T) {
	dp := NewDatapath(fakemap.NewMap())

	// No table entry, traffic is not interfered with.
	require.Equal(t, VerdictPass, dp.Classify(svcIP))
	require.Empty(t, dp.Emitted())
}

func TestClassifyActive(t *testing.T) {
	table := fakemap.NewMap()
	now := uint64(1000)
	table.SetClock(func() uint64 { return now })
	require.NoError(t, table.Update(svcIP, &scalemap.ScaleValue{State: scalemap.StateActive, Replicas: 2}))

	dp := NewDatapath(table)
	now = 2000
	require.Equal(t, VerdictPass, dp.Classify(svcIP))

	val, err := table.Lookup(svcIP)
	require.NoError(t, err)
	require.Equal(t, uint64(2000), val.LastActivity)
	require.Empty(t, dp.Emitted())
}

func TestClassifyIdleWakes(t *testing.T) {
	table := fakemap.NewMap()
	require.NoError(t, table.Update(svcIP, &scalemap.ScaleValue{State: scalemap.StateIdle}))

	dp := NewDatapath(table)
	require.Equal(t, VerdictDrop, dp.Classify(svcIP))

	events := dp.Emitted()
	require.Len(t, events, 1)
	require.Equal(t, svcIP, events[0].IP)
	require.Equal(t, uint64(1), events[0].Generation)

	val, err := table.Lookup(svcIP)
	require.NoError(t, err)
	require.Equal(t, scalemap.StateScalingUp, val.State)
}

func TestClassifyTransitionalDrops(t *testing.T) {
	table := fakemap.NewMap()
	dp := NewDatapath(table)

	for _, state := range []scalemap.State{scalemap.StateScalingUp, scalemap.StateScalingDown} {
		require.NoError(t, table.Update(svcIP, &scalemap.ScaleValue{State: state}))
		require.Equal(t, VerdictDrop, dp.Classify(svcIP))
	}
	require.Empty(t, dp.Emitted())
}

func TestClassifyUnknownStateDrops(t *testing.T) {
	table := fakemap.NewMap()
	require.NoError(t, table.Update(svcIP, &scalemap.ScaleValue{State: scalemap.State(99)}))

	dp := NewDatapath(table)
	require.Equal(t, VerdictDrop, dp.Classify(svcIP))
	require.Empty(t, dp.Emitted())
}

// TestClassifyBurst injects a large concurrent burst at an idle service
// and expects every packet to be held back with exactly one wake event
// emitted.
func TestClassifyBurst(t *testing.T) {
	table := fakemap.NewMap()
	require.NoError(t, table.Update(svcIP, &scalemap.ScaleValue{State: scalemap.StateIdle}))

	dp := NewDatapath(table)

	const packets = 1000
	var wg sync.WaitGroup
	verdicts := make([]Verdict, packets)
	for i := 0; i < packets; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdicts[i] = dp.Classify(svcIP)
		}(i)
	}
	wg.Wait()

	for i := range verdicts {
		require.Equal(t, VerdictDrop, verdicts[i])
	}
	events := dp.Emitted()
	require.Len(t, events, 1)
	require.Equal(t, uint64(1), events[0].Generation)
}

type recordingHandler struct {
	mu     sync.Mutex
	events []datapath.WakeEvent
}

func (r *recordingHandler) HandleWakeEvent(ev datapath.WakeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingHandler) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestRunEventListener(t *testing.T) {
	table := fakemap.NewMap()
	require.NoError(t, table.Update(svcIP, &scalemap.ScaleValue{State: scalemap.StateIdle}))

	dp := NewDatapath(table)
	handler := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		dp.RunEventListener(ctx, handler)
	}()

	require.Equal(t, VerdictDrop, dp.Classify(svcIP))
	require.Eventually(t, func() bool { return handler.len() == 1 }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop on context cancellation")
	}
}

func TestAttachDetach(t *testing.T) {
	dp := NewDatapath(fakemap.NewMap())

	require.False(t, dp.Attached())
	require.NoError(t, dp.Attach())
	require.True(t, dp.Attached())
	require.NoError(t, dp.Detach())
	require.False(t, dp.Attached())
	require.Error(t, dp.Detach())
}
