// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package scaler

import (
	"context"
	"testing"
	"time"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/require"

	"github.com/zeroscale/zeroscale/pkg/annotation"
	fakedatapath "github.com/zeroscale/zeroscale/pkg/datapath/fake"
	"github.com/zeroscale/zeroscale/pkg/k8s"
	"github.com/zeroscale/zeroscale/pkg/lock"
	"github.com/zeroscale/zeroscale/pkg/maps/scalemap"
	fakemap "github.com/zeroscale/zeroscale/pkg/maps/scalemap/fake"
	"github.com/zeroscale/zeroscale/pkg/types"
)

const (
	waitFor = 5 * time.Second
	tick    = time.Millisecond
)

var testIP = types.IPv4{10, 0, 0, 7}

func testEndpoint() k8s.Endpoint {
	return k8s.Endpoint{
		IP:      testIP,
		Service: "default/web",
		Workload: k8s.Workload{
			Kind:      annotation.KindDeployment,
			Namespace: "default",
			Name:      "web",
		},
		IdleTimeout:  time.Minute,
		WakeReplicas: 1,
	}
}

// testClock is a manually advanced stand-in for the monotonic clock.
type testClock struct {
	mutex lock.Mutex
	now   uint64
}

func newTestClock() *testClock {
	return &testClock{now: uint64(time.Hour.Nanoseconds())}
}

func (c *testClock) Now() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mutex.Lock()
	c.now += uint64(d.Nanoseconds())
	c.mutex.Unlock()
}

// fakeOrchestrator is an in-memory Orchestrator. While converge is set,
// workloads observe their desired replica count immediately and report
// ready whenever it is non-zero.
type fakeOrchestrator struct {
	mutex lock.Mutex

	desired  map[k8s.Workload]int32
	observed map[k8s.Workload]int32
	ready    map[k8s.Workload]bool
	converge bool

	getErr   error
	setErr   error
	readyErr error

	setCalls int
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		desired:  map[k8s.Workload]int32{},
		observed: map[k8s.Workload]int32{},
		ready:    map[k8s.Workload]bool{},
		converge: true,
	}
}

func (f *fakeOrchestrator) GetReplicaCount(ctx context.Context, w k8s.Workload) (int32, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.getErr != nil {
		return 0, f.getErr
	}
	return f.observed[w], nil
}

func (f *fakeOrchestrator) SetReplicaCount(ctx context.Context, w k8s.Workload, replicas int32) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	f.desired[w] = replicas
	if f.converge {
		f.observed[w] = replicas
		f.ready[w] = replicas > 0
	}
	return nil
}

func (f *fakeOrchestrator) IsReady(ctx context.Context, w k8s.Workload) (bool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.readyErr != nil {
		return false, f.readyErr
	}
	return f.ready[w], nil
}

func (f *fakeOrchestrator) setConverge(v bool) {
	f.mutex.Lock()
	f.converge = v
	f.mutex.Unlock()
}

func (f *fakeOrchestrator) setObserved(w k8s.Workload, replicas int32, ready bool) {
	f.mutex.Lock()
	f.observed[w] = replicas
	f.ready[w] = ready
	f.mutex.Unlock()
}

func (f *fakeOrchestrator) failWith(getErr, setErr, readyErr error) {
	f.mutex.Lock()
	f.getErr, f.setErr, f.readyErr = getErr, setErr, readyErr
	f.mutex.Unlock()
}

func (f *fakeOrchestrator) desiredOf(w k8s.Workload) int32 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.desired[w]
}

func (f *fakeOrchestrator) calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.setCalls
}

type testFixture struct {
	scaler *Scaler
	table  *fakemap.Map
	dp     *fakedatapath.Datapath
	orch   *fakeOrchestrator
	clock  *testClock
}

// newTestScaler wires a scaler to the fake datapath, table and
// orchestrator and starts dispatching wake events. The periodic sweep and
// reconciliation controllers are not started, tests drive those passes
// directly or call Run themselves.
func newTestScaler(t *testing.T) *testFixture {
	clock := newTestClock()
	table := fakemap.NewMap()
	table.SetClock(clock.Now)
	orch := newFakeOrchestrator()

	s := New(Params{
		Table:        table,
		Orchestrator: orch,
		Config: Config{
			ScaleUpTimeout:        time.Minute,
			SweepInterval:         10 * time.Millisecond,
			ReconcileInterval:     20 * time.Millisecond,
			ReadinessPollInterval: 5 * time.Millisecond,
			ScaleRetries:          3,
			ErrorRetryBase:        time.Millisecond,
		},
		Clock: clock.Now,
	})

	dp := fakedatapath.NewDatapath(table)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		dp.RunEventListener(ctx, s)
	}()
	t.Cleanup(func() {
		s.manager.RemoveAllAndWait()
		s.cancel()
		cancel()
		<-done
	})

	return &testFixture{scaler: s, table: table, dp: dp, orch: orch, clock: clock}
}

func (fix *testFixture) admit(t *testing.T, ep k8s.Endpoint) {
	t.Helper()
	require.NoError(t, fix.scaler.UpsertService(ep))
}

func (fix *testFixture) lookup(t *testing.T, ip types.IPv4) scalemap.ScaleValue {
	t.Helper()
	val, err := fix.table.Lookup(ip)
	require.NoError(t, err)
	return *val
}

func (fix *testFixture) eventuallyState(t *testing.T, ip types.IPv4, state scalemap.State, generation uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		val, err := fix.table.Lookup(ip)
		return err == nil && val.State == state && val.Generation == generation
	}, waitFor, tick, "waiting for %s at generation %d", state, generation)
}

func TestColdStartWake(t *testing.T) {
	fix := newTestScaler(t)
	ep := testEndpoint()
	fix.admit(t, ep)

	val := fix.lookup(t, testIP)
	require.Equal(t, scalemap.StateIdle, val.State)
	require.EqualValues(t, 0, val.Generation)

	// The first packet is held back and triggers a wake.
	require.Equal(t, fakedatapath.VerdictDrop, fix.dp.Classify(testIP))

	fix.eventuallyState(t, testIP, scalemap.StateActive, 2)
	require.EqualValues(t, 1, fix.orch.desiredOf(ep.Workload))
	require.EqualValues(t, 1, fix.lookup(t, testIP).Replicas)

	// Traffic now flows and refreshes the activity stamp.
	require.Equal(t, fakedatapath.VerdictPass, fix.dp.Classify(testIP))
}

// TestFullLifecycleGenerations walks one service through a complete
// idle/active/idle/active cycle and checks every transition bumps the
// generation exactly once.
func TestFullLifecycleGenerations(t *testing.T) {
	fix := newTestScaler(t)
	ep := testEndpoint()
	fix.admit(t, ep)

	require.Equal(t, fakedatapath.VerdictDrop, fix.dp.Classify(testIP))
	fix.eventuallyState(t, testIP, scalemap.StateActive, 2)

	fix.clock.Advance(2 * time.Minute)
	require.NoError(t, fix.scaler.sweepPass(context.Background()))
	fix.eventuallyState(t, testIP, scalemap.StateIdle, 4)
	require.EqualValues(t, 0, fix.orch.desiredOf(ep.Workload))

	require.Equal(t, fakedatapath.VerdictDrop, fix.dp.Classify(testIP))
	fix.eventuallyState(t, testIP, scalemap.StateActive, 6)
	require.EqualValues(t, 1, fix.orch.desiredOf(ep.Workload))
}

func TestUpsertPreservesEntry(t *testing.T) {
	fix := newTestScaler(t)
	ep := testEndpoint()
	fix.admit(t, ep)

	require.NoError(t, fix.table.SetState(testIP, scalemap.StateActive, 7))

	// Annotation updates must not reset scale state.
	ep.IdleTimeout = 30 * time.Second
	require.NoError(t, fix.scaler.UpsertService(ep))

	val := fix.lookup(t, testIP)
	require.Equal(t, scalemap.StateActive, val.State)
	require.EqualValues(t, 7, val.Generation)
}

func TestDeleteServiceFailOpen(t *testing.T) {
	fix := newTestScaler(t)
	ep := testEndpoint()
	fix.admit(t, ep)

	require.Equal(t, fakedatapath.VerdictDrop, fix.dp.Classify(testIP))
	require.NoError(t, fix.scaler.DeleteService(testIP))

	// Without a table entry traffic flows freely again.
	_, err := fix.table.Lookup(testIP)
	require.ErrorIs(t, err, ebpf.ErrKeyNotExist)
	require.Equal(t, fakedatapath.VerdictPass, fix.dp.Classify(testIP))
}

func TestSyncWorkload(t *testing.T) {
	fix := newTestScaler(t)
	ep := testEndpoint()
	fix.orch.setObserved(ep.Workload, 2, true)
	fix.admit(t, ep)
	require.EqualValues(t, 2, fix.lookup(t, testIP).Replicas)

	fix.scaler.SyncWorkload(ep.Workload, 5)
	require.EqualValues(t, 5, fix.lookup(t, testIP).Replicas)

	// Workloads without a monitored service behind them are ignored.
	other := k8s.Workload{Kind: annotation.KindDeployment, Namespace: "default", Name: "other"}
	fix.scaler.SyncWorkload(other, 9)
	require.EqualValues(t, 5, fix.lookup(t, testIP).Replicas)
}

func TestShutdownParksTransitionalEntries(t *testing.T) {
	fix := newTestScaler(t)
	fix.orch.setConverge(false)

	up := testEndpoint()
	down := k8s.Endpoint{
		IP:      types.IPv4{10, 0, 0, 8},
		Service: "default/api",
		Workload: k8s.Workload{
			Kind:      annotation.KindStatefulSet,
			Namespace: "default",
			Name:      "api",
		},
		IdleTimeout:  time.Minute,
		WakeReplicas: 1,
	}
	fix.orch.setObserved(down.Workload, 2, true)
	fix.admit(t, up)
	fix.admit(t, down)

	require.NoError(t, fix.table.SetState(up.IP, scalemap.StateScalingUp, 1))
	require.NoError(t, fix.table.SetState(down.IP, scalemap.StateScalingDown, 5))

	stale := types.IPv4{10, 0, 0, 9}
	require.NoError(t, fix.table.Update(stale, &scalemap.ScaleValue{
		State:      scalemap.StateScalingUp,
		Generation: 9,
	}))

	fix.scaler.Shutdown()

	// No replicas came up, the waking service parks idle so the next
	// packet can retry. The draining one still runs pods and stays
	// reachable.
	val := fix.lookup(t, up.IP)
	require.Equal(t, scalemap.StateIdle, val.State)
	require.EqualValues(t, 2, val.Generation)

	val = fix.lookup(t, down.IP)
	require.Equal(t, scalemap.StateActive, val.State)
	require.EqualValues(t, 6, val.Generation)

	// Transitional entries without a service behind them are removed.
	_, err := fix.table.Lookup(stale)
	require.ErrorIs(t, err, ebpf.ErrKeyNotExist)
}

// TestRunPeriodicControllers exercises the wiring end to end: the periodic
// sweep scales an expired service down and the wake path brings it back.
func TestRunPeriodicControllers(t *testing.T) {
	fix := newTestScaler(t)
	ep := testEndpoint()
	fix.orch.setObserved(ep.Workload, 1, true)
	fix.admit(t, ep)

	fix.scaler.Run()

	fix.clock.Advance(2 * time.Minute)
	fix.eventuallyState(t, testIP, scalemap.StateIdle, 2)
	require.EqualValues(t, 0, fix.orch.desiredOf(ep.Workload))

	require.Equal(t, fakedatapath.VerdictDrop, fix.dp.Classify(testIP))
	fix.eventuallyState(t, testIP, scalemap.StateActive, 4)
	require.EqualValues(t, 1, fix.orch.desiredOf(ep.Workload))
}
