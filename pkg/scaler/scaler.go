// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

// Package scaler implements the scale controller. It owns every state
// transition of the scale state table except the idle to scaling-up edge,
// which belongs to the XDP program, and drives the orchestrator to match.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/sirupsen/logrus"

	"github.com/zeroscale/zeroscale/pkg/controller"
	"github.com/zeroscale/zeroscale/pkg/datapath"
	"github.com/zeroscale/zeroscale/pkg/k8s"
	"github.com/zeroscale/zeroscale/pkg/lock"
	"github.com/zeroscale/zeroscale/pkg/logging"
	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
	"github.com/zeroscale/zeroscale/pkg/maps/scalemap"
	"github.com/zeroscale/zeroscale/pkg/types"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "scaler")

const (
	sweepControllerName     = "idle-sweep"
	reconcileControllerName = "scale-reconcile"
)

func upControllerName(ip types.IPv4) string   { return "scale-up-" + ip.String() }
func downControllerName(ip types.IPv4) string { return "scale-down-" + ip.String() }

// Orchestrator performs replica-count operations against the cluster. The
// retry and backoff policy around it lives here, not in the
// implementation.
type Orchestrator interface {
	// GetReplicaCount returns the replica count the workload currently
	// runs.
	GetReplicaCount(ctx context.Context, w k8s.Workload) (int32, error)

	// SetReplicaCount changes the workload's desired replica count.
	SetReplicaCount(ctx context.Context, w k8s.Workload, replicas int32) error

	// IsReady reports whether at least one replica is ready to serve.
	IsReady(ctx context.Context, w k8s.Workload) (bool, error)
}

// ScaleTable is the scale state table surface the controller drives. It is
// implemented by scalemap.Map and its fake.
type ScaleTable interface {
	Lookup(ip types.IPv4) (*scalemap.ScaleValue, error)
	Update(ip types.IPv4, val *scalemap.ScaleValue) error
	Delete(ip types.IPv4) error
	SetState(ip types.IPv4, state scalemap.State, generation uint64) error
	UpdateReplicas(ip types.IPv4, replicas uint32) error
	IterateWithCallback(cb scalemap.IterateCallback) error
}

// Config carries the scaling policy parameters resolved from the agent
// options.
type Config struct {
	// ScaleUpTimeout bounds how long a scale-up may stay in flight before
	// it is abandoned back to idle.
	ScaleUpTimeout time.Duration

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration

	// ReconcileInterval is how often table and cluster state are
	// reconciled.
	ReconcileInterval time.Duration

	// ReadinessPollInterval is the poll interval of in-flight
	// transitions.
	ReadinessPollInterval time.Duration

	// ScaleRetries is the per-transition budget of failed orchestrator
	// calls.
	ScaleRetries int

	// ErrorRetryBase is the base duration of the backoff applied between
	// failed orchestrator calls.
	ErrorRetryBase time.Duration
}

// task tracks one in-flight transition of a service. The generation pins
// the scaling cycle the task belongs to, everything written under a
// different generation is someone else's cycle.
type task struct {
	generation uint64
	deadline   uint64
	patched    bool
	attempts   int
}

// Params are the dependencies needed to construct a Scaler.
type Params struct {
	Table        ScaleTable
	Orchestrator Orchestrator
	Config       Config

	// Clock overrides the monotonic clock. Only used for testing.
	Clock func() uint64
}

// Scaler reacts to wake events, sweeps idle services and keeps the scale
// state table aligned with the cluster.
type Scaler struct {
	mutex     lock.RWMutex
	endpoints map[types.IPv4]k8s.Endpoint
	up        map[types.IPv4]*task
	down      map[types.IPv4]*task

	table   ScaleTable
	orch    Orchestrator
	manager *controller.Manager
	cfg     Config
	clock   func() uint64

	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ datapath.EventHandler = (*Scaler)(nil)
	_ k8s.ServiceHandler    = (*Scaler)(nil)
)

// New returns a scaler ready to Run.
func New(p Params) *Scaler {
	clock := p.Clock
	if clock == nil {
		clock = scalemap.MonotonicNow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scaler{
		endpoints: map[types.IPv4]k8s.Endpoint{},
		up:        map[types.IPv4]*task{},
		down:      map[types.IPv4]*task{},
		table:     p.Table,
		orch:      p.Orchestrator,
		manager:   controller.NewManager(),
		cfg:       p.Config,
		clock:     clock,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run starts the idle sweep and the reconciliation loop.
func (s *Scaler) Run() {
	s.manager.UpdateController(sweepControllerName, controller.ControllerParams{
		RunInterval:            s.cfg.SweepInterval,
		ErrorRetryBaseDuration: s.cfg.ErrorRetryBase,
		Context:                s.ctx,
		DoFunc:                 s.sweepPass,
	})
	s.manager.UpdateController(reconcileControllerName, controller.ControllerParams{
		RunInterval:            s.cfg.ReconcileInterval,
		ErrorRetryBaseDuration: s.cfg.ErrorRetryBase,
		Context:                s.ctx,
		DoFunc:                 s.reconcilePass,
	})
	log.Info("Scale controller running")
}

// UpsertService admits or updates a monitored service endpoint.
func (s *Scaler) UpsertService(ep k8s.Endpoint) error {
	s.mutex.Lock()
	s.endpoints[ep.IP] = ep
	s.mutex.Unlock()

	return s.admitEndpoint(ep)
}

// admitEndpoint seeds the table entry for a newly monitored service. An
// existing entry is left untouched so scale state survives agent restarts
// and annotation updates.
func (s *Scaler) admitEndpoint(ep k8s.Endpoint) error {
	if _, err := s.table.Lookup(ep.IP); err == nil {
		return nil
	} else if !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("looking up entry for %s: %w", ep.IP, err)
	}

	replicas, err := s.orch.GetReplicaCount(s.ctx, ep.Workload)
	if err != nil {
		return fmt.Errorf("resolving replica count of %s: %w", ep.Workload, err)
	}

	val := &scalemap.ScaleValue{Replicas: uint32(replicas)}
	if replicas == 0 {
		val.State = scalemap.StateIdle
	} else {
		val.State = scalemap.StateActive
		val.LastActivity = s.clock()
	}
	if err := s.table.Update(ep.IP, val); err != nil {
		return fmt.Errorf("seeding entry for %s: %w", ep.IP, err)
	}

	log.WithFields(logrus.Fields{
		logfields.ServiceIP: ep.IP,
		logfields.State:     val.State,
		logfields.Replicas:  replicas,
	}).Debug("Seeded scale state entry")
	return nil
}

// DeleteService stops monitoring the endpoint at ip. Removing the table
// entry makes traffic to the address flow freely again.
func (s *Scaler) DeleteService(ip types.IPv4) error {
	s.mutex.Lock()
	delete(s.endpoints, ip)
	delete(s.up, ip)
	delete(s.down, ip)
	s.mutex.Unlock()

	s.manager.RemoveController(upControllerName(ip))
	s.manager.RemoveController(downControllerName(ip))

	return s.table.Delete(ip)
}

// SyncWorkload stores the observed replica count of a workload on all
// service entries backed by it.
func (s *Scaler) SyncWorkload(w k8s.Workload, readyReplicas int32) {
	s.mutex.RLock()
	var ips []types.IPv4
	for ip, ep := range s.endpoints {
		if ep.Workload == w {
			ips = append(ips, ip)
		}
	}
	s.mutex.RUnlock()

	for _, ip := range ips {
		err := s.table.UpdateReplicas(ip, uint32(readyReplicas))
		if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			log.WithError(err).WithField(logfields.ServiceIP, ip).
				Warn("Unable to store observed replica count")
		}
	}
}

// Shutdown stops all controllers and parks transitional entries in a
// stable state so no service stays unreachable across a restart.
func (s *Scaler) Shutdown() {
	log.Info("Shutting down scale controller")
	s.manager.RemoveAllAndWait()
	s.resolveTransitional()
	s.cancel()
}

// resolveTransitional settles every in-flight entry by the replica count
// the orchestrator reports: running replicas park as active, everything
// else as idle so the next packet can re-trigger a wake.
func (s *Scaler) resolveTransitional() {
	s.mutex.RLock()
	endpoints := make(map[types.IPv4]k8s.Endpoint, len(s.endpoints))
	for ip, ep := range s.endpoints {
		endpoints[ip] = ep
	}
	s.mutex.RUnlock()

	type entry struct {
		ip  types.IPv4
		val scalemap.ScaleValue
	}
	var transitional []entry
	err := s.table.IterateWithCallback(func(key *scalemap.ScaleKey, val *scalemap.ScaleValue) {
		if val.State.Transitional() {
			transitional = append(transitional, entry{ip: key.IP, val: *val})
		}
	})
	if err != nil {
		log.WithError(err).Error("Unable to scan table for transitional entries")
		return
	}

	for _, e := range transitional {
		scopedLog := log.WithFields(logrus.Fields{
			logfields.ServiceIP: e.ip,
			logfields.State:     e.val.State,
		})

		ep, monitored := endpoints[e.ip]
		if !monitored {
			if err := s.table.Delete(e.ip); err != nil {
				scopedLog.WithError(err).Error("Unable to remove stale entry")
			}
			continue
		}

		state := scalemap.StateIdle
		if n, err := s.orch.GetReplicaCount(s.ctx, ep.Workload); err == nil && n > 0 {
			state = scalemap.StateActive
		}
		if err := s.table.SetState(e.ip, state, e.val.Generation+1); err != nil {
			scopedLog.WithError(err).Error("Unable to park transitional entry")
			continue
		}
		scopedLog.WithField(logfields.State, state).Info("Parked transitional entry")
	}
}

func (s *Scaler) clearUpTask(ip types.IPv4) {
	s.mutex.Lock()
	delete(s.up, ip)
	s.mutex.Unlock()
}

func (s *Scaler) clearDownTask(ip types.IPv4) {
	s.mutex.Lock()
	delete(s.down, ip)
	s.mutex.Unlock()
}
