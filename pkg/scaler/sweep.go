// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package scaler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zeroscale/zeroscale/pkg/controller"
	"github.com/zeroscale/zeroscale/pkg/k8s"
	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
	"github.com/zeroscale/zeroscale/pkg/maps/scalemap"
	"github.com/zeroscale/zeroscale/pkg/metrics"
	"github.com/zeroscale/zeroscale/pkg/types"
)

// sweepPass scans all active services and begins a scale-down for those
// idle past their timeout. The sweep is the only initiator of scale-downs,
// which keeps that transition single-writer.
func (s *Scaler) sweepPass(ctx context.Context) error {
	now := s.clock()

	s.mutex.RLock()
	endpoints := make(map[types.IPv4]k8s.Endpoint, len(s.endpoints))
	for ip, ep := range s.endpoints {
		endpoints[ip] = ep
	}
	s.mutex.RUnlock()

	type expired struct {
		ep         k8s.Endpoint
		generation uint64
	}
	var found []expired

	err := s.table.IterateWithCallback(func(key *scalemap.ScaleKey, val *scalemap.ScaleValue) {
		if val.State != scalemap.StateActive {
			return
		}
		ep, ok := endpoints[key.IP]
		if !ok {
			return
		}
		if now-val.LastActivity > uint64(ep.IdleTimeout.Nanoseconds()) {
			found = append(found, expired{ep: ep, generation: val.Generation})
		}
	})
	if err != nil {
		return fmt.Errorf("sweeping scale state table: %w", err)
	}

	for _, e := range found {
		scopedLog := log.WithFields(logrus.Fields{
			logfields.ServiceIP: e.ep.IP,
			logfields.Workload:  e.ep.Workload,
			logfields.Duration:  e.ep.IdleTimeout,
		})
		if err := s.table.SetState(e.ep.IP, scalemap.StateScalingDown, e.generation+1); err != nil {
			scopedLog.WithError(err).Warn("Unable to begin scale-down")
			continue
		}
		scopedLog.Info("Service idle past timeout, scaling down")
		s.startScaleDown(e.ep, e.generation+1)
	}
	return nil
}

// startScaleDown points the per-service scale-down controller at a new
// scaling cycle.
func (s *Scaler) startScaleDown(ep k8s.Endpoint, generation uint64) {
	s.mutex.Lock()
	s.down[ep.IP] = &task{generation: generation}
	s.mutex.Unlock()

	ip := ep.IP
	s.manager.UpdateController(downControllerName(ip), controller.ControllerParams{
		RunInterval:            s.cfg.ReadinessPollInterval,
		ErrorRetryBaseDuration: s.cfg.ErrorRetryBase,
		Context:                s.ctx,
		DoFunc: func(ctx context.Context) error {
			return s.scaleDownPass(ctx, ip)
		},
	})
}

// scaleDownPass drives one step of a scale-down: drop the replica count to
// zero once, then wait until the orchestrator confirms no replicas remain
// before the entry is parked idle.
func (s *Scaler) scaleDownPass(ctx context.Context, ip types.IPv4) error {
	s.mutex.RLock()
	ep, monitored := s.endpoints[ip]
	t := s.down[ip]
	s.mutex.RUnlock()

	if !monitored || t == nil {
		return controller.NewExitReason("service no longer monitored")
	}

	scopedLog := log.WithFields(logrus.Fields{
		logfields.ServiceIP:  ip,
		logfields.Workload:   ep.Workload,
		logfields.Generation: t.generation,
	})

	val, err := s.table.Lookup(ip)
	if err != nil {
		return controller.NewExitReason("table entry gone")
	}
	if val.State != scalemap.StateScalingDown || val.Generation != t.generation {
		return controller.NewExitReason("superseded by newer generation")
	}

	if !t.patched {
		if err := s.orch.SetReplicaCount(ctx, ep.Workload, 0); err != nil {
			return s.scaleDownFailure(scopedLog, ip, t, err)
		}
		s.mutex.Lock()
		t.patched = true
		s.mutex.Unlock()
		scopedLog.Debug("Requested zero replicas for idle service")
	}

	replicas, err := s.orch.GetReplicaCount(ctx, ep.Workload)
	if err != nil {
		return s.scaleDownFailure(scopedLog, ip, t, err)
	}
	if replicas > 0 {
		// Pods still terminating, check again next interval.
		return nil
	}

	if err := s.table.SetState(ip, scalemap.StateIdle, t.generation+1); err != nil {
		return fmt.Errorf("parking %s as idle: %w", ip, err)
	}
	if err := s.table.UpdateReplicas(ip, 0); err != nil {
		scopedLog.WithError(err).Warn("Unable to store replica count")
	}
	s.clearDownTask(ip)

	metrics.ScaleTransitions.WithLabelValues(metrics.LabelValueDirectionDown, metrics.LabelValueOutcomeSuccess).Inc()
	scopedLog.Info("Service scaled to zero")
	return controller.NewExitReason("scale-down complete")
}

// scaleDownFailure burns one attempt of the retry budget. Exhaustion hands
// the entry back to the idle sweep as active, with the activity stamp
// untouched so the next sweep retries right away.
func (s *Scaler) scaleDownFailure(scopedLog *logrus.Entry, ip types.IPv4, t *task, err error) error {
	s.mutex.Lock()
	t.attempts++
	attempts := t.attempts
	s.mutex.Unlock()

	if attempts < s.cfg.ScaleRetries {
		return err
	}

	scopedLog.WithError(err).WithField(logfields.Retries, attempts).
		Warn("Scale-down retry budget exhausted, keeping service active")
	metrics.ScaleTransitions.WithLabelValues(metrics.LabelValueDirectionDown, metrics.LabelValueOutcomeFail).Inc()
	s.clearDownTask(ip)

	val, lerr := s.table.Lookup(ip)
	if lerr == nil && val.State == scalemap.StateScalingDown && val.Generation == t.generation {
		val.State = scalemap.StateActive
		val.Generation = t.generation + 1
		if uerr := s.table.Update(ip, val); uerr != nil {
			scopedLog.WithError(uerr).Error("Unable to revert failed scale-down")
		}
	}
	return controller.NewExitReason("scale-down retry budget exhausted")
}
