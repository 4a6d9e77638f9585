// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package scaler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zeroscale/zeroscale/pkg/controller"
	"github.com/zeroscale/zeroscale/pkg/datapath"
	"github.com/zeroscale/zeroscale/pkg/k8s"
	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
	"github.com/zeroscale/zeroscale/pkg/maps/scalemap"
	"github.com/zeroscale/zeroscale/pkg/metrics"
	"github.com/zeroscale/zeroscale/pkg/types"
)

// HandleWakeEvent reacts to the XDP program winning an idle transition.
// The generation carried by the event ties it to exactly one scaling
// cycle, anything observed under a different generation belongs to a cycle
// that has since moved on.
func (s *Scaler) HandleWakeEvent(ev datapath.WakeEvent) {
	scopedLog := log.WithFields(logrus.Fields{
		logfields.ServiceIP:  ev.IP,
		logfields.Generation: ev.Generation,
	})

	s.mutex.RLock()
	ep, monitored := s.endpoints[ev.IP]
	s.mutex.RUnlock()
	if !monitored {
		// A table entry without a registered service is left over from a
		// retired endpoint. Drop it so traffic passes again.
		scopedLog.Warn("Wake event for unmonitored service, removing stale entry")
		if err := s.table.Delete(ev.IP); err != nil {
			scopedLog.WithError(err).Error("Unable to remove stale entry")
		}
		metrics.WakeEvents.WithLabelValues(metrics.LabelValueOutcomeUnknown).Inc()
		return
	}

	val, err := s.table.Lookup(ev.IP)
	if err != nil {
		scopedLog.WithError(err).Debug("Discarding wake event without table entry")
		metrics.WakeEvents.WithLabelValues(metrics.LabelValueOutcomeStale).Inc()
		return
	}
	if val.State != scalemap.StateScalingUp || val.Generation != ev.Generation {
		scopedLog.WithField(logfields.State, val.State).Debug("Discarding stale wake event")
		metrics.WakeEvents.WithLabelValues(metrics.LabelValueOutcomeStale).Inc()
		return
	}

	scopedLog.WithField(logfields.Workload, ep.Workload).Info("Waking service")
	metrics.WakeEvents.WithLabelValues(metrics.LabelValueOutcomeHandled).Inc()
	s.startScaleUp(ep, ev.Generation)
}

// startScaleUp points the per-service scale-up controller at a new scaling
// cycle. The controller is reused across cycles, updating it triggers an
// immediate run.
func (s *Scaler) startScaleUp(ep k8s.Endpoint, generation uint64) {
	s.mutex.Lock()
	s.up[ep.IP] = &task{
		generation: generation,
		deadline:   s.clock() + uint64(s.cfg.ScaleUpTimeout.Nanoseconds()),
	}
	s.mutex.Unlock()

	ip := ep.IP
	s.manager.UpdateController(upControllerName(ip), controller.ControllerParams{
		RunInterval:            s.cfg.ReadinessPollInterval,
		ErrorRetryBaseDuration: s.cfg.ErrorRetryBase,
		Context:                s.ctx,
		DoFunc: func(ctx context.Context) error {
			return s.scaleUpPass(ctx, ip)
		},
	})
}

// scaleUpPass drives one step of a scale-up: raise the replica count once,
// then watch readiness until the service can serve or the attempt times
// out. Run on every readiness poll interval until it settles the cycle.
func (s *Scaler) scaleUpPass(ctx context.Context, ip types.IPv4) error {
	s.mutex.RLock()
	ep, monitored := s.endpoints[ip]
	t := s.up[ip]
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
	if val.State != scalemap.StateScalingUp || val.Generation != t.generation {
		return controller.NewExitReason("superseded by newer generation")
	}

	if s.clock() > t.deadline {
		scopedLog.Warn("Scale-up timed out, reverting to idle")
		metrics.ScaleTransitions.WithLabelValues(metrics.LabelValueDirectionUp, metrics.LabelValueOutcomeTimeout).Inc()
		// The task goes first so that a packet arriving the instant the
		// entry turns idle starts from a clean slate.
		s.clearUpTask(ip)
		if err := s.table.SetState(ip, scalemap.StateIdle, t.generation+1); err != nil {
			scopedLog.WithError(err).Error("Unable to revert timed out scale-up")
		}
		return controller.NewExitReason("scale-up timed out")
	}

	if !t.patched {
		if err := s.orch.SetReplicaCount(ctx, ep.Workload, ep.WakeReplicas); err != nil {
			return s.scaleUpFailure(scopedLog, ip, t, err)
		}
		s.mutex.Lock()
		t.patched = true
		s.mutex.Unlock()
		scopedLog.WithField(logfields.Replicas, ep.WakeReplicas).Debug("Requested replicas for waking service")
	}

	ready, err := s.orch.IsReady(ctx, ep.Workload)
	if err != nil {
		return s.scaleUpFailure(scopedLog, ip, t, err)
	}
	if !ready {
		// Not an error, poll again next interval.
		return nil
	}

	// The readiness answer may have raced a newer cycle, re-check before
	// the transition is committed.
	val, err = s.table.Lookup(ip)
	if err != nil || val.State != scalemap.StateScalingUp || val.Generation != t.generation {
		return controller.NewExitReason("superseded by newer generation")
	}
	if err := s.table.SetState(ip, scalemap.StateActive, t.generation+1); err != nil {
		return fmt.Errorf("activating %s: %w", ip, err)
	}
	if err := s.table.UpdateReplicas(ip, uint32(ep.WakeReplicas)); err != nil {
		scopedLog.WithError(err).Warn("Unable to store replica count")
	}
	s.clearUpTask(ip)

	metrics.ScaleTransitions.WithLabelValues(metrics.LabelValueDirectionUp, metrics.LabelValueOutcomeSuccess).Inc()
	scopedLog.Info("Service is active")
	return controller.NewExitReason("scale-up complete")
}

// scaleUpFailure burns one attempt of the retry budget. Within budget the
// error is returned for the controller's backoff, exhaustion abandons the
// cycle back to idle so future traffic can re-trigger it.
func (s *Scaler) scaleUpFailure(scopedLog *logrus.Entry, ip types.IPv4, t *task, err error) error {
	s.mutex.Lock()
	t.attempts++
	attempts := t.attempts
	s.mutex.Unlock()

	if attempts < s.cfg.ScaleRetries {
		return err
	}

	scopedLog.WithError(err).WithField(logfields.Retries, attempts).
		Warn("Scale-up retry budget exhausted, reverting to idle")
	metrics.ScaleTransitions.WithLabelValues(metrics.LabelValueDirectionUp, metrics.LabelValueOutcomeFail).Inc()
	s.clearUpTask(ip)
	if err := s.table.SetState(ip, scalemap.StateIdle, t.generation+1); err != nil {
		scopedLog.WithError(err).Error("Unable to revert failed scale-up")
	}
	return controller.NewExitReason("scale-up retry budget exhausted")
}
