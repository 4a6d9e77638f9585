// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package scaler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zeroscale/zeroscale/pkg/k8s"
	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
	"github.com/zeroscale/zeroscale/pkg/maps/scalemap"
	"github.com/zeroscale/zeroscale/pkg/metrics"
	"github.com/zeroscale/zeroscale/pkg/types"
)

// reconcilePass aligns the scale state table with the registered services.
// Stale entries are dropped, missing ones reseeded and transitional
// entries without an in-flight transition are adopted. Adoption is what
// resumes interrupted cycles after an agent restart and recovers wake
// events lost to perf ring overflow.
func (s *Scaler) reconcilePass(ctx context.Context) error {
	s.mutex.RLock()
	endpoints := make(map[types.IPv4]k8s.Endpoint, len(s.endpoints))
	for ip, ep := range s.endpoints {
		endpoints[ip] = ep
	}
	upGens := make(map[types.IPv4]uint64, len(s.up))
	for ip, t := range s.up {
		upGens[ip] = t.generation
	}
	downGens := make(map[types.IPv4]uint64, len(s.down))
	for ip, t := range s.down {
		downGens[ip] = t.generation
	}
	s.mutex.RUnlock()

	type entry struct {
		ip  types.IPv4
		val scalemap.ScaleValue
	}
	var entries []entry
	err := s.table.IterateWithCallback(func(key *scalemap.ScaleKey, val *scalemap.ScaleValue) {
		entries = append(entries, entry{ip: key.IP, val: *val})
	})
	if err != nil {
		return fmt.Errorf("iterating scale state table: %w", err)
	}

	var errs []error
	var counts [scalemap.StateCount]int
	seen := make(map[types.IPv4]struct{}, len(entries))

	for _, e := range entries {
		ep, monitored := endpoints[e.ip]
		if !monitored {
			log.WithField(logfields.ServiceIP, e.ip).Info("Removing stale scale state entry")
			if err := s.table.Delete(e.ip); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		seen[e.ip] = struct{}{}
		if e.val.State.Valid() {
			counts[e.val.State]++
		}

		switch e.val.State {
		case scalemap.StateScalingUp:
			if gen, ok := upGens[e.ip]; !ok || gen != e.val.Generation {
				log.WithFields(logrus.Fields{
					logfields.ServiceIP:  e.ip,
					logfields.Generation: e.val.Generation,
				}).Info("Adopting orphaned scale-up")
				s.startScaleUp(ep, e.val.Generation)
			}
		case scalemap.StateScalingDown:
			if gen, ok := downGens[e.ip]; !ok || gen != e.val.Generation {
				log.WithFields(logrus.Fields{
					logfields.ServiceIP:  e.ip,
					logfields.Generation: e.val.Generation,
				}).Info("Adopting orphaned scale-down")
				s.startScaleDown(ep, e.val.Generation)
			}
		}
	}

	for ip, ep := range endpoints {
		if _, ok := seen[ip]; ok {
			continue
		}
		log.WithField(logfields.ServiceIP, ip).Warn("Monitored service missing from scale state table, reseeding")
		if err := s.admitEndpoint(ep); err != nil {
			errs = append(errs, err)
		}
	}

	for state := scalemap.StateIdle; state < scalemap.StateCount; state++ {
		metrics.Services.WithLabelValues(state.String()).Set(float64(counts[state]))
	}

	return errors.Join(errs...)
}
