// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeroscale/zeroscale/pkg/logging"
	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "metrics")

// Namespace is the namespace key to use for zeroscale metrics.
const Namespace = "zeroscale"

var (
	// Registry is the global prometheus registry for zeroscale metrics.
	Registry   *prometheus.Registry
	shutdownCh chan struct{}
)

const (
	// LabelOutcome indicates whether the outcome of the operation was successful or not
	LabelOutcome = "outcome"

	// LabelDirection is the direction of a scale transition
	LabelDirection = "direction"

	// LabelState is the scale state of a service entry
	LabelState = "state"

	// Label values

	// LabelValueOutcomeSuccess is used as a successful outcome of an operation
	LabelValueOutcomeSuccess = "success"

	// LabelValueOutcomeFail is used as an unsuccessful outcome of an operation
	LabelValueOutcomeFail = "fail"

	// LabelValueOutcomeTimeout marks a transition abandoned on timeout
	LabelValueOutcomeTimeout = "timeout"

	// LabelValueOutcomeHandled marks a wake event that started a scale-up
	LabelValueOutcomeHandled = "handled"

	// LabelValueOutcomeStale marks a wake event discarded for a stale generation
	LabelValueOutcomeStale = "stale"

	// LabelValueOutcomeUnknown marks a wake event for a service no longer known
	LabelValueOutcomeUnknown = "unknown"

	// LabelValueDirectionUp is a scale-up transition
	LabelValueDirectionUp = "up"

	// LabelValueDirectionDown is a scale-down transition
	LabelValueDirectionDown = "down"
)

// The metric values below are always live so that instrumented code paths
// never have to care whether metrics are enabled. Register only exposes
// them for collection.
var (
	// Services records the number of monitored services per scale state.
	Services = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "services",
		Help:      "Number of monitored services per scale state",
	}, []string{LabelState})

	// WakeEvents counts wake events received from the datapath by outcome.
	WakeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "wake_events_total",
		Help:      "Number of wake events received from the datapath",
	}, []string{LabelOutcome})

	// ScaleTransitions counts completed scale transitions by direction and outcome.
	ScaleTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "scale_transitions_total",
		Help:      "Number of completed scale transitions",
	}, []string{LabelDirection, LabelOutcome})

	// PerfLostSamples counts samples lost on the wake event perf ring.
	PerfLostSamples = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "perf_lost_samples_total",
		Help:      "Number of samples lost on the wake event perf ring",
	})

	// ErrorsWarnings counts error and warning log entries by level and subsystem.
	ErrorsWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "errors_warnings_total",
		Help:      "Number of error and warning log entries",
	}, []string{"level", "subsystem"})
)

func registerMetrics() {
	// Builtin process metrics
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{Namespace: Namespace}))

	Registry.MustRegister(Services, WakeEvents, ScaleTransitions, PerfLostSamples, ErrorsWarnings)
}

// Register registers the agent metrics and serves them on addr.
func Register(addr string) {
	log.Info("Registering agent metrics")

	Registry = prometheus.NewPedanticRegistry()
	registerMetrics()

	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    addr,
		Handler: m,
	}

	shutdownCh = make(chan struct{})
	go func() {
		go func() {
			err := srv.ListenAndServe()
			switch err {
			case http.ErrServerClosed:
				log.Info("Metrics server shutdown successfully")
				return
			default:
				log.WithError(err).Fatal("Metrics server ListenAndServe failed")
			}
		}()

		<-shutdownCh
		log.Info("Received shutdown signal")
		if err := srv.Shutdown(context.TODO()); err != nil {
			log.WithError(err).Error("Shutdown metrics server failed")
		}
	}()
}

// Unregister shuts down the metrics server.
func Unregister() {
	log.Info("Shutting down metrics server")

	if shutdownCh == nil {
		return
	}

	shutdownCh <- struct{}{}
}
