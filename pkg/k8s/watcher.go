// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package k8s

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/zeroscale/zeroscale/pkg/annotation"
	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
	"github.com/zeroscale/zeroscale/pkg/types"
)

// ServiceHandler receives monitored service lifecycle events from the
// watcher.
type ServiceHandler interface {
	// UpsertService admits or updates a monitored service endpoint.
	UpsertService(ep Endpoint) error

	// DeleteService stops monitoring the endpoint at ip. Traffic to it
	// flows freely again.
	DeleteService(ip types.IPv4) error

	// SyncWorkload feeds the observed workload state to the scale logic.
	SyncWorkload(w Workload, readyReplicas int32)
}

// WatcherConfig carries the watcher parameters resolved from the agent
// options.
type WatcherConfig struct {
	// Namespace scopes all watches.
	Namespace string

	// ResyncPeriod is the informer re-list interval.
	ResyncPeriod time.Duration

	// DefaultIdleTimeout applies to services without an idle-timeout
	// annotation.
	DefaultIdleTimeout time.Duration

	// DefaultWakeReplicas applies to services without a wake-replicas
	// annotation.
	DefaultWakeReplicas int32
}

// Watcher watches annotated services and their backing workloads,
// translating Kubernetes churn into ServiceHandler calls.
type Watcher struct {
	client  kubernetes.Interface
	handler ServiceHandler
	cfg     WatcherConfig

	stop chan struct{}
}

// NewWatcher returns a watcher feeding handler.
func NewWatcher(client kubernetes.Interface, handler ServiceHandler, cfg WatcherConfig) *Watcher {
	return &Watcher{
		client:  client,
		handler: handler,
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
}

// Run starts the informers and returns. They run until Stop is called.
func (w *Watcher) Run() {
	_, svcController := cache.NewInformer(
		cache.NewListWatchFromClient(w.client.CoreV1().RESTClient(),
			"services", w.cfg.Namespace, fields.Everything()),
		&v1.Service{},
		w.cfg.ResyncPeriod,
		cache.ResourceEventHandlerFuncs{
			AddFunc:    w.addService,
			UpdateFunc: w.updateService,
			DeleteFunc: w.deleteService,
		},
	)
	go svcController.Run(w.stop)

	_, deploymentController := cache.NewInformer(
		cache.NewListWatchFromClient(w.client.AppsV1().RESTClient(),
			"deployments", w.cfg.Namespace, fields.Everything()),
		&appsv1.Deployment{},
		w.cfg.ResyncPeriod,
		cache.ResourceEventHandlerFuncs{
			AddFunc:    w.updateDeployment,
			UpdateFunc: func(_, newObj interface{}) { w.updateDeployment(newObj) },
		},
	)
	go deploymentController.Run(w.stop)

	_, statefulSetController := cache.NewInformer(
		cache.NewListWatchFromClient(w.client.AppsV1().RESTClient(),
			"statefulsets", w.cfg.Namespace, fields.Everything()),
		&appsv1.StatefulSet{},
		w.cfg.ResyncPeriod,
		cache.ResourceEventHandlerFuncs{
			AddFunc:    w.updateStatefulSet,
			UpdateFunc: func(_, newObj interface{}) { w.updateStatefulSet(newObj) },
		},
	)
	go statefulSetController.Run(w.stop)

	log.WithField(logfields.K8sNamespace, w.cfg.Namespace).Info("Watching for annotated services")
}

// Stop terminates all informers.
func (w *Watcher) Stop() {
	close(w.stop)
}

func (w *Watcher) addService(obj interface{}) {
	svc, ok := obj.(*v1.Service)
	if !ok {
		return
	}
	w.admitService(svc)
}

func (w *Watcher) updateService(oldObj, newObj interface{}) {
	oldSvc, ok := oldObj.(*v1.Service)
	if !ok {
		return
	}
	svc, ok := newObj.(*v1.Service)
	if !ok {
		return
	}

	// Demotion or a ClusterIP change retires the old endpoint before the
	// new one is admitted.
	oldEP, oldMonitored, _ := w.parseService(oldSvc)
	newEP, newMonitored, _ := w.parseService(svc)
	if oldMonitored && (!newMonitored || oldEP.IP != newEP.IP) {
		w.retireEndpoint(oldEP.IP, oldSvc)
	}
	w.admitService(svc)
}

func (w *Watcher) deleteService(obj interface{}) {
	svc, ok := obj.(*v1.Service)
	if !ok {
		deletedObj, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			return
		}
		// Delete was not observed by the watcher but the object is gone
		// from kube-apiserver. This is the last known state.
		svc, ok = deletedObj.Obj.(*v1.Service)
		if !ok {
			return
		}
	}

	ep, monitored, _ := w.parseService(svc)
	if !monitored {
		return
	}
	w.retireEndpoint(ep.IP, svc)
}

func (w *Watcher) admitService(svc *v1.Service) {
	scopedLog := log.WithFields(logrus.Fields{
		logfields.ServiceName:  svc.Name,
		logfields.K8sNamespace: svc.Namespace,
	})

	ep, monitored, err := w.parseService(svc)
	if err != nil {
		scopedLog.WithError(err).Warn("Ignoring service with invalid scale-to-zero annotations")
		return
	}
	if !monitored {
		return
	}

	if err := w.handler.UpsertService(ep); err != nil {
		scopedLog.WithError(err).Error("Unable to admit monitored service")
		return
	}
	scopedLog.WithFields(logrus.Fields{
		logfields.ServiceIP: ep.IP,
		logfields.Workload:  ep.Workload,
	}).Info("Admitted monitored service")
}

func (w *Watcher) retireEndpoint(ip types.IPv4, svc *v1.Service) {
	scopedLog := log.WithFields(logrus.Fields{
		logfields.ServiceName:  svc.Name,
		logfields.K8sNamespace: svc.Namespace,
		logfields.ServiceIP:    ip,
	})
	if err := w.handler.DeleteService(ip); err != nil {
		scopedLog.WithError(err).Error("Unable to retire monitored service")
		return
	}
	scopedLog.Info("Retired monitored service")
}

// parseService resolves a service's scale-to-zero annotations. The
// returned bool reports whether the service is monitored at all, the
// error a malformed annotation set.
func (w *Watcher) parseService(svc *v1.Service) (Endpoint, bool, error) {
	ref, ok := annotation.Get(svc, annotation.Reference)
	if !ok {
		return Endpoint{}, false, nil
	}

	kind, name, err := annotation.ParseReference(ref)
	if err != nil {
		return Endpoint{}, false, err
	}

	if svc.Spec.ClusterIP == "" || svc.Spec.ClusterIP == v1.ClusterIPNone {
		return Endpoint{}, false, fmt.Errorf("service has no usable ClusterIP")
	}
	addr, err := netip.ParseAddr(svc.Spec.ClusterIP)
	if err != nil {
		return Endpoint{}, false, fmt.Errorf("invalid ClusterIP %q: %w", svc.Spec.ClusterIP, err)
	}
	ip, ok := types.FromAddr(addr)
	if !ok {
		return Endpoint{}, false, fmt.Errorf("ClusterIP %q is not IPv4", svc.Spec.ClusterIP)
	}

	ep := Endpoint{
		IP:      ip,
		Service: svc.Namespace + "/" + svc.Name,
		Workload: Workload{
			Kind:      kind,
			Namespace: svc.Namespace,
			Name:      name,
		},
		IdleTimeout:  w.cfg.DefaultIdleTimeout,
		WakeReplicas: w.cfg.DefaultWakeReplicas,
	}

	if v, ok := annotation.Get(svc, annotation.IdleTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Endpoint{}, false, fmt.Errorf("invalid %s annotation %q", annotation.IdleTimeout, v)
		}
		ep.IdleTimeout = d
	}
	if v, ok := annotation.Get(svc, annotation.WakeReplicas); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 1 {
			return Endpoint{}, false, fmt.Errorf("invalid %s annotation %q", annotation.WakeReplicas, v)
		}
		ep.WakeReplicas = int32(n)
	}

	return ep, true, nil
}

func (w *Watcher) updateDeployment(obj interface{}) {
	d, ok := obj.(*appsv1.Deployment)
	if !ok {
		return
	}
	w.handler.SyncWorkload(Workload{
		Kind:      annotation.KindDeployment,
		Namespace: d.Namespace,
		Name:      d.Name,
	}, d.Status.ReadyReplicas)
}

func (w *Watcher) updateStatefulSet(obj interface{}) {
	s, ok := obj.(*appsv1.StatefulSet)
	if !ok {
		return
	}
	w.handler.SyncWorkload(Workload{
		Kind:      annotation.KindStatefulSet,
		Namespace: s.Namespace,
		Name:      s.Name,
	}, s.Status.ReadyReplicas)
}
