// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package k8s

import (
	"fmt"
	"strings"
	"time"

	"github.com/zeroscale/zeroscale/pkg/types"
)

// Workload identifies a scalable Kubernetes workload backing a monitored
// service.
type Workload struct {
	// Kind is one of the annotation.Kind constants.
	Kind string

	// Namespace is the namespace the workload lives in.
	Namespace string

	// Name is the workload name.
	Name string
}

func (w Workload) String() string {
	return fmt.Sprintf("%s/%s/%s", strings.ToLower(w.Kind), w.Namespace, w.Name)
}

// Endpoint is a monitored service endpoint resolved from a service's
// annotations. It ties the ClusterIP seen on the wire to the workload to
// scale and the per-service policy knobs.
type Endpoint struct {
	// IP is the service ClusterIP packets are matched on.
	IP types.IPv4

	// Service is the namespace/name of the Kubernetes service.
	Service string

	// Workload is the workload scaled on behalf of this service.
	Workload Workload

	// IdleTimeout is how long the service may go without traffic before
	// it is scaled to zero.
	IdleTimeout time.Duration

	// WakeReplicas is the replica count restored on scale-up.
	WakeReplicas int32
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (%s -> %s)", e.Service, e.IP, e.Workload)
}
