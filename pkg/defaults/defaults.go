// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package defaults

import (
	"time"
)

const (
	// AgentName is the name the agent identifies itself with
	AgentName = "zeroscale-agent"

	// RuntimePath is the default path to the runtime directory
	RuntimePath = "/var/run/zeroscale"

	// PidFilePath is the default path to the pid file
	PidFilePath = RuntimePath + "/zeroscale.pid"

	// BPFFSRoot is the default path where bpffs is mounted
	BPFFSRoot = "/sys/fs/bpf"

	// BPFPinDir is the directory below BPFFSRoot holding the pinned
	// zeroscale maps and links
	BPFPinDir = "zeroscale"

	// BPFObjectPath is the default path to the compiled XDP object file
	BPFObjectPath = "/var/lib/zeroscale/xdp_zeroscale.o"

	// Device is the default network device the XDP program is attached to
	Device = "eth0"

	// XDPMode is the default XDP attachment mode
	XDPMode = "best-effort"

	// K8sNamespace is the default namespace watched for annotated services
	K8sNamespace = "default"

	// IdleTimeout is the default duration without traffic after which an
	// active service is scaled down; services may override it with the
	// idle-timeout annotation
	IdleTimeout = 5 * time.Minute

	// ScaleUpTimeout is the maximum time a service may stay in scaling-up
	// before the transition is abandoned and the entry reverts to idle
	ScaleUpTimeout = 2 * time.Minute

	// SweepInterval is how often the idle sweep scans for services to
	// scale down
	SweepInterval = 10 * time.Second

	// ReconcileInterval is how often table state is reconciled against
	// in-flight transitions, adopting entries orphaned by lost wake
	// events or an agent restart
	ReconcileInterval = 30 * time.Second

	// ReadinessPollInterval is how often workload readiness is polled
	// during a scale-up
	ReadinessPollInterval = 500 * time.Millisecond

	// WakeReplicas is the default replica count a service is scaled up
	// to on wake; services may override it with the wake-replicas
	// annotation
	WakeReplicas = 1

	// ScaleRetries is the retry budget for a single scale transition
	// before it is abandoned
	ScaleRetries = 5

	// ScaleRetryBase is the base duration of the backoff between failed
	// orchestrator calls of a scale transition
	ScaleRetryBase = time.Second

	// K8sClientQPSLimit is the default qps for the k8s client
	K8sClientQPSLimit float32 = 5.0

	// K8sClientBurst is the default burst for the k8s client
	K8sClientBurst = 10

	// K8sResyncPeriod is the interval the service and workload informers
	// re-list their state from the api server
	K8sResyncPeriod = 5 * time.Minute

	// EnableMetrics is the default for serving Prometheus metrics
	EnableMetrics = false

	// MetricsAddress is the default address the metrics server listens on
	MetricsAddress = ":9965"

	// EnableGops is the default for running the gops agent
	EnableGops = true

	// GopsPortAgent is the default port for gops to listen on
	GopsPortAgent = 9890

	// ServiceTableSize is the maximum number of monitored services
	ServiceTableSize = 65536
)
