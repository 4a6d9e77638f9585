// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

// Package logfields defines common logging fields which are used across packages
package logfields

const (
	// LogSubsys is the field denoting the subsystem when logging
	LogSubsys = "subsys"

	// Signal is the field to print os signals on exit etc.
	Signal = "signal"

	// Controller is the name of the controller to log it.
	Controller = "controller"

	// ServiceName is the orchestration framework name for a service
	ServiceName = "serviceName"

	// ServiceIP is the cluster IP of the service
	ServiceIP = "serviceIP"

	// K8sNamespace is the namespace something belongs to
	K8sNamespace = "k8sNamespace"

	// Workload is the workload reference backing a service, e.g. deployment/echo
	Workload = "workload"

	// WorkloadKind is the kind of the workload reference, deployment or statefulset
	WorkloadKind = "workloadKind"

	// State is the scale state of a service entry
	State = "state"

	// Generation is the scale generation of a service entry
	Generation = "generation"

	// Replicas is the observed replica count of a workload
	Replicas = "replicas"

	// Device is the network device name
	Device = "device"

	// XDPMode is the XDP attachment mode for a device
	XDPMode = "xdpMode"

	// BPFMapName is the name of a BPF map
	BPFMapName = "bpfMapName"

	// BPFMapPath is the path of a BPF map within bpffs
	BPFMapPath = "bpfMapPath"

	// Path is a filesystem path
	Path = "path"

	// Object is the k8s object under processing
	Object = "object"

	// Annotation is the name of a k8s annotation
	Annotation = "annotation"

	// Duration is any duration field
	Duration = "duration"

	// Retries is the number of attempts a transition has failed
	Retries = "retries"

	// LostSamples is the number of lost perf ring samples
	LostSamples = "lostSamples"

	// Error is the Go error
	Error = "error"
)
