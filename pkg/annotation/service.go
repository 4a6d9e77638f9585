// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

// Package annotation defines the service annotations forming the opt-in
// surface of the agent.
package annotation

import (
	"fmt"
	"strings"
)

const (
	// Prefix is the common prefix for all zeroscale annotations
	Prefix = "zeroscale.io"

	// Reference marks a Service for interception and names the workload
	// scaled on demand, in the form deployment/<name> or
	// statefulset/<name>. Services without it are ignored.
	Reference = Prefix + "/reference"

	// IdleTimeout overrides the global idle timeout for one service. The
	// value is a Go duration string, e.g. "90s" or "10m".
	IdleTimeout = Prefix + "/idle-timeout"

	// WakeReplicas overrides the replica count the workload is scaled up
	// to when traffic arrives.
	WakeReplicas = Prefix + "/wake-replicas"
)

// Workload reference kinds accepted by the Reference annotation.
const (
	KindDeployment  = "deployment"
	KindStatefulSet = "statefulset"
)

type annotatedObject interface {
	GetAnnotations() map[string]string
}

// Get returns the annotation value associated with the given key, or any of
// the additional aliases if not found.
func Get(obj annotatedObject, key string, aliases ...string) (value string, ok bool) {
	keys := append([]string{key}, aliases...)
	for _, k := range keys {
		if value, ok = obj.GetAnnotations()[k]; ok {
			return value, ok
		}
	}
	return "", false
}

// ParseReference splits a Reference annotation value into workload kind and
// name. The kind is matched case-insensitively.
func ParseReference(value string) (kind, name string, err error) {
	kind, name, ok := strings.Cut(value, "/")
	if !ok {
		return "", "", fmt.Errorf("invalid workload reference %q, expected <kind>/<name>", value)
	}

	kind = strings.ToLower(kind)
	switch kind {
	case KindDeployment, KindStatefulSet:
	default:
		return "", "", fmt.Errorf("unsupported workload kind %q, expected %s or %s",
			kind, KindDeployment, KindStatefulSet)
	}

	if name == "" {
		return "", "", fmt.Errorf("invalid workload reference %q, name must not be empty", value)
	}

	return kind, name, nil
}
