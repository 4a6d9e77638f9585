// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package k8s

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/zeroscale/zeroscale/pkg/annotation"
)

// Orchestrator performs scaling operations against the cluster for
// deployments and statefulsets.
type Orchestrator struct {
	client kubernetes.Interface
}

// NewOrchestrator returns an orchestrator backed by the given client.
func NewOrchestrator(client kubernetes.Interface) *Orchestrator {
	return &Orchestrator{client: client}
}

// GetReplicaCount returns the replica count the workload currently runs,
// as observed by its controller, not the desired count from the spec.
func (o *Orchestrator) GetReplicaCount(ctx context.Context, w Workload) (int32, error) {
	switch w.Kind {
	case annotation.KindDeployment:
		d, err := o.client.AppsV1().Deployments(w.Namespace).Get(ctx, w.Name, metav1.GetOptions{})
		if err != nil {
			return 0, err
		}
		return d.Status.Replicas, nil
	case annotation.KindStatefulSet:
		s, err := o.client.AppsV1().StatefulSets(w.Namespace).Get(ctx, w.Name, metav1.GetOptions{})
		if err != nil {
			return 0, err
		}
		return s.Status.Replicas, nil
	}
	return 0, fmt.Errorf("unsupported workload kind %q", w.Kind)
}

// SetReplicaCount patches the workload's desired replica count. The merge
// patch touches nothing but spec.replicas, so concurrent updates to other
// fields are left alone.
func (o *Orchestrator) SetReplicaCount(ctx context.Context, w Workload, replicas int32) error {
	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
	var err error
	switch w.Kind {
	case annotation.KindDeployment:
		_, err = o.client.AppsV1().Deployments(w.Namespace).Patch(ctx, w.Name,
			k8stypes.MergePatchType, patch, metav1.PatchOptions{})
	case annotation.KindStatefulSet:
		_, err = o.client.AppsV1().StatefulSets(w.Namespace).Patch(ctx, w.Name,
			k8stypes.MergePatchType, patch, metav1.PatchOptions{})
	default:
		return fmt.Errorf("unsupported workload kind %q", w.Kind)
	}
	if err != nil {
		return fmt.Errorf("scaling %s to %d replicas: %w", w, replicas, err)
	}
	return nil
}

// IsReady reports whether the workload has at least one replica ready to
// serve traffic.
func (o *Orchestrator) IsReady(ctx context.Context, w Workload) (bool, error) {
	switch w.Kind {
	case annotation.KindDeployment:
		d, err := o.client.AppsV1().Deployments(w.Namespace).Get(ctx, w.Name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		return d.Status.ReadyReplicas >= 1, nil
	case annotation.KindStatefulSet:
		s, err := o.client.AppsV1().StatefulSets(w.Namespace).Get(ctx, w.Name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		return s.Status.ReadyReplicas >= 1, nil
	}
	return false, fmt.Errorf("unsupported workload kind %q", w.Kind)
}
