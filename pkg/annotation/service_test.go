// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package annotation

import (
	"testing"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestGet(t *testing.T) {
	obj := &metav1.ObjectMeta{
		Annotations: map[string]string{
			Reference:   "deployment/echo",
			IdleTimeout: "90s",
		},
	}

	value, ok := Get(obj, Reference)
	require.True(t, ok)
	require.Equal(t, "deployment/echo", value)

	_, ok = Get(obj, WakeReplicas)
	require.False(t, ok)

	value, ok = Get(obj, WakeReplicas, IdleTimeout)
	require.True(t, ok)
	require.Equal(t, "90s", value)
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		value   string
		kind    string
		name    string
		wantErr bool
	}{
		{value: "deployment/echo", kind: KindDeployment, name: "echo"},
		{value: "statefulset/db", kind: KindStatefulSet, name: "db"},
		{value: "Deployment/echo", kind: KindDeployment, name: "echo"},
		{value: "daemonset/echo", wantErr: true},
		{value: "deployment/", wantErr: true},
		{value: "echo", wantErr: true},
		{value: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			kind, name, err := ParseReference(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.kind, kind)
			require.Equal(t, tt.name, name)
		})
	}
}
