// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

// Package k8s abstracts all Kubernetes specific behaviour.
package k8s

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/zeroscale/zeroscale/pkg/defaults"
	"github.com/zeroscale/zeroscale/pkg/logging"
	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "k8s")

const (
	// connTimeout bounds how long client creation waits for the
	// api-server to answer.
	connTimeout = time.Minute

	// connRetryInterval is the pause between connectivity probes.
	connRetryInterval = 5 * time.Second
)

// CreateConfig creates a rest.Config for the given api-server endpoint
// and kubeconfig path. With neither set the in-cluster configuration is
// used.
func CreateConfig(apiServer, kubeCfgPath string, qps float64, burst int) (*rest.Config, error) {
	config, err := buildConfig(apiServer, kubeCfgPath)
	if err != nil {
		return nil, err
	}
	config.QPS = float32(qps)
	config.Burst = burst
	config.UserAgent = defaults.AgentName
	return config, nil
}

func buildConfig(apiServer, kubeCfgPath string) (*rest.Config, error) {
	if kubeCfgPath != "" {
		return clientcmd.BuildConfigFromFlags(apiServer, kubeCfgPath)
	}
	if apiServer != "" {
		config := &rest.Config{Host: apiServer}
		if err := rest.SetKubernetesDefaults(config); err != nil {
			return nil, err
		}
		return config, nil
	}
	return rest.InClusterConfig()
}

// CreateClient creates a new client to access the Kubernetes API and
// blocks until the api-server answers or the connection attempt times
// out.
func CreateClient(config *rest.Config) (*kubernetes.Clientset, error) {
	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	timeout := time.NewTimer(connTimeout)
	defer timeout.Stop()
	var connErr error
	wait.Until(func() {
		log.Info("Waiting for kubernetes api-server to be ready...")
		connErr = isConnReady(cs)
		if connErr == nil {
			close(stop)
			return
		}
		select {
		case <-timeout.C:
			close(stop)
		default:
		}
	}, connRetryInterval, stop)

	if connErr != nil {
		return nil, fmt.Errorf("unable to contact kubernetes api-server: %w", connErr)
	}
	log.Info("Connected to kubernetes api-server")
	return cs, nil
}

// isConnReady returns the error of a trivial api-server round trip.
func isConnReady(c kubernetes.Interface) error {
	_, err := c.Discovery().ServerVersion()
	return err
}
