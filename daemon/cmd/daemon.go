// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeroscale/zeroscale/pkg/datapath"
	"github.com/zeroscale/zeroscale/pkg/defaults"
	"github.com/zeroscale/zeroscale/pkg/k8s"
	"github.com/zeroscale/zeroscale/pkg/maps/scalemap"
	"github.com/zeroscale/zeroscale/pkg/option"
	"github.com/zeroscale/zeroscale/pkg/scaler"
)

// Daemon is the running agent: one loaded datapath, the scale controller
// and the service watcher, all sharing the pinned scale state table.
type Daemon struct {
	table    *scalemap.Map
	datapath datapath.Datapath
	scaler   *scaler.Scaler
	watcher  *k8s.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemon connects to the API server, opens the pinned scale state table
// and loads the XDP collection against it.
func NewDaemon(cfg *option.AgentConfig) (*Daemon, error) {
	restCfg, err := k8s.CreateConfig(cfg.K8sAPIServer, cfg.K8sKubeConfigPath,
		float64(cfg.K8sClientQPSLimit), cfg.K8sClientBurst)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes configuration: %w", err)
	}
	client, err := k8s.CreateClient(restCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to kubernetes api server: %w", err)
	}

	pinDir := filepath.Join(cfg.BPFRoot, defaults.BPFPinDir)
	if err := os.MkdirAll(pinDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating bpf pin directory %s: %w", pinDir, err)
	}
	table, err := scalemap.OpenOrCreate(pinDir)
	if err != nil {
		return nil, err
	}

	dp, err := datapath.NewDatapath(datapath.Config{
		ObjectPath: cfg.BPFObjectPath,
		Devices:    cfg.Devices,
		Mode:       cfg.XDPMode,
		BPFFSDir:   pinDir,
	}, table)
	if err != nil {
		table.Close()
		return nil, err
	}

	sc := scaler.New(scaler.Params{
		Table:        table,
		Orchestrator: k8s.NewOrchestrator(client),
		Config: scaler.Config{
			ScaleUpTimeout:        cfg.ScaleUpTimeout,
			SweepInterval:         cfg.SweepInterval,
			ReconcileInterval:     cfg.ReconcileInterval,
			ReadinessPollInterval: cfg.ReadinessPollInterval,
			ScaleRetries:          cfg.ScaleRetries,
			ErrorRetryBase:        defaults.ScaleRetryBase,
		},
	})

	watcher := k8s.NewWatcher(client, sc, k8s.WatcherConfig{
		Namespace:           cfg.K8sNamespace,
		ResyncPeriod:        defaults.K8sResyncPeriod,
		DefaultIdleTimeout:  cfg.IdleTimeout,
		DefaultWakeReplicas: int32(cfg.WakeReplicas),
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		table:    table,
		datapath: dp,
		scaler:   sc,
		watcher:  watcher,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Run attaches the datapath and starts the wake event listener, the scale
// controller and the service watcher. Attaching before the first service
// is admitted is safe, traffic to addresses without a table entry passes
// untouched.
func (d *Daemon) Run() error {
	if err := d.datapath.Attach(); err != nil {
		return fmt.Errorf("attaching datapath: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.datapath.RunEventListener(d.ctx, d.scaler); err != nil {
			log.WithError(err).Error("Wake event listener terminated")
		}
	}()

	d.scaler.Run()
	d.watcher.Run()
	return nil
}

// Close shuts the daemon down. The XDP program, its links and the scale
// state table stay pinned so interception keeps enforcing the table while
// the agent is away; in-flight transitions are parked in stable states
// first and picked back up by reconciliation on the next run.
func (d *Daemon) Close() {
	d.cancel()
	d.wg.Wait()
	d.watcher.Stop()
	d.scaler.Shutdown()

	if err := d.datapath.Close(); err != nil {
		log.WithError(err).Warn("Unable to release datapath resources")
	}
	if err := d.table.Close(); err != nil {
		log.WithError(err).Warn("Unable to close scale state table")
	}
}
