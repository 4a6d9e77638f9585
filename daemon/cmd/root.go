// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/google/gops/agent"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/zeroscale/zeroscale/pkg/defaults"
	"github.com/zeroscale/zeroscale/pkg/logging"
	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
	"github.com/zeroscale/zeroscale/pkg/metrics"
	"github.com/zeroscale/zeroscale/pkg/option"
)

var (
	log = logging.DefaultLogger.WithField(logfields.LogSubsys, "daemon")

	vp *viper.Viper

	rootCmd = &cobra.Command{
		Use:   "zeroscale-agent",
		Short: "Run the zeroscale agent",
		Long: "zeroscale-agent scales annotated Kubernetes services down to zero " +
			"replicas when idle and back up on the first packet, using XDP to " +
			"intercept traffic to their cluster IPs.",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
)

func init() {
	vp = viper.New()
	vp.SetEnvPrefix("zeroscale")
	initializeFlags()
}

// Execute runs the agent command.
func Execute() error {
	return rootCmd.Execute()
}

func initializeFlags() {
	flags := rootCmd.Flags()

	flags.StringSlice(option.Devices, []string{defaults.Device}, "Network devices to attach the XDP interception program to")
	option.BindEnv(vp, option.Devices)

	flags.String(option.XDPMode, defaults.XDPMode, "XDP attach mode (\"native\", \"generic\" or \"best-effort\")")
	option.BindEnv(vp, option.XDPMode)

	flags.String(option.BPFObjectPath, defaults.BPFObjectPath, "Path to the compiled XDP object file")
	option.BindEnv(vp, option.BPFObjectPath)

	flags.String(option.BPFRoot, defaults.BPFFSRoot, "Path to the mounted BPF filesystem")
	option.BindEnv(vp, option.BPFRoot)

	flags.String(option.K8sNamespace, defaults.K8sNamespace, "Namespace watched for scale-to-zero annotated services")
	option.BindEnv(vp, option.K8sNamespace)

	flags.String(option.K8sAPIServer, "", "Kubernetes API server URL")
	option.BindEnv(vp, option.K8sAPIServer)

	flags.String(option.K8sKubeConfigPath, "", "Absolute path of the kubernetes kubeconfig file")
	option.BindEnv(vp, option.K8sKubeConfigPath)

	flags.Float64(option.K8sClientQPSLimit, float64(defaults.K8sClientQPSLimit), "Queries per second limit for the kubernetes client")
	option.BindEnv(vp, option.K8sClientQPSLimit)

	flags.Int(option.K8sClientBurst, defaults.K8sClientBurst, "Burst value allowed for the kubernetes client")
	option.BindEnv(vp, option.K8sClientBurst)

	flags.Duration(option.IdleTimeout, defaults.IdleTimeout, "Default duration without traffic before a service is scaled to zero")
	option.BindEnv(vp, option.IdleTimeout)

	flags.Duration(option.ScaleUpTimeout, defaults.ScaleUpTimeout, "Maximum duration of a scale-up before it is abandoned")
	option.BindEnv(vp, option.ScaleUpTimeout)

	flags.Duration(option.SweepInterval, defaults.SweepInterval, "Interval between idle sweeps")
	option.BindEnv(vp, option.SweepInterval)

	flags.Duration(option.ReconcileInterval, defaults.ReconcileInterval, "Interval between scale state table reconciliations")
	option.BindEnv(vp, option.ReconcileInterval)

	flags.Duration(option.ReadinessPollInterval, defaults.ReadinessPollInterval, "Interval between readiness polls during a scale transition")
	option.BindEnv(vp, option.ReadinessPollInterval)

	flags.Int(option.WakeReplicas, defaults.WakeReplicas, "Default replica count a service is scaled up to on wake")
	option.BindEnv(vp, option.WakeReplicas)

	flags.Int(option.ScaleRetries, defaults.ScaleRetries, "Consecutive orchestrator failures after which a scale transition is abandoned")
	option.BindEnv(vp, option.ScaleRetries)

	flags.Bool(option.EnableMetrics, defaults.EnableMetrics, "Serve Prometheus metrics")
	option.BindEnv(vp, option.EnableMetrics)

	flags.String(option.PrometheusServeAddr, defaults.MetricsAddress, "IP:Port on which to serve prometheus metrics")
	option.BindEnv(vp, option.PrometheusServeAddr)

	flags.Bool(option.EnableGops, defaults.EnableGops, "Run the gops agent")
	option.BindEnv(vp, option.EnableGops)

	flags.Uint16(option.GopsPort, defaults.GopsPortAgent, "Port for gops server to listen on")
	option.BindEnv(vp, option.GopsPort)

	flags.StringToString(option.LogOpt, nil, "Log driver options (format=text|json, level=info|debug|...)")
	option.BindEnv(vp, option.LogOpt)

	flags.BoolP(option.DebugArg, "D", false, "Enable debugging mode")
	option.BindEnv(vp, option.DebugArg)

	vp.BindPFlags(flags)
}

func runDaemon() {
	option.Config.Populate(vp)

	if err := logging.SetupLogging(logging.LogOptions(option.Config.LogOpt), option.Config.Debug); err != nil {
		log.WithError(err).Fatal("Unable to set up logging")
	}

	if err := option.Config.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid daemon configuration")
	}

	if option.Config.EnableGops {
		addr := fmt.Sprintf("127.0.0.1:%d", option.Config.GopsPort)
		if err := agent.Listen(agent.Options{
			Addr:                   addr,
			ReuseSocketAddrAndPort: true,
		}); err != nil {
			log.WithError(err).Fatal("Unable to start gops agent")
		}
		defer agent.Close()
	}

	if option.Config.EnableMetrics {
		metrics.Register(option.Config.PrometheusServeAddr)
		logging.AddHooks(metrics.NewLoggingHook())
	}

	d, err := NewDaemon(option.Config)
	if err != nil {
		log.WithError(err).Fatal("Unable to initialize daemon")
	}
	if err := d.Run(); err != nil {
		log.WithError(err).Fatal("Unable to start daemon")
	}

	log.Info("Agent initialization completed")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	sig := <-sigs

	log.WithField(logfields.Signal, sig).Info("Shutting down")
	d.Close()

	if option.Config.EnableMetrics {
		metrics.Unregister()
	}
}
