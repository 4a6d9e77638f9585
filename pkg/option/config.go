// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package option

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zeroscale/zeroscale/pkg/defaults"
)

// Available XDP attachment modes for the xdp-mode option.
const (
	// XDPModeNative attaches the program in driver mode and fails when
	// the driver lacks support
	XDPModeNative = "native"

	// XDPModeGeneric attaches the program in the kernel's generic skb mode
	XDPModeGeneric = "generic"

	// XDPModeBestEffort attaches in driver mode and falls back to generic
	XDPModeBestEffort = "best-effort"
)

// CLI options
const (
	// Devices is the list of network devices the XDP program is attached to
	Devices = "devices"

	// XDPMode selects the XDP attachment mode
	XDPMode = "xdp-mode"

	// BPFObjectPath is the path to the compiled XDP object file
	BPFObjectPath = "bpf-object-path"

	// BPFRoot is the path to the mounted bpffs
	BPFRoot = "bpf-root"

	// K8sNamespace is the namespace watched for annotated services
	K8sNamespace = "k8s-namespace"

	// K8sAPIServer is the kubernetes api address server (for https use --k8s-kubeconfig-path instead)
	K8sAPIServer = "k8s-api-server"

	// K8sKubeConfigPath is the absolute path of the kubernetes kubeconfig file
	K8sKubeConfigPath = "k8s-kubeconfig-path"

	// K8sClientQPSLimit is the queries per second limit for the k8s client
	K8sClientQPSLimit = "k8s-client-qps"

	// K8sClientBurst is the burst for the k8s client
	K8sClientBurst = "k8s-client-burst"

	// IdleTimeout is the default duration without traffic before scale-down
	IdleTimeout = "idle-timeout"

	// ScaleUpTimeout is the maximum duration of a scale-up transition
	ScaleUpTimeout = "scale-up-timeout"

	// SweepInterval is the interval between idle sweeps
	SweepInterval = "sweep-interval"

	// ReconcileInterval is the interval between table reconciliations
	ReconcileInterval = "reconcile-interval"

	// ReadinessPollInterval is the workload readiness poll interval
	ReadinessPollInterval = "readiness-poll-interval"

	// WakeReplicas is the default replica count to scale up to on wake
	WakeReplicas = "wake-replicas"

	// ScaleRetries is the retry budget per scale transition
	ScaleRetries = "scale-retries"

	// EnableMetrics enables serving Prometheus metrics
	EnableMetrics = "enable-metrics"

	// PrometheusServeAddr is the address the metrics server listens on
	PrometheusServeAddr = "prometheus-serve-addr"

	// EnableGops enables the gops listener
	EnableGops = "enable-gops"

	// GopsPort is the port for gops to listen on
	GopsPort = "gops-port"

	// LogOpt sets log driver options (format, level)
	LogOpt = "log-opt"

	// DebugArg enables debug logging
	DebugArg = "debug"
)

const envPrefix = "ZEROSCALE_"

// AgentConfig is the configuration used by the agent.
type AgentConfig struct {
	// Devices is the list of devices the XDP program is attached to.
	Devices []string

	// XDPMode is the XDP attachment mode, one of native, generic or
	// best-effort.
	XDPMode string

	// BPFObjectPath is the path the compiled XDP ELF is loaded from.
	BPFObjectPath string

	// BPFRoot is the mount point of bpffs; maps and links are pinned
	// below it.
	BPFRoot string

	// K8sNamespace is the single namespace watched for annotated
	// services.
	K8sNamespace string

	K8sAPIServer      string
	K8sKubeConfigPath string
	K8sClientQPSLimit float32
	K8sClientBurst    int

	// IdleTimeout is the global default for scale-down inactivity;
	// services can override it per annotation.
	IdleTimeout time.Duration

	// ScaleUpTimeout bounds how long a service may remain scaling-up
	// before the transition is abandoned.
	ScaleUpTimeout time.Duration

	SweepInterval         time.Duration
	ReconcileInterval     time.Duration
	ReadinessPollInterval time.Duration

	// WakeReplicas is the replica count scaled up to on wake unless a
	// service overrides it per annotation.
	WakeReplicas int

	// ScaleRetries is the number of consecutive failures after which a
	// scale transition is abandoned.
	ScaleRetries int

	EnableMetrics       bool
	PrometheusServeAddr string

	EnableGops bool
	GopsPort   uint16

	LogOpt map[string]string
	Debug  bool
}

// Config is the global agent configuration, populated once during
// bootstrap.
var Config = &AgentConfig{
	LogOpt: make(map[string]string),
}

// Populate fills the configuration from the viper instance backing the
// command line.
func (c *AgentConfig) Populate(vp *viper.Viper) {
	c.Devices = vp.GetStringSlice(Devices)
	c.XDPMode = vp.GetString(XDPMode)
	c.BPFObjectPath = vp.GetString(BPFObjectPath)
	c.BPFRoot = vp.GetString(BPFRoot)
	c.K8sNamespace = vp.GetString(K8sNamespace)
	c.K8sAPIServer = vp.GetString(K8sAPIServer)
	c.K8sKubeConfigPath = vp.GetString(K8sKubeConfigPath)
	c.K8sClientQPSLimit = float32(vp.GetFloat64(K8sClientQPSLimit))
	c.K8sClientBurst = vp.GetInt(K8sClientBurst)
	c.IdleTimeout = vp.GetDuration(IdleTimeout)
	c.ScaleUpTimeout = vp.GetDuration(ScaleUpTimeout)
	c.SweepInterval = vp.GetDuration(SweepInterval)
	c.ReconcileInterval = vp.GetDuration(ReconcileInterval)
	c.ReadinessPollInterval = vp.GetDuration(ReadinessPollInterval)
	c.WakeReplicas = vp.GetInt(WakeReplicas)
	c.ScaleRetries = vp.GetInt(ScaleRetries)
	c.EnableMetrics = vp.GetBool(EnableMetrics)
	c.PrometheusServeAddr = vp.GetString(PrometheusServeAddr)
	c.EnableGops = vp.GetBool(EnableGops)
	c.GopsPort = uint16(vp.GetUint(GopsPort))
	c.LogOpt = vp.GetStringMapString(LogOpt)
	c.Debug = vp.GetBool(DebugArg)
}

// Validate checks the populated configuration for values the agent cannot
// start with.
func (c *AgentConfig) Validate() error {
	switch c.XDPMode {
	case XDPModeNative, XDPModeGeneric, XDPModeBestEffort:
	default:
		return fmt.Errorf("invalid xdp-mode %q, expected one of %s, %s or %s",
			c.XDPMode, XDPModeNative, XDPModeGeneric, XDPModeBestEffort)
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}

	if c.K8sNamespace == "" {
		return fmt.Errorf("k8s-namespace must not be empty")
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle-timeout must be positive, got %s", c.IdleTimeout)
	}

	if c.ScaleUpTimeout <= 0 {
		return fmt.Errorf("scale-up-timeout must be positive, got %s", c.ScaleUpTimeout)
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep-interval must be positive, got %s", c.SweepInterval)
	}

	if c.WakeReplicas < 1 {
		return fmt.Errorf("wake-replicas must be at least 1, got %d", c.WakeReplicas)
	}

	return nil
}

// DefaultConfig returns an AgentConfig populated with the built-in
// defaults, the same values the command line flags default to.
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Devices:               []string{defaults.Device},
		XDPMode:               defaults.XDPMode,
		BPFObjectPath:         defaults.BPFObjectPath,
		BPFRoot:               defaults.BPFFSRoot,
		K8sNamespace:          defaults.K8sNamespace,
		K8sClientQPSLimit:     defaults.K8sClientQPSLimit,
		K8sClientBurst:        defaults.K8sClientBurst,
		IdleTimeout:           defaults.IdleTimeout,
		ScaleUpTimeout:        defaults.ScaleUpTimeout,
		SweepInterval:         defaults.SweepInterval,
		ReconcileInterval:     defaults.ReconcileInterval,
		ReadinessPollInterval: defaults.ReadinessPollInterval,
		WakeReplicas:          defaults.WakeReplicas,
		ScaleRetries:          defaults.ScaleRetries,
		EnableMetrics:         defaults.EnableMetrics,
		PrometheusServeAddr:   defaults.MetricsAddress,
		EnableGops:            defaults.EnableGops,
		GopsPort:              defaults.GopsPortAgent,
		LogOpt:                make(map[string]string),
	}
}

// BindEnv binds the option name to the corresponding ZEROSCALE_ prefixed
// environment variable.
func BindEnv(vp *viper.Viper, optName string) {
	vp.BindEnv(optName, getEnvName(optName))
}

// getEnvName returns the environment variable to be used for the given option name.
func getEnvName(option string) string {
	under := strings.Replace(option, "-", "_", -1)
	upper := strings.ToUpper(under)
	return envPrefix + upper
}
