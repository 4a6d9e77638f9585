// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package option

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/zeroscale/zeroscale/pkg/defaults"
)

func TestPopulate(t *testing.T) {
	vp := viper.New()
	vp.Set(Devices, []string{"eth0", "eth1"})
	vp.Set(XDPMode, XDPModeGeneric)
	vp.Set(K8sNamespace, "staging")
	vp.Set(IdleTimeout, "90s")
	vp.Set(WakeReplicas, 2)
	vp.Set(GopsPort, defaults.GopsPortAgent)

	c := &AgentConfig{}
	c.Populate(vp)

	require.Equal(t, []string{"eth0", "eth1"}, c.Devices)
	require.Equal(t, XDPModeGeneric, c.XDPMode)
	require.Equal(t, "staging", c.K8sNamespace)
	require.Equal(t, 90*time.Second, c.IdleTimeout)
	require.Equal(t, 2, c.WakeReplicas)
	require.Equal(t, uint16(defaults.GopsPortAgent), c.GopsPort)
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*AgentConfig)
	}{
		{"invalid xdp mode", func(c *AgentConfig) { c.XDPMode = "hardware" }},
		{"no devices", func(c *AgentConfig) { c.Devices = nil }},
		{"empty namespace", func(c *AgentConfig) { c.K8sNamespace = "" }},
		{"zero idle timeout", func(c *AgentConfig) { c.IdleTimeout = 0 }},
		{"negative scale-up timeout", func(c *AgentConfig) { c.ScaleUpTimeout = -time.Second }},
		{"zero sweep interval", func(c *AgentConfig) { c.SweepInterval = 0 }},
		{"zero wake replicas", func(c *AgentConfig) { c.WakeReplicas = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestGetEnvName(t *testing.T) {
	require.Equal(t, "ZEROSCALE_IDLE_TIMEOUT", getEnvName(IdleTimeout))
	require.Equal(t, "ZEROSCALE_DEBUG", getEnvName(DebugArg))
}
