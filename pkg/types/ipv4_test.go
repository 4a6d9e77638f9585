// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package types

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

var testIPv4Address IPv4 = [4]byte{10, 0, 0, 2}

func TestIP(t *testing.T) {
	var expectedAddress net.IP = []byte{10, 0, 0, 2}
	result := testIPv4Address.IP()

	require.Equal(t, expectedAddress, result)
}

func TestAddr(t *testing.T) {
	expectedAddress := netip.MustParseAddr("10.0.0.2")
	result := testIPv4Address.Addr()

	require.Equal(t, expectedAddress, result)
}

func TestString(t *testing.T) {
	expectedStr := "10.0.0.2"
	result := testIPv4Address.String()

	require.Equal(t, expectedStr, result)
}

func TestFromAddr(t *testing.T) {
	v4, ok := FromAddr(netip.MustParseAddr("10.0.0.2"))
	require.True(t, ok)
	require.Equal(t, testIPv4Address, v4)

	_, ok = FromAddr(netip.MustParseAddr("fd00::1"))
	require.False(t, ok)
}

func TestUnmarshalText(t *testing.T) {
	var v4 IPv4
	require.NoError(t, v4.UnmarshalText([]byte("10.0.0.2")))
	require.Equal(t, testIPv4Address, v4)

	require.Error(t, v4.UnmarshalText([]byte("fd00::1")))
	require.Error(t, v4.UnmarshalText([]byte("not-an-ip")))
}
