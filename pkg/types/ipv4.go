// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package types

import (
	"net"
	"net/netip"
)

// IPv4 is the binary representation for encoding in binary structs.
type IPv4 [4]byte

func (v4 IPv4) IP() net.IP {
	return v4[:]
}

func (v4 IPv4) Addr() netip.Addr {
	return netip.AddrFrom4(v4)
}

func (v4 IPv4) String() string {
	return v4.IP().String()
}

func (v4 IPv4) MarshalText() ([]byte, error) {
	return []byte(v4.String()), nil
}

func (v4 *IPv4) UnmarshalText(text []byte) error {
	addr, err := netip.ParseAddr(string(text))
	if err != nil {
		return err
	}
	if !addr.Is4() {
		return &net.AddrError{Err: "not an IPv4 address", Addr: addr.String()}
	}
	ip := addr.As4()
	copy(v4[:], ip[:])
	return nil
}

// FromAddr returns the IPv4 representation of addr. The second return
// value is false if addr is not a valid IPv4 address.
func FromAddr(addr netip.Addr) (IPv4, bool) {
	if !addr.Is4() {
		return IPv4{}, false
	}
	return addr.As4(), true
}

// DeepCopyInto is a deepcopy function, copying the receiver, writing into out. in must be non-nil.
func (v4 *IPv4) DeepCopyInto(out *IPv4) {
	copy(out[:], v4[:])
}
