// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package scalemap

// State is the scale state of a service entry. The numeric values are shared
// with the XDP program, see bpf/zeroscale.h.
type State uint32

const (
	// StateIdle means the workload has zero replicas and traffic to the
	// service triggers a scale-up.
	StateIdle State = iota

	// StateScalingUp means a scale-up is in flight. Traffic is dropped
	// until the workload is ready.
	StateScalingUp

	// StateActive means at least one replica is ready and traffic is
	// passed through.
	StateActive

	// StateScalingDown means a scale-down is in flight. Traffic is
	// dropped until the entry returns to idle.
	StateScalingDown
)

// StateCount is the number of valid states.
const StateCount = 4

var stateNames = [StateCount]string{
	StateIdle:        "idle",
	StateScalingUp:   "scaling-up",
	StateActive:      "active",
	StateScalingDown: "scaling-down",
}

func (s State) String() string {
	if !s.Valid() {
		return "unknown"
	}
	return stateNames[s]
}

// Valid reports whether s is one of the known state tags. The interceptor
// drops traffic for entries carrying an unknown state.
func (s State) Valid() bool {
	return s < StateCount
}

// Transitional reports whether s is one of the two in-flight states.
func (s State) Transitional() bool {
	return s == StateScalingUp || s == StateScalingDown
}

// Stable reports whether s is a state an entry may rest in.
func (s State) Stable() bool {
	return s == StateIdle || s == StateActive
}
