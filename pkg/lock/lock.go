// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

//go:build !lockdebug

package lock

import (
	"sync"
)

type (
	// Mutex is equivalent to sync.Mutex but applies deadlock detection if
	// the build tag "lockdebug" is set
	Mutex struct {
		sync.Mutex
	}

	// RWMutex is equivalent to sync.RWMutex but applies deadlock detection
	// if the build tag "lockdebug" is set
	RWMutex struct {
		sync.RWMutex
	}
)
