// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

//go:build lockdebug

package lock

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/zeroscale/zeroscale/pkg/logging"
	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
)

const (
	// deadLockTimeout is the timeout to complain about deadlocks
	deadLockTimeout = 310 * time.Second

	subsystem = "lock-lib"
)

func init() {
	deadlock.Opts.DeadlockTimeout = deadLockTimeout
	log := logging.DefaultLogger.WithField(logfields.LogSubsys, subsystem)
	deadlock.Opts.LogBuf = log.WriterLevel(logrus.ErrorLevel)
}

type (
	// Mutex is equivalent to sync.Mutex but applies deadlock detection if
	// the build tag "lockdebug" is set
	Mutex struct {
		deadlock.Mutex
	}

	// RWMutex is equivalent to sync.RWMutex but applies deadlock detection
	// if the build tag "lockdebug" is set
	RWMutex struct {
		deadlock.RWMutex
	}
)
