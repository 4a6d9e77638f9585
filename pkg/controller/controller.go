// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeroscale/zeroscale/pkg/lock"
)

const (
	// dormantInterval is the re-check interval of a controller that has
	// nothing to do until the next update or trigger
	dormantInterval = 10 * time.Minute
)

// ControllerFunc is a function called by a controller.
type ControllerFunc func(ctx context.Context) error

func undefinedDoFunc(name string) error {
	return fmt.Errorf("controller %s DoFunc is nil", name)
}

// NoopFunc is a no-op placeholder for DoFunc & StopFunc
func NoopFunc(ctx context.Context) error {
	return nil
}

// ExitReason can be returned by DoFunc to stop any further execution of the
// controller without removing it. It is not counted as an error.
type ExitReason struct {
	// This is constructed in this odd way because the error interface is
	// sneaky and typechecks for == nil in a weird way.
	error
}

// NewExitReason returns a new ExitReason
func NewExitReason(reason string) ExitReason {
	return ExitReason{errors.New(reason)}
}

// ControllerParams contains all parameters of a controller
type ControllerParams struct {
	// DoFunc is the function that will be run until it succeeds and/or
	// using the interval RunInterval if not 0.
	DoFunc ControllerFunc

	// StopFunc is called when the controller stops. It is intended to
	// run any clean-up tasks for the controller (e.g. deallocate/release
	// resources). It is guaranteed that DoFunc is called at least once
	// before StopFunc is called.
	StopFunc ControllerFunc

	// If set to any other value than 0, will cause DoFunc to be run in
	// the specified interval. The interval starts from when the DoFunc
	// has returned last
	RunInterval time.Duration

	// ErrorRetryBaseDuration is the initial time to wait to run DoFunc
	// again on return of an error. On each consecutive error, this value
	// is multiplied by the number of consecutive errors.
	ErrorRetryBaseDuration time.Duration

	// NoErrorRetry when set to true, disabled retries on errors
	NoErrorRetry bool

	// Context is the context in which DoFunc runs. If nil,
	// context.Background() is used.
	Context context.Context
}

// Status is a snapshot of one controller's state for introspection.
type Status struct {
	Name              string
	UUID              string
	SuccessCount      int
	FailureCount      int
	ConsecutiveErrors int
	LastError         string
	LastErrorStamp    time.Time
	LastSuccessStamp  time.Time
}

// Controller is a unit of work running a DoFunc on an interval, with retry
// and backoff on errors. Controllers are created and removed through a
// Manager.
type Controller struct {
	mutex             lock.RWMutex
	name              string
	uuid              string
	params            ControllerParams
	successCount      int
	failureCount      int
	consecutiveErrors int
	lastError         error
	lastErrorStamp    time.Time
	lastSuccessStamp  time.Time
	lastDuration      time.Duration

	// stop is closed to stop the controller goroutine
	stop chan struct{}

	// update is written to when the parameters were updated
	update chan struct{}

	// trigger is written to when an out of band run is requested
	trigger chan struct{}

	// terminated is closed after the controller goroutine has exited
	terminated chan struct{}

	ctxDoFunc    context.Context
	cancelDoFunc context.CancelFunc
}

// Trigger requests an out of band run of the controller's DoFunc.
func (c *Controller) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// GetSuccessCount returns the number of successful controller runs
func (c *Controller) GetSuccessCount() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.successCount
}

// GetFailureCount returns the number of failed controller runs
func (c *Controller) GetFailureCount() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.failureCount
}

// GetLastError returns the last error returned
func (c *Controller) GetLastError() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.lastError
}

// GetStatus returns the status of the controller
func (c *Controller) GetStatus() Status {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	status := Status{
		Name:              c.name,
		UUID:              c.uuid,
		SuccessCount:      c.successCount,
		FailureCount:      c.failureCount,
		ConsecutiveErrors: c.consecutiveErrors,
		LastErrorStamp:    c.lastErrorStamp,
		LastSuccessStamp:  c.lastSuccessStamp,
	}
	if c.lastError != nil {
		status.LastError = c.lastError.Error()
	}
	return status
}

func (c *Controller) updateParamsLocked(params ControllerParams) {
	c.params = params
}

func (c *Controller) stopController() {
	if c.cancelDoFunc != nil {
		c.cancelDoFunc()
	}

	close(c.stop)
}

func (c *Controller) getLogger() *logrus.Entry {
	return log.WithFields(logrus.Fields{
		fieldControllerName: c.name,
		fieldUUID:           c.uuid,
	})
}

// recordError updates all statistic collection variables on DoFunc error
// c.mutex must be held.
func (c *Controller) recordError(err error) {
	c.lastError = err
	c.lastErrorStamp = time.Now()
	c.failureCount++
	c.consecutiveErrors++
}

// recordSuccess updates all statistic collection variables on DoFunc success
// c.mutex must be held.
func (c *Controller) recordSuccess() {
	c.lastError = nil
	c.lastSuccessStamp = time.Now()
	c.successCount++
	c.consecutiveErrors = 0
}

func (c *Controller) runController() {
	errorRetries := 1

	c.mutex.RLock()
	params := c.params
	c.mutex.RUnlock()

	runFunc := true
	interval := dormantInterval

	for {
		if runFunc {
			interval = params.RunInterval

			start := time.Now()
			err := params.DoFunc(c.ctxDoFunc)
			duration := time.Since(start)

			c.mutex.Lock()
			c.lastDuration = duration
			c.getLogger().Debug("Controller func execution time: ", c.lastDuration)

			switch {
			case err != nil && c.ctxDoFunc.Err() != nil:
				// The controller's context was canceled. Wait for the
				// next controller update (or stop).
				c.recordSuccess()
				c.lastError = err
				runFunc = false
				interval = dormantInterval

			case err != nil:
				var exitReason ExitReason
				if errors.As(err, &exitReason) {
					// This is not an error, the controller is done
					// until updated or triggered again.
					c.recordSuccess()
					c.lastError = exitReason
					runFunc = false
					interval = dormantInterval
					break
				}

				c.getLogger().WithField(fieldConsecutiveErrors, c.consecutiveErrors).
					WithError(err).Debug("Controller run failed")
				c.recordError(err)

				if !params.NoErrorRetry {
					if params.ErrorRetryBaseDuration != time.Duration(0) {
						interval = time.Duration(errorRetries) * params.ErrorRetryBaseDuration
					} else {
						interval = time.Duration(errorRetries) * time.Second
					}

					errorRetries++
				}

			default:
				c.recordSuccess()

				// reset error retries after successful attempt
				errorRetries = 1

				// If no run interval is specified, no further updates
				// are required.
				if interval == time.Duration(0) {
					runFunc = false
					interval = dormantInterval
				}
			}

			c.mutex.Unlock()
		}

		select {
		case <-c.stop:
			goto shutdown

		case <-c.update:
			// If both channels are signaled, the stop case must win.
			select {
			case <-c.stop:
				goto shutdown
			default:
			}

			// Pick up any changes to the parameters in case the
			// controller has been updated.
			c.mutex.RLock()
			params = c.params
			c.mutex.RUnlock()
			runFunc = true

		case <-time.After(interval):
			runFunc = true

		case <-c.trigger:
			runFunc = true
		}
	}

shutdown:
	c.getLogger().Debug("Shutting down controller")

	if err := params.StopFunc(context.TODO()); err != nil {
		c.mutex.Lock()
		c.recordError(err)
		c.mutex.Unlock()
		c.getLogger().WithField(fieldConsecutiveErrors, c.consecutiveErrors).
			WithError(err).Warn("Error on Controller stop")
	}

	c.cancelDoFunc()
	close(c.terminated)
}
