// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package datapath

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf/perf"
	"golang.org/x/sys/unix"

	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
	"github.com/zeroscale/zeroscale/pkg/metrics"
)

// RunEventListener reads wake events from the perf ring and hands them to
// h. It returns when ctx is cancelled or the ring becomes unreadable.
func (d *linuxDatapath) RunEventListener(ctx context.Context, h EventHandler) error {
	pages := d.cfg.NumPages
	if pages <= 0 {
		pages = defaultRingPages
	}

	events, err := perf.NewReader(d.events, pages*os.Getpagesize())
	if err != nil {
		return fmt.Errorf("opening perf reader: %w", err)
	}

	// Read blocks until a sample arrives. Closing the reader is the only
	// way to interrupt it.
	go func() {
		<-ctx.Done()
		events.Close()
	}()

	log.WithField(logfields.BPFMapName, EventsMapName).Debug("Listening for wake events")

	for {
		record, err := events.Read()
		switch {
		case isCtxDone(ctx):
			return nil
		case err != nil:
			if perf.IsUnknownEvent(err) {
				// Skip unknown events.
				continue
			}
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			if errors.Is(err, unix.EBADFD) {
				return fmt.Errorf("reading perf ring: %w", err)
			}
			log.WithError(err).Warn("Error received while reading from perf ring")
			continue
		}

		if record.LostSamples > 0 {
			metrics.PerfLostSamples.Add(float64(record.LostSamples))
			log.WithField(logfields.LostSamples, record.LostSamples).Warn("Perf ring overflow, wake events were lost")
			continue
		}

		ev, err := decodeWakeEvent(record.RawSample)
		if err != nil {
			log.WithError(err).Warn("Discarding malformed wake event")
			continue
		}
		h.HandleWakeEvent(ev)
	}
}

func isCtxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
