// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of ZeroScale

package datapath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/zeroscale/zeroscale/pkg/logging/logfields"
	"github.com/zeroscale/zeroscale/pkg/maps/scalemap"
	"github.com/zeroscale/zeroscale/pkg/option"
)

const (
	// ProgName is the name of the XDP interception program inside the
	// compiled object.
	ProgName = "xdp_zeroscale"

	// EventsMapName is the perf event array the program emits wake events
	// through.
	EventsMapName = "zeroscale_events"

	// defaultRingPages is the per-CPU perf ring size when none is
	// configured. Wake events are small and rare, a handful of pages is
	// plenty.
	defaultRingPages = 8
)

// Config carries the datapath parameters resolved from the agent options.
type Config struct {
	// ObjectPath is the path to the compiled XDP object file.
	ObjectPath string

	// Devices are the network devices to attach the program to.
	Devices []string

	// Mode selects the XDP attach mode, one of the option.XDPMode
	// constants.
	Mode string

	// BPFFSDir is the bpffs directory holding pinned links.
	BPFFSDir string

	// NumPages is the per-CPU size of the wake event perf ring, in pages.
	NumPages int
}

type linuxDatapath struct {
	cfg    Config
	coll   *ebpf.Collection
	prog   *ebpf.Program
	events *ebpf.Map
}

// NewDatapath loads the XDP object from cfg.ObjectPath, rewiring its
// service table reference to the pinned table owned by the agent so that
// program reloads never lose scale state.
func NewDatapath(cfg Config, table *scalemap.Map) (Datapath, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfg.ObjectPath, err)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		MapReplacements: map[string]*ebpf.Map{
			scalemap.MapName: table.Map,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("loading collection from %s: %w", cfg.ObjectPath, err)
	}

	prog := coll.Programs[ProgName]
	if prog == nil {
		coll.Close()
		return nil, fmt.Errorf("object %s contains no program %s", cfg.ObjectPath, ProgName)
	}
	events := coll.Maps[EventsMapName]
	if events == nil {
		coll.Close()
		return nil, fmt.Errorf("object %s contains no map %s", cfg.ObjectPath, EventsMapName)
	}

	return &linuxDatapath{
		cfg:    cfg,
		coll:   coll,
		prog:   prog,
		events: events,
	}, nil
}

// xdpModeToFlag maps the configured attach mode to bpf_link attach flags.
// Best-effort passes no flags and lets the kernel pick driver mode when
// the device supports it.
func xdpModeToFlag(xdpMode string) link.XDPAttachFlags {
	switch xdpMode {
	case option.XDPModeNative:
		return link.XDPDriverMode
	case option.XDPModeGeneric:
		return link.XDPGenericMode
	}
	return 0
}

// linksDir is the bpffs directory holding pinned XDP links for a device.
func (d *linuxDatapath) linksDir(device string) string {
	return filepath.Join(d.cfg.BPFFSDir, "links", device)
}

// Attach attaches the interception program to all configured devices.
func (d *linuxDatapath) Attach() error {
	for _, device := range d.cfg.Devices {
		iface, err := netlink.LinkByName(device)
		if err != nil {
			return fmt.Errorf("retrieving device %s: %w", device, err)
		}
		if err := d.attachDevice(iface); err != nil {
			return fmt.Errorf("attaching %s to device %s: %w", ProgName, device, err)
		}
		log.WithFields(logrus.Fields{
			logfields.Device:  device,
			logfields.XDPMode: d.cfg.Mode,
		}).Info("Attached XDP interception program")
	}
	return nil
}

// attachDevice attaches the program to one device. A pinned bpf_link from
// a previous agent run is updated in place so traffic is never left
// uninspected across restarts. Kernels without bpf_link support for XDP
// fall back to the netlink attach path.
func (d *linuxDatapath) attachDevice(iface netlink.Link) error {
	device := iface.Attrs().Name
	pin := filepath.Join(d.linksDir(device), ProgName)
	flags := xdpModeToFlag(d.cfg.Mode)

	// Attempt to open and update an existing pinned link.
	err := updateLink(pin, d.prog)
	switch {
	// Update successful, nothing left to do.
	case err == nil:
		log.WithField(logfields.Path, pin).Debug("Updated existing XDP link")
		return nil

	// Link exists, but is defunct, and needs to be recreated against a new
	// device. This can happen when the device has been renamed or replaced.
	case errors.Is(err, unix.ENOLINK):
		if err := os.Remove(pin); err != nil {
			return fmt.Errorf("unpinning defunct link %s: %w", pin, err)
		}

	// No existing link found, continue trying to create one.
	case errors.Is(err, os.ErrNotExist):

	default:
		return fmt.Errorf("updating link %s: %w", pin, err)
	}

	if err := os.MkdirAll(d.linksDir(device), 0o755); err != nil {
		return fmt.Errorf("creating bpffs link dir: %w", err)
	}

	// Create a new link. This will only succeed on kernels supporting
	// bpf_link for XDP and with no program already attached via netlink.
	l, err := link.AttachXDP(link.XDPOptions{
		Program:   d.prog,
		Interface: iface.Attrs().Index,
		Flags:     flags,
	})
	if err == nil {
		defer func() {
			// Closing a pinned link does not detach the program.
			if err := l.Close(); err != nil {
				log.WithError(err).Warn("Failed to close bpf_link")
			}
		}()
		if err := l.Pin(pin); err != nil {
			return fmt.Errorf("pinning link at %s: %w", pin, err)
		}
		return nil
	}

	// Kernels before 5.7 don't support bpf_link for XDP, in which case
	// AttachXDP returns ErrNotSupported. EBUSY means a previous run
	// attached through netlink.
	if !errors.Is(err, unix.EBUSY) && !errors.Is(err, link.ErrNotSupported) {
		return fmt.Errorf("attaching using bpf_link: %w", err)
	}

	log.WithField(logfields.Device, device).Debug("Falling back to netlink XDP attachment")

	if err := netlink.LinkSetXdpFdWithFlags(iface, d.prog.FD(), int(flags)); err != nil {
		return fmt.Errorf("attaching using netlink: %w", err)
	}
	return nil
}

// Detach removes the interception program from all configured devices.
// Detaching restores the fail-open default, traffic flows uninspected.
func (d *linuxDatapath) Detach() error {
	for _, device := range d.cfg.Devices {
		iface, err := netlink.LinkByName(device)
		if err != nil {
			return fmt.Errorf("retrieving device %s: %w", device, err)
		}
		if err := d.detachDevice(iface); err != nil {
			return fmt.Errorf("detaching %s from device %s: %w", ProgName, device, err)
		}
		log.WithField(logfields.Device, device).Info("Detached XDP interception program")
	}
	return nil
}

func (d *linuxDatapath) detachDevice(iface netlink.Link) error {
	pin := filepath.Join(d.linksDir(iface.Attrs().Name), ProgName)
	err := unpinLink(pin)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		// The pinned link exists, something else went wrong unpinning it.
		return fmt.Errorf("unpinning XDP link: %w", err)
	}

	// No pinned link, the program was attached through netlink. Try to
	// remove it in both modes.
	if err := netlink.LinkSetXdpFdWithFlags(iface, -1, int(link.XDPGenericMode)); err != nil {
		return fmt.Errorf("detaching generic-mode XDP program using netlink: %w", err)
	}
	if err := netlink.LinkSetXdpFdWithFlags(iface, -1, int(link.XDPDriverMode)); err != nil {
		return fmt.Errorf("detaching driver-mode XDP program using netlink: %w", err)
	}
	return nil
}

// updateLink loads the pinned link at pin and points it at prog.
func updateLink(pin string, prog *ebpf.Program) error {
	l, err := link.LoadPinnedLink(pin, nil)
	if err != nil {
		return err
	}
	defer l.Close()
	return l.Update(prog)
}

// unpinLink removes the pinned link at pin, detaching its program.
func unpinLink(pin string) error {
	l, err := link.LoadPinnedLink(pin, nil)
	if err != nil {
		return err
	}
	defer l.Close()
	return l.Unpin()
}

// Close releases the loaded collection.
func (d *linuxDatapath) Close() error {
	d.coll.Close()
	return nil
}
