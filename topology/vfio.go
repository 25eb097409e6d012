package topology

import (
	"errors"
	"fmt"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

const (
	vfioNewIDPath    = "/sys/bus/pci/drivers/vfio-pci/new_id"
	vfioRemoveIDPath = "/sys/bus/pci/drivers/vfio-pci/remove_id"
)

var vfioModules = []string{"vfio", "vfio_pci"}

// TagVFIO binds every NVIDIA GPU and NVSwitch device id to vfio-pci so the
// devices can be passed through. Each device id is registered once.
func (r *Resolver) TagVFIO() error {
	out, err := r.hw.ListPCIDevices(interfaces.NVIDIAVendorID)
	if err != nil {
		return fmt.Errorf("%w: detecting NVIDIA devices: %w", interfaces.ErrHardwareQuery, err)
	}

	devices := parseVendorListing(out)
	if len(devices) == 0 {
		r.log.Error("No NVIDIA GPUs or NVSwitches found")
		return nil
	}

	var ngpu, nsw int
	for _, dev := range devices {
		if dev.Class == classGPU {
			ngpu++
		} else {
			nsw++
		}
	}
	r.log.Info("Detected NVIDIA devices", "gpus", ngpu, "nvswitches", nsw)

	for _, module := range vfioModules {
		if err := r.hw.LoadKernelModule(module); err != nil {
			return fmt.Errorf("%w: loading VFIO modules: %w", interfaces.ErrHardwareQuery, err)
		}
	}

	seen := make(map[string]bool)
	var errs []error
	for _, dev := range devices {
		if seen[dev.DeviceID] {
			continue
		}
		seen[dev.DeviceID] = true

		name := "GPU"
		if dev.Class == classBridge {
			name = "NVSwitch"
		}
		if err := r.tagDevice(dev.DeviceID); err != nil {
			r.log.Error("Failed to tag device for VFIO", "type", name, "devID", dev.DeviceID, "err", err)
			errs = append(errs, err)
			continue
		}
		r.log.Info("Tagged device for VFIO", "type", name, "devID", interfaces.NVIDIAVendorID+":"+dev.DeviceID)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", interfaces.ErrHardwareQuery, errors.Join(errs...))
	}
	return nil
}

// tagDevice registers an id with vfio-pci, clearing a stale registration and
// retrying once if the first write fails.
func (r *Resolver) tagDevice(devID string) error {
	value := interfaces.NVIDIAVendorID + " " + devID
	if err := r.hw.WriteSysfs(vfioNewIDPath, value); err == nil {
		return nil
	}
	if err := r.hw.WriteSysfs(vfioRemoveIDPath, value); err != nil {
		r.log.Debug("remove_id failed", "devID", devID, "err", err)
	}
	return r.hw.WriteSysfs(vfioNewIDPath, value)
}
