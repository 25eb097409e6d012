package topology

import (
	"fmt"
	"os"
	"strings"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

// FakeGPU is a device on a FakeHardware bus.
type FakeGPU struct {
	Slot     string
	DeviceID string
	Bridge   bool
	// Node is written verbatim to numa_node; empty means the attribute is missing.
	Node string
}

// FakeHardware serves a canned topology. Sysfs writes are recorded.
type FakeHardware struct {
	Devices  []FakeGPU
	CPULists map[int]string
	ListErr  error

	Written []string
	Modules []string
}

func (f *FakeHardware) ListPCIDevices(vendor string) (string, error) {
	if f.ListErr != nil {
		return "", f.ListErr
	}
	var b strings.Builder
	for _, d := range f.Devices {
		class := "3D controller [0302]"
		name := "NVIDIA Corporation GH100 [H100 SXM5 80GB]"
		if d.Bridge {
			class = "Bridge [0680]"
			name = "NVIDIA Corporation Device"
		}
		fmt.Fprintf(&b, "%s %s: %s [%s:%s] (rev a1)\n", d.Slot, class, name, vendor, d.DeviceID)
	}
	return b.String(), nil
}

func (f *FakeHardware) ListPCIDevicesVerbose() (string, error) {
	if f.ListErr != nil {
		return "", f.ListErr
	}
	var b strings.Builder
	for _, d := range f.Devices {
		if d.Bridge {
			fmt.Fprintf(&b, "%s Bridge: NVIDIA Corporation Device\n\tKernel driver in use: nvidia-nvswitch\n\n", d.Slot)
			continue
		}
		fmt.Fprintf(&b, "%s 3D controller: NVIDIA Corporation GH100 [H100 SXM5 80GB] (rev a1)\n", d.Slot)
		b.WriteString("\tSubsystem: NVIDIA Corporation Device 16c1\n")
		b.WriteString("\tControl: I/O- Mem- BusMaster- SpecCycle- MemWINV-\n")
		b.WriteString("\tKernel driver in use: vfio-pci\n\n")
	}
	return b.String(), nil
}

func (f *FakeHardware) ReadPCIAttribute(slot, attr string) (string, error) {
	for _, d := range f.Devices {
		if fullSlot(d.Slot) == slot && attr == "numa_node" && d.Node != "" {
			return d.Node, nil
		}
	}
	return "", os.ErrNotExist
}

func (f *FakeHardware) ReadNodeCPUList(node int) (string, error) {
	if cpus, ok := f.CPULists[node]; ok {
		return cpus, nil
	}
	return "", os.ErrNotExist
}

func (f *FakeHardware) LoadKernelModule(name string) error {
	f.Modules = append(f.Modules, name)
	return nil
}

func (f *FakeHardware) WriteSysfs(path, value string) error {
	f.Written = append(f.Written, path+"="+value)
	return nil
}

var _ interfaces.HardwarePort = (*FakeHardware)(nil)
var _ interfaces.HardwarePort = (*MockHardware)(nil)
var _ interfaces.HardwarePort = (*SysfsHardware)(nil)
