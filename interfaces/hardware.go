package interfaces

import "strconv"

// NVIDIAVendorID is the PCI vendor id of NVIDIA devices.
const NVIDIAVendorID = "10de"

// HardwarePort is the boundary between topology discovery and the host.
// The sysfs/lspci implementation issues the real system calls; tests use a
// canned topology.
type HardwarePort interface {
	// ListPCIDevices returns `lspci -d <vendor>: -nn` output.
	ListPCIDevices(vendor string) (string, error)
	// ListPCIDevicesVerbose returns `lspci -vvk` output.
	ListPCIDevicesVerbose() (string, error)
	// ReadPCIAttribute reads /sys/bus/pci/devices/<slot>/<attr>. The slot is
	// passed in full domain form (0000:bb:dd.f).
	ReadPCIAttribute(slot, attr string) (string, error)
	// ReadNodeCPUList reads /sys/devices/system/node/node<N>/cpulist.
	ReadNodeCPUList(node int) (string, error)
	// LoadKernelModule loads a kernel module by name.
	LoadKernelModule(name string) error
	// WriteSysfs writes value to a sysfs file.
	WriteSysfs(path, value string) error
}

// NumaNode is a host NUMA node id. NumaNodeUnknown means the host does not
// expose affinity for a device.
type NumaNode int

const NumaNodeUnknown NumaNode = -1

// Known reports whether the node id was exposed by the host.
func (n NumaNode) Known() bool { return n >= 0 }

// OrZero maps the unknown node to node 0, which is how grouping treats it.
func (n NumaNode) OrZero() int {
	if n < 0 {
		return 0
	}
	return int(n)
}

func (n NumaNode) String() string {
	if !n.Known() {
		return "unknown"
	}
	return strconv.Itoa(int(n))
}

// GPUTopology is the result of resolving a GPU spec against the host.
type GPUTopology struct {
	GPUs    []string
	Bridges []string
	// Nodes maps every GPU slot to its NUMA node.
	Nodes map[string]NumaNode
}

// NodeOf returns the NUMA node of a GPU slot, unknown if not resolved.
func (t *GPUTopology) NodeOf(slot string) NumaNode {
	if t == nil || t.Nodes == nil {
		return NumaNodeUnknown
	}
	if n, ok := t.Nodes[slot]; ok {
		return n
	}
	return NumaNodeUnknown
}
