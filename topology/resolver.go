package topology

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

// Resolver answers GPU and NUMA questions about the host. Enumeration
// failures are logged and degrade to empty results; a host without GPUs is a
// valid CPU-only configuration.
type Resolver struct {
	hw  interfaces.HardwarePort
	log *slog.Logger
}

func NewResolver(hw interfaces.HardwarePort, log *slog.Logger) *Resolver {
	return &Resolver{hw: hw, log: log}
}

// EnumerateGPUs lists every NVIDIA GPU (3D controller) and NVSwitch (bridge)
// on the host bus.
func (r *Resolver) EnumerateGPUs() interfaces.GPUSpec {
	spec := interfaces.GPUSpec{
		AttachMode: interfaces.GPUAttachAll,
		GPUs:       []interfaces.PCIDevice{},
		Bridges:    []interfaces.PCIDevice{},
	}

	out, err := r.hw.ListPCIDevices(interfaces.NVIDIAVendorID)
	if err != nil {
		r.log.Warn("Failed to collect GPU information", "err", fmt.Errorf("%w: %w", interfaces.ErrHardwareQuery, err))
		return spec
	}

	for _, dev := range parseVendorListing(out) {
		switch dev.Class {
		case classGPU:
			spec.GPUs = append(spec.GPUs, interfaces.PCIDevice{Slot: dev.Slot})
		case classBridge:
			spec.Bridges = append(spec.Bridges, interfaces.PCIDevice{Slot: dev.Slot})
		}
	}

	r.log.Info("Enumerated NVIDIA devices", "gpus", len(spec.GPUs), "nvswitches", len(spec.Bridges))
	return spec
}

// NumaNodeOf returns the NUMA node of a PCI slot, or NumaNodeUnknown when the
// device or its affinity attribute is missing.
func (r *Resolver) NumaNodeOf(slot string) interfaces.NumaNode {
	raw, err := r.hw.ReadPCIAttribute(fullSlot(slot), "numa_node")
	if err != nil {
		r.log.Debug("NUMA node not available", "slot", slot, "err", err)
		return interfaces.NumaNodeUnknown
	}
	node, err := strconv.Atoi(raw)
	if err != nil || node < 0 {
		return interfaces.NumaNodeUnknown
	}
	return interfaces.NumaNode(node)
}

// ResolveGPUs expands an "all" spec against the current host. Listed specs
// pass through unchanged.
func (r *Resolver) ResolveGPUs(spec interfaces.GPUSpec) (interfaces.GPUSpec, error) {
	mode, err := interfaces.ParseGPUAttachMode(string(spec.AttachMode))
	if err != nil {
		return interfaces.GPUSpec{}, err
	}
	if mode == interfaces.GPUAttachAll {
		return r.EnumerateGPUs(), nil
	}
	return spec, nil
}

// Topology resolves the spec and the NUMA node of every attached GPU.
func (r *Resolver) Topology(spec interfaces.GPUSpec) (*interfaces.GPUTopology, error) {
	resolved, err := r.ResolveGPUs(spec)
	if err != nil {
		return nil, err
	}

	topo := &interfaces.GPUTopology{
		GPUs:    resolved.GPUSlots(),
		Bridges: resolved.BridgeSlots(),
		Nodes:   make(map[string]interfaces.NumaNode, len(resolved.GPUs)),
	}
	for _, slot := range topo.GPUs {
		topo.Nodes[slot] = r.NumaNodeOf(slot)
	}
	return topo, nil
}

// NodeCPUList returns the host CPU list (e.g. "0-31,64-95") of a NUMA node.
func (r *Resolver) NodeCPUList(node int) (string, error) {
	cpus, err := r.hw.ReadNodeCPUList(node)
	if err != nil {
		return "", fmt.Errorf("%w: cpulist of node %d: %w", interfaces.ErrHardwareQuery, node, err)
	}
	return cpus, nil
}

// ListGPUs reports every NVIDIA GPU with its NUMA node and whether a driver
// has it enabled.
func (r *Resolver) ListGPUs() ([]GPUInfo, error) {
	out, err := r.hw.ListPCIDevicesVerbose()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrHardwareQuery, err)
	}

	var gpus []GPUInfo
	for _, block := range parseVerboseListing(out) {
		info := gpuInfoFromBlock(block)
		info.Node = r.NumaNodeOf(info.Slot)
		gpus = append(gpus, info)
	}
	return gpus, nil
}
