package topology

import (
	"regexp"
	"strings"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

var nvidiaDeviceIDRe = regexp.MustCompile(`\[10de:([0-9A-Fa-f]+)\]`)

type deviceClass int

const (
	classOther deviceClass = iota
	classGPU
	classBridge
)

// pciDevice is one line of `lspci -d 10de: -nn`.
type pciDevice struct {
	Slot     string
	DeviceID string
	Class    deviceClass
}

// parseVendorListing keeps the NVIDIA GPUs and bridges of an lspci -nn listing
// in bus order.
func parseVendorListing(out string) []pciDevice {
	var devices []pciDevice
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		m := nvidiaDeviceIDRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		dev := pciDevice{Slot: fields[0], DeviceID: strings.ToLower(m[1])}
		switch {
		case strings.Contains(line, "3D controller"):
			dev.Class = classGPU
		case strings.Contains(line, "Bridge"):
			dev.Class = classBridge
		default:
			continue
		}
		devices = append(devices, dev)
	}
	return devices
}

// GPUInfo is a row of `cvmctl lsgpu`.
type GPUInfo struct {
	Slot        string
	Node        interfaces.NumaNode
	InUse       bool
	Description string
}

// parseVerboseListing splits `lspci -vvk` output into NVIDIA 3D controller
// blocks. A block ends at an empty line or at the next unindented line.
func parseVerboseListing(out string) [][]string {
	var (
		blocks  [][]string
		current []string
		inBlock bool
	)
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.Contains(line, "NVIDIA") && strings.Contains(line, "3D controller"):
			if len(current) > 0 {
				blocks = append(blocks, current)
			}
			current = []string{line}
			inBlock = true
		case inBlock:
			if strings.TrimSpace(line) == "" || (line[0] != '\t' && line[0] != ' ' && len(current) > 1) {
				blocks = append(blocks, current)
				current = nil
				inBlock = false
			} else {
				current = append(current, line)
			}
		}
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}

func gpuInfoFromBlock(block []string) GPUInfo {
	header := block[0]
	info := GPUInfo{Node: interfaces.NumaNodeUnknown}
	if fields := strings.Fields(header); len(fields) > 0 {
		info.Slot = fields[0]
	}
	if parts := strings.SplitN(header, ":", 3); len(parts) == 3 {
		info.Description = strings.TrimSpace(parts[2])
	}
	for _, line := range block {
		if strings.Contains(line, "Control:") && strings.Contains(line, "I/O+") && strings.Contains(line, "BusMaster+") {
			info.InUse = true
		} else if strings.Contains(line, "Latency:") {
			info.InUse = true
		}
	}
	return info
}

// fullSlot returns slot in domain:bus:device.function form.
func fullSlot(slot string) string {
	if strings.Count(slot, ":") >= 2 {
		return slot
	}
	return "0000:" + slot
}
