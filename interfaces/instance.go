package interfaces

import (
	"encoding/json"
	"fmt"
)

// GPUAttachMode selects how the GPU set of an instance is determined.
type GPUAttachMode string

const (
	// GPUAttachListed attaches exactly the PCI slots recorded in the manifest.
	GPUAttachListed GPUAttachMode = "listed"
	// GPUAttachAll attaches every NVIDIA GPU and NVSwitch visible on the host at launch time.
	GPUAttachAll GPUAttachMode = "all"
)

// ParseGPUAttachMode validates a raw attach mode string.
func ParseGPUAttachMode(s string) (GPUAttachMode, error) {
	switch GPUAttachMode(s) {
	case GPUAttachListed, GPUAttachAll:
		return GPUAttachMode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidGpuMode, s)
	}
}

// PCIDevice is a single passthrough device identified by its PCI slot (bus:device.function).
type PCIDevice struct {
	Slot string `json:"slot"`
}

// GPUSpec describes the GPUs attached to an instance.
//
// For GPUAttachAll the device lists are empty in the stored manifest and
// filled in by the topology resolver at launch.
type GPUSpec struct {
	AttachMode GPUAttachMode `json:"attach_mode"`
	GPUs       []PCIDevice   `json:"gpus,omitempty"`
	Bridges    []PCIDevice   `json:"bridges,omitempty"`
}

// GPUSlots returns the slots of all attached GPUs in manifest order.
func (s GPUSpec) GPUSlots() []string {
	return slots(s.GPUs)
}

// BridgeSlots returns the slots of all attached NVSwitch/bridge devices in manifest order.
func (s GPUSpec) BridgeSlots() []string {
	return slots(s.Bridges)
}

func slots(devs []PCIDevice) []string {
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.Slot)
	}
	return out
}

// NewListedGPUSpec builds a listed spec from explicit PCI slots.
func NewListedGPUSpec(slots []string) GPUSpec {
	spec := GPUSpec{AttachMode: GPUAttachListed, GPUs: []PCIDevice{}}
	for _, slot := range slots {
		spec.GPUs = append(spec.GPUs, PCIDevice{Slot: slot})
	}
	return spec
}

// PortMapping forwards a host port to a guest port over the user-mode NAT network.
type PortMapping struct {
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
	From     int    `json:"from"`
	To       int    `json:"to"`
}

// InstanceManifest is the immutable per-instance record written at provisioning
// time and read at launch time.
type InstanceManifest struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	VCPU        int           `json:"vcpu"`
	GPUs        GPUSpec       `json:"gpus"`
	MemoryMiB   int           `json:"memory"`
	DiskSizeGiB int           `json:"disk_size"`
	ImagePath   string        `json:"image_path"`
	Image       string        `json:"image"`
	PortMap     []PortMapping `json:"port_map"`
	PinNUMA     bool          `json:"pin_numa"`
	Hugepages   bool          `json:"hugepages"`
	CreatedAtMs int64         `json:"created_at_ms"`
}

// AppCompose is the application record handed to the guest. The compose file
// content is stored verbatim since it is measured into the boot chain.
type AppCompose struct {
	ManifestVersion         int      `json:"manifest_version"`
	Name                    string   `json:"name"`
	Version                 string   `json:"version"`
	Features                []string `json:"features"`
	Runner                  string   `json:"runner"`
	DockerComposeFile       string   `json:"docker_compose_file"`
	LocalKeyProviderEnabled bool     `json:"local_key_provider_enabled"`
	SecureTime              bool     `json:"secure_time"`
}

// NewAppCompose returns the default docker-compose application record.
func NewAppCompose(composeFile string, localKeyProvider bool) AppCompose {
	return AppCompose{
		ManifestVersion:         1,
		Name:                    "example",
		Version:                 "1.0.0",
		Features:                []string{},
		Runner:                  "docker-compose",
		DockerComposeFile:       composeFile,
		LocalKeyProviderEnabled: localKeyProvider,
		SecureTime:              false,
	}
}

// ImageMetadata is the metadata.json record shipped with every guest image.
type ImageMetadata struct {
	BIOS       string `json:"bios"`
	Kernel     string `json:"kernel"`
	Initrd     string `json:"initrd"`
	Rootfs     string `json:"rootfs"`
	Cmdline    string `json:"cmdline"`
	RootfsHash string `json:"rootfs_hash,omitempty"`
}

// Image is a resolved image directory: paths are absolute, Digest is the
// content digest published with the image.
type Image struct {
	Dir      string
	Metadata ImageMetadata
	Digest   string
}

// VMConfig is what the guest is told about its own shape. It is serialized
// as a JSON string into the guest shared config under "vm_config".
type VMConfig struct {
	OSImageHash string `json:"os_image_hash"`
	CPUCount    int    `json:"cpu_count"`
	MemorySize  int64  `json:"memory_size"`
}

// NewVMConfig derives the guest-visible config from a manifest and image digest.
func NewVMConfig(m *InstanceManifest, imageDigest string) VMConfig {
	return VMConfig{
		OSImageHash: imageDigest,
		CPUCount:    m.VCPU,
		MemorySize:  int64(m.MemoryMiB) * 1024 * 1024,
	}
}

// String returns the JSON encoding stored in the guest config.
func (c VMConfig) String() string {
	data, _ := json.Marshal(c)
	return string(data)
}
