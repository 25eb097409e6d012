package qemu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

const (
	HugepagesMountPoint = "/dev/hugepages"

	defaultPCIEBus = "pcie.0"
)

// Params is everything the command depends on.
type Params struct {
	QEMUPath string
	Manifest *interfaces.InstanceManifest
	Image    *interfaces.Image
	// Topology holds the resolved GPUs; nil means no passthrough.
	Topology  *interfaces.GPUTopology
	SharedDir string
	DataDisk  string
	GuestCID  uint32
	// PinCPUs, if set, restricts the process to this host CPU list.
	PinCPUs string
}

// Command is an assembled hypervisor invocation.
type Command struct {
	Argv      []string
	VCPUs     int
	MemoryMiB int
	Placement *Placement
}

// Builder accumulates qemu arguments.
type Builder struct {
	Argv []string
}

// Append appends additional arguments for QEMU.
func (b *Builder) Append(args ...string) {
	b.Argv = append(b.Argv, args...)
}

// Build assembles the command line of a TDX guest. Rootfs format is checked
// first so an unsupported image never reaches process creation.
func Build(p Params) (*Command, error) {
	rootfsArgs, err := rootfsArgs(p.Image.Metadata.Rootfs)
	if err != nil {
		return nil, err
	}

	m := p.Manifest
	cmd := &Command{VCPUs: m.VCPU, MemoryMiB: m.MemoryMiB}
	memArg := fmt.Sprintf("%dM", m.MemoryMiB)

	if m.Hugepages && p.Topology != nil && len(p.Topology.GPUs) > 0 {
		memGiB := m.MemoryMiB / 1024
		if memGiB < 1 {
			memGiB = 1
		}
		cmd.Placement = PlanNUMA(p.Topology, m.VCPU, memGiB)
		cmd.VCPUs = cmd.Placement.VCPUs
		cmd.MemoryMiB = cmd.Placement.MemoryGiB * 1024
		memArg = fmt.Sprintf("%dG", cmd.Placement.MemoryGiB)
	}

	b := &Builder{}
	if p.PinCPUs != "" {
		b.Append("taskset", "-c", p.PinCPUs)
	}
	b.Append(
		p.QEMUPath,
		"-accel", "kvm",
		"-m", memArg,
		"-smp", strconv.Itoa(cmd.VCPUs),
		"-cpu", "host",
		"-machine", "q35,kernel_irqchip=split,confidential-guest-support=tdx,hpet=off",
		"-object", "tdx-guest,id=tdx",
		"-nographic",
		"-nodefaults",
		"-chardev", "stdio,id=ser0,signal=on",
		"-serial", "chardev:ser0",
		"-kernel", p.Image.Metadata.Kernel,
		"-initrd", p.Image.Metadata.Initrd,
		"-bios", p.Image.Metadata.BIOS,
		"-virtfs", fmt.Sprintf("local,path=%s,mount_tag=host-shared,readonly=off,security_model=mapped,id=virtfs0", p.SharedDir),
		"-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", p.GuestCID),
	)

	b.Append(rootfsArgs...)
	b.Append(
		"-drive", fmt.Sprintf("file=%s,if=none,id=virtio-disk1", p.DataDisk),
		"-device", "virtio-blk-pci,drive=virtio-disk1",
	)
	b.Append("-device", "virtio-net-pci,netdev=nic0_td", "-netdev", netdev(m.PortMap))

	if cmd.Placement != nil {
		b.appendNUMA(cmd.Placement)
	}
	if p.Topology != nil {
		b.appendPassthrough(p.Topology, cmd.Placement != nil)
	}

	b.Append("-append", p.Image.Metadata.Cmdline)
	cmd.Argv = b.Argv
	return cmd, nil
}

func rootfsArgs(rootfs string) ([]string, error) {
	switch {
	case strings.HasSuffix(rootfs, ".img.verity"):
		return []string{
			"-drive", fmt.Sprintf("file=%s,if=none,id=virtio-disk0,format=raw", rootfs),
			"-device", "virtio-blk-pci,drive=virtio-disk0",
		}, nil
	case strings.HasSuffix(rootfs, ".img"):
		return []string{"-cdrom", rootfs}, nil
	default:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnsupportedRootfsFormat, rootfs)
	}
}

func netdev(ports []interfaces.PortMapping) string {
	var sb strings.Builder
	sb.WriteString("user,id=nic0_td")
	for _, pm := range ports {
		fmt.Fprintf(&sb, ",hostfwd=%s:%s:%d-:%d", pm.Protocol, pm.Address, pm.From, pm.To)
	}
	return sb.String()
}

func (b *Builder) appendNUMA(p *Placement) {
	cpus := p.VCPUsPerNode()
	mem := p.MemoryPerNode()
	busNrs := p.BusNumbers()
	for i, bucket := range p.Buckets {
		// QEMU reads a bare addr as hex, so the slot always carries its 0x prefix.
		b.Append(
			"-numa", fmt.Sprintf("node,nodeid=%d,cpus=%d-%d,memdev=mem%d", i, i*cpus, (i+1)*cpus-1, i),
			"-object", fmt.Sprintf("memory-backend-file,id=mem%d,size=%dG,mem-path=%s,share=on,prealloc=yes,host-nodes=%d,policy=bind",
				i, mem, HugepagesMountPoint, bucket.HostNode),
			"-device", fmt.Sprintf("pxb-pcie,id=pcie.node%d,bus=%s,addr=%#x,numa_node=%d,bus_nr=%d",
				bucket.HostNode, defaultPCIEBus, firstExpanderAddr+i, i, busNrs[i]),
		)
	}
}

// appendPassthrough gives every GPU and then every bridge its own root port.
// With NUMA placement, GPU root ports hang off their node's expander bus.
// Bridges are only attached alongside at least one GPU.
func (b *Builder) appendPassthrough(topo *interfaces.GPUTopology, numa bool) {
	if len(topo.GPUs) == 0 {
		return
	}
	b.Append("-object", "iommufd,id=iommufd0")

	n := 1
	for _, slot := range topo.GPUs {
		bus := defaultPCIEBus
		if numa {
			bus = fmt.Sprintf("pcie.node%d", topo.NodeOf(slot).OrZero())
		}
		b.appendRootPortDevice(n, bus, slot)
		n++
	}
	for _, slot := range topo.Bridges {
		b.appendRootPortDevice(n, defaultPCIEBus, slot)
		n++
	}
}

func (b *Builder) appendRootPortDevice(n int, bus, slot string) {
	b.Append(
		"-device", fmt.Sprintf("pcie-root-port,id=pci.%d,bus=%s,chassis=%d", n, bus, n),
		"-device", fmt.Sprintf("vfio-pci,host=%s,bus=pci.%d,iommufd=iommufd0", slot, n),
	)
}

// Format renders argv one argument pair per line, quoting arguments that
// contain shell metacharacters, so the dry-run output can be pasted into a shell.
func Format(argv []string) string {
	var sb strings.Builder
	for i, arg := range argv {
		if i > 0 {
			if strings.HasPrefix(arg, "-") {
				sb.WriteString(" \\\n  ")
			} else {
				sb.WriteString(" ")
			}
		}
		sb.WriteString(shellQuote(arg))
	}
	return sb.String()
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?;&|<>()[]{}#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
