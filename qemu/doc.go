// Package qemu assembles the qemu-system-x86_64 invocation of a TDX guest:
// confidential machine type, boot artifacts, rootfs and data disks, host-NAT
// networking, vsock, VFIO GPU passthrough and optional NUMA-pinned hugepage
// memory with one PCIe expander bus per host node.
package qemu
