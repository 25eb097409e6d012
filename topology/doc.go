// Package topology discovers NVIDIA GPUs, NVSwitches and their NUMA affinity
// on the host, and binds them to vfio-pci for passthrough.
//
// All host access goes through interfaces.HardwarePort. SysfsHardware is the
// real implementation (lspci, modprobe and sysfs under a configurable root);
// FakeHardware and MockHardware serve canned topologies in tests.
package topology
