// Package launcher boots a provisioned instance.
//
// Launch loads the manifest and image, publishes the broker endpoint and VM
// shape to the guest config, resolves GPUs and NUMA affinity, builds the qemu
// command, creates the data disk on first use and runs the hypervisor in the
// foreground. A non-zero exit is reported as interfaces.ErrLaunchFailed and
// never retried.
//
// RunWithBroker runs the sealing-key broker next to a launch so the broker
// port is known before the guest config is written.
package launcher
