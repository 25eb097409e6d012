// Package interfaces defines the shared data model, ports and error taxonomy
// of the confidential VM instance manager, separating definitions from their
// implementations.
//
// # Instance Model
//
//   - InstanceManifest: the immutable per-instance record (vm-manifest.json)
//   - GPUSpec: listed PCI slots, or "all" resolved at launch time
//   - PortMapping: host-NAT forwarding rule
//   - AppCompose: application record embedding the compose file verbatim
//   - ImageMetadata / Image: boot artifacts of a guest image directory
//   - VMConfig: the shape of the VM as reported to the guest
//
// # Ports
//
//   - HardwarePort: PCI bus and sysfs access used by topology discovery
//   - KeyProvider: quote to sealed key exchange
//   - AttestationProvider: quote generation and signing capability
//   - QuoteInspector: measurement extraction from raw quotes
//
// # Errors
//
// Every error wraps one class sentinel (ErrConflict, ErrNotFound,
// ErrValidation, ErrHardwareQuery, ErrLaunchFailed, ErrBrokerIO). Specific
// sentinels such as ErrManifestNotFound wrap their class, so both
//
//	errors.Is(err, interfaces.ErrManifestNotFound)
//	errors.Is(err, interfaces.ErrNotFound)
//
// hold for a missing manifest.
package interfaces
