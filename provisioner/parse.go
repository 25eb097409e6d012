package provisioner

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

const defaultPortAddress = "127.0.0.1"

var sizeUnits = map[byte]int{
	'M': 1,
	'G': 1024,
	'T': 1024 * 1024,
}

// ParseSize converts "512M", "2G" or "1T" (case-insensitive) to MiB. A value
// without a suffix is already in MiB.
func ParseSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", interfaces.ErrInvalidSize)
	}

	multiplier := 1
	digits := s
	if unit, ok := sizeUnits[strings.ToUpper(s[len(s)-1:])[0]]; ok {
		multiplier = unit
		digits = s[:len(s)-1]
	}

	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", interfaces.ErrInvalidSize, s)
	}
	if n > math.MaxInt32/multiplier {
		return 0, fmt.Errorf("%w: %q is too large", interfaces.ErrInvalidSize, s)
	}
	return n * multiplier, nil
}

// ParsePortMapping parses "protocol[:address]:from:to". Without an address
// the forward binds to loopback.
func ParsePortMapping(s string) (interfaces.PortMapping, error) {
	parts := strings.Split(s, ":")

	var pm interfaces.PortMapping
	var from, to string
	switch len(parts) {
	case 3:
		pm.Protocol, pm.Address, from, to = parts[0], defaultPortAddress, parts[1], parts[2]
	case 4:
		pm.Protocol, pm.Address, from, to = parts[0], parts[1], parts[2], parts[3]
	default:
		return pm, fmt.Errorf("%w %q: use protocol[:address]:from:to", interfaces.ErrInvalidPortMapping, s)
	}

	pm.Protocol = strings.ToLower(pm.Protocol)
	if pm.Protocol != "tcp" && pm.Protocol != "udp" {
		return pm, fmt.Errorf("%w %q: unknown protocol %q", interfaces.ErrInvalidPortMapping, s, pm.Protocol)
	}

	var err error
	if pm.From, err = parsePort(from); err != nil {
		return pm, fmt.Errorf("%w %q: host port: %w", interfaces.ErrInvalidPortMapping, s, err)
	}
	if pm.To, err = parsePort(to); err != nil {
		return pm, fmt.Errorf("%w %q: guest port: %w", interfaces.ErrInvalidPortMapping, s, err)
	}
	return pm, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%d out of range", port)
	}
	return port, nil
}

var pciSlotRe = regexp.MustCompile(`^([0-9a-fA-F]{4}:)?[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)

// ParseGPUSpec turns --gpu values into a spec. A single "all" defers the
// choice to launch time; anything else is a list of PCI slots.
func ParseGPUSpec(gpus []string) (interfaces.GPUSpec, error) {
	for _, g := range gpus {
		if g == string(interfaces.GPUAttachAll) {
			if len(gpus) != 1 {
				return interfaces.GPUSpec{}, fmt.Errorf("%w: \"all\" cannot be combined with explicit slots", interfaces.ErrInvalidGpuMode)
			}
			return interfaces.GPUSpec{AttachMode: interfaces.GPUAttachAll}, nil
		}
	}

	for _, g := range gpus {
		if !pciSlotRe.MatchString(g) {
			return interfaces.GPUSpec{}, fmt.Errorf("%w: invalid PCI slot %q", interfaces.ErrValidation, g)
		}
	}
	return interfaces.NewListedGPUSpec(gpus), nil
}
