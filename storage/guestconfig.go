package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

// GuestGatewayAddr is the host as seen from the guest's user-mode network.
const GuestGatewayAddr = "10.0.2.2"

func HostAPIURL(port int) string {
	return fmt.Sprintf("http://%s:%d/api", GuestGatewayAddr, port)
}

// ReadGuestConfig returns the JSON object stored in a shared config file. A
// missing file or a JSON null reads as an empty object.
func (d *InstanceDir) ReadGuestConfig(name string) (map[string]any, error) {
	data, err := os.ReadFile(d.sharedFile(name))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	switch cfg := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return cfg, nil
	default:
		return nil, fmt.Errorf("%w: %s does not hold a JSON object", interfaces.ErrValidation, name)
	}
}

// UpdateGuestConfig overlays values onto a shared config file. Keys not in
// values are kept; keys in values replace the stored ones.
func (d *InstanceDir) UpdateGuestConfig(name string, values map[string]any) error {
	cfg, err := d.ReadGuestConfig(name)
	if err != nil {
		return err
	}
	for k, v := range values {
		cfg[k] = v
	}
	return writeJSON(d.sharedFile(name), cfg)
}

// SyncGuestConfig publishes the host API endpoint and, when known, the VM
// shape to every guest config file.
func (d *InstanceDir) SyncGuestConfig(hostPort int, vmConfig *interfaces.VMConfig) error {
	values := map[string]any{
		"host_api_url":    HostAPIURL(hostPort),
		"host_vsock_port": hostPort,
	}
	if vmConfig != nil {
		values["vm_config"] = vmConfig.String()
	}

	for _, name := range GuestConfigFiles {
		if err := d.UpdateGuestConfig(name, values); err != nil {
			return err
		}
	}
	d.log.Debug("Synced guest config", "hostPort", hostPort, "dir", d.path)
	return nil
}
