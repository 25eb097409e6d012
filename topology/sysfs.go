package topology

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsHardware implements interfaces.HardwarePort against the running host.
// Sysfs paths are resolved under Root, which is "/" outside of tests.
type SysfsHardware struct {
	Root string

	LspciPath    string
	ModprobePath string
}

func NewSysfsHardware() *SysfsHardware {
	return &SysfsHardware{
		Root:         "/",
		LspciPath:    "lspci",
		ModprobePath: "modprobe",
	}
}

func (h *SysfsHardware) ListPCIDevices(vendor string) (string, error) {
	out, err := exec.Command(h.LspciPath, "-d", vendor+":", "-nn").Output()
	if err != nil {
		return "", fmt.Errorf("lspci -d %s: -nn: %w", vendor, err)
	}
	return string(out), nil
}

func (h *SysfsHardware) ListPCIDevicesVerbose() (string, error) {
	out, err := exec.Command(h.LspciPath, "-vvk").Output()
	if err != nil {
		return "", fmt.Errorf("lspci -vvk: %w", err)
	}
	return string(out), nil
}

func (h *SysfsHardware) ReadPCIAttribute(slot, attr string) (string, error) {
	data, err := os.ReadFile(h.path("sys/bus/pci/devices", slot, attr))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (h *SysfsHardware) ReadNodeCPUList(node int) (string, error) {
	data, err := os.ReadFile(h.path("sys/devices/system/node", "node"+strconv.Itoa(node), "cpulist"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (h *SysfsHardware) LoadKernelModule(name string) error {
	if out, err := exec.Command(h.ModprobePath, name).CombinedOutput(); err != nil {
		return fmt.Errorf("modprobe %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// WriteSysfs writes to an existing sysfs attribute. Attributes are never created.
func (h *SysfsHardware) WriteSysfs(path, value string) error {
	f, err := os.OpenFile(h.path(path), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (h *SysfsHardware) path(elem ...string) string {
	root := h.Root
	if root == "" {
		root = "/"
	}
	return filepath.Join(append([]string{root}, elem...)...)
}
