package topology

import (
	"github.com/stretchr/testify/mock"
)

// MockHardware mocks the HardwarePort interface
type MockHardware struct {
	mock.Mock
}

func (m *MockHardware) ListPCIDevices(vendor string) (string, error) {
	args := m.Called(vendor)
	return args.String(0), args.Error(1)
}

func (m *MockHardware) ListPCIDevicesVerbose() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockHardware) ReadPCIAttribute(slot, attr string) (string, error) {
	args := m.Called(slot, attr)
	return args.String(0), args.Error(1)
}

func (m *MockHardware) ReadNodeCPUList(node int) (string, error) {
	args := m.Called(node)
	return args.String(0), args.Error(1)
}

func (m *MockHardware) LoadKernelModule(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

func (m *MockHardware) WriteSysfs(path, value string) error {
	args := m.Called(path, value)
	return args.Error(0)
}
