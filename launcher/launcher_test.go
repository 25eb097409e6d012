package launcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"github.com/ruteri/tdx-cvm-manager/storage"
	"github.com/ruteri/tdx-cvm-manager/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls [][]string
	errs  map[string]error
}

func (r *fakeRunner) Run(ctx context.Context, argv []string) error {
	r.calls = append(r.calls, argv)
	return r.errs[filepath.Base(argv[0])]
}

func (r *fakeRunner) programs() []string {
	var out []string
	for _, c := range r.calls {
		out = append(out, c[0])
	}
	return out
}

type env struct {
	launcher *Launcher
	runner   *fakeRunner
	hw       *topology.FakeHardware
	out      *bytes.Buffer
	dir      *storage.InstanceDir
	imageDir string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeImage(t *testing.T, root, name, rootfs string) {
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, storage.ImageMetadataFile), []byte(`{
		"bios": "ovmf.fd",
		"kernel": "bzImage",
		"initrd": "initramfs.cpio.gz",
		"rootfs": "`+rootfs+`",
		"cmdline": "console=ttyS0 init=/init"
	}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, storage.ImageDigestFile), []byte("f00d\n"), 0o644))
}

func newEnv(t *testing.T, m *interfaces.InstanceManifest) *env {
	root := t.TempDir()
	imageDir := filepath.Join(root, "images")
	writeImage(t, imageDir, "dstack", "rootfs.img.verity")

	dir := storage.NewInstanceDir(filepath.Join(root, "vms", "inst"), testLogger())
	require.NoError(t, dir.Create())
	require.NoError(t, dir.WriteManifest(m))

	hw := &topology.FakeHardware{
		Devices: []topology.FakeGPU{
			{Slot: "17:00.0", DeviceID: "2330", Node: "0"},
			{Slot: "9a:00.0", DeviceID: "2330", Node: "1"},
			{Slot: "05:00.0", DeviceID: "22a3", Bridge: true},
		},
		CPULists: map[int]string{0: "0-31", 1: "32-63"},
	}
	runner := &fakeRunner{errs: map[string]error{}}
	out := &bytes.Buffer{}

	l := New(Config{QEMUPath: "qemu-system-x86_64", QEMUImgPath: "qemu-img", Out: out},
		topology.NewResolver(hw, testLogger()), runner, testLogger())
	l.newCID = func() uint32 { return 77 }
	l.checkHugepages = func(string) (bool, error) { return true, nil }

	return &env{launcher: l, runner: runner, hw: hw, out: out, dir: dir, imageDir: imageDir}
}

func baseManifest() *interfaces.InstanceManifest {
	return &interfaces.InstanceManifest{
		ID:          "inst",
		VCPU:        2,
		MemoryMiB:   2048,
		DiskSizeGiB: 20,
		Image:       "dstack",
		GPUs:        interfaces.NewListedGPUSpec(nil),
		PortMap:     []interfaces.PortMapping{},
	}
}

func TestLaunch(t *testing.T) {
	e := newEnv(t, baseManifest())

	require.NoError(t, e.launcher.Launch(context.Background(), e.dir.Path(), 40123, e.imageDir, false))

	require.Len(t, e.runner.calls, 2)
	assert.Equal(t, []string{"qemu-img", "create", "-f", "qcow2", e.dir.DataDiskPath(), "20G"}, e.runner.calls[0])

	argv := e.runner.calls[1]
	assert.Equal(t, "qemu-system-x86_64", argv[0])
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "-device vhost-vsock-pci,guest-cid=77")
	assert.Contains(t, joined, "-kernel "+filepath.Join(e.imageDir, "dstack", "bzImage"))
	assert.NotContains(t, joined, "iommufd")

	cfg, err := e.dir.ReadGuestConfig(storage.GuestConfigFile)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.2.2:40123/api", cfg["host_api_url"])
	assert.JSONEq(t, `{"os_image_hash":"f00d","cpu_count":2,"memory_size":2147483648}`, cfg["vm_config"].(string))
}

func TestLaunchExistingDiskIsKept(t *testing.T) {
	e := newEnv(t, baseManifest())
	require.NoError(t, os.WriteFile(e.dir.DataDiskPath(), []byte("qcow"), 0o644))

	require.NoError(t, e.launcher.Launch(context.Background(), e.dir.Path(), 1, e.imageDir, false))
	assert.Equal(t, []string{"qemu-system-x86_64"}, e.runner.programs())
}

func TestLaunchDryRun(t *testing.T) {
	e := newEnv(t, baseManifest())

	require.NoError(t, e.launcher.Launch(context.Background(), e.dir.Path(), 1, e.imageDir, true))

	assert.Equal(t, []string{"qemu-img"}, e.runner.programs())
	assert.Contains(t, e.out.String(), "Manifest:")
	assert.Contains(t, e.out.String(), "qemu-system-x86_64 \\\n  -accel kvm")
}

func TestLaunchMissingManifest(t *testing.T) {
	e := newEnv(t, baseManifest())
	err := e.launcher.Launch(context.Background(), filepath.Join(t.TempDir(), "nope"), 1, e.imageDir, false)
	assert.ErrorIs(t, err, interfaces.ErrManifestNotFound)
	assert.Empty(t, e.runner.calls)
}

func TestLaunchMissingImage(t *testing.T) {
	m := baseManifest()
	m.Image = "other"
	e := newEnv(t, m)

	err := e.launcher.Launch(context.Background(), e.dir.Path(), 1, e.imageDir, false)
	assert.ErrorIs(t, err, interfaces.ErrImageMetadataNotFound)
	assert.Empty(t, e.runner.calls)
}

func TestLaunchUnsupportedRootfsSpawnsNothing(t *testing.T) {
	e := newEnv(t, baseManifest())
	writeImage(t, e.imageDir, "dstack", "rootfs.qcow2")

	err := e.launcher.Launch(context.Background(), e.dir.Path(), 1, e.imageDir, false)
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedRootfsFormat)
	assert.Empty(t, e.runner.calls)
	assert.NoFileExists(t, e.dir.DataDiskPath())
}

func TestLaunchFailure(t *testing.T) {
	e := newEnv(t, baseManifest())
	exitErr := errors.New("exit status 1")
	e.runner.errs["qemu-system-x86_64"] = exitErr

	err := e.launcher.Launch(context.Background(), e.dir.Path(), 1, e.imageDir, false)
	assert.ErrorIs(t, err, interfaces.ErrLaunchFailed)
	assert.ErrorIs(t, err, exitErr)
	assert.Len(t, e.runner.calls, 2)
}

func TestLaunchAllGPUsWithNUMA(t *testing.T) {
	m := baseManifest()
	m.GPUs = interfaces.GPUSpec{AttachMode: interfaces.GPUAttachAll}
	m.Hugepages = true
	m.PinNUMA = true
	m.VCPU = 3
	m.MemoryMiB = 8192
	e := newEnv(t, m)

	require.NoError(t, e.launcher.Launch(context.Background(), e.dir.Path(), 1, e.imageDir, false))

	argv := e.runner.calls[1]
	assert.Equal(t, []string{"taskset", "-c", "0-31"}, argv[:3])
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "-smp 4")
	assert.Contains(t, joined, "-m 8G")
	assert.Contains(t, joined, "pxb-pcie,id=pcie.node1,bus=pcie.0,addr=0xb,numa_node=1,bus_nr=7")
	assert.Contains(t, joined, "pcie-root-port,id=pci.2,bus=pcie.node1,chassis=2")
	assert.Contains(t, joined, "vfio-pci,host=05:00.0,bus=pci.3,iommufd=iommufd0")

	// The stored manifest keeps the unresolved spec.
	stored, err := e.dir.ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, interfaces.GPUAttachAll, stored.GPUs.AttachMode)
	assert.Empty(t, stored.GPUs.GPUs)
}

func TestLaunchPinWithoutCPUListDegrades(t *testing.T) {
	m := baseManifest()
	m.PinNUMA = true
	e := newEnv(t, m)
	e.hw.CPULists = nil

	require.NoError(t, e.launcher.Launch(context.Background(), e.dir.Path(), 1, e.imageDir, false))
	assert.Equal(t, "qemu-system-x86_64", e.runner.calls[1][0])
}

type fakeBroker struct {
	mu       sync.Mutex
	port     int
	startErr error
	stop     chan struct{}
	events   []string
	timeout  time.Duration
	deadline time.Duration
}

func newFakeBroker(port int) *fakeBroker {
	return &fakeBroker{port: port, stop: make(chan struct{}), timeout: 5 * time.Second}
}

func (b *fakeBroker) record(ev string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *fakeBroker) Start() (int, error) {
	b.record("start")
	return b.port, b.startErr
}

func (b *fakeBroker) Serve() error {
	<-b.stop
	return nil
}

func (b *fakeBroker) Shutdown(ctx context.Context) error {
	b.record("shutdown")
	if d, ok := ctx.Deadline(); ok {
		b.deadline = time.Until(d)
	}
	close(b.stop)
	return nil
}

func (b *fakeBroker) ShutdownTimeout() time.Duration {
	return b.timeout
}

func TestRunWithBroker(t *testing.T) {
	b := newFakeBroker(40555)

	var gotPort int
	err := RunWithBroker(context.Background(), b, func(ctx context.Context, port int) error {
		b.record("launch")
		gotPort = port
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 40555, gotPort)
	assert.Equal(t, []string{"start", "launch", "shutdown"}, b.events)
}

func TestRunWithBrokerUsesBrokerShutdownTimeout(t *testing.T) {
	b := newFakeBroker(1)
	b.timeout = time.Hour

	require.NoError(t, RunWithBroker(context.Background(), b, func(ctx context.Context, port int) error {
		return nil
	}))
	assert.Greater(t, b.deadline, 50*time.Minute)
	assert.LessOrEqual(t, b.deadline, time.Hour)
}

func TestRunWithBrokerLaunchError(t *testing.T) {
	b := newFakeBroker(1)
	launchErr := errors.New("boom")

	err := RunWithBroker(context.Background(), b, func(ctx context.Context, port int) error {
		return launchErr
	})
	assert.ErrorIs(t, err, launchErr)
	assert.Equal(t, []string{"start", "shutdown"}, b.events)
}

func TestRunWithBrokerStartError(t *testing.T) {
	b := newFakeBroker(0)
	b.startErr = errors.New("address in use")

	called := false
	err := RunWithBroker(context.Background(), b, func(ctx context.Context, port int) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}
