package provisioner

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/tdx-cvm-manager/config"
	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"github.com/ruteri/tdx-cvm-manager/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in       string
		expected int
	}{
		{"2G", 2048},
		{"2g", 2048},
		{"1T", 1048576},
		{"512M", 512},
		{"512m", 512},
		{"4096", 4096},
		{" 8G ", 8192},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	for _, bad := range []string{"", "G", "2X", "two", "-1G", "0", "1.5G", "99999999T"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseSize(bad)
			assert.ErrorIs(t, err, interfaces.ErrInvalidSize)
			assert.ErrorIs(t, err, interfaces.ErrValidation)
		})
	}
}

func TestParsePortMapping(t *testing.T) {
	pm, err := ParsePortMapping("tcp:8080:80")
	require.NoError(t, err)
	assert.Equal(t, interfaces.PortMapping{Address: "127.0.0.1", Protocol: "tcp", From: 8080, To: 80}, pm)

	pm, err = ParsePortMapping("UDP:0.0.0.0:5353:53")
	require.NoError(t, err)
	assert.Equal(t, interfaces.PortMapping{Address: "0.0.0.0", Protocol: "udp", From: 5353, To: 53}, pm)

	for _, bad := range []string{
		"8080:80",
		"tcp:a:b:c:d",
		"tcp:http:80",
		"tcp:8080:0",
		"tcp:70000:80",
		"sctp:8080:80",
		"",
	} {
		t.Run(bad, func(t *testing.T) {
			_, err := ParsePortMapping(bad)
			assert.ErrorIs(t, err, interfaces.ErrInvalidPortMapping)
			assert.Contains(t, err.Error(), `"`+bad+`"`)
		})
	}
}

func TestParsePortMappingAddressField(t *testing.T) {
	for _, addr := range []string{"127.0.0.1", "10.1.2.3", "0.0.0.0", ""} {
		pm, err := ParsePortMapping("tcp:" + addr + ":1000:2000")
		require.NoError(t, err)
		assert.Equal(t, addr, pm.Address)
	}
	for _, ports := range [][2]string{{"1", "1"}, {"65535", "22"}, {"443", "8443"}} {
		pm, err := ParsePortMapping("tcp:" + ports[0] + ":" + ports[1])
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", pm.Address)
	}
}

func TestParseGPUSpec(t *testing.T) {
	spec, err := ParseGPUSpec([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, interfaces.GPUAttachAll, spec.AttachMode)
	assert.Empty(t, spec.GPUs)

	spec, err = ParseGPUSpec([]string{"17:00.0", "0000:3d:00.0"})
	require.NoError(t, err)
	assert.Equal(t, interfaces.GPUAttachListed, spec.AttachMode)
	assert.Equal(t, []string{"17:00.0", "0000:3d:00.0"}, spec.GPUSlots())

	spec, err = ParseGPUSpec(nil)
	require.NoError(t, err)
	assert.Equal(t, interfaces.GPUAttachListed, spec.AttachMode)
	assert.Empty(t, spec.GPUs)

	_, err = ParseGPUSpec([]string{"all", "17:00.0"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidGpuMode)

	_, err = ParseGPUSpec([]string{"gpu0"})
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

type fixture struct {
	prov    *Provisioner
	runPath string
	compose string
}

func newFixture(t *testing.T) *fixture {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()

	compose := filepath.Join(root, "docker-compose.yaml")
	require.NoError(t, os.WriteFile(compose, []byte("services:\n  app:\n    image: nginx  # keep\n"), 0o644))

	cfg := config.Default()
	cfg.Docker.Registry = "registry.internal"
	cfg.Image.Default = "dstack-nvidia-0.3.0"

	p := New(filepath.Join(root, "vms"), cfg, log)
	p.now = func() time.Time { return time.UnixMilli(1700000000123) }
	p.newID = func() string { return "3f6c1c1e-5d2a-4f7e-9a58-0d5b1c2e3f4a" }
	return &fixture{prov: p, runPath: filepath.Join(root, "vms"), compose: compose}
}

func (f *fixture) request() Request {
	return Request{
		ComposeFile: f.compose,
		VCPUs:       4,
		Memory:      "2G",
		Disk:        "20G",
		GPUs:        []string{"17:00.0"},
		Ports:       []string{"tcp:8080:80"},
	}
}

func TestSetup(t *testing.T) {
	f := newFixture(t)

	m, err := f.prov.Setup(f.request())
	require.NoError(t, err)

	assert.Equal(t, "3f6c1c1e-5d2a-4f7e-9a58-0d5b1c2e3f4a", m.ID)
	assert.Equal(t, 2048, m.MemoryMiB)
	assert.Equal(t, 20, m.DiskSizeGiB)
	assert.Equal(t, "", m.ImagePath)
	assert.Equal(t, "dstack-nvidia-0.3.0", m.Image)
	assert.Equal(t, int64(1700000000123), m.CreatedAtMs)

	dir := storage.NewInstanceDir(filepath.Join(f.runPath, m.ID), slog.New(slog.NewTextHandler(io.Discard, nil)))
	stored, err := dir.ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, m, stored)

	raw, err := os.ReadFile(filepath.Join(dir.SharedPath(), storage.AppComposeFile))
	require.NoError(t, err)
	var ac interfaces.AppCompose
	require.NoError(t, json.Unmarshal(raw, &ac))
	assert.Equal(t, "services:\n  app:\n    image: nginx  # keep\n", ac.DockerComposeFile)
	assert.Equal(t, "docker-compose", ac.Runner)
	assert.False(t, ac.LocalKeyProviderEnabled)

	sys, err := dir.ReadGuestConfig(storage.SysConfigFile)
	require.NoError(t, err)
	assert.Equal(t, "registry.internal", sys["docker_registry"])

	assert.DirExists(t, filepath.Join(dir.SharedPath(), storage.CertsDir))
}

func TestSetupExplicitDirAndImagePath(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.WorkDir = filepath.Join(f.runPath, "my-instance")
	req.Image = "/images/dstack-nvidia-0.3.1/"
	req.LocalKeyProvider = true

	m, err := f.prov.Setup(req)
	require.NoError(t, err)
	assert.Equal(t, "my-instance", m.ID)
	assert.Equal(t, "/images/dstack-nvidia-0.3.1", m.ImagePath)
	assert.Equal(t, "dstack-nvidia-0.3.1", m.Image)
}

func TestSetupConflictLeavesFirstManifest(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.WorkDir = filepath.Join(f.runPath, "inst")

	_, err := f.prov.Setup(req)
	require.NoError(t, err)
	manifestPath := filepath.Join(req.WorkDir, storage.ManifestFile)
	before, err := os.ReadFile(manifestPath)
	require.NoError(t, err)

	req.VCPUs = 16
	req.Memory = "64G"
	_, err = f.prov.Setup(req)
	assert.ErrorIs(t, err, interfaces.ErrDirectoryConflict)
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	after, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetupValidationWritesNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		err    error
	}{
		{"missing compose", func(r *Request) { r.ComposeFile = "/nonexistent/compose.yaml" }, interfaces.ErrComposeFileMissing},
		{"bad port", func(r *Request) { r.Ports = []string{"tcp:80"} }, interfaces.ErrInvalidPortMapping},
		{"bad gpu mode", func(r *Request) { r.GPUs = []string{"all", "17:00.0"} }, interfaces.ErrInvalidGpuMode},
		{"bad memory", func(r *Request) { r.Memory = "lots" }, interfaces.ErrInvalidSize},
		{"tiny disk", func(r *Request) { r.Disk = "512M" }, interfaces.ErrInvalidSize},
		{"zero vcpus", func(r *Request) { r.VCPUs = 0 }, interfaces.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request()
			req.WorkDir = filepath.Join(f.runPath, "inst")
			tt.mutate(&req)

			_, err := f.prov.Setup(req)
			assert.ErrorIs(t, err, tt.err)
			assert.NoDirExists(t, req.WorkDir)
		})
	}
}

func TestSetupNoImage(t *testing.T) {
	f := newFixture(t)
	f.prov.cfg.Image.Default = ""

	_, err := f.prov.Setup(f.request())
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}
