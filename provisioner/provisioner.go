package provisioner

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/ruteri/tdx-cvm-manager/config"
	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"github.com/ruteri/tdx-cvm-manager/storage"
)

// Request is a user's provisioning input before validation.
type Request struct {
	// WorkDir is the instance directory. Empty means <run path>/<new uuid>.
	WorkDir     string
	ComposeFile string
	// Image is an image directory path or a bare image name resolved at
	// launch time against --imgdir. Empty selects the configured default.
	Image            string
	VCPUs            int
	Memory           string
	Disk             string
	GPUs             []string
	Ports            []string
	LocalKeyProvider bool
	PinNUMA          bool
	Hugepages        bool
}

type Provisioner struct {
	runPath string
	cfg     *config.ClientConfig
	log     *slog.Logger

	now   func() time.Time
	newID func() string
}

func New(runPath string, cfg *config.ClientConfig, log *slog.Logger) *Provisioner {
	return &Provisioner{
		runPath: runPath,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// Setup validates req and writes a new instance directory. Nothing is created
// unless every input is valid, and a failed write removes the directory again.
func (p *Provisioner) Setup(req Request) (*interfaces.InstanceManifest, error) {
	id, workDir, err := p.resolveWorkDir(req.WorkDir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(workDir); err == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrDirectoryConflict, workDir)
	}

	compose, err := os.ReadFile(req.ComposeFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", interfaces.ErrComposeFileMissing, req.ComposeFile, err)
	}

	manifest, err := p.buildManifest(id, req)
	if err != nil {
		return nil, err
	}

	dir := storage.NewInstanceDir(workDir, p.log)
	if err := dir.Create(); err != nil {
		return nil, err
	}
	if err := p.populate(dir, manifest, string(compose), req.LocalKeyProvider); err != nil {
		if rmErr := dir.Remove(); rmErr != nil {
			p.log.Error("Failed to remove partially provisioned instance", "dir", workDir, "err", rmErr)
		}
		return nil, err
	}

	p.log.Info("Work directory prepared",
		"dir", workDir,
		"id", manifest.ID,
		"vcpus", manifest.VCPU,
		"memory", humanize.IBytes(uint64(manifest.MemoryMiB)*humanize.MiByte),
		"disk", humanize.IBytes(uint64(manifest.DiskSizeGiB)*humanize.GiByte),
		"gpus", manifest.GPUs.AttachMode,
	)
	return manifest, nil
}

func (p *Provisioner) resolveWorkDir(workDir string) (id, dir string, err error) {
	if workDir == "" {
		id = p.newID()
		return id, filepath.Join(p.runPath, id), nil
	}
	dir, err = filepath.Abs(workDir)
	if err != nil {
		return "", "", err
	}
	return filepath.Base(dir), dir, nil
}

func (p *Provisioner) buildManifest(id string, req Request) (*interfaces.InstanceManifest, error) {
	if req.VCPUs < 1 {
		return nil, fmt.Errorf("%w: vcpus must be positive, got %d", interfaces.ErrValidation, req.VCPUs)
	}

	memory, err := ParseSize(req.Memory)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	diskMiB, err := ParseSize(req.Disk)
	if err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}
	if diskMiB < 1024 {
		return nil, fmt.Errorf("disk: %w: %q is smaller than 1G", interfaces.ErrInvalidSize, req.Disk)
	}

	ports := make([]interfaces.PortMapping, 0, len(req.Ports))
	for _, s := range req.Ports {
		pm, err := ParsePortMapping(s)
		if err != nil {
			return nil, err
		}
		ports = append(ports, pm)
	}

	gpus, err := ParseGPUSpec(req.GPUs)
	if err != nil {
		return nil, err
	}

	imagePath, image, err := p.resolveImage(req.Image)
	if err != nil {
		return nil, err
	}

	return &interfaces.InstanceManifest{
		ID:          id,
		Name:        "",
		VCPU:        req.VCPUs,
		GPUs:        gpus,
		MemoryMiB:   memory,
		DiskSizeGiB: diskMiB / 1024,
		ImagePath:   imagePath,
		Image:       image,
		PortMap:     ports,
		PinNUMA:     req.PinNUMA,
		Hugepages:   req.Hugepages,
		CreatedAtMs: p.now().UnixMilli(),
	}, nil
}

// resolveImage records a path for anything that looks like one and only the
// name for bare image names.
func (p *Provisioner) resolveImage(image string) (imagePath, name string, err error) {
	if image == "" && p.cfg != nil {
		image = p.cfg.Image.Default
	}
	if image == "" {
		return "", "", fmt.Errorf("%w: no image given and no default image configured", interfaces.ErrValidation)
	}

	image = strings.TrimRight(image, "/")
	name = filepath.Base(image)
	if !strings.ContainsRune(image, filepath.Separator) {
		return "", name, nil
	}
	imagePath, err = filepath.Abs(image)
	return imagePath, name, err
}

func (p *Provisioner) populate(dir *storage.InstanceDir, m *interfaces.InstanceManifest, compose string, localKP bool) error {
	if err := dir.WriteAppCompose(interfaces.NewAppCompose(compose, localKP)); err != nil {
		return err
	}
	if p.cfg != nil && p.cfg.Docker.Registry != "" {
		if err := dir.UpdateGuestConfig(storage.SysConfigFile, map[string]any{
			"docker_registry": p.cfg.Docker.Registry,
		}); err != nil {
			return err
		}
	}
	return dir.WriteManifest(m)
}
