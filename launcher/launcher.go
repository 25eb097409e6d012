package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"github.com/ruteri/tdx-cvm-manager/qemu"
	"github.com/ruteri/tdx-cvm-manager/storage"
	"github.com/ruteri/tdx-cvm-manager/topology"
)

const (
	minGuestCID   = 4
	guestCIDRange = 10000
)

type Config struct {
	QEMUPath    string
	QEMUImgPath string
	// Out receives the dry-run report.
	Out io.Writer
}

type Launcher struct {
	cfg      Config
	resolver *topology.Resolver
	runner   Runner
	log      *slog.Logger

	newCID         func() uint32
	checkHugepages func(path string) (bool, error)
}

func New(cfg Config, resolver *topology.Resolver, runner Runner, log *slog.Logger) *Launcher {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Launcher{
		cfg:      cfg,
		resolver: resolver,
		runner:   runner,
		log:      log,
		newCID: func() uint32 {
			return uint32(minGuestCID + rand.IntN(guestCIDRange))
		},
		checkHugepages: isHugetlbfs,
	}
}

// Launch boots the instance in workDir and blocks until the hypervisor
// exits. hostPort is the broker port published to the guest. imageDir is
// where images recorded by name only are looked up.
func (l *Launcher) Launch(ctx context.Context, workDir string, hostPort int, imageDir string, dryRun bool) error {
	dir := storage.NewInstanceDir(workDir, l.log)
	manifest, err := dir.ReadManifest()
	if err != nil {
		return err
	}

	image, err := l.loadImage(manifest, imageDir)
	if err != nil {
		return err
	}

	vmConfig := interfaces.NewVMConfig(manifest, image.Digest)
	if err := dir.SyncGuestConfig(hostPort, &vmConfig); err != nil {
		return fmt.Errorf("failed to update guest config: %w", err)
	}

	topo, err := l.topology(manifest)
	if err != nil {
		return err
	}

	cmd, err := qemu.Build(qemu.Params{
		QEMUPath:  l.cfg.QEMUPath,
		Manifest:  manifest,
		Image:     image,
		Topology:  topo,
		SharedDir: dir.SharedPath(),
		DataDisk:  dir.DataDiskPath(),
		GuestCID:  l.newCID(),
		PinCPUs:   l.pinCPUs(manifest, topo),
	})
	if err != nil {
		return err
	}

	if cmd.Placement != nil {
		l.checkHugepagesMount()
	}

	if err := l.ensureDataDisk(ctx, dir, manifest.DiskSizeGiB); err != nil {
		return err
	}

	l.log.Info("Launching instance",
		"id", manifest.ID,
		"image", image.Dir,
		"vcpus", cmd.VCPUs,
		"memory", humanize.IBytes(uint64(cmd.MemoryMiB)*humanize.MiByte),
		"gpus", len(topoGPUs(topo)),
		"hostPort", hostPort,
		"dryRun", dryRun,
	)

	if dryRun {
		return l.report(manifest, cmd)
	}

	if err := l.runner.Run(ctx, cmd.Argv); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrLaunchFailed, err)
	}
	return nil
}

func (l *Launcher) loadImage(m *interfaces.InstanceManifest, imageDir string) (*interfaces.Image, error) {
	path := m.ImagePath
	if path == "" {
		if m.Image == "" {
			return nil, fmt.Errorf("%w: manifest names no image", interfaces.ErrImageMetadataNotFound)
		}
		path = filepath.Join(imageDir, m.Image)
	}
	return storage.LoadImage(path)
}

// topology resolves GPUs only when the manifest asks for any.
func (l *Launcher) topology(m *interfaces.InstanceManifest) (*interfaces.GPUTopology, error) {
	if m.GPUs.AttachMode == interfaces.GPUAttachListed && len(m.GPUs.GPUs) == 0 && len(m.GPUs.Bridges) == 0 {
		return nil, nil
	}
	return l.resolver.Topology(m.GPUs)
}

// pinCPUs returns the CPU list of the node hosting the first GPU (node 0
// without GPUs). A missing cpulist disables pinning.
func (l *Launcher) pinCPUs(m *interfaces.InstanceManifest, topo *interfaces.GPUTopology) string {
	if !m.PinNUMA {
		return ""
	}
	node := 0
	if gpus := topoGPUs(topo); len(gpus) > 0 {
		node = topo.NodeOf(gpus[0]).OrZero()
	}
	cpus, err := l.resolver.NodeCPUList(node)
	if err != nil {
		l.log.Warn("Not pinning to NUMA node", "node", node, "err", err)
		return ""
	}
	return cpus
}

func (l *Launcher) checkHugepagesMount() {
	ok, err := l.checkHugepages(qemu.HugepagesMountPoint)
	if err != nil {
		l.log.Warn("Could not inspect hugepages mount", "path", qemu.HugepagesMountPoint, "err", err)
	} else if !ok {
		l.log.Warn("Hugepage memory requested but path is not a hugetlbfs mount", "path", qemu.HugepagesMountPoint)
	}
}

// ensureDataDisk creates the qcow2 data disk on first launch. An existing
// disk is never resized or recreated.
func (l *Launcher) ensureDataDisk(ctx context.Context, dir *storage.InstanceDir, sizeGiB int) error {
	exists, err := dir.DataDiskExists()
	if err != nil {
		return fmt.Errorf("failed to inspect data disk: %w", err)
	}
	if exists {
		return nil
	}

	l.log.Info("Creating data disk", "path", dir.DataDiskPath(), "size", humanize.IBytes(uint64(sizeGiB)*humanize.GiByte))
	argv := []string{l.cfg.QEMUImgPath, "create", "-f", "qcow2", dir.DataDiskPath(), strconv.Itoa(sizeGiB) + "G"}
	if err := l.runner.Run(ctx, argv); err != nil {
		return fmt.Errorf("could not create data disk: %w", err)
	}
	return nil
}

func (l *Launcher) report(m *interfaces.InstanceManifest, cmd *qemu.Command) error {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(l.cfg.Out, "Manifest:\n%s\n\n%s\n", data, qemu.Format(cmd.Argv))
	return err
}

func topoGPUs(topo *interfaces.GPUTopology) []string {
	if topo == nil {
		return nil
	}
	return topo.GPUs
}
