package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

// Instance directory layout.
const (
	ManifestFile = "vm-manifest.json"
	DataDiskFile = "hda.img"

	SharedDir        = "shared"
	CertsDir         = "certs"
	AppComposeFile   = "app-compose.json"
	GuestConfigFile  = "config.json"
	SysConfigFile    = ".sys-config.json"
	InstanceInfoFile = ".instance_info"
)

// GuestConfigFiles are the shared config files the host API endpoint is
// published to.
var GuestConfigFiles = []string{GuestConfigFile, SysConfigFile}

var mkdirAll = os.MkdirAll

// InstanceDir is the on-disk state of one VM instance.
type InstanceDir struct {
	path string
	log  *slog.Logger
}

func NewInstanceDir(path string, log *slog.Logger) *InstanceDir {
	return &InstanceDir{path: path, log: log}
}

func (d *InstanceDir) Path() string         { return d.path }
func (d *InstanceDir) SharedPath() string   { return filepath.Join(d.path, SharedDir) }
func (d *InstanceDir) ManifestPath() string { return filepath.Join(d.path, ManifestFile) }
func (d *InstanceDir) DataDiskPath() string { return filepath.Join(d.path, DataDiskFile) }

func (d *InstanceDir) sharedFile(name string) string {
	return filepath.Join(d.path, SharedDir, name)
}

// Create makes the instance directory and its shared tree. The directory
// itself is created with a single mkdir so that two concurrent provisioners
// cannot both claim the same path. A failure after that mkdir removes the
// directory again.
func (d *InstanceDir) Create() error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.Mkdir(d.path, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", interfaces.ErrDirectoryConflict, d.path)
		}
		return fmt.Errorf("failed to create instance directory: %w", err)
	}
	if err := mkdirAll(filepath.Join(d.path, SharedDir, CertsDir), 0o755); err != nil {
		if rmErr := os.RemoveAll(d.path); rmErr != nil {
			d.log.Error("Failed to remove instance directory", "path", d.path, "err", rmErr)
		}
		return fmt.Errorf("failed to create shared directory: %w", err)
	}
	d.log.Debug("Created instance directory", "path", d.path)
	return nil
}

// Remove deletes the instance directory and everything in it.
func (d *InstanceDir) Remove() error {
	return os.RemoveAll(d.path)
}

func (d *InstanceDir) WriteManifest(m *interfaces.InstanceManifest) error {
	return writeJSON(d.ManifestPath(), m)
}

func (d *InstanceDir) ReadManifest() (*interfaces.InstanceManifest, error) {
	data, err := os.ReadFile(d.ManifestPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s", interfaces.ErrManifestNotFound, d.path)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m interfaces.InstanceManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", d.ManifestPath(), err)
	}
	return &m, nil
}

func (d *InstanceDir) WriteAppCompose(ac interfaces.AppCompose) error {
	return writeJSON(d.sharedFile(AppComposeFile), ac)
}

// WriteInstanceInfo replaces the instance info file with the payload verbatim.
func (d *InstanceDir) WriteInstanceInfo(payload []byte) error {
	return WriteFileAtomic(d.sharedFile(InstanceInfoFile), payload, 0o644)
}

func (d *InstanceDir) DataDiskExists() (bool, error) {
	_, err := os.Stat(d.DataDiskPath())
	if err == nil {
		return true, nil
	} else if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
