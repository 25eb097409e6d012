package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/imdario/mergo"
	"github.com/mitchellh/mapstructure"
)

const (
	configDirName  = "cvmctl"
	configFileName = "client.conf"

	DefaultRunPath = "./vms"
	RunPathEnv     = "RUN_PATH"
)

type ClientConfig struct {
	Docker DockerConfig `mapstructure:"docker"`
	Image  ImageConfig  `mapstructure:"image"`
	QEMU   QEMUConfig   `mapstructure:"qemu"`
}

type DockerConfig struct {
	// Registry is written to the guest's .sys-config.json when set.
	Registry string `mapstructure:"registry"`
}

type ImageConfig struct {
	// Default is the image used by `new` when --image is not given.
	Default string `mapstructure:"default"`
}

type QEMUConfig struct {
	Path    string `mapstructure:"path"`
	ImgPath string `mapstructure:"img_path"`
}

func Default() *ClientConfig {
	return &ClientConfig{
		QEMU: QEMUConfig{
			Path:    "qemu-system-x86_64",
			ImgPath: "qemu-img",
		},
	}
}

// Paths returns the config file locations in precedence order, lowest first:
// the system file, the user file, then a .cvmctl/client.conf in every
// directory from the filesystem root down to cwd.
func Paths(home, cwd string) []string {
	paths := []string{filepath.Join("/etc", configDirName, configFileName)}
	if home != "" {
		paths = append(paths, filepath.Join(home, ".config", configDirName, configFileName))
	}

	var ancestors []string
	for dir := filepath.Clean(cwd); ; dir = filepath.Dir(dir) {
		ancestors = append(ancestors, filepath.Join(dir, "."+configDirName, configFileName))
		if parent := filepath.Dir(dir); parent == dir {
			break
		}
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		paths = append(paths, ancestors[i])
	}
	return paths
}

// Load reads and merges every existing file in paths. Missing files are
// skipped; unreadable or malformed ones are an error.
func Load(log *slog.Logger, paths []string) (*ClientConfig, error) {
	merged := map[string]any{}
	for _, path := range paths {
		layer := map[string]any{}
		if _, err := toml.DecodeFile(path, &layer); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
		log.Debug("Loaded configuration", "path", path)
		merged = Merge(merged, layer)
	}
	return FromMap(merged)
}

// LoadDefault loads the config layering for the current user and directory.
func LoadDefault(log *slog.Logger) (*ClientConfig, error) {
	home, _ := os.UserHomeDir()
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return Load(log, Paths(home, cwd))
}

// FromMap converts a merged config tree into a ClientConfig with defaults
// applied for every unset field.
func FromMap(m map[string]any) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(m); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}
	return cfg, nil
}

// RunPath returns the absolute directory new instances are created under.
func RunPath() (string, error) {
	runPath := os.Getenv(RunPathEnv)
	if runPath == "" {
		runPath = DefaultRunPath
	}
	return filepath.Abs(runPath)
}
