package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

const (
	ImageMetadataFile = "metadata.json"
	ImageDigestFile   = "digest.txt"
)

// LoadImage reads the metadata and digest of an image directory and returns
// it with every artifact path made absolute.
func LoadImage(dir string) (*interfaces.Image, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, ImageMetadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", interfaces.ErrImageMetadataNotFound, filepath.Join(dir, ImageMetadataFile))
	} else if err != nil {
		return nil, fmt.Errorf("failed to read image metadata: %w", err)
	}

	var md interfaces.ImageMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to decode image metadata: %w", err)
	}

	digest, err := os.ReadFile(filepath.Join(dir, ImageDigestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: image digest at %s", interfaces.ErrNotFound, filepath.Join(dir, ImageDigestFile))
	} else if err != nil {
		return nil, fmt.Errorf("failed to read image digest: %w", err)
	}

	md.BIOS = resolve(dir, md.BIOS)
	md.Kernel = resolve(dir, md.Kernel)
	md.Initrd = resolve(dir, md.Initrd)
	md.Rootfs = resolve(dir, md.Rootfs)

	return &interfaces.Image{
		Dir:      dir,
		Metadata: md,
		Digest:   strings.TrimSpace(string(digest)),
	}, nil
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
