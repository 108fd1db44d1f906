package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultVolumeName is the volume that caches downloaded model weights.
const DefaultVolumeName = "ollama-models-volume"

// ErrVolumeNotFound is returned when a volume is missing and may not be created.
var ErrVolumeNotFound = errors.New("volume not found")

// Volume is named persistent storage backed by a directory under a root.
type Volume struct {
	Name string
	Path string
}

// VolumeFromName resolves the volume called name under root, creating its
// directory when createIfMissing is set.
func VolumeFromName(root, name string, createIfMissing bool) (*Volume, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("deploy: invalid volume name %q", name)
	}
	path := filepath.Join(root, name)

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("deploy: volume %s: %s is not a directory", name, path)
		}
	case errors.Is(err, os.ErrNotExist):
		if !createIfMissing {
			return nil, fmt.Errorf("deploy: %w: %s", ErrVolumeNotFound, name)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("deploy: create volume %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("deploy: volume %s: %w", name, err)
	}
	return &Volume{Name: name, Path: path}, nil
}
