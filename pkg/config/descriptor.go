package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// DescriptorName is the fixed descriptor file name at the project root. The
// file holds resource names, the compute platform, and the artifact storage
// location; never secrets, never ARNs, so it is safe to commit.
const DescriptorName = "stackpilot.yml"

// FindDescriptor walks upward from startDir to the nearest descriptor and
// returns its path. Returns ("", nil) when no descriptor exists anywhere up
// the tree: absence is a normal state for a project not yet initialized.
func FindDescriptor(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", engine.NewIOError("resolve start directory", err)
	}
	for {
		candidate := filepath.Join(dir, DescriptorName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", engine.NewIOError("stat descriptor", err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// Load reads and validates the nearest descriptor above startDir.
// Returns (nil, nil) when none exists.
func Load(startDir string) (*Project, error) {
	path, err := FindDescriptor(startDir)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}
	return LoadPath(path)
}

// LoadPath reads and validates the descriptor at an exact path.
func LoadPath(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewIOError("read descriptor", err)
	}
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, engine.NewIOError(fmt.Sprintf("parse descriptor %s", path), err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Save writes the descriptor into dir atomically: marshal to a temp file in
// the same directory, then rename over the target. Concurrent saves are
// last-writer-wins; a partially written descriptor is never visible.
func Save(dir string, p *Project) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return engine.NewIOError("encode descriptor", err)
	}

	tmp, err := os.CreateTemp(dir, DescriptorName+".*")
	if err != nil {
		return engine.NewIOError("create descriptor temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return engine.NewIOError("write descriptor", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return engine.NewIOError("flush descriptor", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, DescriptorName)); err != nil {
		os.Remove(tmpName)
		return engine.NewIOError("replace descriptor", err)
	}
	return nil
}

// Remove deletes the descriptor at path. Deleting the local descriptor is an
// independent confirmation during teardown; this helper does no prompting.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return engine.NewIOError("remove descriptor", err)
	}
	return nil
}
