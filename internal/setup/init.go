// Package setup handles warden state directory initialization.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/warden/internal/model"
	atomicyaml "github.com/msageha/warden/internal/yaml"
	"github.com/msageha/warden/templates"
)

// Dirs are created below the state directory.
var Dirs = []string{
	"locks",
	"logs",
	"state",
	"policies",
	"quarantine",
}

// Run initializes the state directory: the directory layout, the default
// config.yaml, the bundled policies and an empty nowatch state. An
// already initialized directory is left untouched.
func Run(stateDir string) error {
	base, err := filepath.Abs(stateDir)
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}

	cfgPath := filepath.Join(base, model.ConfigFile)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	for _, d := range Dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, data, err := generateConfig(base)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(cfgPath, data); err != nil {
		return fmt.Errorf("write %s: %w", model.ConfigFile, err)
	}

	if err := copyPolicies(cfg.Enforcement.PolicyDir); err != nil {
		return err
	}

	state := model.NoWatchState{
		SchemaVersion: model.NoWatchSchemaVersion,
		FileType:      model.NoWatchFileType,
		Objects:       []string{},
	}
	if err := atomicyaml.AtomicWrite(cfg.Enforcement.NoWatchFile, state); err != nil {
		return fmt.Errorf("write nowatch state: %w", err)
	}
	return nil
}

// generateConfig parses the bundled config.yaml the way the daemon will
// and returns it with the raw bytes, comments intact.
func generateConfig(base string) (model.Config, []byte, error) {
	data, err := fs.ReadFile(templates.FS, model.ConfigFile)
	if err != nil {
		return model.Config{}, nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, nil, fmt.Errorf("parse config template: %w", err)
	}
	cfg.ApplyDefaults(base)
	if err := cfg.Validate(); err != nil {
		return model.Config{}, nil, fmt.Errorf("config template: %w", err)
	}
	return cfg, data, nil
}

// copyPolicies writes the bundled rule files into dir, keeping any file
// that already exists there.
func copyPolicies(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	entries, err := fs.ReadDir(templates.FS, "policies")
	if err != nil {
		return fmt.Errorf("read policy templates: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		dst := filepath.Join(dir, ent.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dst, err)
		}
		data, err := fs.ReadFile(templates.FS, "policies/"+ent.Name())
		if err != nil {
			return fmt.Errorf("read template %s: %w", ent.Name(), err)
		}
		if err := os.WriteFile(dst, data, 0o640); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
	}
	return nil
}
