package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/packman/pkg/types"
)

// managerFile is the on-disk config an `pkgmanager manager` instance loads:
// its own identity plus the Package Container inventory it hands to the
// evaluator. There is no live upstream for containers (unlike Expectations,
// which arrive through pkg/upstream), so this is the one place container
// definitions are declared.
type managerFile struct {
	ID         string                   `yaml:"id"`
	Endpoint   string                   `yaml:"endpoint"`
	ListenAddr string                   `yaml:"listenAddr"`
	Containers []types.PackageContainer `yaml:"containers"`
}

// workerFile is the on-disk config an `pkgmanager worker` instance loads:
// its identity, declared capabilities, and the Package Container inventory
// its handlers resolve accessors against.
type workerFile struct {
	ID               string                   `yaml:"id"`
	Capabilities     []types.PackageType      `yaml:"capabilities"`
	ConcurrencyLimit int                      `yaml:"concurrencyLimit"`
	Containers       []types.PackageContainer `yaml:"containers"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
