package di

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alpacahq/durablemap/codec"
	"github.com/alpacahq/durablemap/durablemap"
	"github.com/alpacahq/durablemap/utils"
	"github.com/alpacahq/durablemap/utils/log"
)

// Container lazily builds what the CLI needs from a MapConfig.
type Container struct {
	mapConfig  *utils.MapConfig
	absRootDir string
	factory    *durablemap.Factory[string, string]
}

func NewContainer(cfg *utils.MapConfig) *Container {
	return &Container{mapConfig: cfg}
}

// NewContainerFromFile reads and parses the YAML configuration at path.
func NewContainerFromFile(path string) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration file %s: %w", path, err)
	}
	cfg, err := utils.ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parse configuration file %s: %w", path, err)
	}
	log.Debug("using %v for configuration", path)
	return NewContainer(cfg), nil
}

func (c *Container) GetConfig() *utils.MapConfig {
	return c.mapConfig
}

// GetAbsRootDir returns the absolute root directory, creating it if needed.
func (c *Container) GetAbsRootDir() (string, error) {
	if c.absRootDir != "" {
		return c.absRootDir, nil
	}

	rootDir, err := filepath.Abs(filepath.Clean(c.mapConfig.RootDirectory))
	if err != nil {
		return "", fmt.Errorf("take absolute path of root directory: %w", err)
	}
	const ownerGroupAll = 0o770
	if err = os.MkdirAll(rootDir, ownerGroupAll); err != nil {
		return "", fmt.Errorf("create root directory: %w", err)
	}
	log.Debug("Root Directory: %s", rootDir)
	c.absRootDir = rootDir
	return c.absRootDir, nil
}

func (c *Container) GetFactory() *durablemap.Factory[string, string] {
	if c.factory != nil {
		return c.factory
	}
	c.factory = durablemap.NewFactoryFromConfig[string, string](
		c.mapConfig, codec.StringKeyDescriptor{}, codec.StringExternalizer{},
	)
	return c.factory
}

// MapPath returns the log file of the map called name.
func (c *Container) MapPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid map name %q", name)
	}
	root, err := c.GetAbsRootDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, name), nil
}

// OpenMap opens the map called name under the root directory.
func (c *Container) OpenMap(name string) (*durablemap.DurableMap[string, string], error) {
	path, err := c.MapPath(name)
	if err != nil {
		return nil, err
	}
	return c.GetFactory().Open(path)
}
