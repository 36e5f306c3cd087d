// Package common holds what the durablemap subcommands share.
package common

import (
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/alpacahq/durablemap/durablemap"
	"github.com/alpacahq/durablemap/internal/di"
)

const (
	ConfigFlag            = "config"
	DefaultConfigFilePath = "./durablemap.yml"
)

// StringMap is the map type the CLI operates on.
type StringMap = durablemap.DurableMap[string, string]

// NewContainer builds a container from the file named by the config flag.
func NewContainer(cmd *cobra.Command) (*di.Container, error) {
	path, err := cmd.Flags().GetString(ConfigFlag)
	if err != nil {
		return nil, err
	}
	c, err := di.NewContainerFromFile(path)
	if err != nil {
		return nil, err
	}
	// Don't output command usage once the arguments were accepted
	cmd.SilenceUsage = true
	return c, nil
}

// WithMap opens the map called name, runs fn on it and closes it.
func WithMap(cmd *cobra.Command, name string, fn func(m *StringMap) error) (err error) {
	c, err := NewContainer(cmd)
	if err != nil {
		return err
	}
	m, err := c.OpenMap(name)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, m.Close())
	}()
	return fn(m)
}
