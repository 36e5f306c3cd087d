package shell

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/alpacahq/durablemap/cmd/common"
)

const (
	usage   = "shell <map>"
	short   = "Open an interactive session on a map"
	example = "durablemap shell prices --config <path>"
)

// Cmd is the shell command.
var Cmd = &cobra.Command{
	Use:     usage,
	Short:   short,
	Example: example,
	Args:    cobra.ExactArgs(1),
	RunE:    executeShell,
}

func executeShell(cmd *cobra.Command, args []string) (err error) {
	c, err := common.NewContainer(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err = common.MaybeServeMetrics(ctx, cmd, c); err != nil {
		return err
	}

	m, err := c.OpenMap(args[0])
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, m.Close())
	}()
	return NewClient(m, args[0], cmd.OutOrStdout()).Read()
}
