// Package kv implements the subcommands that read and write single maps.
package kv

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alpacahq/durablemap/cmd/common"
)

// GetCmd prints the value stored under a key.
var GetCmd = &cobra.Command{
	Use:     "get <map> <key>",
	Short:   "Print the value stored under a key",
	Example: "durablemap get prices AAPL --config <path>",
	Args:    cobra.ExactArgs(2),
	RunE:    executeGet,
}

func executeGet(cmd *cobra.Command, args []string) error {
	return common.WithMap(cmd, args[0], func(m *common.StringMap) error {
		value, ok, err := m.Get(args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key %q not found in %s", args[1], args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	})
}
