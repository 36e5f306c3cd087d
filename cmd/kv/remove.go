package kv

import (
	"github.com/spf13/cobra"

	"github.com/alpacahq/durablemap/cmd/common"
)

// RemoveCmd deletes a key.
var RemoveCmd = &cobra.Command{
	Use:     "remove <map> <key>",
	Short:   "Delete a key",
	Aliases: []string{"rm", "delete"},
	Example: "durablemap remove prices AAPL --config <path>",
	Args:    cobra.ExactArgs(2),
	RunE:    executeRemove,
}

func executeRemove(cmd *cobra.Command, args []string) error {
	return common.WithMap(cmd, args[0], func(m *common.StringMap) error {
		return m.Remove(args[1])
	})
}
