package kv

import (
	"github.com/spf13/cobra"

	"github.com/alpacahq/durablemap/cmd/common"
)

// PutCmd stores a value under a key.
var PutCmd = &cobra.Command{
	Use:     "put <map> <key> <value>",
	Short:   "Store a value under a key",
	Long:    "This command stores a value under a key, creating the map if needed",
	Example: "durablemap put prices AAPL 189.5 --config <path>",
	Args:    cobra.ExactArgs(3),
	RunE:    executePut,
}

func executePut(cmd *cobra.Command, args []string) error {
	return common.WithMap(cmd, args[0], func(m *common.StringMap) error {
		return m.Put(args[1], args[2])
	})
}
