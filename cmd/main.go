package cmd

import (
	"github.com/spf13/cobra"

	"github.com/alpacahq/durablemap/cmd/common"
	"github.com/alpacahq/durablemap/cmd/compact"
	"github.com/alpacahq/durablemap/cmd/kv"
	"github.com/alpacahq/durablemap/cmd/load"
	"github.com/alpacahq/durablemap/cmd/shell"
	"github.com/alpacahq/durablemap/cmd/stats"
	"github.com/alpacahq/durablemap/utils"
	"github.com/alpacahq/durablemap/utils/log"
)

const (
	configDesc      = "set the path for the durablemap YAML configuration file"
	metricsAddrDesc = "serve prometheus metrics on this address while long-running commands run"
)

// flagPrintVersion set flag to show current durablemap version.
var flagPrintVersion bool

// Execute builds the command tree and executes commands.
func Execute() error {
	defer log.Sync()

	// c is the root command.
	c := &cobra.Command{
		Use:   "durablemap",
		Short: "Inspect and maintain durable maps",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Print version if specified.
			if flagPrintVersion {
				log.Info("version: %+v", utils.Tag)
				log.Info("commit hash: %+v", utils.GitHash)
				log.Info("utc build time: %+v", utils.BuildStamp)
				return nil
			}
			// Print information regarding usage.
			return cmd.Usage()
		},
	}

	// Adds subcommands and flags.
	c.AddCommand(kv.GetCmd)
	c.AddCommand(kv.PutCmd)
	c.AddCommand(kv.RemoveCmd)
	c.AddCommand(kv.DumpCmd)
	c.AddCommand(stats.Cmd)
	c.AddCommand(compact.Cmd)
	c.AddCommand(load.Cmd)
	c.AddCommand(shell.Cmd)
	c.PersistentFlags().StringP(common.ConfigFlag, "c", common.DefaultConfigFilePath, configDesc)
	c.PersistentFlags().String(common.MetricsAddrFlag, "", metricsAddrDesc)
	c.Flags().BoolVarP(&flagPrintVersion, "version", "v", false, "show the version info and exit")

	return c.Execute()
}
