package kv_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/durablemap/cmd/common"
	"github.com/alpacahq/durablemap/cmd/kv"
)

func writeConfig(t *testing.T, path, root string) {
	t.Helper()
	require.Nil(t, os.WriteFile(path, []byte("root_directory: "+root+"\n"), 0o600))
}

// runCommand runs one subcommand under a fresh root and returns its output.
func runCommand(t *testing.T, config string, args ...string) string {
	t.Helper()
	root := &cobra.Command{Use: "durablemap"}
	root.PersistentFlags().StringP(common.ConfigFlag, "c", common.DefaultConfigFilePath, "")
	root.AddCommand(kv.GetCmd, kv.PutCmd, kv.RemoveCmd, kv.DumpCmd)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(append(args, "--config", config))
	require.Nil(t, root.Execute())
	return out.String()
}
