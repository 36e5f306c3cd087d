package kv

import (
	"fmt"
	"io"
	"sort"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/alpacahq/durablemap/cmd/common"
)

// DumpCmd prints the live entries of a map.
var DumpCmd = &cobra.Command{
	Use:     "dump <map>",
	Short:   "Print the live entries of a map as key=value lines",
	Example: "durablemap dump prices --match 'AA*' --config <path>",
	Args:    cobra.ExactArgs(1),
	RunE:    executeDump,
}

var (
	flagMatch    string
	flagKeysOnly bool
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	DumpCmd.Flags().StringVarP(&flagMatch, "match", "m", "*", "only print keys matching this glob pattern")
	DumpCmd.Flags().BoolVarP(&flagKeysOnly, "keys", "k", false, "print keys without values")
}

func executeDump(cmd *cobra.Command, args []string) error {
	g, err := glob.Compile(flagMatch)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", flagMatch, err)
	}
	return common.WithMap(cmd, args[0], func(m *common.StringMap) error {
		return Dump(cmd.OutOrStdout(), m, g, flagKeysOnly)
	})
}

// Dump writes the entries of m whose key matches g, sorted by key.
func Dump(w io.Writer, m *common.StringMap, g glob.Glob, keysOnly bool) error {
	entries := map[string]string{}
	if _, err := m.ForEachEntry(func(key, value string) (bool, error) {
		if g.Match(key) {
			entries[key] = value
		}
		return true, nil
	}); err != nil {
		return err
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var err error
		if keysOnly {
			_, err = fmt.Fprintln(w, k)
		} else {
			_, err = fmt.Fprintf(w, "%s=%s\n", k, entries[k])
		}
		if err != nil {
			return err
		}
	}
	return nil
}
