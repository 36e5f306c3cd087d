package compact

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/alpacahq/durablemap/cmd/common"
	"github.com/alpacahq/durablemap/durablemap"
	"github.com/alpacahq/durablemap/utils/log"
)

const (
	usage   = "compact <map>"
	short   = "Rewrite a map without its superseded records"
	long    = "This command copies the live entries of a map into a fresh one and swaps it in, if its compaction score reaches the threshold"
	example = "durablemap compact prices --threshold 0.3 --config <path>"

	// compactingSuffix names the map being built next to the one being compacted.
	compactingSuffix = ".compacting"
)

var (
	// Cmd is the compact command.
	Cmd = &cobra.Command{
		Use:     usage,
		Short:   short,
		Long:    long,
		Example: example,
		Args:    cobra.ExactArgs(1),
		RunE:    executeCompact,
	}
	flagForce     bool
	flagThreshold float64
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().BoolVarP(&flagForce, "force", "f", false, "compact whatever the compaction score")
	Cmd.Flags().Float64VarP(&flagThreshold, "threshold", "t", 0,
		"minimal compaction score, defaults to compaction.threshold of the configuration")
}

func executeCompact(cmd *cobra.Command, args []string) error {
	c, err := common.NewContainer(cmd)
	if err != nil {
		return err
	}
	path, err := c.MapPath(args[0])
	if err != nil {
		return err
	}
	threshold := c.GetConfig().Compaction.Threshold
	if cmd.Flags().Changed("threshold") {
		threshold = flagThreshold
	}

	compacted, err := Compact(c.GetFactory(), path, threshold, flagForce)
	if err != nil {
		return err
	}
	if compacted {
		fmt.Fprintf(cmd.OutOrStdout(), "compacted %s\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s does not need compaction\n", args[0])
	}
	return nil
}

// Compact rewrites the closed map at path if its compaction score reaches
// threshold, or unconditionally if force is set. It reports whether the
// map was rewritten.
func Compact[K, V any](f *durablemap.Factory[K, V], path string, threshold float64, force bool) (bool, error) {
	m, err := f.Open(path)
	if err != nil {
		return false, err
	}

	score := m.CompactionScore()
	if !force && score < threshold {
		log.Info("%s: compaction score %.4f is below %.4f, skipping", path, score, threshold)
		return false, m.Close()
	}

	tmp := path + compactingSuffix
	// leftovers of an interrupted compaction
	if err = f.Remove(tmp); err != nil {
		return false, multierr.Append(err, m.Close())
	}

	log.Info("%s: compacting %d records, score %.4f", path, m.RecordsCount(), score)
	compacted, err := f.Compact(m, tmp)
	if err != nil {
		return false, multierr.Append(err, m.Close())
	}
	if err = multierr.Append(compacted.Close(), m.Close()); err != nil {
		return false, err
	}
	if err = f.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("swap compacted map into %s: %w", path, err)
	}
	return true, nil
}
