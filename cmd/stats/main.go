package stats

import (
	"fmt"
	"io"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/alpacahq/durablemap/cmd/common"
	"github.com/alpacahq/durablemap/metrics"
)

const (
	usage   = "stats <map>"
	short   = "Print the size, waste and disk usage of a map"
	example = "durablemap stats prices --config <path>"
)

// Cmd is the stats command.
var Cmd = &cobra.Command{
	Use:     usage,
	Short:   short,
	Example: example,
	Args:    cobra.ExactArgs(1),
	RunE:    executeStats,
}

// Stats describes a map at one point in time.
type Stats struct {
	Keys            int
	Records         int
	CompactionScore float64
	DiskUsage       int64
}

func executeStats(cmd *cobra.Command, args []string) (err error) {
	c, err := common.NewContainer(cmd)
	if err != nil {
		return err
	}
	path, err := c.MapPath(args[0])
	if err != nil {
		return err
	}
	f := c.GetFactory()
	m, err := f.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, m.Close())
	}()

	s := Collect(m, path, f.IndexPath(path))
	return s.Print(cmd.OutOrStdout(), c.GetConfig().Compaction.Threshold)
}

// Collect gathers the stats of m, whose files are at paths.
func Collect(m *common.StringMap, paths ...string) Stats {
	usage := metrics.DiskUsage(paths...)
	metrics.TotalDiskUsageBytes.Set(float64(usage))
	keys := m.Size()
	metrics.LiveEntries.Set(float64(keys))
	return Stats{
		Keys:            keys,
		Records:         m.RecordsCount(),
		CompactionScore: m.CompactionScore(),
		DiskUsage:       usage,
	}
}

// Print writes s in a human readable form.
func (s Stats) Print(w io.Writer, threshold float64) error {
	advice := "no"
	if s.CompactionScore >= threshold {
		advice = "yes"
	}
	_, err := fmt.Fprintf(w,
		"keys:             %d\nrecords:          %d\ncompaction score: %.4f\nshould compact:   %s (threshold %.2f)\ndisk usage:       %s\n",
		s.Keys, s.Records, s.CompactionScore, advice, threshold, bytefmt.ByteSize(uint64(s.DiskUsage)))
	return err
}
