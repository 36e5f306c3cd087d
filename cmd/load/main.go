package load

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/alpacahq/durablemap/cmd/common"
	"github.com/alpacahq/durablemap/codec"
	"github.com/alpacahq/durablemap/utils/log"
	"github.com/alpacahq/durablemap/utils/pool"
)

const (
	usage   = "load <map> <file>"
	short   = "Apply the mappings of a file to a map"
	long    = "This command reads key=value lines, a key,value CSV or a flat JSON object and applies it to a map. Use - to read standard input."
	example = "durablemap load prices prices.csv --format csv --config <path>"
)

var (
	// Cmd is the load command.
	Cmd = &cobra.Command{
		Use:     usage,
		Short:   short,
		Long:    long,
		Example: example,
		Args:    cobra.ExactArgs(2),
		RunE:    executeLoad,
	}
	flagFormat  string
	flagWorkers int
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&flagFormat, "format", "f", FormatLines, "input format: lines, csv or json")
	Cmd.Flags().IntVarP(&flagWorkers, "workers", "w", 0, "concurrent writers, defaults to loader_workers of the configuration")
}

func executeLoad(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if args[1] != "-" {
		fp, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer fp.Close()
		in = fp
	}
	pairs, err := Read(in, flagFormat)
	if err != nil {
		return err
	}

	c, err := common.NewContainer(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err = common.MaybeServeMetrics(ctx, cmd, c); err != nil {
		return err
	}

	workers := c.GetConfig().LoaderWorkers
	if flagWorkers > 0 {
		workers = flagWorkers
	}
	m, err := c.OpenMap(args[0])
	if err != nil {
		return err
	}
	if err = multierr.Append(Apply(m, pairs, workers), m.Close()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied %d mappings to %s\n", len(pairs), args[0])
	return nil
}

// Apply writes pairs to m with up to workers concurrent writers. Pairs
// must have distinct keys. Every pair is attempted; the failures are
// returned together.
func Apply(m *common.StringMap, pairs []Pair, workers int) error {
	var (
		mu   sync.Mutex
		errs error
	)
	p := pool.NewPool(workers, func(pair Pair) {
		value := codec.Some(pair.Value)
		if pair.Remove {
			value = codec.None[string]()
		}
		if err := m.PutOptional(pair.Key, value); err != nil {
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("key %q: %w", pair.Key, err))
			mu.Unlock()
		}
	})

	c := make(chan Pair)
	go func() {
		defer close(c)
		for _, pair := range pairs {
			c <- pair
		}
	}()
	p.Work(c)
	p.Wait()

	if errs != nil {
		log.Error("%d of %d mappings failed", len(multierr.Errors(errs)), len(pairs))
	}
	return errs
}
