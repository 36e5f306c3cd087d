package durablemap

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/alpacahq/durablemap/metrics"
	"github.com/alpacahq/durablemap/utils/log"
)

// Compact copies every live entry of m into the empty map returned by
// supplier and returns it. m is left open and unchanged; swapping files
// and closing m are up to the caller. On failure the new map is closed and
// its files are removed.
func (m *DurableMap[K, V]) Compact(supplier func() (*DurableMap[K, V], error)) (*DurableMap[K, V], error) {
	start := time.Now()

	target, err := supplier()
	if err != nil {
		return nil, fmt.Errorf("open compaction target: %w", err)
	}
	if !target.IsEmpty() {
		return nil, multierr.Append(
			fmt.Errorf("compaction target already holds %d keys", target.Size()),
			target.Close(),
		)
	}

	copied := 0
	_, err = m.index.ForEach(func(_, id int32) (bool, error) {
		key, value, ok, err := m.readEntry(id)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		if err = target.Put(key, value); err != nil {
			return false, fmt.Errorf("copy record %d: %w", id, err)
		}
		copied++
		return true, nil
	})
	if err != nil {
		return nil, multierr.Append(err, wrapf(target.CloseAndClean(), "discard compaction target"))
	}

	elapsed := time.Since(start)
	metrics.CompactionsTotal.Inc()
	metrics.CompactionDuration.Observe(elapsed.Seconds())
	log.Info("compacted %d of %d records in %s", copied, m.RecordsCount(), elapsed)
	return target, nil
}
