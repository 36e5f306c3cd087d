package metrics

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alpacahq/durablemap/utils/log"
)

// Setter is an interface for prometheus metrics to improve unit-testability.
type Setter interface {
	Set(m float64)
}

// StartDiskUsageMonitor retrieves the total disk usage of the provided paths at each provided time interval,
// and set it as a prometheus metric. It returns when ctx is done.
func StartDiskUsageMonitor(ctx context.Context, s Setter, interval time.Duration, paths ...string) {
	s.Set(float64(DiskUsage(paths...)))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Set(float64(DiskUsage(paths...)))
		}
	}
}

// DiskUsage returns the bytes actually allocated on disk by the files at or under paths.
// Missing paths count as zero.
func DiskUsage(paths ...string) int64 {
	var totalSize int64
	for _, path := range paths {
		err := filepath.Walk(path, func(filepath string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			// the log buffers writes and the index is rewritten as a whole, so the
			// allocated blocks are what matters, not the apparent size
			stat, ok := info.Sys().(*syscall.Stat_t)
			if !ok {
				totalSize += info.Size()
				return nil
			}
			totalSize += stat.Blocks * 512
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			log.Error("get the disk usage of %s for monitoring: %v", path, err)
		}
	}
	return totalSize
}
