package durablemap

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/alpacahq/durablemap/appendlog"
	"github.com/alpacahq/durablemap/codec"
	"github.com/alpacahq/durablemap/intmultimap"
	"github.com/alpacahq/durablemap/metrics"
	"github.com/alpacahq/durablemap/utils"
	"github.com/alpacahq/durablemap/utils/log"
)

// DefaultIndexSuffix is appended to the map path to name the index file.
const DefaultIndexSuffix = ".map"

type factorySettings struct {
	indexSuffix    string
	recoveryPolicy utils.RecoveryPolicy
	mapOptions     []Option
}

// FactoryOption tunes a Factory.
type FactoryOption func(*factorySettings)

func WithIndexSuffix(suffix string) FactoryOption {
	return func(s *factorySettings) { s.indexSuffix = suffix }
}

// WithRecoveryPolicy selects what Open does with an index that can not be
// trusted. The default is utils.RecoveryRebuild.
func WithRecoveryPolicy(policy utils.RecoveryPolicy) FactoryOption {
	return func(s *factorySettings) { s.recoveryPolicy = policy }
}

// WithMapOptions passes opts to every map the factory opens.
func WithMapOptions(opts ...Option) FactoryOption {
	return func(s *factorySettings) { s.mapOptions = append(s.mapOptions, opts...) }
}

// Factory opens maps stored as a log file at path and an index file next
// to it.
type Factory[K, V any] struct {
	keyDesc      codec.KeyDescriptor[K]
	valueExt     codec.ValueExternalizer[V]
	logFactory   appendlog.Factory
	indexFactory intmultimap.Factory
	settings     factorySettings
}

func NewFactory[K, V any](
	keyDesc codec.KeyDescriptor[K],
	valueExt codec.ValueExternalizer[V],
	logFactory appendlog.Factory,
	indexFactory intmultimap.Factory,
	opts ...FactoryOption,
) *Factory[K, V] {
	s := factorySettings{
		indexSuffix:    DefaultIndexSuffix,
		recoveryPolicy: utils.RecoveryRebuild,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &Factory[K, V]{
		keyDesc:      keyDesc,
		valueExt:     valueExt,
		logFactory:   logFactory,
		indexFactory: indexFactory,
		settings:     s,
	}
}

// NewFactoryFromConfig wires the file-backed log and index with the
// settings of cfg.
func NewFactoryFromConfig[K, V any](
	cfg *utils.MapConfig,
	keyDesc codec.KeyDescriptor[K],
	valueExt codec.ValueExternalizer[V],
) *Factory[K, V] {
	logFactory := appendlog.NewFactory(appendlog.Options{
		WriteBufferSize: cfg.WriteBufferSize,
		FsyncOnFlush:    cfg.FsyncOnFlush,
	})
	return NewFactory(keyDesc, valueExt, logFactory, intmultimap.NewFactory(),
		WithIndexSuffix(cfg.IndexSuffix),
		WithRecoveryPolicy(cfg.RecoveryPolicy),
		WithMapOptions(WithCompactionScoreFloor(cfg.Compaction.MinRecordsForScore, cfg.Compaction.MinScore)),
	)
}

// IndexPath returns the index file of the map stored at path.
func (f *Factory[K, V]) IndexPath(path string) string {
	return path + f.settings.indexSuffix
}

// Open opens or creates the map stored at path. Either both the log and the
// index are opened, or neither is left open.
func (f *Factory[K, V]) Open(path string) (*DurableMap[K, V], error) {
	appendLog, err := f.logFactory.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}

	indexPath := f.IndexPath(path)
	index, state, err := f.openIndex(indexPath)
	if err != nil {
		return nil, multierr.Append(
			fmt.Errorf("open index %s: %w", indexPath, err),
			wrapf(appendLog.Close(), "close log %s", path),
		)
	}

	m := New(appendLog, index, f.keyDesc, f.valueExt, f.settings.mapOptions...)

	// The recovery policy applies to an untrusted index only. A sound index
	// next to an unclean log is always rebuilt.
	policy := f.settings.recoveryPolicy
	var reason string
	switch {
	case state == indexCorrupted:
		reason = "index is corrupted"
	case !index.WasProperlyClosed():
		reason = "index was not closed properly"
	case state == indexMissing && !appendLog.IsEmpty():
		reason = "index is missing"
	case !appendLog.WasClosedProperly():
		reason = "log was not closed properly"
		policy = utils.RecoveryRebuild
	}
	if reason != "" {
		if err = f.recoverIndex(m, path, reason, policy); err != nil {
			return nil, multierr.Append(err, m.Close())
		}
	}
	return m, nil
}

type indexState int

const (
	indexExisting indexState = iota
	indexMissing
	indexCorrupted
)

// openIndex opens the index at path, replacing it with an empty one if it
// can not be read. An absent or zero-length file is reported as missing.
func (f *Factory[K, V]) openIndex(path string) (intmultimap.DurableIntToMultiIntMap, indexState, error) {
	state := indexExisting
	fi, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		state = indexMissing
	case err != nil:
		return nil, state, fmt.Errorf("stat index: %w", err)
	case fi.Mode().IsRegular() && fi.Size() == 0:
		state = indexMissing
	}

	idx, err := f.indexFactory.Open(path)
	if !errors.Is(err, intmultimap.ErrCorrupted) {
		return idx, state, err
	}
	log.Warn("discarding unreadable index %s: %v", path, err)
	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, indexCorrupted, fmt.Errorf("remove corrupted index: %w", err)
	}
	idx, err = f.indexFactory.Open(path)
	return idx, indexCorrupted, err
}

func (f *Factory[K, V]) recoverIndex(m *DurableMap[K, V], path, reason string, policy utils.RecoveryPolicy) error {
	metrics.IndexRecoveriesTotal.WithLabelValues(string(policy)).Inc()

	switch policy {
	case utils.RecoveryDropAndCreateEmpty:
		log.Warn("%s: %s, dropping it; all %d records of the log are now unreachable",
			path, reason, m.RecordsCount())
		if err := m.index.Clear(); err != nil {
			return fmt.Errorf("drop index of %s: %w", path, err)
		}
		return nil
	default:
		log.Warn("%s: %s, rebuilding it from the log", path, reason)
		replayed, err := m.rebuildIndex()
		if err != nil {
			return fmt.Errorf("rebuild index of %s: %w", path, err)
		}
		log.Info("%s: replayed %d records, %d keys live", path, replayed, m.Size())
		return nil
	}
}

// Compact copies m into a fresh map at path. See DurableMap.Compact.
func (f *Factory[K, V]) Compact(m *DurableMap[K, V], path string) (*DurableMap[K, V], error) {
	return m.Compact(func() (*DurableMap[K, V], error) {
		return f.Open(path)
	})
}

// Remove deletes the files of the closed map stored at path.
func (f *Factory[K, V]) Remove(path string) error {
	var errs error
	for _, p := range []string{path, f.IndexPath(path)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Rename moves the files of the closed map stored at from to to, replacing
// any map there. The index at to is removed before the log is moved, so an
// interrupted rename leaves a log without an index, which Open rebuilds.
func (f *Factory[K, V]) Rename(from, to string) error {
	if err := os.Remove(f.IndexPath(to)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove index: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename log: %w", err)
	}
	if err := os.Rename(f.IndexPath(from), f.IndexPath(to)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}
