// Package durablemap implements a persistent map on top of an append-only
// log of entries and a hash -> record id multimap.
//
// Every put appends a new immutable entry to the log and points the index
// at it; the bytes of superseded entries stay in the log until the map is
// compacted into a fresh one. Hash collisions are resolved by comparing the
// key stored in each candidate record, so keys never need a perfect hash.
//
// Mutations are serialized by the index write lock. Readers take no map
// level lock and see either the old or the new value of a concurrent put.
package durablemap

import (
	"fmt"
	"math"

	"go.uber.org/multierr"

	"github.com/alpacahq/durablemap/appendlog"
	"github.com/alpacahq/durablemap/codec"
	"github.com/alpacahq/durablemap/intmultimap"
	"github.com/alpacahq/durablemap/metrics"
)

const (
	// DefaultMinRecordsForScore is the log size below which the compaction
	// score is not computed from the actual ratio.
	DefaultMinRecordsForScore = 1000
	// DefaultMinCompactionScore is the score reported for small, non-empty
	// logs.
	DefaultMinCompactionScore = 0.01

	// substituteHash replaces hashes equal to intmultimap.NoValue.
	substituteHash int32 = -1
)

type options struct {
	minRecordsForScore int
	minCompactionScore float64
}

// Option tunes a DurableMap.
type Option func(*options)

// WithCompactionScoreFloor makes logs with fewer than minRecords records
// report minScore instead of their actual wasted fraction.
func WithCompactionScoreFloor(minRecords int, minScore float64) Option {
	return func(o *options) {
		o.minRecordsForScore = minRecords
		o.minCompactionScore = minScore
	}
}

// DurableMap is a persistent K -> V map. It is safe for concurrent use.
type DurableMap[K, V any] struct {
	appendLog appendlog.AppendOnlyLog
	index     intmultimap.DurableIntToMultiIntMap
	keyDesc   codec.KeyDescriptor[K]
	valueExt  codec.ValueExternalizer[V]
	opts      options
}

// New composes a map over an opened log and index. The map owns both: Close
// closes them.
func New[K, V any](
	appendLog appendlog.AppendOnlyLog,
	index intmultimap.DurableIntToMultiIntMap,
	keyDesc codec.KeyDescriptor[K],
	valueExt codec.ValueExternalizer[V],
	opts ...Option,
) *DurableMap[K, V] {
	o := options{
		minRecordsForScore: DefaultMinRecordsForScore,
		minCompactionScore: DefaultMinCompactionScore,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &DurableMap[K, V]{
		appendLog: appendLog,
		index:     index,
		keyDesc:   keyDesc,
		valueExt:  valueExt,
		opts:      o,
	}
}

func adjustHash(hash int32) int32 {
	if hash == intmultimap.NoValue {
		return substituteHash
	}
	return hash
}

// toRecordID narrows a log id to the index value domain.
func toRecordID(id int64) int32 {
	if id <= 0 || id > math.MaxInt32 {
		panic(RecordIDOverflow(id))
	}
	return int32(id)
}

func (m *DurableMap[K, V]) hashOf(key K) int32 {
	return adjustHash(m.keyDesc.HashCode(key))
}

// checkKey rejects keys the key codec can not serialize, so reads refuse
// the same keys writes do.
func (m *DurableMap[K, V]) checkKey(key K) error {
	if _, err := m.keyDesc.WriterFor(key); err != nil {
		return fmt.Errorf("serialize key: %w", err)
	}
	return nil
}

// findRecord returns the id of the record indexed for key, or NoValue.
// onMatch, if set, is called with the matching entry while the record
// buffer is valid.
func (m *DurableMap[K, V]) findRecord(key K, hash int32, onMatch func(e rawEntry) error) (int32, error) {
	return m.index.Lookup(hash, func(id int32) (bool, error) {
		matched := false
		err := m.appendLog.Read(int64(id), func(buf []byte) error {
			e, err := splitEntry(buf)
			if err != nil {
				return err
			}
			candidate, err := m.keyDesc.Read(e.key)
			if err != nil {
				return fmt.Errorf("decode key: %w", err)
			}
			if !m.keyDesc.IsEqual(candidate, key) {
				return nil
			}
			matched = true
			if onMatch != nil {
				return onMatch(e)
			}
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("read record %d: %w", id, err)
		}
		return matched, nil
	})
}

// ContainsMapping reports whether key has a live value.
func (m *DurableMap[K, V]) ContainsMapping(key K) (bool, error) {
	if err := m.checkKey(key); err != nil {
		return false, err
	}
	live := false
	_, err := m.findRecord(key, m.hashOf(key), func(e rawEntry) error {
		live = !e.tombstone
		return nil
	})
	if err != nil {
		return false, err
	}
	return live, nil
}

// Get returns the value stored for key; ok is false if there is none.
func (m *DurableMap[K, V]) Get(key K) (value V, ok bool, err error) {
	if err = m.checkKey(key); err != nil {
		return value, false, err
	}
	_, err = m.findRecord(key, m.hashOf(key), func(e rawEntry) error {
		if e.tombstone {
			return nil
		}
		v, err := m.valueExt.Read(e.value)
		if err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
		value, ok = v, true
		return nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	if ok {
		metrics.GetsTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.GetsTotal.WithLabelValues("miss").Inc()
	}
	return value, ok, nil
}

// Put stores value under key.
func (m *DurableMap[K, V]) Put(key K, value V) error {
	return m.PutOptional(key, codec.Some(value))
}

// Remove deletes key. Removing an absent key is a no-op.
func (m *DurableMap[K, V]) Remove(key K) error {
	return m.PutOptional(key, codec.None[V]())
}

// PutOptional stores value under key, or deletes key if value is absent.
// Writing the value a key already has appends nothing.
func (m *DurableMap[K, V]) PutOptional(key K, value codec.Optional[V]) error {
	keyWriter, err := m.keyDesc.WriterFor(key)
	if err != nil {
		return fmt.Errorf("serialize key: %w", err)
	}
	var valueWriter codec.Writer
	if value.Present {
		if valueWriter, err = m.valueExt.WriterFor(value.Value); err != nil {
			return fmt.Errorf("serialize value: %w", err)
		}
	}
	hash := m.hashOf(key)

	lock := m.index.WriteLock()
	lock.Lock()
	defer lock.Unlock()

	unchanged := false
	prior, err := m.findRecord(key, hash, func(e rawEntry) error {
		if e.tombstone || !value.Present {
			unchanged = e.tombstone && !value.Present
			return nil
		}
		var err error
		unchanged, err = m.valueEquals(value.Value, valueWriter, e.value)
		return err
	})
	if err != nil {
		return err
	}
	if unchanged || (prior == intmultimap.NoValue && !value.Present) {
		metrics.NoopPutsTotal.Inc()
		return nil
	}

	id, err := m.appendEntry(entryWriter{key: keyWriter, value: valueWriter})
	if err != nil {
		return err
	}

	switch {
	case prior == intmultimap.NoValue:
		_, err = m.index.Put(hash, id)
	case !value.Present:
		_, err = m.index.Remove(hash, prior)
		metrics.RemovesTotal.Inc()
	default:
		_, err = m.index.Replace(hash, prior, id)
	}
	if err != nil {
		return fmt.Errorf("update index for record %d: %w", id, err)
	}
	metrics.PutsTotal.Inc()
	return nil
}

func (m *DurableMap[K, V]) valueEquals(value V, valueWriter codec.Writer, stored []byte) (bool, error) {
	if eq, ok := m.valueExt.(codec.Equaler[V]); ok {
		current, err := m.valueExt.Read(stored)
		if err != nil {
			return false, fmt.Errorf("decode value: %w", err)
		}
		return eq.IsEqual(current, value), nil
	}
	return sameBytes(valueWriter, stored)
}

func (m *DurableMap[K, V]) appendEntry(w entryWriter) (int32, error) {
	id, err := m.appendLog.Append(w.write, w.recordSize())
	if err != nil {
		return intmultimap.NoValue, fmt.Errorf("append entry: %w", err)
	}
	return toRecordID(id), nil
}

// readEntry decodes the live entry at id; ok is false for tombstones.
func (m *DurableMap[K, V]) readEntry(id int32) (key K, value V, ok bool, err error) {
	err = m.appendLog.Read(int64(id), func(buf []byte) error {
		e, err := splitEntry(buf)
		if err != nil {
			return err
		}
		if e.tombstone {
			return nil
		}
		if key, err = m.keyDesc.Read(e.key); err != nil {
			return fmt.Errorf("decode key: %w", err)
		}
		if value, err = m.valueExt.Read(e.value); err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
		ok = true
		return nil
	})
	if err != nil {
		err = fmt.Errorf("read record %d: %w", id, err)
	}
	return key, value, ok, err
}

// ProcessKeys calls visitor once per live key, in no particular order, until
// it returns false. It returns false if the visitor stopped the iteration.
func (m *DurableMap[K, V]) ProcessKeys(visitor func(key K) (bool, error)) (bool, error) {
	seen := map[string]struct{}{}
	return m.index.ForEach(func(_, id int32) (bool, error) {
		var key K
		var fresh bool
		err := m.appendLog.Read(int64(id), func(buf []byte) error {
			e, err := splitEntry(buf)
			if err != nil || e.tombstone {
				return err
			}
			if _, dup := seen[string(e.key)]; dup {
				return nil
			}
			seen[string(e.key)] = struct{}{}
			if key, err = m.keyDesc.Read(e.key); err != nil {
				return fmt.Errorf("decode key: %w", err)
			}
			fresh = true
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("read record %d: %w", id, err)
		}
		if !fresh {
			return true, nil
		}
		return visitor(key)
	})
}

// ForEachEntry calls visitor for every live entry until it returns false.
// It returns false if the visitor stopped the iteration.
func (m *DurableMap[K, V]) ForEachEntry(visitor func(key K, value V) (bool, error)) (bool, error) {
	return m.index.ForEach(func(_, id int32) (bool, error) {
		key, value, ok, err := m.readEntry(id)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		return visitor(key, value)
	})
}

// Size returns the number of live keys.
func (m *DurableMap[K, V]) Size() int {
	return m.index.Size()
}

func (m *DurableMap[K, V]) IsEmpty() bool {
	return m.index.IsEmpty()
}

// RecordsCount returns the number of records in the log, live or not.
func (m *DurableMap[K, V]) RecordsCount() int {
	return m.appendLog.RecordsCount()
}

// CompactionScore estimates the wasted fraction of the log, in [0, 1].
func (m *DurableMap[K, V]) CompactionScore() float64 {
	total := m.appendLog.RecordsCount()
	var score float64
	switch {
	case total == 0:
		score = 0
	case total < m.opts.minRecordsForScore:
		score = m.opts.minCompactionScore
	default:
		score = 1 - float64(m.index.Size())/float64(total)
		score = math.Max(0, math.Min(1, score))
	}
	metrics.CompactionScore.Set(score)
	return score
}

// Flush flushes the log, then the index.
func (m *DurableMap[K, V]) Flush() error {
	return multierr.Append(
		wrapf(m.appendLog.Flush(), "flush log"),
		wrapf(m.index.Flush(), "flush index"),
	)
}

// Close closes both the log and the index, even if the first one fails.
func (m *DurableMap[K, V]) Close() error {
	return multierr.Append(
		wrapf(m.appendLog.Close(), "close log"),
		wrapf(m.index.Close(), "close index"),
	)
}

// CloseAndClean closes the map and removes its files.
func (m *DurableMap[K, V]) CloseAndClean() error {
	return multierr.Append(
		wrapf(m.appendLog.CloseAndClean(), "clean log"),
		wrapf(m.index.CloseAndClean(), "clean index"),
	)
}

// IsClosed is not tracked by the map; it always fails with ErrUnsupported.
func (m *DurableMap[K, V]) IsClosed() (bool, error) {
	return false, ErrUnsupported
}

func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
