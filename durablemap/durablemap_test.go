package durablemap_test

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/alpacahq/durablemap/appendlog"
	"github.com/alpacahq/durablemap/codec"
	"github.com/alpacahq/durablemap/durablemap"
	"github.com/alpacahq/durablemap/intmultimap"
	"github.com/alpacahq/durablemap/utils"
)

func newStringFactory(opts ...durablemap.FactoryOption) *durablemap.Factory[string, string] {
	return durablemap.NewFactory[string, string](
		codec.StringKeyDescriptor{},
		codec.StringExternalizer{},
		appendlog.NewFactory(appendlog.Options{}),
		intmultimap.NewFactory(),
		opts...,
	)
}

func openStringMap(t *testing.T, path string, opts ...durablemap.FactoryOption) *durablemap.DurableMap[string, string] {
	t.Helper()
	m, err := newStringFactory(opts...).Open(path)
	require.Nil(t, err)
	return m
}

func requireValue(t *testing.T, m *durablemap.DurableMap[string, string], key, expected string) {
	t.Helper()
	v, ok, err := m.Get(key)
	require.Nil(t, err)
	require.True(t, ok, "no value for %q", key)
	assert.Equal(t, expected, v)
}

func requireAbsent(t *testing.T, m *durablemap.DurableMap[string, string], key string) {
	t.Helper()
	_, ok, err := m.Get(key)
	require.Nil(t, err)
	assert.False(t, ok, "unexpected value for %q", key)
	contains, err := m.ContainsMapping(key)
	require.Nil(t, err)
	assert.False(t, contains)
}

func TestDurableMap_PutGet(t *testing.T) {
	t.Parallel()
	m := openStringMap(t, filepath.Join(t.TempDir(), "kv"))
	defer m.Close()

	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Put("b", ""))

	requireValue(t, m, "a", "1")
	requireValue(t, m, "b", "")
	requireAbsent(t, m, "c")

	contains, err := m.ContainsMapping("b")
	require.Nil(t, err)
	assert.True(t, contains)
	assert.Equal(t, 2, m.Size())
	assert.False(t, m.IsEmpty())
}

func TestDurableMap_RemoveAppendsTombstone(t *testing.T) {
	t.Parallel()
	m := openStringMap(t, filepath.Join(t.TempDir(), "kv"))
	defer m.Close()

	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Remove("a"))

	requireAbsent(t, m, "a")
	assert.Equal(t, 2, m.RecordsCount())
	assert.Equal(t, 0, m.Size())
	assert.True(t, m.IsEmpty())

	// removing again has nothing to delete
	require.Nil(t, m.Remove("a"))
	assert.Equal(t, 2, m.RecordsCount())
}

func TestDurableMap_RemoveAbsentKeyAppendsNothing(t *testing.T) {
	t.Parallel()
	m := openStringMap(t, filepath.Join(t.TempDir(), "kv"))
	defer m.Close()

	require.Nil(t, m.PutOptional("missing", codec.None[string]()))
	assert.Equal(t, 0, m.RecordsCount())
}

func TestDurableMap_PutSameValueAppendsNothing(t *testing.T) {
	t.Parallel()
	m := openStringMap(t, filepath.Join(t.TempDir(), "kv"))
	defer m.Close()

	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Put("a", "1"))
	assert.Equal(t, 1, m.RecordsCount())

	require.Nil(t, m.Put("a", "2"))
	assert.Equal(t, 2, m.RecordsCount())
	requireValue(t, m, "a", "2")
}

func TestDurableMap_OverwriteAndRemoveScenario(t *testing.T) {
	t.Parallel()
	m := openStringMap(t, filepath.Join(t.TempDir(), "kv"))
	defer m.Close()

	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Put("b", "2"))
	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Put("a", "3"))
	require.Nil(t, m.Remove("b"))

	requireValue(t, m, "a", "3")
	requireAbsent(t, m, "b")
	assert.Equal(t, 1, m.Size())
	assert.Equal(t, 4, m.RecordsCount())
}

func TestDurableMap_OverwriteScenario(t *testing.T) {
	t.Parallel()
	m := openStringMap(t, filepath.Join(t.TempDir(), "kv"))
	defer m.Close()

	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Put("b", "2"))
	require.Nil(t, m.Put("a", "3"))

	requireValue(t, m, "a", "3")
	requireValue(t, m, "b", "2")
	assert.Equal(t, 2, m.Size())
	assert.Equal(t, 3, m.RecordsCount())
}

func TestDurableMap_SameValueLeavesOneEntry(t *testing.T) {
	t.Parallel()
	m := openStringMap(t, filepath.Join(t.TempDir(), "kv"))
	defer m.Close()

	require.Nil(t, m.Put("k", "v"))
	before := m.RecordsCount()
	require.Nil(t, m.Put("k", "v"))
	assert.Equal(t, before, m.RecordsCount())

	entries := 0
	_, err := m.ForEachEntry(func(key, value string) (bool, error) {
		if key == "k" {
			entries++
			assert.Equal(t, "v", value)
		}
		return true, nil
	})
	require.Nil(t, err)
	assert.Equal(t, 1, entries)
}

func TestDurableMap_CompactKeepsLastRecordOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := newStringFactory()

	m, err := f.Open(filepath.Join(dir, "kv"))
	require.Nil(t, err)
	defer m.Close()
	const n = 50
	for i := 0; i < n; i++ {
		require.Nil(t, m.Put("k", fmt.Sprint(i)))
	}
	require.Equal(t, n, m.RecordsCount())

	compacted, err := f.Compact(m, filepath.Join(dir, "kv.compacted"))
	require.Nil(t, err)
	defer compacted.Close()
	assert.Equal(t, 1, compacted.RecordsCount())
	requireValue(t, compacted, "k", fmt.Sprint(n-1))
}

// collidingKeys hashes every key to the same bucket.
type collidingKeys struct {
	codec.StringKeyDescriptor
}

func (collidingKeys) HashCode(string) int32 { return 0 }

func TestDurableMap_CollidingHashes(t *testing.T) {
	t.Parallel()
	f := durablemap.NewFactory[string, string](
		collidingKeys{}, codec.StringExternalizer{},
		appendlog.NewFactory(appendlog.Options{}), intmultimap.NewFactory(),
	)
	m, err := f.Open(filepath.Join(t.TempDir(), "kv"))
	require.Nil(t, err)
	defer m.Close()

	for i := 0; i < 20; i++ {
		require.Nil(t, m.Put(fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i)))
	}
	require.Nil(t, m.Put("key-3", "updated"))
	require.Nil(t, m.Remove("key-7"))

	assert.Equal(t, 19, m.Size())
	requireValue(t, m, "key-3", "updated")
	requireValue(t, m, "key-12", "value-12")
	requireAbsent(t, m, "key-7")
	requireAbsent(t, m, "key-20")
}

func TestDurableMap_ProcessKeysAndForEachEntry(t *testing.T) {
	t.Parallel()
	m := openStringMap(t, filepath.Join(t.TempDir(), "kv"))
	defer m.Close()

	expected := map[string]string{}
	for i := 0; i < 10; i++ {
		k, v := fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)
		expected[k] = v
		require.Nil(t, m.Put(k, v))
	}
	require.Nil(t, m.Put("k0", "v0-bis"))
	expected["k0"] = "v0-bis"
	require.Nil(t, m.Remove("k9"))
	delete(expected, "k9")

	keys := map[string]int{}
	completed, err := m.ProcessKeys(func(key string) (bool, error) {
		keys[key]++
		return true, nil
	})
	require.Nil(t, err)
	assert.True(t, completed)
	assert.Len(t, keys, len(expected))
	for k, n := range keys {
		assert.Equal(t, 1, n, k)
	}

	entries := map[string]string{}
	completed, err = m.ForEachEntry(func(key, value string) (bool, error) {
		entries[key] = value
		return true, nil
	})
	require.Nil(t, err)
	assert.True(t, completed)
	assert.Equal(t, expected, entries)

	visited := 0
	completed, err = m.ForEachEntry(func(string, string) (bool, error) {
		visited++
		return visited < 3, nil
	})
	require.Nil(t, err)
	assert.False(t, completed)
	assert.Equal(t, 3, visited)

	boom := errors.New("boom")
	_, err = m.ProcessKeys(func(string) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}

func TestDurableMap_CompactionScore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	m := openStringMap(t, filepath.Join(dir, "small"))
	defer m.Close()
	assert.Equal(t, 0.0, m.CompactionScore())
	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Put("a", "2"))
	assert.Equal(t, durablemap.DefaultMinCompactionScore, m.CompactionScore())

	exact := openStringMap(t, filepath.Join(dir, "exact"),
		durablemap.WithMapOptions(durablemap.WithCompactionScoreFloor(1, 0.01)))
	defer exact.Close()
	for i := 0; i < 4; i++ {
		require.Nil(t, exact.Put("a", fmt.Sprint(i)))
	}
	assert.InDelta(t, 0.75, exact.CompactionScore(), 1e-9)
}

func TestDurableMap_Compact(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := newStringFactory(durablemap.WithMapOptions(durablemap.WithCompactionScoreFloor(1, 0.01)))

	m, err := f.Open(filepath.Join(dir, "kv"))
	require.Nil(t, err)
	defer m.Close()
	for round := 0; round < 5; round++ {
		for i := 0; i < 20; i++ {
			require.Nil(t, m.Put(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d-%d", i, round)))
		}
	}
	for i := 0; i < 5; i++ {
		require.Nil(t, m.Remove(fmt.Sprintf("k%d", i)))
	}
	require.Equal(t, 105, m.RecordsCount())
	scoreBefore := m.CompactionScore()

	compacted, err := f.Compact(m, filepath.Join(dir, "kv.compacted"))
	require.Nil(t, err)
	defer compacted.Close()

	assert.Equal(t, 15, compacted.Size())
	assert.Equal(t, 15, compacted.RecordsCount())
	assert.Less(t, compacted.CompactionScore(), scoreBefore)
	assert.Equal(t, 0.0, compacted.CompactionScore())

	_, err = m.ForEachEntry(func(key, value string) (bool, error) {
		requireValue(t, compacted, key, value)
		return true, nil
	})
	require.Nil(t, err)
	for i := 0; i < 5; i++ {
		requireAbsent(t, compacted, fmt.Sprintf("k%d", i))
	}

	// the source is untouched and still usable
	assert.Equal(t, 105, m.RecordsCount())
	require.Nil(t, m.Put("after", "compaction"))
}

func TestDurableMap_CompactIntoCompactedMapKeepsIt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := newStringFactory()

	m, err := f.Open(filepath.Join(dir, "kv"))
	require.Nil(t, err)
	defer m.Close()
	require.Nil(t, m.Put("a", "1"))

	target, err := f.Open(filepath.Join(dir, "target"))
	require.Nil(t, err)
	require.Nil(t, target.Put("x", "y"))
	require.Nil(t, target.Close())

	_, err = f.Compact(m, filepath.Join(dir, "target"))
	require.NotNil(t, err)

	_, err = os.Stat(filepath.Join(dir, "target"))
	assert.Nil(t, err)
}

func TestDurableMap_CompactFailureCleansTarget(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := newStringFactory()

	m, err := f.Open(filepath.Join(dir, "kv"))
	require.Nil(t, err)
	defer m.Close()
	require.Nil(t, m.Put("a", "1"))

	var target *durablemap.DurableMap[string, string]
	_, err = m.Compact(func() (*durablemap.DurableMap[string, string], error) {
		var err error
		target, err = f.Open(filepath.Join(dir, "target"))
		if err != nil {
			return nil, err
		}
		// any later write fails
		require.Nil(t, target.Close())
		return target, nil
	})
	require.NotNil(t, err)

	_, err = os.Stat(filepath.Join(dir, "target"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.IndexPath(filepath.Join(dir, "target")))
	assert.True(t, os.IsNotExist(err))
}

func TestDurableMap_Reopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv")

	m := openStringMap(t, path)
	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Put("b", "2"))
	require.Nil(t, m.Remove("b"))
	require.Nil(t, m.Close())

	m = openStringMap(t, path)
	defer m.Close()
	requireValue(t, m, "a", "1")
	requireAbsent(t, m, "b")
	assert.Equal(t, 3, m.RecordsCount())
}

// crash leaves a map whose log is flushed but whose index was never closed.
func crash(t *testing.T, path string, fill func(m *durablemap.DurableMap[string, string])) {
	t.Helper()
	l, err := appendlog.Open(path, appendlog.Options{})
	require.Nil(t, err)
	idx, err := intmultimap.Open(path + durablemap.DefaultIndexSuffix)
	require.Nil(t, err)

	m := durablemap.New[string, string](l, idx, codec.StringKeyDescriptor{}, codec.StringExternalizer{})
	fill(m)
	require.Nil(t, l.Flush())
}

func TestFactory_RebuildsIndexAfterCrash(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv")
	crash(t, path, func(m *durablemap.DurableMap[string, string]) {
		require.Nil(t, m.Put("a", "1"))
		require.Nil(t, m.Put("b", "2"))
		require.Nil(t, m.Put("a", "3"))
		require.Nil(t, m.Remove("b"))
		require.Nil(t, m.Put("c", "4"))
	})

	m := openStringMap(t, path)
	defer m.Close()
	requireValue(t, m, "a", "3")
	requireAbsent(t, m, "b")
	requireValue(t, m, "c", "4")
	assert.Equal(t, 2, m.Size())
	assert.Equal(t, 5, m.RecordsCount())
}

func TestFactory_DropPolicyEmptiesIndex(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv")
	crash(t, path, func(m *durablemap.DurableMap[string, string]) {
		require.Nil(t, m.Put("a", "1"))
	})

	m := openStringMap(t, path, durablemap.WithRecoveryPolicy(utils.RecoveryDropAndCreateEmpty))
	defer m.Close()
	assert.True(t, m.IsEmpty())
	requireAbsent(t, m, "a")
	assert.Equal(t, 1, m.RecordsCount())
}

func TestFactory_RebuildsCorruptedIndex(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv")
	f := newStringFactory()

	m, err := f.Open(path)
	require.Nil(t, err)
	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Close())
	require.Nil(t, os.WriteFile(f.IndexPath(path), []byte("definitely not an index"), 0o600))

	m, err = f.Open(path)
	require.Nil(t, err)
	defer m.Close()
	requireValue(t, m, "a", "1")
}

func TestFactory_RebuildsMissingIndex(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv")
	f := newStringFactory()

	m, err := f.Open(path)
	require.Nil(t, err)
	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Close())
	require.Nil(t, os.Remove(f.IndexPath(path)))

	m, err = f.Open(path)
	require.Nil(t, err)
	defer m.Close()
	requireValue(t, m, "a", "1")
}

func TestFactory_CustomIndexSuffix(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv")
	m := openStringMap(t, path, durablemap.WithIndexSuffix(".idx"))
	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Close())

	_, err := os.Stat(path + ".idx")
	assert.Nil(t, err)
}

// recordingIndex wraps a HashMap, remembering the hashes it was asked about
// and counting Clear calls.
type recordingIndex struct {
	intmultimap.DurableIntToMultiIntMap
	mu     sync.Mutex
	hashes map[int32]bool
	clears int
}

func (i *recordingIndex) see(hash int32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.hashes[hash] = true
}

func (i *recordingIndex) Put(key, value int32) (bool, error) {
	i.see(key)
	return i.DurableIntToMultiIntMap.Put(key, value)
}

func (i *recordingIndex) Lookup(key int32, acceptor intmultimap.ValueAcceptor) (int32, error) {
	i.see(key)
	return i.DurableIntToMultiIntMap.Lookup(key, acceptor)
}

func (i *recordingIndex) Clear() error {
	i.mu.Lock()
	i.clears++
	i.mu.Unlock()
	return i.DurableIntToMultiIntMap.Clear()
}

func recordingFactory(idx *recordingIndex, keyDesc codec.KeyDescriptor[string], opts ...durablemap.FactoryOption) *durablemap.Factory[string, string] {
	return durablemap.NewFactory[string, string](
		keyDesc, codec.StringExternalizer{},
		appendlog.NewFactory(appendlog.Options{}),
		intmultimap.FactoryFunc(func(path string) (intmultimap.DurableIntToMultiIntMap, error) {
			hm, err := intmultimap.Open(path)
			if err != nil {
				return nil, err
			}
			idx.DurableIntToMultiIntMap = hm
			idx.hashes = map[int32]bool{}
			idx.clears = 0
			return idx, nil
		}),
		opts...,
	)
}

func TestDurableMap_ZeroHashIsRemapped(t *testing.T) {
	t.Parallel()
	idx := &recordingIndex{}
	m, err := recordingFactory(idx, collidingKeys{}).Open(filepath.Join(t.TempDir(), "kv"))
	require.Nil(t, err)
	defer m.Close()

	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Put("b", "2"))
	requireValue(t, m, "a", "1")

	assert.Equal(t, map[int32]bool{-1: true}, idx.hashes)
}

func TestFactory_ReopenEmptiedMapSkipsRecovery(t *testing.T) {
	t.Parallel()
	tests := map[string]utils.RecoveryPolicy{
		"rebuild": utils.RecoveryRebuild,
		"drop":    utils.RecoveryDropAndCreateEmpty,
	}
	for name, policy := range tests {
		policy := policy
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "kv")
			idx := &recordingIndex{}
			f := recordingFactory(idx, codec.StringKeyDescriptor{}, durablemap.WithRecoveryPolicy(policy))

			m, err := f.Open(path)
			require.Nil(t, err)
			require.Nil(t, m.Put("a", "1"))
			require.Nil(t, m.Remove("a"))
			require.Nil(t, m.Close())

			for i := 0; i < 3; i++ {
				m, err = f.Open(path)
				require.Nil(t, err)
				assert.Equal(t, 0, idx.clears)
				assert.True(t, m.IsEmpty())
				assert.Equal(t, 2, m.RecordsCount())
				require.Nil(t, m.Close())
			}
		})
	}
}

func TestFactory_DropPolicyKeepsSoundIndexOverUncleanLog(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv")
	l, err := appendlog.Open(path, appendlog.Options{})
	require.Nil(t, err)
	hm, err := intmultimap.Open(path + durablemap.DefaultIndexSuffix)
	require.Nil(t, err)
	m := durablemap.New[string, string](l, hm, codec.StringKeyDescriptor{}, codec.StringExternalizer{})
	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Put("b", "2"))
	// the index is closed, the log is only flushed
	require.Nil(t, hm.Close())
	require.Nil(t, l.Flush())

	m = openStringMap(t, path, durablemap.WithRecoveryPolicy(utils.RecoveryDropAndCreateEmpty))
	defer m.Close()
	requireValue(t, m, "a", "1")
	requireValue(t, m, "b", "2")
	assert.Equal(t, 2, m.Size())
}

// spyLog records Close calls and can fail them.
type spyLog struct {
	appendlog.AppendOnlyLog
	closed   bool
	closeErr error
	nextID   int64
}

func (l *spyLog) Close() error {
	l.closed = true
	return l.closeErr
}

func (l *spyLog) Append(writer appendlog.RecordWriter, payloadSize int) (int64, error) {
	if err := writer(make([]byte, payloadSize)); err != nil {
		return 0, err
	}
	return l.nextID, nil
}

func (l *spyLog) WasClosedProperly() bool { return true }
func (l *spyLog) IsEmpty() bool           { return true }
func (l *spyLog) RecordsCount() int       { return 0 }

// spyIndex records Close calls and can fail them.
type spyIndex struct {
	intmultimap.DurableIntToMultiIntMap
	closed   bool
	closeErr error
}

func (i *spyIndex) Close() error {
	i.closed = true
	return i.closeErr
}

func TestFactory_OpenClosesLogWhenIndexFails(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv")
	// a directory where the index file should be
	require.Nil(t, os.Mkdir(path+durablemap.DefaultIndexSuffix, 0o700))

	l := &spyLog{}
	f := durablemap.NewFactory[string, string](
		codec.StringKeyDescriptor{}, codec.StringExternalizer{},
		appendlog.FactoryFunc(func(string) (appendlog.AppendOnlyLog, error) { return l, nil }),
		intmultimap.NewFactory(),
	)
	_, err := f.Open(path)
	require.NotNil(t, err)
	assert.True(t, l.closed)
}

func TestFactory_OpenFailsWhenLogFails(t *testing.T) {
	t.Parallel()
	indexOpened := false
	f := durablemap.NewFactory[string, string](
		codec.StringKeyDescriptor{}, codec.StringExternalizer{},
		appendlog.FactoryFunc(func(string) (appendlog.AppendOnlyLog, error) { return nil, errors.New("no log") }),
		intmultimap.FactoryFunc(func(string) (intmultimap.DurableIntToMultiIntMap, error) {
			indexOpened = true
			return nil, nil
		}),
	)
	_, err := f.Open("unused")
	require.NotNil(t, err)
	assert.False(t, indexOpened)
}

func TestDurableMap_CloseAttemptsBoth(t *testing.T) {
	t.Parallel()
	l := &spyLog{closeErr: errors.New("log exploded")}
	idx := &spyIndex{closeErr: errors.New("index exploded")}
	m := durablemap.New[string, string](l, idx, codec.StringKeyDescriptor{}, codec.StringExternalizer{})

	err := m.Close()
	require.NotNil(t, err)
	assert.True(t, l.closed)
	assert.True(t, idx.closed)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "log exploded")
	assert.Contains(t, err.Error(), "index exploded")
}

func TestDurableMap_CloseReportsSingleFailure(t *testing.T) {
	t.Parallel()
	l := &spyLog{}
	idx := &spyIndex{closeErr: errors.New("index exploded")}
	m := durablemap.New[string, string](l, idx, codec.StringKeyDescriptor{}, codec.StringExternalizer{})

	err := m.Close()
	require.NotNil(t, err)
	assert.True(t, l.closed)
	assert.Len(t, multierr.Errors(err), 1)
}

func TestDurableMap_RecordIDOverflowPanics(t *testing.T) {
	t.Parallel()
	idx, err := intmultimap.Open(filepath.Join(t.TempDir(), "kv.map"))
	require.Nil(t, err)
	defer idx.Close()

	l := &spyLog{nextID: math.MaxInt32 + 1}
	m := durablemap.New[string, string](l, idx, codec.StringKeyDescriptor{}, codec.StringExternalizer{})
	assert.PanicsWithValue(t, durablemap.RecordIDOverflow(math.MaxInt32+1), func() {
		_ = m.Put("a", "1")
	})
}

func TestDurableMap_IsClosedUnsupported(t *testing.T) {
	t.Parallel()
	m := openStringMap(t, filepath.Join(t.TempDir(), "kv"))
	defer m.Close()

	_, err := m.IsClosed()
	assert.ErrorIs(t, err, durablemap.ErrUnsupported)
	assert.ErrorIs(t, err, errors.ErrUnsupported)
}

func TestDurableMap_NilKeyRejected(t *testing.T) {
	t.Parallel()
	f := durablemap.NewFactory[[]byte, []byte](
		codec.BytesKeyDescriptor{}, codec.BytesExternalizer{},
		appendlog.NewFactory(appendlog.Options{}), intmultimap.NewFactory(),
	)
	m, err := f.Open(filepath.Join(t.TempDir(), "kv"))
	require.Nil(t, err)
	defer m.Close()

	assert.ErrorIs(t, m.Put(nil, []byte("v")), codec.ErrNilKey)
	assert.ErrorIs(t, m.Remove(nil), codec.ErrNilKey)
	assert.Equal(t, 0, m.RecordsCount())

	require.Nil(t, m.Put([]byte{}, []byte("empty key")))
	v, ok, err := m.Get([]byte{})
	require.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("empty key"), v)

	// nil must not alias the empty key on reads
	v, ok, err = m.Get(nil)
	assert.ErrorIs(t, err, codec.ErrNilKey)
	assert.False(t, ok)
	assert.Nil(t, v)
	contains, err := m.ContainsMapping(nil)
	assert.ErrorIs(t, err, codec.ErrNilKey)
	assert.False(t, contains)
}

type quote struct {
	Symbol string
	Bid    float64
	Ask    float64
}

func TestDurableMap_MsgpackValues(t *testing.T) {
	t.Parallel()
	f := durablemap.NewFactory[int32, quote](
		codec.Int32KeyDescriptor{}, codec.MsgpackExternalizer[quote]{},
		appendlog.NewFactory(appendlog.Options{}), intmultimap.NewFactory(),
	)
	m, err := f.Open(filepath.Join(t.TempDir(), "quotes"))
	require.Nil(t, err)
	defer m.Close()

	q := quote{Symbol: "AAPL", Bid: 189.5, Ask: 189.6}
	require.Nil(t, m.Put(0, q))
	require.Nil(t, m.Put(0, q))
	assert.Equal(t, 1, m.RecordsCount())

	got, ok, err := m.Get(0)
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, q, got)
}

func TestDurableMap_ConcurrentPutsOnOneKey(t *testing.T) {
	t.Parallel()
	m := openStringMap(t, filepath.Join(t.TempDir(), "kv"))
	defer m.Close()

	const writers, puts = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < puts; i++ {
				assert.Nil(t, m.Put("shared", fmt.Sprintf("%d-%d", w, i)))
				_, _, err := m.Get("shared")
				assert.Nil(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1, m.Size())
	assert.Equal(t, writers*puts, m.RecordsCount())
	entries := 0
	_, err := m.ForEachEntry(func(string, string) (bool, error) {
		entries++
		return true, nil
	})
	require.Nil(t, err)
	assert.Equal(t, 1, entries)
}

func TestFactory_RenameReplacesMap(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f := newStringFactory()
	from, to := filepath.Join(dir, "next"), filepath.Join(dir, "current")

	old, err := f.Open(to)
	require.Nil(t, err)
	require.Nil(t, old.Put("a", "old"))
	require.Nil(t, old.Put("b", "old"))
	require.Nil(t, old.Close())

	next, err := f.Open(from)
	require.Nil(t, err)
	require.Nil(t, next.Put("a", "new"))
	require.Nil(t, next.Close())

	require.Nil(t, f.Rename(from, to))

	m, err := f.Open(to)
	require.Nil(t, err)
	defer m.Close()
	requireValue(t, m, "a", "new")
	requireAbsent(t, m, "b")

	_, err = os.Stat(from)
	assert.True(t, os.IsNotExist(err))
}

func TestFactory_Remove(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kv")
	f := newStringFactory()

	m, err := f.Open(path)
	require.Nil(t, err)
	require.Nil(t, m.Put("a", "1"))
	require.Nil(t, m.Close())

	require.Nil(t, f.Remove(path))
	require.Nil(t, f.Remove(path))
	_, err = os.Stat(f.IndexPath(path))
	assert.True(t, os.IsNotExist(err))
}
