package intmultimap

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"

	"github.com/alpacahq/durablemap/utils/log"
)

// Snapshot file layout, big-endian:
//
//	magic        uint32 "IMMP"
//	version      int32
//	status       uint8  statusOpened|statusClosed, 3 bytes padding
//	entries      uint32
//	checksum     uint32 crc32 (IEEE) of the compressed payload
//	payloadSize  uint32
//	reserved up to headerSize
//	payload      snappy([key int32, value int32]*)
const (
	headerSize = 32

	magicWord             = 0x494d4d50 // "IMMP"
	implementationVersion = 1

	magicOffset       = 0
	versionOffset     = 4
	statusOffset      = 8
	entriesOffset     = 12
	checksumOffset    = 16
	payloadSizeOffset = 20

	statusClosed byte = 0
	statusOpened byte = 1

	pairSize = 8
)

// HashMap keeps the multimap in memory and persists it as a compressed
// snapshot on Flush and Close. The on-disk status byte is flipped to
// "opened" by the first mutation after a snapshot, so a crash between
// snapshots is visible as !WasProperlyClosed() on the next open.
type HashMap struct {
	mu        sync.RWMutex
	writeLock sync.Mutex

	path    string
	buckets map[int32][]int32
	size    int

	dirty             bool
	wasProperlyClosed bool
	closed            bool
}

var _ DurableIntToMultiIntMap = (*HashMap)(nil)

// NewFactory returns a Factory opening HashMaps.
func NewFactory() Factory {
	return FactoryFunc(func(path string) (DurableIntToMultiIntMap, error) {
		return Open(path)
	})
}

// Open loads the map stored at path, or creates an empty one. It returns an
// error wrapping ErrCorrupted if the file exists but can not be decoded.
func Open(path string) (*HashMap, error) {
	m := &HashMap{
		path:              path,
		buckets:           map[int32][]int32{},
		wasProperlyClosed: true,
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read index file %s", path)
	}
	if len(data) > 0 {
		if err = m.load(data); err != nil {
			return nil, err
		}
	}
	if !m.wasProperlyClosed {
		log.Warn("index %s was not closed properly", path)
	}

	// a fresh or loaded map is marked opened until the next snapshot
	if err = m.writeSnapshot(statusOpened); err != nil {
		return nil, err
	}
	m.dirty = true
	return m, nil
}

func (m *HashMap) load(data []byte) error {
	if len(data) < headerSize {
		return errors.Wrapf(ErrCorrupted, "%s: %d bytes is shorter than the header", m.path, len(data))
	}
	if magic := binary.BigEndian.Uint32(data[magicOffset:]); magic != magicWord {
		return errors.Wrapf(ErrCorrupted, "%s: bad magic word %#x", m.path, magic)
	}
	if v := int32(binary.BigEndian.Uint32(data[versionOffset:])); v != implementationVersion {
		return errors.Wrapf(ErrCorrupted, "%s: unsupported version %d", m.path, v)
	}
	entries := int(binary.BigEndian.Uint32(data[entriesOffset:]))
	checksum := binary.BigEndian.Uint32(data[checksumOffset:])
	payloadSize := int(binary.BigEndian.Uint32(data[payloadSizeOffset:]))
	if headerSize+payloadSize != len(data) {
		return errors.Wrapf(ErrCorrupted, "%s: payload size %d does not match file size %d", m.path, payloadSize, len(data))
	}
	payload := data[headerSize:]
	if crc32.ChecksumIEEE(payload) != checksum {
		return errors.Wrapf(ErrCorrupted, "%s: checksum mismatch", m.path)
	}
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return errors.Wrapf(ErrCorrupted, "%s: %v", m.path, err)
	}
	if len(raw) != entries*pairSize {
		return errors.Wrapf(ErrCorrupted, "%s: %d entries declared, %d bytes stored", m.path, entries, len(raw))
	}
	for i := 0; i < len(raw); i += pairSize {
		key := int32(binary.BigEndian.Uint32(raw[i:]))
		value := int32(binary.BigEndian.Uint32(raw[i+4:]))
		if key == NoValue || value == NoValue {
			return errors.Wrapf(ErrCorrupted, "%s: reserved pair (%d, %d) stored", m.path, key, value)
		}
		m.buckets[key] = append(m.buckets[key], value)
	}
	m.size = entries
	m.wasProperlyClosed = data[statusOffset] == statusClosed
	return nil
}

func (m *HashMap) encode(status byte) []byte {
	raw := make([]byte, 0, m.size*pairSize)
	var pair [pairSize]byte
	for key, values := range m.buckets {
		for _, value := range values {
			binary.BigEndian.PutUint32(pair[:], uint32(key))
			binary.BigEndian.PutUint32(pair[4:], uint32(value))
			raw = append(raw, pair[:]...)
		}
	}
	payload := snappy.Encode(nil, raw)

	data := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(data[magicOffset:], magicWord)
	binary.BigEndian.PutUint32(data[versionOffset:], implementationVersion)
	data[statusOffset] = status
	binary.BigEndian.PutUint32(data[entriesOffset:], uint32(m.size))
	binary.BigEndian.PutUint32(data[checksumOffset:], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint32(data[payloadSizeOffset:], uint32(len(payload)))
	copy(data[headerSize:], payload)
	return data
}

// writeSnapshot replaces the file atomically. Must be called with mu held
// (or before the map is shared).
func (m *HashMap) writeSnapshot(status byte) error {
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, m.encode(status), 0o600); err != nil {
		return errors.Wrapf(err, "write index snapshot %s", tmp)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return errors.Wrapf(err, "install index snapshot %s", m.path)
	}
	m.dirty = false
	return nil
}

// markDirty flips the on-disk status to opened before the first change
// that follows a snapshot. Must be called with mu held.
func (m *HashMap) markDirty() error {
	if m.closed {
		return ErrClosed
	}
	if m.dirty {
		return nil
	}
	fp, err := os.OpenFile(m.path, os.O_RDWR, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open index %s", m.path)
	}
	_, err = fp.WriteAt([]byte{statusOpened}, statusOffset)
	if cerr := fp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "mark index %s opened", m.path)
	}
	m.dirty = true
	return nil
}

func indexOf(values []int32, value int32) int {
	for i, v := range values {
		if v == value {
			return i
		}
	}
	return -1
}

func checkKey(key int32) error {
	if key == NoValue {
		return errors.Wrap(ErrReservedValue, "key")
	}
	return nil
}

func (m *HashMap) Put(key, value int32) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if value == NoValue {
		return false, errors.Wrap(ErrReservedValue, "value")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if indexOf(m.buckets[key], value) >= 0 {
		return false, nil
	}
	if err := m.markDirty(); err != nil {
		return false, err
	}
	m.buckets[key] = append(m.buckets[key], value)
	m.size++
	return true, nil
}

func (m *HashMap) Has(key, value int32) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	return indexOf(m.buckets[key], value) >= 0, nil
}

func (m *HashMap) Lookup(key int32, acceptor ValueAcceptor) (int32, error) {
	if err := checkKey(key); err != nil {
		return NoValue, err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return NoValue, ErrClosed
	}
	candidates := append([]int32(nil), m.buckets[key]...)
	m.mu.RUnlock()

	for _, value := range candidates {
		ok, err := acceptor(value)
		if err != nil {
			return NoValue, err
		}
		if ok {
			return value, nil
		}
	}
	return NoValue, nil
}

func (m *HashMap) Remove(key, value int32) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	values := m.buckets[key]
	i := indexOf(values, value)
	if i < 0 {
		return false, nil
	}
	if err := m.markDirty(); err != nil {
		return false, err
	}
	values = append(values[:i], values[i+1:]...)
	if len(values) == 0 {
		delete(m.buckets, key)
	} else {
		m.buckets[key] = values
	}
	m.size--
	return true, nil
}

func (m *HashMap) Replace(key, oldValue, newValue int32) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if newValue == NoValue {
		return false, errors.Wrap(ErrReservedValue, "value")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	values := m.buckets[key]
	i := indexOf(values, oldValue)
	if i < 0 {
		return false, nil
	}
	if err := m.markDirty(); err != nil {
		return false, err
	}
	if indexOf(values, newValue) >= 0 {
		// newValue is already there: replacing degenerates into a removal
		m.buckets[key] = append(values[:i], values[i+1:]...)
		m.size--
		return true, nil
	}
	values[i] = newValue
	return true, nil
}

func (m *HashMap) ForEach(processor KeyValueProcessor) (bool, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return false, ErrClosed
	}
	pairs := make([][2]int32, 0, m.size)
	for key, values := range m.buckets {
		for _, value := range values {
			pairs = append(pairs, [2]int32{key, value})
		}
	}
	m.mu.RUnlock()

	for _, p := range pairs {
		ok, err := processor(p[0], p[1])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (m *HashMap) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *HashMap) IsEmpty() bool {
	return m.Size() == 0
}

func (m *HashMap) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.markDirty(); err != nil {
		return err
	}
	m.buckets = map[int32][]int32{}
	m.size = 0
	return nil
}

func (m *HashMap) WasProperlyClosed() bool {
	return m.wasProperlyClosed
}

func (m *HashMap) WriteLock() sync.Locker {
	return &m.writeLock
}

// Flush writes a snapshot. A flushed map is marked as properly closed
// until it is modified again.
func (m *HashMap) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.writeSnapshot(statusClosed)
}

func (m *HashMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.writeSnapshot(statusClosed)
}

func (m *HashMap) CloseAndClean() error {
	if err := m.Close(); err != nil {
		return err
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove index %s", m.path)
	}
	return nil
}
