package durablemap

import (
	"fmt"

	"github.com/alpacahq/durablemap/intmultimap"
)

// rebuildIndex clears the index and replays every log record into it, in
// log order. It returns the number of records replayed.
func (m *DurableMap[K, V]) rebuildIndex() (int, error) {
	lock := m.index.WriteLock()
	lock.Lock()
	defer lock.Unlock()

	if err := m.index.Clear(); err != nil {
		return 0, fmt.Errorf("clear index: %w", err)
	}

	replayed := 0
	_, err := m.appendLog.ForEachRecord(func(logID int64, buf []byte) (bool, error) {
		id := toRecordID(logID)
		e, err := splitEntry(buf)
		if err != nil {
			return false, fmt.Errorf("record %d: %w", id, err)
		}
		key, err := m.keyDesc.Read(e.key)
		if err != nil {
			return false, fmt.Errorf("record %d: decode key: %w", id, err)
		}
		hash := m.hashOf(key)
		prior, err := m.findRecord(key, hash, nil)
		if err != nil {
			return false, err
		}

		switch {
		case prior == intmultimap.NoValue && !e.tombstone:
			_, err = m.index.Put(hash, id)
		case prior == intmultimap.NoValue:
		case e.tombstone:
			_, err = m.index.Remove(hash, prior)
		default:
			_, err = m.index.Replace(hash, prior, id)
		}
		if err != nil {
			return false, fmt.Errorf("replay record %d: %w", id, err)
		}
		replayed++
		return true, nil
	})
	return replayed, err
}
