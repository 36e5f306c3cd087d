package durablemap

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/alpacahq/durablemap/codec"
)

// Entry record layout: header | key | value?
//
// header is a big-endian uint32: bit 31 is the tombstone flag, bits 0..30
// the key length. Tombstones carry no value bytes.
const (
	entryHeaderSize = 4
	tombstoneMask   = 1 << 31
	keySizeMask     = tombstoneMask - 1
)

func writeHeader(buf []byte, keySize int, tombstone bool) {
	if keySize < 0 || keySize > keySizeMask {
		panic(KeyTooLong(keySize))
	}
	header := uint32(keySize)
	if tombstone {
		header |= tombstoneMask
	}
	binary.BigEndian.PutUint32(buf, header)
}

func readHeader(buf []byte) (keySize int, tombstone bool, err error) {
	if len(buf) < entryHeaderSize {
		return 0, false, fmt.Errorf("%d bytes record has no header: %w", len(buf), ErrMalformedRecord)
	}
	header := binary.BigEndian.Uint32(buf)
	keySize = int(header & keySizeMask)
	tombstone = header&tombstoneMask != 0
	if entryHeaderSize+keySize > len(buf) {
		return 0, false, fmt.Errorf("key of %d bytes overruns %d bytes record: %w", keySize, len(buf), ErrMalformedRecord)
	}
	if tombstone && entryHeaderSize+keySize != len(buf) {
		return 0, false, fmt.Errorf("tombstone carries %d value bytes: %w", len(buf)-entryHeaderSize-keySize, ErrMalformedRecord)
	}
	return keySize, tombstone, nil
}

// rawEntry is an undecoded view of a record. Slices alias the record
// buffer handed out by the log.
type rawEntry struct {
	key       []byte
	value     []byte
	tombstone bool
}

func splitEntry(buf []byte) (rawEntry, error) {
	keySize, tombstone, err := readHeader(buf)
	if err != nil {
		return rawEntry{}, err
	}
	e := rawEntry{
		key:       buf[entryHeaderSize : entryHeaderSize+keySize],
		tombstone: tombstone,
	}
	if !tombstone {
		e.value = buf[entryHeaderSize+keySize:]
	}
	return e, nil
}

// entryWriter lays out a record from a key and an optional value writer.
type entryWriter struct {
	key   codec.Writer
	value codec.Writer // nil for tombstones
}

func (w entryWriter) recordSize() int {
	size := entryHeaderSize + w.key.RecordSize()
	if w.value != nil {
		size += w.value.RecordSize()
	}
	return size
}

func (w entryWriter) write(buf []byte) error {
	keySize := w.key.RecordSize()
	writeHeader(buf, keySize, w.value == nil)
	if err := w.key.Write(buf[entryHeaderSize : entryHeaderSize+keySize]); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if w.value != nil {
		if err := w.value.Write(buf[entryHeaderSize+keySize:]); err != nil {
			return fmt.Errorf("write value: %w", err)
		}
	}
	return nil
}

// sameBytes reports whether value serializes to stored.
func sameBytes(value codec.Writer, stored []byte) (bool, error) {
	if value.RecordSize() != len(stored) {
		return false, nil
	}
	b, err := codec.Marshal(value)
	if err != nil {
		return false, err
	}
	return bytes.Equal(b, stored), nil
}
