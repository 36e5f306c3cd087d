package appendlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/alpacahq/durablemap/appendlog/buffile"
	"github.com/alpacahq/durablemap/utils/log"
)

// File header layout, big-endian:
//
//	magic            uint32  "AOLG"
//	version          int32
//	dataVersion      int32   free for the log owner
//	status           int32   statusOpened|statusClosed
//	recordsCount     int32
//	reserved         int32
//	nextRecordOffset int64
//	reserved up to HeaderSize
const (
	HeaderSize = 64

	magicWord             = 0x414f4c47 // "AOLG"
	implementationVersion = 1

	magicOffset        = 0
	versionOffset      = 4
	dataVersionOffset  = 8
	statusOffset       = 12
	recordsCountOffset = 16
	nextRecordOffset   = 24

	statusClosed = 0
	statusOpened = 1
)

// Record layout: int32 header (bit 30 committed, bits 0..29 payload length,
// bit 31 reserved) followed by the payload, padded to a 4-byte boundary.
const (
	recordHeaderSize = 4
	committedMask    = 1 << 30
	reservedMask     = 1 << 31
	lengthMask       = committedMask - 1

	// MaxPayloadSize is the largest payload a single record can hold.
	MaxPayloadSize = lengthMask
)

// Options configure a Log.
type Options struct {
	// WriteBufferSize is the block size of the write buffer.
	WriteBufferSize int
	// FsyncOnFlush makes Flush fsync the file.
	FsyncOnFlush bool
}

// Log is a file-backed AppendOnlyLog. Appends are serialized; reads run
// concurrently with each other.
type Log struct {
	mu sync.RWMutex

	path string
	fp   *os.File
	bf   *buffile.BufferedFile
	opts Options

	nextOffset        int64
	recordsCount      int
	dataVersion       int32
	wasClosedProperly bool
	closed            bool
}

var _ AppendOnlyLog = (*Log)(nil)

// NewFactory returns a Factory opening logs with opts.
func NewFactory(opts Options) Factory {
	return FactoryFunc(func(path string) (AppendOnlyLog, error) {
		return Open(path, opts)
	})
}

// Open opens the log at path, creating it if needed. A log that was not
// closed properly is scanned and cut at the first incomplete record.
func Open(path string, opts Options) (*Log, error) {
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	l := &Log{
		path: path,
		fp:   fp,
		opts: opts,
	}
	if err = l.init(); err != nil {
		_ = fp.Close()
		return nil, err
	}
	l.bf = buffile.NewFromFile(fp, opts.WriteBufferSize)
	return l, nil
}

func (l *Log) init() error {
	fi, err := l.fp.Stat()
	if err != nil {
		return fmt.Errorf("stat log file %s: %w", l.path, err)
	}

	if fi.Size() == 0 {
		l.nextOffset = HeaderSize
		l.wasClosedProperly = true
		return l.writeHeader(statusOpened)
	}
	if fi.Size() < HeaderSize {
		return fmt.Errorf("%s: file is shorter than the header (%d bytes): %w", l.path, fi.Size(), ErrCorrupted)
	}

	var header [HeaderSize]byte
	if _, err = l.fp.ReadAt(header[:], 0); err != nil {
		return fmt.Errorf("read log header %s: %w", l.path, err)
	}
	if magic := binary.BigEndian.Uint32(header[magicOffset:]); magic != magicWord {
		return fmt.Errorf("%s: bad magic word %#x: %w", l.path, magic, ErrCorrupted)
	}
	if v := int32(binary.BigEndian.Uint32(header[versionOffset:])); v != implementationVersion {
		return fmt.Errorf("%s: unsupported log version %d: %w", l.path, v, ErrCorrupted)
	}
	l.dataVersion = int32(binary.BigEndian.Uint32(header[dataVersionOffset:]))
	status := int32(binary.BigEndian.Uint32(header[statusOffset:]))
	l.recordsCount = int(int32(binary.BigEndian.Uint32(header[recordsCountOffset:])))
	l.nextOffset = int64(binary.BigEndian.Uint64(header[nextRecordOffset:]))
	l.wasClosedProperly = status == statusClosed

	if !l.wasClosedProperly || l.nextOffset < HeaderSize || l.nextOffset > fi.Size() {
		log.Warn("log %s was not closed properly, recovering", l.path)
		if err = l.recover(fi.Size()); err != nil {
			return err
		}
		l.wasClosedProperly = false
	}
	return l.writeHeader(statusOpened)
}

// recover walks the records from the start of the file and keeps the
// longest prefix of complete, committed records.
func (l *Log) recover(fileSize int64) error {
	offset := int64(HeaderSize)
	count := 0
	var hdr [recordHeaderSize]byte
	for offset+recordHeaderSize <= fileSize {
		if _, err := l.fp.ReadAt(hdr[:], offset); err != nil {
			return fmt.Errorf("recover log %s at %d: %w", l.path, offset, err)
		}
		header := binary.BigEndian.Uint32(hdr[:])
		if header&committedMask == 0 || header&reservedMask != 0 {
			break
		}
		next := offset + recordLength(int(header&lengthMask))
		if next > fileSize {
			break
		}
		offset = next
		count++
	}
	if offset < fileSize {
		log.Warn("log %s: dropping %d bytes of incomplete records after offset %d", l.path, fileSize-offset, offset)
		if err := l.fp.Truncate(offset); err != nil {
			return fmt.Errorf("truncate log %s: %w", l.path, err)
		}
	}
	l.nextOffset = offset
	l.recordsCount = count
	return nil
}

func (l *Log) writeHeader(status int32) error {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[magicOffset:], magicWord)
	binary.BigEndian.PutUint32(header[versionOffset:], implementationVersion)
	binary.BigEndian.PutUint32(header[dataVersionOffset:], uint32(l.dataVersion))
	binary.BigEndian.PutUint32(header[statusOffset:], uint32(status))
	binary.BigEndian.PutUint32(header[recordsCountOffset:], uint32(l.recordsCount))
	binary.BigEndian.PutUint64(header[nextRecordOffset:], uint64(l.nextOffset))
	if _, err := l.fp.WriteAt(header[:], 0); err != nil {
		return fmt.Errorf("write log header %s: %w", l.path, err)
	}
	return nil
}

func recordLength(payloadSize int) int64 {
	total := int64(recordHeaderSize + payloadSize)
	return (total + 3) &^ 3
}

func offsetToID(offset int64) int64 {
	return (offset-HeaderSize)/4 + 1
}

func idToOffset(id int64) int64 {
	return (id-1)*4 + HeaderSize
}

func (l *Log) Append(writer RecordWriter, payloadSize int) (int64, error) {
	if payloadSize < 0 || payloadSize > MaxPayloadSize {
		return 0, fmt.Errorf("payload of %d bytes: %w", payloadSize, ErrPayloadTooBig)
	}
	record := make([]byte, recordLength(payloadSize))
	if err := writer(record[recordHeaderSize : recordHeaderSize+payloadSize]); err != nil {
		return 0, fmt.Errorf("write record payload: %w", err)
	}
	binary.BigEndian.PutUint32(record, uint32(payloadSize)|committedMask)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	offset := l.nextOffset
	if _, err := l.bf.WriteAt(record, offset); err != nil {
		return 0, fmt.Errorf("append record to %s: %w", l.path, err)
	}
	l.nextOffset += int64(len(record))
	l.recordsCount++
	return offsetToID(offset), nil
}

func (l *Log) Read(id int64, reader RecordReader) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	offset := idToOffset(id)
	if id <= 0 || offset >= l.nextOffset {
		return fmt.Errorf("record %d outside of [1..%d): %w", id, offsetToID(l.nextOffset), ErrInvalidID)
	}
	payload, err := l.readRecord(offset)
	if err != nil {
		return fmt.Errorf("record %d: %w", id, err)
	}
	return reader(payload)
}

// readRecord returns a copy of the payload of the record at offset. Must be
// called with mu held.
func (l *Log) readRecord(offset int64) ([]byte, error) {
	var hdr [recordHeaderSize]byte
	if _, err := l.bf.ReadAt(hdr[:], offset); err != nil {
		return nil, fmt.Errorf("read record header at %d: %w", offset, err)
	}
	header := binary.BigEndian.Uint32(hdr[:])
	if header&committedMask == 0 || header&reservedMask != 0 {
		return nil, fmt.Errorf("header %#x at %d is not a committed record: %w", header, offset, ErrInvalidID)
	}
	payloadSize := int(header & lengthMask)
	if offset+recordLength(payloadSize) > l.nextOffset {
		return nil, fmt.Errorf("record at %d overruns the log end %d: %w", offset, l.nextOffset, ErrCorrupted)
	}
	payload := make([]byte, payloadSize)
	if _, err := l.bf.ReadAt(payload, offset+recordHeaderSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read record payload at %d: %w", offset, err)
	}
	return payload, nil
}

func (l *Log) ForEachRecord(processor RecordProcessor) (bool, error) {
	l.mu.RLock()
	until := l.nextOffset
	l.mu.RUnlock()

	for offset := int64(HeaderSize); offset < until; {
		l.mu.RLock()
		if l.closed {
			l.mu.RUnlock()
			return false, ErrClosed
		}
		payload, err := l.readRecord(offset)
		l.mu.RUnlock()
		if err != nil {
			return false, err
		}
		ok, err := processor(offsetToID(offset), payload)
		if err != nil || !ok {
			return false, err
		}
		offset += recordLength(len(payload))
	}
	return true, nil
}

func (l *Log) RecordsCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recordsCount
}

func (l *Log) IsEmpty() bool {
	return l.RecordsCount() == 0
}

func (l *Log) WasClosedProperly() bool {
	return l.wasClosedProperly
}

// DataVersion returns the version stamp the owner stored with SetDataVersion.
func (l *Log) DataVersion() int32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dataVersion
}

func (l *Log) SetDataVersion(version int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dataVersion = version
}

// Path returns the file backing the log.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.flush(statusOpened)
}

func (l *Log) flush(status int32) error {
	if err := l.bf.Flush(false); err != nil {
		return fmt.Errorf("flush log %s: %w", l.path, err)
	}
	if err := l.writeHeader(status); err != nil {
		return err
	}
	if l.opts.FsyncOnFlush {
		if err := l.fp.Sync(); err != nil {
			return fmt.Errorf("fsync log %s: %w", l.path, err)
		}
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.flush(statusClosed)
	if cerr := l.bf.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close log %s: %w", l.path, cerr)
	}
	return err
}

func (l *Log) CloseAndClean() error {
	if err := l.Close(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove log %s: %w", l.path, err)
	}
	return nil
}

func (l *Log) String() string {
	return fmt.Sprintf("Log[%s]{records: %d, wasClosedProperly: %v}", l.path, l.RecordsCount(), l.wasClosedProperly)
}
