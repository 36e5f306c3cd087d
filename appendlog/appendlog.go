// Package appendlog provides an append-only log of immutable byte records.
//
// Each record is addressed by the id returned from Append. Ids are derived
// from the record offset in the file, so they grow monotonically and are
// never 0.
package appendlog

import (
	"errors"
)

var (
	// ErrPayloadTooBig is returned by Append for payloads above MaxPayloadSize.
	ErrPayloadTooBig = errors.New("appendlog: payload too big")
	// ErrInvalidID is returned by Read for ids that do not address a record.
	ErrInvalidID = errors.New("appendlog: invalid record id")
	// ErrCorrupted is returned when the file is not a log or is damaged
	// beyond recovery.
	ErrCorrupted = errors.New("appendlog: corrupted")
	// ErrClosed is returned by any operation on a closed log.
	ErrClosed = errors.New("appendlog: closed")
)

// RecordWriter fills buf, which is exactly the payload size passed to Append.
type RecordWriter func(buf []byte) error

// RecordReader receives the payload of a record. buf must not be retained.
type RecordReader func(buf []byte) error

// RecordProcessor is called for every record in id order; returning false
// stops the iteration.
type RecordProcessor func(id int64, buf []byte) (bool, error)

// AppendOnlyLog is a growable sequence of immutable records.
// Implementations must be safe for concurrent use.
type AppendOnlyLog interface {
	Append(writer RecordWriter, payloadSize int) (int64, error)
	Read(id int64, reader RecordReader) error
	// ForEachRecord returns false if the processor stopped the iteration.
	ForEachRecord(processor RecordProcessor) (bool, error)
	RecordsCount() int
	IsEmpty() bool
	// WasClosedProperly reports whether the previous session closed the
	// log, as seen when this instance was opened.
	WasClosedProperly() bool
	Flush() error
	Close() error
	// CloseAndClean closes the log and removes its file.
	CloseAndClean() error
}

// Factory opens logs by path.
type Factory interface {
	Open(path string) (AppendOnlyLog, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(path string) (AppendOnlyLog, error)

func (f FactoryFunc) Open(path string) (AppendOnlyLog, error) {
	return f(path)
}
