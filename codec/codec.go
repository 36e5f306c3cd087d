// Package codec defines how keys and values of a durable map are turned
// into bytes and back.
//
// Writers are two-phase: RecordSize reports the exact number of bytes a
// value will occupy before Write fills a buffer of exactly that size. This
// lets the log allocate a record once, without an intermediate copy.
package codec

import (
	"errors"
)

// ErrShortBuffer is returned by a Writer handed a buffer smaller than its
// RecordSize.
var ErrShortBuffer = errors.New("codec: buffer is shorter than record size")

// ErrNilKey is returned for keys that have no representation, such as a nil
// byte slice.
var ErrNilKey = errors.New("codec: nil key")

// Writer serializes one value. RecordSize must be cheap and must not change
// between calls.
type Writer interface {
	RecordSize() int
	Write(buf []byte) error
}

// KeyDescriptor describes a key type: hashing, equality and serialization.
type KeyDescriptor[K any] interface {
	HashCode(key K) int32
	IsEqual(a, b K) bool
	Read(buf []byte) (K, error)
	WriterFor(key K) (Writer, error)
}

// ValueExternalizer serializes values. Read must not retain buf.
type ValueExternalizer[V any] interface {
	Read(buf []byte) (V, error)
	WriterFor(value V) (Writer, error)
}

// Equaler is implemented by value externalizers that can compare values
// without serializing them.
type Equaler[V any] interface {
	IsEqual(a, b V) bool
}

// Optional is a value that may be absent. An absent value stored in a map
// is a tombstone.
type Optional[V any] struct {
	Value   V
	Present bool
}

func Some[V any](v V) Optional[V] {
	return Optional[V]{Value: v, Present: true}
}

func None[V any]() Optional[V] {
	return Optional[V]{}
}

// Get returns the value and whether it is present.
func (o Optional[V]) Get() (V, bool) {
	return o.Value, o.Present
}

// bytesWriter writes a pre-built byte slice.
type bytesWriter []byte

func (w bytesWriter) RecordSize() int { return len(w) }

func (w bytesWriter) Write(buf []byte) error {
	if len(buf) < len(w) {
		return ErrShortBuffer
	}
	copy(buf, w)
	return nil
}

// BytesWriter returns a Writer for an already serialized value.
func BytesWriter(b []byte) Writer {
	return bytesWriter(b)
}

// Marshal runs w into a freshly allocated slice.
func Marshal(w Writer) ([]byte, error) {
	buf := make([]byte, w.RecordSize())
	if err := w.Write(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
