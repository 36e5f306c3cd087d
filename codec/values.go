package codec

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/vmihailenco/msgpack"
)

type StringExternalizer struct{}

func (StringExternalizer) Read(buf []byte) (string, error) {
	return string(buf), nil
}

func (StringExternalizer) WriterFor(value string) (Writer, error) {
	return stringWriter(value), nil
}

func (StringExternalizer) IsEqual(a, b string) bool {
	return a == b
}

type BytesExternalizer struct{}

func (BytesExternalizer) Read(buf []byte) ([]byte, error) {
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func (BytesExternalizer) WriterFor(value []byte) (Writer, error) {
	return bytesWriter(value), nil
}

func (BytesExternalizer) IsEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// MsgpackExternalizer stores any msgpack-encodable value. Values are
// compared by their encoded bytes, so types whose encoding is not
// deterministic (maps) may cause redundant writes but never wrong reads.
type MsgpackExternalizer[T any] struct{}

func (MsgpackExternalizer[T]) Read(buf []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(buf, &v); err != nil {
		return v, fmt.Errorf("msgpack decode: %w", err)
	}
	return v, nil
}

func (MsgpackExternalizer[T]) WriterFor(value T) (Writer, error) {
	b, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return bytesWriter(b), nil
}

// SnappyExternalizer compresses the output of another byte-valued
// externalizer with snappy block compression.
type SnappyExternalizer struct {
	Inner ValueExternalizer[[]byte]
}

func NewSnappyExternalizer() SnappyExternalizer {
	return SnappyExternalizer{Inner: BytesExternalizer{}}
}

func (s SnappyExternalizer) Read(buf []byte) ([]byte, error) {
	raw, err := snappy.Decode(nil, buf)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return s.Inner.Read(raw)
}

func (s SnappyExternalizer) WriterFor(value []byte) (Writer, error) {
	w, err := s.Inner.WriterFor(value)
	if err != nil {
		return nil, err
	}
	raw, err := Marshal(w)
	if err != nil {
		return nil, err
	}
	return bytesWriter(snappy.Encode(nil, raw)), nil
}

func (s SnappyExternalizer) IsEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}
