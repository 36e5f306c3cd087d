package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// StringKeyDescriptor stores strings as their raw UTF-8 bytes.
type StringKeyDescriptor struct{}

func (StringKeyDescriptor) HashCode(key string) int32 {
	return int32(murmur3.Sum32([]byte(key)))
}

func (StringKeyDescriptor) IsEqual(a, b string) bool {
	return a == b
}

func (StringKeyDescriptor) Read(buf []byte) (string, error) {
	return string(buf), nil
}

func (StringKeyDescriptor) WriterFor(key string) (Writer, error) {
	return stringWriter(key), nil
}

type stringWriter string

func (w stringWriter) RecordSize() int { return len(w) }

func (w stringWriter) Write(buf []byte) error {
	if len(buf) < len(w) {
		return ErrShortBuffer
	}
	copy(buf, w)
	return nil
}

// BytesKeyDescriptor stores byte slices verbatim. A nil slice is not a valid
// key; an empty non-nil slice is.
type BytesKeyDescriptor struct{}

func (BytesKeyDescriptor) HashCode(key []byte) int32 {
	return int32(murmur3.Sum32(key))
}

func (BytesKeyDescriptor) IsEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func (BytesKeyDescriptor) Read(buf []byte) ([]byte, error) {
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func (BytesKeyDescriptor) WriterFor(key []byte) (Writer, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	return bytesWriter(key), nil
}

// Int32KeyDescriptor stores int32 keys big-endian; the key is its own hash.
type Int32KeyDescriptor struct{}

func (Int32KeyDescriptor) HashCode(key int32) int32 {
	return key
}

func (Int32KeyDescriptor) IsEqual(a, b int32) bool {
	return a == b
}

func (Int32KeyDescriptor) Read(buf []byte) (int32, error) {
	if len(buf) != 4 {
		return 0, fmt.Errorf("int32 key: expected 4 bytes, got %d", len(buf))
	}
	return int32(binary.BigEndian.Uint32(buf)), nil
}

func (Int32KeyDescriptor) WriterFor(key int32) (Writer, error) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(key))
	return bytesWriter(b[:]), nil
}
