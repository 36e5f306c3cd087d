package durablemap

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRecord is returned when a log record can not be decoded
	// as an entry.
	ErrMalformedRecord = errors.New("durablemap: malformed record")
	// ErrUnsupported is returned by introspection that this map can not
	// answer reliably.
	ErrUnsupported = fmt.Errorf("durablemap: %w", errors.ErrUnsupported)
)

// RecordIDOverflow is the panic value raised when the log hands out a
// record id that does not fit the 32-bit index.
type RecordIDOverflow int64

func (id RecordIDOverflow) Error() string {
	return fmt.Sprintf("durablemap: record id %d does not fit into int32", int64(id))
}

// KeyTooLong is the panic value raised for keys whose serialized form does
// not fit the 31-bit key length field.
type KeyTooLong int

func (n KeyTooLong) Error() string {
	return fmt.Sprintf("durablemap: key of %d bytes is too long", int(n))
}
