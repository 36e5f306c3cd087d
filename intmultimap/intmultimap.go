// Package intmultimap provides a durable multimap from int32 keys to one or
// more int32 values. Durable maps use it to map key hashes to log record
// ids.
package intmultimap

import (
	"errors"
	"sync"
)

// NoValue is reserved: it is neither a valid key nor a storable value, and
// Lookup returns it when nothing matched.
const NoValue int32 = 0

var (
	// ErrReservedValue is returned when NoValue is passed as a key or stored
	// as a value.
	ErrReservedValue = errors.New("intmultimap: NoValue is reserved")
	// ErrCorrupted is returned when the backing file can not be read.
	ErrCorrupted = errors.New("intmultimap: corrupted")
	// ErrClosed is returned by any operation on a closed map.
	ErrClosed = errors.New("intmultimap: closed")
)

// ValueAcceptor is called for each candidate value under a key; returning
// true accepts the value and stops the lookup.
type ValueAcceptor func(value int32) (bool, error)

// KeyValueProcessor is called for every (key, value) pair; returning false
// stops the iteration.
type KeyValueProcessor func(key, value int32) (bool, error)

// DurableIntToMultiIntMap is a durable int32 -> {int32} multimap.
//
// All methods are safe for concurrent use. Compound read-modify-write
// sequences spanning several calls must hold WriteLock: it is the one lock
// every mutator of the map agrees on.
type DurableIntToMultiIntMap interface {
	// Put adds value under key; returns false if the pair already existed.
	Put(key, value int32) (bool, error)
	Has(key, value int32) (bool, error)
	// Lookup returns the first value under key accepted by acceptor, or
	// NoValue.
	Lookup(key int32, acceptor ValueAcceptor) (int32, error)
	// Remove deletes the pair; returns false if it was absent.
	Remove(key, value int32) (bool, error)
	// Replace swaps oldValue for newValue under key; returns false if
	// oldValue was absent, in which case nothing changes.
	Replace(key, oldValue, newValue int32) (bool, error)
	// ForEach returns false if the processor stopped the iteration.
	ForEach(processor KeyValueProcessor) (bool, error)
	Size() int
	IsEmpty() bool
	Clear() error
	// WasProperlyClosed reports whether the previous session closed the
	// map, as seen when this instance was opened.
	WasProperlyClosed() bool
	WriteLock() sync.Locker
	Flush() error
	Close() error
	// CloseAndClean closes the map and removes its file.
	CloseAndClean() error
}

// Factory opens maps by path.
type Factory interface {
	Open(path string) (DurableIntToMultiIntMap, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(path string) (DurableIntToMultiIntMap, error)

func (f FactoryFunc) Open(path string) (DurableIntToMultiIntMap, error) {
	return f(path)
}
