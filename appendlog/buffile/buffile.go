// Package buffile helps batch writes by staging them in a block-sized
// in-memory buffer under the assumption that writes land close to each
// other, which is always the case for an append-only log.
package buffile

import (
	"errors"
	"io"
	"os"

	"github.com/alpacahq/durablemap/utils/log"
)

type fileLike interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
}

// BufferedFile abstracts a file with a block-sized buffer to group
// writes that are likely consecutive. ReadAt sees unflushed writes.
// This object does not provide any concurrency guarantee: callers must
// serialize writers against each other and against readers.
type BufferedFile struct {
	fp           fileLike
	blockSize    int
	buffer       []byte
	bufferOffset int64
	// [lowWater, highWater) is the dirty range of the current buffer.
	lowWater  int64
	highWater int64
	dirty     bool
}

const DefaultBlockSize = 32 * 1024

func New(filePath string, blockSize int) (*BufferedFile, error) {
	fp, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return NewFromFile(fp, blockSize), nil
}

func NewFromFile(fp *os.File, blockSize int) *BufferedFile {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &BufferedFile{
		fp:        fp,
		blockSize: blockSize,
	}
}

func (f *BufferedFile) Close() error {
	if err := f.writeBuffer(); err != nil {
		log.Error("failed to write buffer before closing. err=%v", err)
		_ = f.fp.Close()
		return err
	}
	return f.fp.Close()
}

// Flush writes the buffered block to the file, and fsyncs it if asked to.
func (f *BufferedFile) Flush(fsync bool) error {
	if err := f.writeBuffer(); err != nil {
		return err
	}
	if fsync {
		return f.fp.Sync()
	}
	return nil
}

func (f *BufferedFile) readBuffer(offset int64, size int) error {
	// we always read from block boundary
	readOffset := offset - offset%int64(f.blockSize)

	// read size is block lower + offset residual + actual size
	readSize := int(offset-readOffset) + size
	// align to block size
	readSize += f.blockSize - 1
	readSize -= readSize % f.blockSize

	if cap(f.buffer) < readSize {
		f.buffer = make([]byte, readSize)
	}
	f.buffer = f.buffer[:readSize]
	n, err := f.fp.ReadAt(f.buffer, readOffset)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	// read short is fine at the end of file, the tail is zero-filled
	for i := n; i < readSize; i++ {
		f.buffer[i] = 0
	}
	f.bufferOffset = readOffset
	f.dirty = false
	return nil
}

func (f *BufferedFile) writeBuffer() error {
	if f.buffer != nil && f.dirty {
		dirtyRange := f.buffer[f.lowWater-f.bufferOffset : f.highWater-f.bufferOffset]
		if _, err := f.fp.WriteAt(dirtyRange, f.lowWater); err != nil {
			return err
		}
		f.dirty = false
	}
	return nil
}

func (f *BufferedFile) ensureBuffer(data []byte, offset int64) error {
	if f.buffer == nil {
		return f.readBuffer(offset, len(data))
	}
	bufferLower := f.bufferOffset
	bufferUpper := f.bufferOffset + int64(len(f.buffer))
	if offset < bufferLower || offset+int64(len(data)) > bufferUpper {
		if err := f.writeBuffer(); err != nil {
			return err
		}
		if err := f.readBuffer(offset, len(data)); err != nil {
			return err
		}
	}
	return nil
}

// WriteAt writes the data at offset from the beginning of the file. Upon the
// return from this call, the data does not reach the disk yet. Flush or
// Close the BufferedFile to write it.
func (f *BufferedFile) WriteAt(data []byte, offset int64) (int, error) {
	if err := f.ensureBuffer(data, offset); err != nil {
		return 0, err
	}
	writePos := offset - f.bufferOffset
	n := copy(f.buffer[writePos:], data)
	// only the written range goes back to disk: the file is never padded
	// past the last write, and bytes around it may be updated by others
	end := offset + int64(n)
	if !f.dirty {
		f.lowWater, f.highWater = offset, end
	} else {
		f.lowWater = minInt64(f.lowWater, offset)
		f.highWater = maxInt64(f.highWater, end)
	}
	f.dirty = true
	return n, nil
}

// ReadAt reads from the file and overlays whatever part of the range is
// still held in the unflushed buffer.
func (f *BufferedFile) ReadAt(data []byte, offset int64) (int, error) {
	n, err := f.fp.ReadAt(data, offset)
	if f.buffer == nil || !f.dirty {
		return n, err
	}
	lower := maxInt64(offset, f.lowWater)
	upper := minInt64(offset+int64(len(data)), f.highWater)
	if lower >= upper {
		return n, err
	}
	copy(data[lower-offset:upper-offset], f.buffer[lower-f.bufferOffset:upper-f.bufferOffset])
	if covered := int(upper - offset); covered > n && int(lower-offset) <= n {
		n = covered
	}
	if n == len(data) {
		err = nil
	}
	return n, err
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
