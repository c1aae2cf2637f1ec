// Package blockio provides block-aware, fsync'd access to a single log
// file: sequential append with zero-padding at block boundaries, and
// cached random-access block reads for the iterator.
//
// A File is owned by exactly one WAL engine for its lifetime. There is no
// internal locking; concurrent use of a File from more than one goroutine
// is not supported, matching the single-writer model described in
// wal/undo and wal/redo.
package blockio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"diskwal/internal/lrucache"
	"diskwal/model/blockloc"
	"diskwal/model/record"
)

// BlockSize is the fixed size of a block, re-exported from model/record
// for callers that only need block I/O.
const BlockSize = record.BlockSize

var (
	// ErrOutOfBounds is returned by ReadBlock when the requested index is
	// at or beyond the file's current block count.
	ErrOutOfBounds = errors.New("blockio: block index out of bounds")
	// ErrEmptyFile is returned by ReadBlock when the file has no blocks at
	// all yet.
	ErrEmptyFile = errors.New("blockio: file is empty")
)

// File is a fixed-block-size view over a single log file on disk.
type File struct {
	f     *os.File
	path  string
	size  int64 // current file length in bytes
	cache *lrucache.Cache[blockloc.Location, []byte]
}

// Open opens (creating if necessary) the log file at path for block I/O.
// cacheBlocks bounds the number of whole blocks kept in memory for re-reads;
// a value <= 0 disables caching.
func Open(path string, cacheBlocks int) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockio: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockio: stat %s: %w", path, err)
	}
	return &File{
		f:     f,
		path:  path,
		size:  info.Size(),
		cache: lrucache.New[blockloc.Location, []byte](cacheBlocks),
	}, nil
}

// Close closes the underlying file. It does not fsync; every Append has
// already done so before returning.
func (bf *File) Close() error {
	return bf.f.Close()
}

// Path returns the path the File was opened with.
func (bf *File) Path() string {
	return bf.path
}

// Size returns the current length of the file in bytes.
func (bf *File) Size() int64 {
	return bf.size
}

// BlockCount returns the number of blocks the file currently spans,
// including a final partial block.
func (bf *File) BlockCount() uint64 {
	if bf.size == 0 {
		return 0
	}
	return uint64((bf.size + BlockSize - 1) / BlockSize)
}

// Offset returns the current write position: the byte offset of the next
// byte Append will write.
func (bf *File) Offset() int64 {
	return bf.size
}

// Append writes payload at the current write position. If payload does not
// fit in the remaining space of the current block, the remainder of the
// current block is zero-padded first and payload begins at the next block
// boundary; a payload is never split across a block boundary by Append
// itself (wal/entries is responsible for keeping each payload within
// record.MaxRecordSize so it always fits a block). Append fsyncs the file
// before returning.
func (bf *File) Append(payload []byte) error {
	if len(payload) > BlockSize {
		return fmt.Errorf("blockio: payload of %d bytes exceeds block size %d", len(payload), BlockSize)
	}

	startIndex := uint64(bf.size / BlockSize)

	remaining := BlockSize - (bf.size % BlockSize)
	if remaining != BlockSize && int64(len(payload)) > remaining {
		if err := bf.pad(remaining); err != nil {
			return err
		}
	}

	n, err := bf.f.WriteAt(payload, bf.size)
	if err != nil {
		return fmt.Errorf("blockio: write: %w", err)
	}
	bf.size += int64(n)

	if err := fsync(bf.f); err != nil {
		return fmt.Errorf("blockio: fsync: %w", err)
	}

	endIndex := uint64(0)
	if bf.size > 0 {
		endIndex = uint64((bf.size - 1) / BlockSize)
	}
	for idx := startIndex; idx <= endIndex; idx++ {
		bf.cache.Remove(blockloc.Location{Path: bf.path, Index: idx})
	}
	return nil
}

func (bf *File) pad(remaining int64) error {
	zeros := make([]byte, remaining)
	n, err := bf.f.WriteAt(zeros, bf.size)
	if err != nil {
		return fmt.Errorf("blockio: pad: %w", err)
	}
	bf.size += int64(n)
	return nil
}

// ReadBlock returns the full BlockSize bytes of the block at index,
// consulting and populating the cache. The final block of the file is
// zero-padded in memory up to BlockSize if the file is shorter.
func (bf *File) ReadBlock(index uint64) ([]byte, error) {
	if bf.size == 0 {
		return nil, ErrEmptyFile
	}
	if index >= bf.BlockCount() {
		return nil, ErrOutOfBounds
	}

	loc := blockloc.Location{Path: bf.path, Index: index}
	if cached, err := bf.cache.Get(loc); err == nil {
		return cached, nil
	}

	buf := make([]byte, BlockSize)
	n, err := bf.f.ReadAt(buf, int64(index)*BlockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("blockio: read block %d: %w", index, err)
	}
	for i := n; i < BlockSize; i++ {
		buf[i] = 0
	}

	bf.cache.Put(loc, buf)
	return buf, nil
}
