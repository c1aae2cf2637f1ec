// Package iterator implements the block-paged, bidirectional walk over a
// log file's records.
//
// An Iterator loads one block at a time and steps through its parsed
// records with a signed index, so "before the first record" (-1) and
// "past the last record" (len(block)) are both representable. A caller
// may alternate Next and NextBack freely; reversing direction always
// yields the record the iterator was last positioned at before advancing
// further, the "direction reversal returns the pivot" rule.
package iterator

import (
	"bytes"
	"errors"

	"diskwal/model/record"
	"diskwal/wal/blockio"
)

// Direction is the side an Iterator most recently advanced toward.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// ErrEmptyBlock indicates a block parsed to zero records: either it was
// pure padding, or its one parseable prefix failed a CRC check.
var ErrEmptyBlock = errors.New("iterator: empty block")

// Iterator walks the records of a blockio.File.
type Iterator struct {
	file     *blockio.File
	blockIdx uint64
	loaded   bool
	block    []record.Record
	index    int
	dir      Direction
	lastErr  error
}

// NewForward returns an iterator positioned just before the first record
// of file.
func NewForward(file *blockio.File) *Iterator {
	return &Iterator{file: file, dir: Forward, index: -1}
}

// NewBackward returns an iterator positioned just past the last record of
// file. The final block loads lazily on the first call to NextBack.
func NewBackward(file *blockio.File) *Iterator {
	it := &Iterator{file: file, dir: Backward, index: -1}
	if cnt := file.BlockCount(); cnt > 0 {
		it.blockIdx = cnt - 1
	}
	return it
}

// Err returns the last non-graceful error observed while loading a block
// (for example record.ErrCorruptRecord), or nil. Padding and end-of-file
// are not reported here; they are graceful termination.
func (it *Iterator) Err() error {
	return it.lastErr
}

func (it *Iterator) pivotValid() bool {
	return it.loaded && it.index >= 0 && it.index < len(it.block)
}

// fetchBlock loads and parses the block at idx, recording a non-graceful
// read or parse error (if any) for later inspection via Err.
func (it *Iterator) fetchBlock(idx uint64) ([]record.Record, error) {
	data, err := it.file.ReadBlock(idx)
	if err != nil {
		if !errors.Is(err, blockio.ErrOutOfBounds) && !errors.Is(err, blockio.ErrEmptyFile) {
			it.lastErr = err
		}
		return nil, err
	}
	recs, parseErr := parseBlock(data)
	if parseErr != nil {
		it.lastErr = parseErr
	}
	if len(recs) == 0 {
		return nil, ErrEmptyBlock
	}
	return recs, nil
}

// parseBlock reads records sequentially from a block's raw bytes until a
// read fails. A short header or an invalid kind byte (0, or the padding
// that follows real records) ends parsing cleanly; a CRC failure ends
// parsing and is returned so the caller can surface it via Err.
func parseBlock(data []byte) ([]record.Record, error) {
	r := bytes.NewReader(data)
	var recs []record.Record
	for r.Len() > 0 {
		rec, err := record.Read(r)
		if err != nil {
			if errors.Is(err, record.ErrInvalidRecordType) || errors.Is(err, record.ErrShortRead) {
				break
			}
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Next advances the iterator forward and returns the next record, or
// (zero Record, false) once the end of the file is reached.
func (it *Iterator) Next() (record.Record, bool) {
	reversed := it.dir == Backward
	it.dir = Forward

	if reversed {
		if it.pivotValid() {
			return it.block[it.index], true
		}
	} else {
		it.index++
	}

	if it.pivotValid() {
		return it.block[it.index], true
	}

	target := it.blockIdx
	if it.loaded {
		target = it.blockIdx + 1
	}
	recs, err := it.fetchBlock(target)
	it.blockIdx = target
	it.loaded = true
	if err != nil {
		it.block = nil
		it.index = -1
		return record.Record{}, false
	}
	it.block = recs
	it.index = 0
	return it.block[0], true
}

// NextBack retreats the iterator backward and returns the previous
// record, or (zero Record, false) once the start of the file is reached.
func (it *Iterator) NextBack() (record.Record, bool) {
	reversed := it.dir == Forward
	it.dir = Backward

	if reversed {
		if it.pivotValid() {
			return it.block[it.index], true
		}
	} else if it.loaded {
		it.index--
	}

	if it.pivotValid() {
		return it.block[it.index], true
	}

	var target uint64
	if it.loaded {
		if it.blockIdx == 0 {
			it.index = -1
			return record.Record{}, false
		}
		target = it.blockIdx - 1
	} else {
		target = it.blockIdx
	}

	recs, err := it.fetchBlock(target)
	it.blockIdx = target
	it.loaded = true
	if err != nil {
		it.block = nil
		it.index = -1
		return record.Record{}, false
	}
	it.block = recs
	it.index = len(it.block) - 1
	return it.block[it.index], true
}
