// Package record implements the physical unit of the write-ahead log: a
// small, CRC-protected header followed by a payload, with a fragmentation
// tag describing whether the payload is a whole log entry or one piece of
// one split across several records.
//
// Layout on disk (7-byte header, big-endian multi-byte fields):
//
//	+--------+-----------+----------+-----------------+
//	| kind:1 | crc32 : 4 | size : 2 | payload : size  |
//	+--------+-----------+----------+-----------------+
//
// kind comes first, before the CRC, so that the iterator can recognize
// block padding (a run of zero bytes) by reading a single byte: no valid
// Kind is ever 0.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"diskwal/internal/crc"
)

// BlockSize is the fixed size, in bytes, of a block on disk. A record never
// straddles a block boundary; the tail of a block that can't hold the next
// record is zero-padded instead.
const BlockSize = 32768

// HeaderSize is the size, in bytes, of a record's header.
const HeaderSize = 7

// MaxRecordSize is the chunk size used when fragmenting a serialized log
// entry into records (wal/entries.Split).
const MaxRecordSize = 1024

// Kind tags what portion of a fragmented payload a record carries.
type Kind uint8

const (
	// KindZero marks a record carrying an empty payload (the entry being
	// recorded serialized to zero bytes).
	KindZero Kind = 1
	// KindFull marks a record that carries an entire payload by itself.
	KindFull Kind = 2
	// KindFirst marks the first record of a multi-record payload.
	KindFirst Kind = 3
	// KindMiddle marks an interior record of a multi-record payload.
	KindMiddle Kind = 4
	// KindLast marks the final record of a multi-record payload.
	KindLast Kind = 5
)

func (k Kind) valid() bool {
	return k >= KindZero && k <= KindLast
}

func (k Kind) String() string {
	switch k {
	case KindZero:
		return "Zero"
	case KindFull:
		return "Full"
	case KindFirst:
		return "First"
	case KindMiddle:
		return "Middle"
	case KindLast:
		return "Last"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var (
	// ErrInvalidRecordType is returned when a record's header byte is 0 (a
	// padding byte) or outside the valid Kind range. The iterator relies on
	// this error to recognize the zero-padded tail of a block.
	ErrInvalidRecordType = errors.New("record: invalid record type")
	// ErrCorruptRecord is returned when a record's payload does not match
	// its stored CRC32 checksum.
	ErrCorruptRecord = errors.New("record: CRC mismatch, possibly corrupted data")
	// ErrShortRead is returned when the header or payload is truncated.
	ErrShortRead = errors.New("record: short read")
)

// Record is a single physical unit of the log: a header plus its payload.
type Record struct {
	Kind    Kind
	CRC     uint32
	Size    uint16
	Payload []byte
}

// New builds a Record of the given kind over payload, computing its CRC32.
func New(kind Kind, payload []byte) Record {
	return Record{
		Kind:    kind,
		CRC:     crc.Checksum(payload),
		Size:    uint16(len(payload)),
		Payload: payload,
	}
}

// Read decodes one Record from r: a 7-byte header followed by Size payload
// bytes. It returns ErrInvalidRecordType if the header's kind byte is 0 or
// out of range (the iterator uses this to detect padding), ErrCorruptRecord
// if the payload's CRC32 doesn't match the header, and ErrShortRead if the
// stream ends before a complete record is read.
func Read(r io.Reader) (Record, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Record{}, ErrShortRead
		}
		return Record{}, err
	}

	kind := Kind(header[0])
	if !kind.valid() {
		return Record{}, ErrInvalidRecordType
	}
	recordCRC := binary.BigEndian.Uint32(header[1:5])
	size := binary.BigEndian.Uint16(header[5:7])

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Record{}, ErrShortRead
		}
		return Record{}, err
	}

	if !crc.Valid(payload, recordCRC) {
		return Record{}, ErrCorruptRecord
	}

	return Record{Kind: kind, CRC: recordCRC, Size: size, Payload: payload}, nil
}

type flusher interface {
	Flush() error
}

// Write encodes the record's header and payload to w, flushing w afterward
// if it implements Flush() error.
func (r Record) Write(w io.Writer) error {
	var header [HeaderSize]byte
	header[0] = byte(r.Kind)
	binary.BigEndian.PutUint32(header[1:5], r.CRC)
	binary.BigEndian.PutUint16(header[5:7], r.Size)

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write record header: %w", err)
	}
	if _, err := w.Write(r.Payload); err != nil {
		return fmt.Errorf("write record payload: %w", err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush record writer: %w", err)
		}
	}
	return nil
}

// TotalSize returns the number of bytes the record occupies on disk:
// header plus payload.
func (r Record) TotalSize() int {
	return HeaderSize + len(r.Payload)
}
