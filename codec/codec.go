// Package codec provides the byte-level encoding primitives that log
// entries are built from: a Serializable contract for user key/value types,
// and ready-made implementations for fixed-width integers and
// length-prefixed strings.
//
// The WAL itself never interprets key or value bytes; it only needs to be
// able to write them out and read them back unchanged. Serializable is the
// seam between a caller's domain types and the entry codec in wal/entries.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Serializable is implemented by any value a log entry can carry: the keys
// and values of the store a WAL is guarding, and this package's own
// fixed-width primitives.
type Serializable interface {
	Serialize(w io.Writer) error
}

// Uint64 is a big-endian encoded uint64, serving as the built-in
// Serializable for transaction IDs and integer keys.
type Uint64 uint64

func (v Uint64) Serialize(w io.Writer) error { return WriteUint64(w, uint64(v)) }

// DeserializeUint64 reads a Uint64 written by Uint64.Serialize.
func DeserializeUint64(r io.Reader) (Uint64, error) {
	v, err := ReadUint64(r)
	return Uint64(v), err
}

// Uint32 is a big-endian encoded uint32.
type Uint32 uint32

func (v Uint32) Serialize(w io.Writer) error { return WriteUint32(w, uint32(v)) }

// DeserializeUint32 reads a Uint32 written by Uint32.Serialize.
func DeserializeUint32(r io.Reader) (Uint32, error) {
	v, err := ReadUint32(r)
	return Uint32(v), err
}

// Int32 is a big-endian encoded int32.
type Int32 int32

func (v Int32) Serialize(w io.Writer) error { return WriteInt32(w, int32(v)) }

// DeserializeInt32 reads an Int32 written by Int32.Serialize.
func DeserializeInt32(r io.Reader) (Int32, error) {
	v, err := ReadInt32(r)
	return Int32(v), err
}

// String is a u32-BE-length-prefixed UTF-8 string.
type String string

func (v String) Serialize(w io.Writer) error { return WriteString(w, string(v)) }

// DeserializeString reads a String written by String.Serialize.
func DeserializeString(r io.Reader) (String, error) {
	s, err := ReadString(r)
	return String(s), err
}

// WriteUint64 big-endian encodes v and writes it to w.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint64 decodes a big-endian uint64 from r.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// WriteUint32 big-endian encodes v and writes it to w.
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint32 decodes a big-endian uint32 from r.
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteInt32 big-endian encodes v and writes it to w.
func WriteInt32(w io.Writer, v int32) error {
	return WriteUint32(w, uint32(v))
}

// ReadInt32 decodes a big-endian int32 from r.
func ReadInt32(r io.Reader) (int32, error) {
	v, err := ReadUint32(r)
	return int32(v), err
}

// WriteString encodes s as a u32 BE length prefix followed by its UTF-8
// bytes.
func WriteString(w io.Writer, s string) error {
	if err := WriteUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString decodes a string written by WriteString.
func ReadString(r io.Reader) (string, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read string bytes: %w", err)
	}
	return string(buf), nil
}
