// Package entries defines the log's tagged-union entry format and the
// machinery that turns one entry into a stream of records (and back): the
// fragmentation codec of section 4.4, plus the Transaction/Checkpoint/
// Insert/Change union of section 3.
//
// Dispatch is by an explicit leading tag byte, not by a type hierarchy:
// Kind identifies which of the four variants a decoded Entry holds, and
// only the fields relevant to that Kind are populated.
package entries

import (
	"fmt"
	"io"

	"diskwal/codec"
)

// Kind tags which of the four entry variants an Entry holds.
type Kind uint8

const (
	KindInsert      Kind = 0
	KindChange      Kind = 1
	KindTransaction Kind = 2
	KindCheckpoint  Kind = 3
)

// TxKind tags a Transaction entry's sub-variant.
type TxKind uint8

const (
	TxStart  TxKind = 0
	TxCommit TxKind = 1
	TxAbort  TxKind = 2
)

// CheckpointKind tags a Checkpoint entry's sub-variant.
type CheckpointKind uint8

const (
	CheckpointBegin CheckpointKind = 0
	CheckpointEnd   CheckpointKind = 1
)

// Entry is the log's tagged union, generic over the store's key and value
// types. Only the fields relevant to Kind (and, for Transaction/Checkpoint,
// the nested sub-kind) are meaningful.
type Entry[K any, V any] struct {
	Kind Kind

	// Transaction
	Tx  TxKind
	Tid uint64

	// Checkpoint
	Ck         CheckpointKind
	ActiveTids []uint64

	// Insert / Change
	Key   K
	Value V
}

// Start, Commit, and Abort build Transaction entries. They are generic
// over K and V purely so callers can stage them alongside Insert/Change
// entries in the same typed queue; the Key and Value fields are unused
// for this Kind (see Encode/Decode).
func Start[K any, V any](tid uint64) Entry[K, V] {
	return Entry[K, V]{Kind: KindTransaction, Tx: TxStart, Tid: tid}
}

func Commit[K any, V any](tid uint64) Entry[K, V] {
	return Entry[K, V]{Kind: KindTransaction, Tx: TxCommit, Tid: tid}
}

func Abort[K any, V any](tid uint64) Entry[K, V] {
	return Entry[K, V]{Kind: KindTransaction, Tx: TxAbort, Tid: tid}
}

// CheckpointBeginEntry and CheckpointEndEntry build Checkpoint entries.
func CheckpointBeginEntry[K any, V any](activeTids []uint64) Entry[K, V] {
	return Entry[K, V]{Kind: KindCheckpoint, Ck: CheckpointBegin, ActiveTids: activeTids}
}

func CheckpointEndEntry[K any, V any]() Entry[K, V] {
	return Entry[K, V]{Kind: KindCheckpoint, Ck: CheckpointEnd}
}

// NewInsert builds an Insert entry: key was created by tid. It is generic
// over V, unused for this Kind, so it can share a queue with Change
// entries of the same K, V instantiation.
func NewInsert[K any, V any](tid uint64, key K) Entry[K, V] {
	return Entry[K, V]{Kind: KindInsert, Tid: tid, Key: key}
}

// NewChange builds a Change entry carrying one value (the old value for
// undo, the new value for redo; the engines decide which).
func NewChange[K any, V any](tid uint64, key K, value V) Entry[K, V] {
	return Entry[K, V]{Kind: KindChange, Tid: tid, Key: key, Value: value}
}

// KeyEncoder/ValueEncoder/KeyDecoder/ValueDecoder let Encode/Decode work
// with any K/V without requiring them to implement codec.Serializable
// directly (a plain uint64 or string key still needs a wiring function).
type KeyEncoder[K any] func(w io.Writer, key K) error
type ValueEncoder[V any] func(w io.Writer, value V) error
type KeyDecoder[K any] func(r io.Reader) (K, error)
type ValueDecoder[V any] func(r io.Reader) (V, error)

// Encode serializes e's full (unfragmented) payload to w.
func Encode[K any, V any](w io.Writer, e Entry[K, V], encKey KeyEncoder[K], encValue ValueEncoder[V]) error {
	if _, err := w.Write([]byte{byte(e.Kind)}); err != nil {
		return err
	}
	switch e.Kind {
	case KindInsert:
		if err := codec.WriteUint64(w, e.Tid); err != nil {
			return err
		}
		return encKey(w, e.Key)
	case KindChange:
		if err := codec.WriteUint64(w, e.Tid); err != nil {
			return err
		}
		if err := encKey(w, e.Key); err != nil {
			return err
		}
		return encValue(w, e.Value)
	case KindTransaction:
		if _, err := w.Write([]byte{byte(e.Tx)}); err != nil {
			return err
		}
		return codec.WriteUint64(w, e.Tid)
	case KindCheckpoint:
		if _, err := w.Write([]byte{byte(e.Ck)}); err != nil {
			return err
		}
		if e.Ck != CheckpointBegin {
			return nil
		}
		if err := codec.WriteInt32(w, int32(len(e.ActiveTids))); err != nil {
			return err
		}
		for _, tid := range e.ActiveTids {
			if err := codec.WriteUint64(w, tid); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("entries: encode: unknown kind %d", e.Kind)
	}
}

// Decode deserializes an Entry from r, the inverse of Encode.
func Decode[K any, V any](r io.Reader, decKey KeyDecoder[K], decValue ValueDecoder[V]) (Entry[K, V], error) {
	var e Entry[K, V]

	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return e, fmt.Errorf("entries: decode kind: %w", err)
	}
	e.Kind = Kind(kindByte[0])

	switch e.Kind {
	case KindInsert:
		tid, err := codec.ReadUint64(r)
		if err != nil {
			return e, fmt.Errorf("entries: decode insert tid: %w", err)
		}
		e.Tid = tid
		e.Key, err = decKey(r)
		if err != nil {
			return e, fmt.Errorf("entries: decode insert key: %w", err)
		}
		return e, nil

	case KindChange:
		tid, err := codec.ReadUint64(r)
		if err != nil {
			return e, fmt.Errorf("entries: decode change tid: %w", err)
		}
		e.Tid = tid
		e.Key, err = decKey(r)
		if err != nil {
			return e, fmt.Errorf("entries: decode change key: %w", err)
		}
		e.Value, err = decValue(r)
		if err != nil {
			return e, fmt.Errorf("entries: decode change value: %w", err)
		}
		return e, nil

	case KindTransaction:
		var tag [1]byte
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			return e, fmt.Errorf("entries: decode transaction tag: %w", err)
		}
		e.Tx = TxKind(tag[0])
		tid, err := codec.ReadUint64(r)
		if err != nil {
			return e, fmt.Errorf("entries: decode transaction tid: %w", err)
		}
		e.Tid = tid
		return e, nil

	case KindCheckpoint:
		var tag [1]byte
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			return e, fmt.Errorf("entries: decode checkpoint tag: %w", err)
		}
		e.Ck = CheckpointKind(tag[0])
		if e.Ck != CheckpointBegin {
			return e, nil
		}
		count, err := codec.ReadInt32(r)
		if err != nil {
			return e, fmt.Errorf("entries: decode checkpoint count: %w", err)
		}
		tids := make([]uint64, count)
		for i := range tids {
			tids[i], err = codec.ReadUint64(r)
			if err != nil {
				return e, fmt.Errorf("entries: decode checkpoint tid %d: %w", i, err)
			}
		}
		e.ActiveTids = tids
		return e, nil

	default:
		return e, fmt.Errorf("entries: decode: unknown kind %d", e.Kind)
	}
}
