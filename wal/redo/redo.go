// Package redo implements the redo-log discipline: a transaction's
// post-images are withheld from the store's durable medium until its
// Commit record is on disk, so a committed transaction can always be
// replayed forward from the log if the store itself lost the write.
//
// Like wal/undo, the engine is single-writer and single-threaded: it owns
// its log file, its Store, and its in-memory change bookkeeping
// exclusively for its lifetime.
package redo

import (
	"bytes"
	"errors"
	"fmt"

	"diskwal/store"
	"diskwal/wal/blockio"
	"diskwal/wal/entries"
	"diskwal/wal/iterator"
	"diskwal/wal/shutdownmarker"
	"diskwal/walconfig"
)

// ErrStoreFlushFailed wraps an error returned by the store's Flush during
// Commit.
var ErrStoreFlushFailed = errors.New("redo: store flush failed")

// Engine is a redo-log-disciplined write-ahead log guarding a
// store.Store[K, V]. K must be comparable so the engine can maintain a
// last-write-wins projection of staged changes for checkpointing.
type Engine[K comparable, V any] struct {
	file  *blockio.File
	cfg   *walconfig.Config
	store store.Store[K, V]

	encodeKey   entries.KeyEncoder[K]
	decodeKey   entries.KeyDecoder[K]
	encodeValue entries.ValueEncoder[V]
	decodeValue entries.ValueDecoder[V]

	memLog  [][]byte
	lastTid uint64
	active  map[uint64]struct{}
	changes *changeSet[K, V]

	markerPath    string
	cleanShutdown bool
}

// Open opens (creating if necessary) the log file at path, runs two-pass
// redo recovery against st, and returns a ready-to-use Engine.
func Open[K comparable, V any](
	path string,
	cfg *walconfig.Config,
	st store.Store[K, V],
	encodeKey entries.KeyEncoder[K],
	decodeKey entries.KeyDecoder[K],
	encodeValue entries.ValueEncoder[V],
	decodeValue entries.ValueDecoder[V],
) (*Engine[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, err := blockio.Open(path, cfg.CacheBlocks)
	if err != nil {
		return nil, err
	}

	e := &Engine[K, V]{
		file:        f,
		cfg:         cfg,
		store:       st,
		encodeKey:   encodeKey,
		decodeKey:   decodeKey,
		encodeValue: encodeValue,
		decodeValue: decodeValue,
		active:      make(map[uint64]struct{}),
		changes:     newChangeSet[K, V](),
		markerPath:  shutdownmarker.Path(path),
	}

	marker, err := shutdownmarker.Read(e.markerPath)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("redo: read shutdown marker: %w", err)
	}
	e.cleanShutdown = marker.Clean

	if marker.Clean {
		e.lastTid = marker.LastTid
	} else if err := e.recover(); err != nil {
		f.Close()
		return nil, fmt.Errorf("redo: recovery: %w", err)
	}

	if err := shutdownmarker.MarkDirty(e.markerPath); err != nil {
		f.Close()
		return nil, fmt.Errorf("redo: mark shutdown dirty: %w", err)
	}
	return e, nil
}

// Close closes the underlying log file. If no transaction is still active
// it first rewrites the shutdown marker as clean, so a subsequent Open
// against the same path can skip recovery entirely, since nothing was left
// to redo; otherwise the marker stays dirty and the next Open recovers.
func (e *Engine[K, V]) Close() error {
	if len(e.active) == 0 {
		if err := shutdownmarker.MarkClean(e.markerPath, e.lastTid); err != nil {
			return err
		}
	}
	return e.file.Close()
}

// CleanShutdown reports whether the marker found at Open indicated the
// previous shutdown was graceful, meaning recovery was skipped. It is a
// pure observability hook: correctness never depends on it.
func (e *Engine[K, V]) CleanShutdown() bool {
	return e.cleanShutdown
}

// LastTid returns the highest transaction id the engine has issued or
// observed during recovery.
func (e *Engine[K, V]) LastTid() uint64 {
	return e.lastTid
}

// Start begins a new transaction and returns its id.
func (e *Engine[K, V]) Start() (uint64, error) {
	e.lastTid++
	tid := e.lastTid
	if err := e.stage(entries.Start[K, V](tid)); err != nil {
		return 0, err
	}
	e.active[tid] = struct{}{}
	return tid, nil
}

// Write stages a Change carrying the new value for key under tid, records
// it in the staged-changes table a future checkpoint will consult, and
// updates the in-memory store. The store must not make this mutation
// durable until Flush or FlushChange is called on it, which only Commit
// and Checkpoint do. It is a no-op if tid is not an active transaction.
func (e *Engine[K, V]) Write(tid uint64, key K, value V) error {
	if _, ok := e.active[tid]; !ok {
		return nil
	}
	if err := e.stage(entries.NewChange[K, V](tid, key, value)); err != nil {
		return err
	}
	e.changes.record(tid, key, value)
	e.store.Update(key, value)
	return nil
}

// Commit stages and flushes tid's Commit record, then flushes the store,
// in that order: the Commit record must reach disk before the store's
// post-images do, so a crash between the two flushes leaves the log
// committed but the store not yet durable, which recovery repairs by
// replaying forward.
func (e *Engine[K, V]) Commit(tid uint64) error {
	if err := e.stage(entries.Commit[K, V](tid)); err != nil {
		return err
	}
	if err := e.flush(); err != nil {
		return err
	}
	if err := e.store.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFlushFailed, err)
	}
	e.changes.markCommitted(tid)
	delete(e.active, tid)
	return nil
}

// Checkpoint stages a Begin/End pair bracketing the currently active
// transactions and, in between, pushes every already-committed staged
// change durably via store.FlushChange. It runs freely with transactions
// still active: effectiveMap only ever projects committed tids, so an
// active transaction's uncommitted writes are never flushed early.
func (e *Engine[K, V]) Checkpoint() error {
	tids := make([]uint64, 0, len(e.active))
	for tid := range e.active {
		tids = append(tids, tid)
	}

	if err := e.stage(entries.CheckpointBeginEntry[K, V](tids)); err != nil {
		return err
	}
	if err := e.flush(); err != nil {
		return err
	}

	for key, value := range e.changes.effectiveMap() {
		if err := e.store.FlushChange(key, value); err != nil {
			return fmt.Errorf("%w: %w", ErrStoreFlushFailed, err)
		}
	}

	if err := e.stage(entries.CheckpointEndEntry[K, V]()); err != nil {
		return err
	}
	return e.flush()
}

func (e *Engine[K, V]) stage(entry entries.Entry[K, V]) error {
	var buf bytes.Buffer
	if err := entries.Encode(&buf, entry, e.encodeKey, e.encodeValue); err != nil {
		return fmt.Errorf("redo: stage entry: %w", err)
	}
	e.memLog = append(e.memLog, buf.Bytes())
	return nil
}

func (e *Engine[K, V]) flush() error {
	for _, payload := range e.memLog {
		for _, rec := range entries.Split(payload, e.cfg.MaxRecordSize) {
			var buf bytes.Buffer
			if err := rec.Write(&buf); err != nil {
				return fmt.Errorf("redo: write record: %w", err)
			}
			if err := e.file.Append(buf.Bytes()); err != nil {
				return fmt.Errorf("redo: append record: %w", err)
			}
		}
	}
	e.memLog = e.memLog[:0]
	return nil
}

type checkpointRecoveryState int

const (
	recoveryNone checkpointRecoveryState = iota
	recoveryArmedEnd
	recoveryArmedBegin
)

// recover runs the two-pass redo recovery of section 4.6: a backward pass
// to learn which transactions committed and to find the most recent
// matched checkpoint window, then a forward pass from that window
// (or the start of the file, if no checkpoint bounds it) replaying every
// committed transaction's writes.
func (e *Engine[K, V]) recover() error {
	if e.file.BlockCount() == 0 {
		return nil
	}

	it := iterator.NewBackward(e.file)

	committed := make(map[uint64]struct{})
	aborted := make(map[uint64]struct{})
	uncommitted := make(map[uint64]struct{})

	state := recoveryNone
	var expected map[uint64]struct{}
	haltedAtCheckpoint := false

backward:
	for {
		payload, err := entries.ReadBackward(it)
		if err != nil {
			if errors.Is(err, entries.ErrOutOfRecords) {
				break backward
			}
			return err
		}
		entry, err := entries.Decode[K, V](bytes.NewReader(payload), e.decodeKey, e.decodeValue)
		if err != nil {
			return fmt.Errorf("redo: decode entry during recovery: %w", err)
		}

		switch entry.Kind {
		case entries.KindTransaction:
			switch entry.Tx {
			case entries.TxCommit:
				committed[entry.Tid] = struct{}{}
			case entries.TxAbort:
				aborted[entry.Tid] = struct{}{}
			case entries.TxStart:
				if state == recoveryArmedBegin {
					delete(expected, entry.Tid)
					if len(expected) == 0 {
						haltedAtCheckpoint = true
						break backward
					}
				}
			}

		case entries.KindChange:
			if _, done := committed[entry.Tid]; !done {
				if _, ab := aborted[entry.Tid]; !ab {
					uncommitted[entry.Tid] = struct{}{}
				}
			}

		case entries.KindCheckpoint:
			switch entry.Ck {
			case entries.CheckpointEnd:
				if state == recoveryNone {
					state = recoveryArmedEnd
				}
			case entries.CheckpointBegin:
				if state == recoveryArmedEnd {
					if len(entry.ActiveTids) == 0 {
						haltedAtCheckpoint = true
						break backward
					}
					expected = make(map[uint64]struct{}, len(entry.ActiveTids))
					for _, tid := range entry.ActiveTids {
						expected[tid] = struct{}{}
					}
					state = recoveryArmedBegin
				}
			}
		}
	}

	// Second pass, forward, from the halt position. If the backward pass
	// matched a checkpoint window, the iterator's direction-reversal pivot
	// already sits on the earliest relevant Start record: a plain Next()
	// resumes exactly there. Otherwise the backward pass ran off the start
	// of the file without finding one, so replay must cover everything
	// from a fresh forward iterator.
	var fwd *iterator.Iterator
	if haltedAtCheckpoint {
		fwd = it
	} else {
		fwd = iterator.NewForward(e.file)
	}

	for {
		payload, err := entries.ReadForward(fwd)
		if err != nil {
			if errors.Is(err, entries.ErrOutOfRecords) {
				break
			}
			return err
		}
		entry, err := entries.Decode[K, V](bytes.NewReader(payload), e.decodeKey, e.decodeValue)
		if err != nil {
			return fmt.Errorf("redo: decode entry during replay: %w", err)
		}
		if entry.Kind == entries.KindChange {
			if _, ok := committed[entry.Tid]; ok {
				e.store.Update(entry.Key, entry.Value)
			}
		}
	}

	if err := e.store.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFlushFailed, err)
	}

	for tid := range uncommitted {
		if err := e.stage(entries.Abort[K, V](tid)); err != nil {
			return err
		}
	}
	if err := e.flush(); err != nil {
		return err
	}

	e.lastTid = 0
	for _, set := range []map[uint64]struct{}{committed, aborted, uncommitted} {
		for tid := range set {
			if tid > e.lastTid {
				e.lastTid = tid
			}
		}
	}
	e.active = make(map[uint64]struct{})

	return nil
}
