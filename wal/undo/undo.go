// Package undo implements the undo-log discipline: before-images are
// forced to disk ahead of a transaction's commit, so an uncommitted
// transaction can always be rolled back by replaying its undo records in
// reverse.
//
// The engine is single-writer and single-threaded: it owns its log file
// and its Store exclusively for its lifetime (see diskwal/store). There
// is no internal locking.
package undo

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
var ErrStoreFlushFailed = errors.New("undo: store flush failed")

// Engine is an undo-log-disciplined write-ahead log guarding a
// store.Store[K, V].
type Engine[K any, V any] struct {
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

	checkpointing  bool
	checkpointTids map[uint64]struct{}

	markerPath    string
	cleanShutdown bool
}

// Open opens (creating if necessary) the log file at path, runs recovery
// against st, and returns a ready-to-use Engine.
func Open[K any, V any](
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
		markerPath:  shutdownmarker.Path(path),
	}

	marker, err := shutdownmarker.Read(e.markerPath)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("undo: read shutdown marker: %w", err)
	}
	e.cleanShutdown = marker.Clean

	if marker.Clean {
		e.lastTid = marker.LastTid
	} else if err := e.recover(); err != nil {
		f.Close()
		return nil, fmt.Errorf("undo: recovery: %w", err)
	}

	if err := shutdownmarker.MarkDirty(e.markerPath); err != nil {
		f.Close()
		return nil, fmt.Errorf("undo: mark shutdown dirty: %w", err)
	}
	return e, nil
}

// Close closes the underlying log file. If no transaction is still active
// it first rewrites the shutdown marker as clean, so a subsequent Open
// against the same path can skip recovery entirely, since nothing was left
// undone; otherwise the marker stays dirty and the next Open recovers.
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

// Write stages the undo record for setting key to value under tid (a
// Change carrying the prior value, or an Insert if key is new), then
// applies the mutation to the in-memory store. It is a no-op if tid is
// not an active transaction.
func (e *Engine[K, V]) Write(tid uint64, key K, value V) error {
	if _, ok := e.active[tid]; !ok {
		return nil
	}

	if old, ok := e.store.Get(key); ok {
		if err := e.stage(entries.NewChange[K, V](tid, key, old)); err != nil {
			return err
		}
	} else {
		if err := e.stage(entries.NewInsert[K, V](tid, key)); err != nil {
			return err
		}
	}

	e.store.Update(key, value)
	return nil
}

// Commit durably commits tid: the undo records staged for it (and
// anything else queued) are flushed to the log first, then the store's
// post-images are flushed, and only then is the Commit record itself
// staged and flushed. This ordering is the engine's core invariant: if a
// crash happens between the two flushes, the Commit record never reaches
// disk and recovery will abort the transaction.
func (e *Engine[K, V]) Commit(tid uint64) error {
	if err := e.flush(); err != nil {
		return err
	}
	if err := e.store.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFlushFailed, err)
	}

	if err := e.stage(entries.Commit[K, V](tid)); err != nil {
		return err
	}
	delete(e.active, tid)

	if e.checkpointing {
		delete(e.checkpointTids, tid)
		if len(e.checkpointTids) == 0 {
			if err := e.stage(entries.CheckpointEndEntry[K, V]()); err != nil {
				return err
			}
			e.checkpointing = false
			e.checkpointTids = nil
		}
	}

	return e.flush()
}

// Checkpoint stages a Begin record over the currently active transactions
// and remembers that set; commit completes the checkpoint by staging End
// once every transaction in the set has committed. It is a no-op if a
// checkpoint is already in progress.
func (e *Engine[K, V]) Checkpoint() error {
	if e.checkpointing {
		return nil
	}

	tids := make([]uint64, 0, len(e.active))
	set := make(map[uint64]struct{}, len(e.active))
	for tid := range e.active {
		tids = append(tids, tid)
		set[tid] = struct{}{}
	}

	if err := e.stage(entries.CheckpointBeginEntry[K, V](tids)); err != nil {
		return err
	}
	if err := e.flush(); err != nil {
		return err
	}

	e.checkpointing = true
	e.checkpointTids = set
	return nil
}

func (e *Engine[K, V]) stage(entry entries.Entry[K, V]) error {
	var buf bytes.Buffer
	if err := entries.Encode(&buf, entry, e.encodeKey, e.encodeValue); err != nil {
		return fmt.Errorf("undo: stage entry: %w", err)
	}
	e.memLog = append(e.memLog, buf.Bytes())
	return nil
}

// flush serializes and fragments every queued entry into records, appends
// them to the log file in order, and drains the queue.
func (e *Engine[K, V]) flush() error {
	for _, payload := range e.memLog {
		for _, rec := range entries.Split(payload, e.cfg.MaxRecordSize) {
			var buf bytes.Buffer
			if err := rec.Write(&buf); err != nil {
				return fmt.Errorf("undo: write record: %w", err)
			}
			if err := e.file.Append(buf.Bytes()); err != nil {
				return fmt.Errorf("undo: append record: %w", err)
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

// recover walks the log backward once, rolling back the pre-images of
// every transaction that never committed, then appends an Abort record
// for each of them.
func (e *Engine[K, V]) recover() error {
	if e.file.BlockCount() == 0 {
		return nil
	}

	it := iterator.NewBackward(e.file)

	finished := make(map[uint64]struct{})
	unfinished := make(map[uint64]struct{})

	state := recoveryNone
	var expected map[uint64]struct{}

loop:
	for {
		payload, err := entries.ReadBackward(it)
		if err != nil {
			if errors.Is(err, entries.ErrOutOfRecords) {
				break
			}
			return err
		}
		entry, err := entries.Decode[K, V](bytes.NewReader(payload), e.decodeKey, e.decodeValue)
		if err != nil {
			return fmt.Errorf("undo: decode entry during recovery: %w", err)
		}

		switch entry.Kind {
		case entries.KindTransaction:
			switch entry.Tx {
			case entries.TxCommit, entries.TxAbort:
				finished[entry.Tid] = struct{}{}
			case entries.TxStart:
				if state == recoveryArmedBegin {
					delete(expected, entry.Tid)
					if len(expected) == 0 {
						break loop
					}
				}
			}

		case entries.KindInsert:
			if _, done := finished[entry.Tid]; !done {
				e.store.Remove(entry.Key)
				unfinished[entry.Tid] = struct{}{}
			}

		case entries.KindChange:
			if _, done := finished[entry.Tid]; !done {
				e.store.Update(entry.Key, entry.Value)
				unfinished[entry.Tid] = struct{}{}
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
						break loop
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

	if err := e.store.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFlushFailed, err)
	}

	for tid := range unfinished {
		if err := e.stage(entries.Abort[K, V](tid)); err != nil {
			return err
		}
	}
	if err := e.flush(); err != nil {
		return err
	}

	e.lastTid = 0
	for tid := range finished {
		if tid > e.lastTid {
			e.lastTid = tid
		}
	}
	for tid := range unfinished {
		if tid > e.lastTid {
			e.lastTid = tid
		}
	}
	e.active = make(map[uint64]struct{})

	return nil
}
