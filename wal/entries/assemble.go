package entries

import (
	"errors"
	"fmt"

	"diskwal/model/record"
	"diskwal/wal/iterator"
)

// ErrOutOfRecords is returned when the iterator is exhausted before a
// fragmented payload is fully reassembled.
var ErrOutOfRecords = errors.New("entries: ran out of records before entry was complete")

// InvalidTransferError reports an illegal state transition in the
// fragmentation reassembly DFA: a record kind that cannot follow the kind
// last seen.
type InvalidTransferError struct {
	Kind record.Kind
}

func (e *InvalidTransferError) Error() string {
	return fmt.Sprintf("entries: invalid transfer: unexpected record kind %s", e.Kind)
}

type assembleState int

const (
	stateNone assembleState = iota
	stateOpen
)

// ReadForward reassembles one entry's serialized payload by pulling
// records from it via Next, the mirror image of Split. It recognizes
// Zero/Full as complete in one record, and First, Middle*, Last as a
// fragmented sequence.
func ReadForward(it *iterator.Iterator) ([]byte, error) {
	return assemble(it.Next, record.KindFirst, record.KindLast, false)
}

// ReadBackward reassembles one entry's serialized payload walking via
// NextBack. Each fragment's payload is reversed before appending to the
// buffer, and the completed buffer is reversed once before being
// returned, since records arrive last-to-first. The accepted sequence is
// Last, Middle..., First.
func ReadBackward(it *iterator.Iterator) ([]byte, error) {
	return assemble(it.NextBack, record.KindLast, record.KindFirst, true)
}

// assemble drives the three-state reassembly DFA (None -> Open -> done).
// bracketStart is the kind that opens a fragmented sequence (First when
// walking forward, Last when walking backward); bracketEnd is the kind
// that closes it.
func assemble(next func() (record.Record, bool), bracketStart, bracketEnd record.Kind, reverseFragments bool) ([]byte, error) {
	state := stateNone
	var buf []byte

	appendFragment := func(payload []byte) {
		if reverseFragments {
			for i := len(payload) - 1; i >= 0; i-- {
				buf = append(buf, payload[i])
			}
			return
		}
		buf = append(buf, payload...)
	}

	for {
		rec, ok := next()
		if !ok {
			return nil, ErrOutOfRecords
		}

		switch state {
		case stateNone:
			switch {
			case rec.Kind == record.KindZero || rec.Kind == record.KindFull:
				return rec.Payload, nil
			case rec.Kind == bracketStart:
				appendFragment(rec.Payload)
				state = stateOpen
			default:
				return nil, &InvalidTransferError{Kind: rec.Kind}
			}

		case stateOpen:
			switch {
			case rec.Kind == record.KindMiddle:
				appendFragment(rec.Payload)
			case rec.Kind == bracketEnd:
				appendFragment(rec.Payload)
				if reverseFragments {
					reverseInPlace(buf)
				}
				return buf, nil
			default:
				return nil, &InvalidTransferError{Kind: rec.Kind}
			}
		}
	}
}

func reverseInPlace(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
