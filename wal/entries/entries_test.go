package entries

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"diskwal/codec"
	"diskwal/model/record"
	"diskwal/wal/blockio"
	"diskwal/wal/iterator"
)

func u64Key(w io.Writer, k uint64) error     { return codec.WriteUint64(w, k) }
func decodeU64Key(r io.Reader) (uint64, error) { return codec.ReadUint64(r) }
func strValue(w io.Writer, v string) error   { return codec.WriteString(w, v) }
func decodeStrValue(r io.Reader) (string, error) { return codec.ReadString(r) }

func TestEntryEncodeDecodeRoundTrip(t *testing.T) {
	insert := NewInsert[uint64, struct{}](7, 42)
	var buf bytes.Buffer
	if err := Encode(&buf, insert, u64Key, func(io.Writer, struct{}) error { return nil }); err != nil {
		t.Fatalf("Encode insert: %v", err)
	}
	got, err := Decode[uint64, struct{}](&buf, decodeU64Key, func(io.Reader) (struct{}, error) { return struct{}{}, nil })
	if err != nil {
		t.Fatalf("Decode insert: %v", err)
	}
	if got.Kind != KindInsert || got.Tid != 7 || got.Key != 42 {
		t.Fatalf("got %+v, want Tid=7 Key=42", got)
	}

	change := NewChange[uint64, string](7, 42, "hello")
	buf.Reset()
	if err := Encode(&buf, change, u64Key, strValue); err != nil {
		t.Fatalf("Encode change: %v", err)
	}
	gotChange, err := Decode[uint64, string](&buf, decodeU64Key, decodeStrValue)
	if err != nil {
		t.Fatalf("Decode change: %v", err)
	}
	if gotChange.Kind != KindChange || gotChange.Tid != 7 || gotChange.Key != 42 || gotChange.Value != "hello" {
		t.Fatalf("got %+v, want Tid=7 Key=42 Value=hello", gotChange)
	}
}

func TestTransactionAndCheckpointRoundTrip(t *testing.T) {
	noop := func(io.Writer, struct{}) error { return nil }
	noopDec := func(io.Reader) (struct{}, error) { return struct{}{}, nil }

	cases := []Entry[struct{}, struct{}]{
		Start[struct{}, struct{}](1),
		Commit[struct{}, struct{}](1),
		Abort[struct{}, struct{}](1),
		CheckpointBeginEntry[struct{}, struct{}]([]uint64{2, 3, 4}),
		CheckpointEndEntry[struct{}, struct{}](),
	}

	for _, e := range cases {
		var buf bytes.Buffer
		if err := Encode(&buf, e, noop, noop); err != nil {
			t.Fatalf("Encode %+v: %v", e, err)
		}
		got, err := Decode[struct{}, struct{}](&buf, noopDec, noopDec)
		if err != nil {
			t.Fatalf("Decode %+v: %v", e, err)
		}
		if got.Kind != e.Kind || got.Tx != e.Tx || got.Tid != e.Tid || got.Ck != e.Ck {
			t.Fatalf("got %+v, want %+v", got, e)
		}
		if len(got.ActiveTids) != len(e.ActiveTids) {
			t.Fatalf("ActiveTids = %v, want %v", got.ActiveTids, e.ActiveTids)
		}
		for i := range e.ActiveTids {
			if got.ActiveTids[i] != e.ActiveTids[i] {
				t.Fatalf("ActiveTids[%d] = %d, want %d", i, got.ActiveTids[i], e.ActiveTids[i])
			}
		}
	}
}

func TestSplitFragmentationTags(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		recs := Split(nil, 4)
		if len(recs) != 1 || recs[0].Kind != record.KindZero {
			t.Fatalf("Split(nil) = %+v, want single Zero record", recs)
		}
	})

	t.Run("single chunk", func(t *testing.T) {
		recs := Split([]byte("abc"), 4)
		if len(recs) != 1 || recs[0].Kind != record.KindFull {
			t.Fatalf("Split = %+v, want single Full record", recs)
		}
	})

	t.Run("multiple chunks", func(t *testing.T) {
		payload := []byte("abcdefghij")
		recs := Split(payload, 3)
		if len(recs) != 4 {
			t.Fatalf("len(recs) = %d, want 4", len(recs))
		}
		if recs[0].Kind != record.KindFirst {
			t.Fatalf("recs[0].Kind = %v, want First", recs[0].Kind)
		}
		for i := 1; i < len(recs)-1; i++ {
			if recs[i].Kind != record.KindMiddle {
				t.Fatalf("recs[%d].Kind = %v, want Middle", i, recs[i].Kind)
			}
		}
		if recs[len(recs)-1].Kind != record.KindLast {
			t.Fatalf("recs[last].Kind = %v, want Last", recs[len(recs)-1].Kind)
		}
		var reassembled []byte
		for _, r := range recs {
			reassembled = append(reassembled, r.Payload...)
		}
		if !bytes.Equal(reassembled, payload) {
			t.Fatalf("reassembled = %q, want %q", reassembled, payload)
		}
	})
}

func appendSplit(t *testing.T, f *blockio.File, payload []byte, maxRecordSize int) {
	t.Helper()
	for _, rec := range Split(payload, maxRecordSize) {
		var buf bytes.Buffer
		if err := rec.Write(&buf); err != nil {
			t.Fatalf("Write record: %v", err)
		}
		if err := f.Append(buf.Bytes()); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestReadForwardAndBackwardReassembly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.wal")
	f, err := blockio.Open(path, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	payloads := [][]byte{
		[]byte("short"),
		bytes.Repeat([]byte("xyz-"), 100), // forces fragmentation at small max size
		[]byte(""),
	}
	for _, p := range payloads {
		appendSplit(t, f, p, 16)
	}

	itf := iterator.NewForward(f)
	for i, want := range payloads {
		got, err := ReadForward(itf)
		if err != nil {
			t.Fatalf("ReadForward #%d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("ReadForward #%d = %q, want %q", i, got, want)
		}
	}

	itb := iterator.NewBackward(f)
	for i := len(payloads) - 1; i >= 0; i-- {
		got, err := ReadBackward(itb)
		if err != nil {
			t.Fatalf("ReadBackward #%d: %v", i, err)
		}
		if !bytes.Equal(got, payloads[i]) {
			t.Fatalf("ReadBackward #%d = %q, want %q", i, got, payloads[i])
		}
	}
}

func TestReadForwardInvalidTransfer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.wal")
	f, err := blockio.Open(path, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	// A Middle record with nothing preceding it is an illegal transition.
	var buf bytes.Buffer
	if err := record.New(record.KindMiddle, []byte("oops")).Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Append(buf.Bytes()); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err = ReadForward(iterator.NewForward(f))
	var invalid *InvalidTransferError
	if err == nil {
		t.Fatalf("ReadForward: err = nil, want InvalidTransferError")
	}
	if !bytesAs(err, &invalid) {
		t.Fatalf("ReadForward: err = %v, want *InvalidTransferError", err)
	}
}

func bytesAs(err error, target **InvalidTransferError) bool {
	ite, ok := err.(*InvalidTransferError)
	if !ok {
		return false
	}
	*target = ite
	return true
}

func TestReadForwardOutOfRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.wal")
	f, err := blockio.Open(path, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := record.New(record.KindFirst, []byte("half")).Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Append(buf.Bytes()); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err = ReadForward(iterator.NewForward(f))
	if err != ErrOutOfRecords {
		t.Fatalf("ReadForward: err = %v, want ErrOutOfRecords", err)
	}
}
