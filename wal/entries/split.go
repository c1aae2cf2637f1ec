package entries

import "diskwal/model/record"

// Split chunks a serialized entry's bytes into the sequence of records
// that will carry it on disk, tagging each chunk per section 4.4: zero
// chunks become a single Zero record, one chunk becomes a single Full
// record, and two or more become First, Middle..., Last.
func Split(payload []byte, maxRecordSize int) []record.Record {
	if len(payload) == 0 {
		return []record.Record{record.New(record.KindZero, nil)}
	}

	var chunks [][]byte
	for start := 0; start < len(payload); start += maxRecordSize {
		end := start + maxRecordSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}

	if len(chunks) == 1 {
		return []record.Record{record.New(record.KindFull, chunks[0])}
	}

	records := make([]record.Record, len(chunks))
	for i, chunk := range chunks {
		kind := record.KindMiddle
		switch i {
		case 0:
			kind = record.KindFirst
		case len(chunks) - 1:
			kind = record.KindLast
		}
		records[i] = record.New(kind, chunk)
	}
	return records
}
