// Package shutdownmarker implements the clean-shutdown flag file an
// undo/redo engine writes next to its log: a single byte plus the last
// transaction id, overwritten to "dirty" as soon as the log is open for
// writing and rewritten to "clean" only on a graceful Close.
//
// It is a pure optimization. A missing or dirty marker is treated exactly
// like any other unclean shutdown (full recovery runs); a clean marker
// only lets Open skip the iterator walk, never changes what recovery
// would have concluded.
package shutdownmarker

import (
	"encoding/binary"
	"fmt"
	"os"
)

const size = 9 // 1 flag byte + 8-byte big-endian tid

// Path returns the marker file path for the log at logPath.
func Path(logPath string) string {
	return logPath + ".shutdown"
}

// State is what Read reports: whether the previous shutdown was clean,
// and, only when it was, the last transaction id the engine had issued.
type State struct {
	Clean   bool
	LastTid uint64
}

// Read loads the marker at path. A missing marker reads as a dirty state,
// the same as any other unclean shutdown.
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("shutdownmarker: read %s: %w", path, err)
	}
	if len(data) < size {
		return State{}, nil
	}
	return State{
		Clean:   data[0] == 1,
		LastTid: binary.BigEndian.Uint64(data[1:size]),
	}, nil
}

// MarkDirty overwrites the marker to record that the log is open for
// writing, so any interruption before the next MarkClean must be treated
// as an unclean shutdown.
func MarkDirty(path string) error {
	return write(path, false, 0)
}

// MarkClean overwrites the marker to record a graceful shutdown at
// lastTid, the highest transaction id the engine had issued.
func MarkClean(path string, lastTid uint64) error {
	return write(path, true, lastTid)
}

func write(path string, clean bool, lastTid uint64) error {
	data := make([]byte, size)
	if clean {
		data[0] = 1
	}
	binary.BigEndian.PutUint64(data[1:size], lastTid)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("shutdownmarker: write %s: %w", path, err)
	}
	return nil
}
