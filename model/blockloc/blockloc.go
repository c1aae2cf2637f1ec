// Package blockloc identifies a single fixed-size block on disk.
package blockloc

// Location addresses one block within one log file by its zero-based block
// index. It is the key used by wal/blockio's block cache and is comparable,
// so it can be used directly as a map key.
type Location struct {
	Path  string
	Index uint64
}
