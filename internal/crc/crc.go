// Package crc computes the CRC32-IEEE checksums used to protect WAL record
// payloads on disk.
package crc

import "hash/crc32"

// Checksum returns the CRC32-IEEE checksum of data.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Valid reports whether want matches the checksum of data.
func Valid(data []byte, want uint32) bool {
	return Checksum(data) == want
}
