//go:build !unix

package blockio

import "os"

func fsync(f *os.File) error {
	return f.Sync()
}
