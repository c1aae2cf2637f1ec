//go:build unix

package blockio

import (
	"os"

	"golang.org/x/sys/unix"
)

func fsync(f *os.File) error {
	return unix.Fsync(int(f.Fd()))
}
