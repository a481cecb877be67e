//go:build linux || darwin || freebsd

package dataset

import "golang.org/x/sys/unix"

// adviseSequential hints that a mapping is read front to back once.
func adviseSequential(b []byte) {
	_ = unix.Madvise(b, unix.MADV_SEQUENTIAL)
}
