//go:build linux || darwin || freebsd || netbsd || openbsd

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocRAM maps anonymous zero-filled memory for guest RAM.
func allocRAM(size uint32) ([]byte, func() error, error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes of guest RAM: %w", size, err)
	}
	return buf, func() error { return unix.Munmap(buf) }, nil
}
