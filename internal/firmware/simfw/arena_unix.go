//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package simfw

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// newArena maps anonymous memory for guest RAM so large machines do not
// sit on the Go heap.
func newArena(size int) ([]byte, func(), error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap guest RAM: %w", err)
	}
	return mem, func() {
		_ = unix.Munmap(mem)
	}, nil
}
