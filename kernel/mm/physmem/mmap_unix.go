//go:build unix

package physmem

import "golang.org/x/sys/unix"

// mapAnonymous returns a zero-filled, private, read/write mapping that is not
// backed by any file.
func mapAnonymous(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapAnonymous(data []byte) error {
	return unix.Munmap(data)
}
