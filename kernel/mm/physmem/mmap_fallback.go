//go:build !unix

package physmem

// mapAnonymous falls back to a regular heap allocation when mmap is not
// available.
func mapAnonymous(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapAnonymous(_ []byte) error {
	return nil
}
