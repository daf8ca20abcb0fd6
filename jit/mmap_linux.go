//go:build linux
// +build linux

package jit

import "golang.org/x/sys/unix"

// mmapCodeBuffer maps an anonymous RWX region for generated code. Mapping
// read-write-execute keeps chain patching a plain store; the W^X variant
// would bracket every emission and patch with an mprotect flip.
func mmapCodeBuffer(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

func munmapCodeBuffer(buf []byte) error {
	return unix.Munmap(buf)
}
