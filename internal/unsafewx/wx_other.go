//go:build !(aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris || windows)

package unsafewx

import "errors"

// ErrUnsupported is returned by Alloc on systems without W^X support.
var ErrUnsupported = errors.New("wx: executable memory not supported on this system")

// Alloc allocates a block of W^X memory. It always fails on this system.
func Alloc(n int) (*Block, error) {
	return nil, ErrUnsupported
}

// Exec marks the block as executable.
func (b *Block) Exec() error {
	return ErrUnsupported
}

// Close releases the block's memory.
func (b *Block) Close() error {
	return ErrInvalidClose
}
