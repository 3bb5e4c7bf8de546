//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package unsafewx

import (
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Alloc allocates a block of W^X memory. Panics if n < 0.
func Alloc(n int) (*Block, error) {
	if n < 0 {
		panic(xerrors.Errorf("wx: cannot allocate %d bytes: negative values are illegal", n))
	}
	ps := unix.Getpagesize()
	c := (n + ps - 1) / ps * ps
	if c == 0 {
		// Mmap uses a special region for zero-byte allocations, and we must
		// not change its protections.
		c = ps
	}
	logv("allocating", zap.Int("n", n), zap.Int("cap", c))
	v, err := unix.Mmap(-1, 0, c, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		logv("alloc failed", zap.Error(err))
		return nil, xerrors.Errorf("wx: mmap: %w", err)
	}
	// Mmap keeps the mapping alive in a private table, so holding only the
	// address is safe.
	p := uintptr(unsafe.Pointer(unsafe.SliceData(v)))
	logv("allocated", zap.Int("cap", c), zap.Uintptr("addr", p))
	return &Block{v: p, c: uintptr(c)}, nil
}

// Exec marks the block as executable. Following this, any write operations
// panic, and functions assembled within may be called.
func (b *Block) Exec() error {
	b.check()
	logv("marking executable", zap.Uintptr("addr", b.v), zap.Uintptr("len", b.n), zap.Uintptr("cap", b.c))
	if err := unix.Mprotect(b.mem(), unix.PROT_READ|unix.PROT_EXEC); err != nil {
		logv("protect failed", zap.Error(err))
		return xerrors.Errorf("wx: mprotect: %w", err)
	}
	b.x = true
	return nil
}

// Close releases the block's memory. Following this, b.IsValid returns false.
func (b *Block) Close() error {
	if !b.IsValid() {
		return ErrInvalidClose
	}
	logv("freeing", zap.Uintptr("addr", b.v), zap.Uintptr("len", b.n), zap.Uintptr("cap", b.c))
	if err := unix.Munmap(b.mem()); err != nil {
		logv("free failed", zap.Error(err))
		return xerrors.Errorf("wx: munmap: %w", err)
	}
	b.v = 0
	return nil
}
