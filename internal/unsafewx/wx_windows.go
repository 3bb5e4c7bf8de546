package unsafewx

import (
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
	"golang.org/x/xerrors"
)

// Alloc allocates a block of W^X memory. Panics if n < 0.
func Alloc(n int) (*Block, error) {
	if n < 0 {
		panic(xerrors.Errorf("wx: cannot allocate %d bytes: negative values are illegal", n))
	}
	ps := windows.Getpagesize()
	c := (n + ps - 1) / ps * ps
	if c == 0 {
		c = ps
	}
	logv("allocating", zap.Int("n", n), zap.Int("cap", c))
	p, err := windows.VirtualAlloc(0, uintptr(c), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		logv("alloc failed", zap.Error(err))
		return nil, xerrors.Errorf("wx: VirtualAlloc: %w", err)
	}
	logv("allocated", zap.Int("cap", c), zap.Uintptr("addr", p))
	return &Block{v: p, c: uintptr(c)}, nil
}

// Exec marks the block as executable. Following this, any write operations
// panic, and functions assembled within may be called.
func (b *Block) Exec() error {
	b.check()
	logv("marking executable", zap.Uintptr("addr", b.v), zap.Uintptr("len", b.n), zap.Uintptr("cap", b.c))
	var x uint32
	if err := windows.VirtualProtect(b.v, b.c, windows.PAGE_EXECUTE_READ, &x); err != nil {
		logv("protect failed", zap.Error(err))
		return xerrors.Errorf("wx: VirtualProtect: %w", err)
	}
	b.x = true
	// MSDN asks for FlushInstructionCache here. x86 keeps instruction caches
	// coherent, and no other architecture is supported.
	return nil
}

// Close releases the block's memory. Following this, b.IsValid returns false.
func (b *Block) Close() error {
	if !b.IsValid() {
		return ErrInvalidClose
	}
	logv("freeing", zap.Uintptr("addr", b.v), zap.Uintptr("len", b.n), zap.Uintptr("cap", b.c))
	if err := windows.VirtualFree(b.v, 0, windows.MEM_RELEASE); err != nil {
		logv("free failed", zap.Error(err))
		return xerrors.Errorf("wx: VirtualFree: %w", err)
	}
	b.v = 0
	return nil
}
