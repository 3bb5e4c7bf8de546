// Package unsafewx provides management routines for memory that is either
// writeable or executable.
//
// W^X memory as implemented in package unsafewx is writeable exactly until it
// becomes executable. Once execute permission is added, write permission is
// removed, and there is no way to transition back.
//
// A Block is an io.ByteWriter, so it can be the sink of a block encoder. Since
// the block's memory does not move, code can be encoded directly at its final
// address: pass Addr as the block's new instruction pointer, then Exec and
// call it through Func.
//
// The "unsafe" part of unsafewx is there because using this package is
// inherently unsafe, as it lets you execute arbitrary code with absolutely no
// safety checks. Be mindful.
package unsafewx

import (
	"errors"
	"io"
	"reflect"
	"unsafe"

	"go.uber.org/zap"
)

// A Block represents a block of writeable or executable memory, or W^X.
type Block struct {
	v    uintptr // pointer to data
	n, c uintptr // len and cap
	x    bool    // executable flag
}

// MustAlloc is like Alloc but panics if the block could not be allocated.
func MustAlloc(n int) *Block {
	b, err := Alloc(n)
	if err != nil {
		panic(err)
	}
	return b
}

// IsValid returns true if the block refers to committed memory.
func (b *Block) IsValid() bool {
	return b != nil && b.v != 0
}

func (b *Block) check() {
	if !b.IsValid() {
		panic("wx: use of invalid block")
	}
}

// mem returns the block's memory as a slice of its full capacity.
func (b *Block) mem() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b.v)), b.c)
}

// Available returns the number of unwritten bytes in the block. Panics if the
// block is not valid.
func (b *Block) Available() int {
	b.check()
	return int(b.c - b.n)
}

// Len returns the number of bytes written in the block. Panics if the block is
// not valid.
func (b *Block) Len() int {
	b.check()
	return int(b.n)
}

// Cursor returns the current write-to position in the block. This may be
// useful to keep track of the addresses of function pointers when writing
// multiple functions to the same block. Panics if the block is not valid.
func (b *Block) Cursor() uintptr {
	b.check()
	return b.n
}

// Addr returns the address in memory of the current write-to position. Panics
// if the block is not valid.
func (b *Block) Addr() uint64 {
	b.check()
	return uint64(b.v + b.n)
}

// Write writes bytes into the block. If the number of bytes to write exceeds
// the capacity of the block, Write ignores the excess and returns
// ErrCapacityExceeded. Panics if the block is not valid or if b.Exec has
// succeeded.
func (b *Block) Write(p []byte) (n int, err error) {
	if b.x {
		panic("wx: attempted to write to executable memory")
	}
	if len(p) == 0 {
		return 0, nil
	}
	n = len(p)
	if c := b.Available(); n > c {
		// Writing too much data.
		err = ErrCapacityExceeded
		n = c
	}
	copy(b.mem()[b.n:], p[:n])
	b.n += uintptr(n)
	return n, err
}

// WriteByte writes one byte into the block. Panics under the same conditions
// as Write.
func (b *Block) WriteByte(c byte) error {
	if b.x {
		panic("wx: attempted to write to executable memory")
	}
	if b.Available() == 0 {
		return ErrCapacityExceeded
	}
	b.mem()[b.n] = c
	b.n++
	return nil
}

// WriteTo copies out the written contents of the block. Panics if the block is
// not valid.
func (b *Block) WriteTo(w io.Writer) (n int64, err error) {
	b.check()
	// Copy out first so that w never holds a reference into the block.
	p := append([]byte(nil), b.mem()[:b.n]...)
	wn, err := w.Write(p)
	return int64(wn), err
}

// Func returns a function of type F that executes the code at offset off in
// the block. The caller is responsible for ensuring that the code there is
// ABI-compatible with F, and that the block is not closed while the function
// is executing. Panics if F is not a function type, if the block is invalid
// or has not been marked executable, or if off is outside the written part of
// the block (but not if the function leaves the block's bounds; that will
// result in an unrecoverable fault).
func Func[F any](b *Block, off uintptr) F {
	if reflect.TypeOf((*F)(nil)).Elem().Kind() != reflect.Func {
		panic("wx: Func type parameter is not a function type")
	}
	if !b.IsValid() {
		panic("wx: attempted to create function without committed memory")
	}
	if !b.x {
		panic("wx: attempted to create function in writeable memory")
	}
	if off >= b.n {
		panic("wx: function pointer out of bounds")
	}
	// A func value points to a closure whose first word is the code pointer.
	// See https://golang.org/s/go11func.
	code := new(uintptr)
	*code = b.v + off
	return *(*F)(unsafe.Pointer(&code))
}

// ErrCapacityExceeded is the error returned when attempting to write more
// data than a block can hold.
var ErrCapacityExceeded = errors.New("wx: write exceeded block availability")

// ErrInvalidClose is the error returned when attempting to close a block that
// is nil or already closed.
var ErrInvalidClose = errors.New("wx: close on invalid block")

// Verbose, if non-nil, is used to log every memory operation at debug level.
var Verbose *zap.Logger

func logv(msg string, fields ...zap.Field) {
	if Verbose != nil {
		Verbose.Debug(msg, fields...)
	}
}
