package unsafewx_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zephyrtronium/blockenc/blockenc"
	"github.com/zephyrtronium/blockenc/internal/unsafewx"
	"github.com/zephyrtronium/blockenc/x86"
)

// sum5 computes 3*5 with a loop, skipping a store that would clobber it.
// Only RAX and RCX are touched.
var sum5 = []byte{
	0x31, 0xC0, // 0x1000 xor eax, eax
	0xB9, 0x05, 0x00, 0x00, 0x00, // 0x1002 mov ecx, 5
	0x83, 0xC0, 0x03, // 0x1007 add eax, 3
	0xE2, 0xFB, // 0x100a loop 0x1007
	0xEB, 0x05, // 0x100c jmp 0x1013
	0xB8, 0x02, 0x00, 0x00, 0x00, // 0x100e mov eax, 2
	0xC3, // 0x1013 ret
}

func Example() {
	insts, err := x86.DecodeAll(sum5, 64, 0x1000)
	if err != nil {
		panic(err)
	}
	b := unsafewx.MustAlloc(64)
	defer b.Close()
	if _, err := blockenc.Encode(64, blockenc.Block{Sink: b, Insts: insts, IP: b.Addr()}, 0); err != nil {
		panic(err)
	}
	if err := b.Exec(); err != nil {
		panic(err)
	}
	f := unsafewx.Func[func() int](b, 0)
	fmt.Println(f())
	// Output: 15
}

// TestRunRelocated tests that a block encoded after other code in the same
// memory still runs correctly.
func TestRunRelocated(t *testing.T) {
	insts, err := x86.DecodeAll(sum5, 64, 0x7f0000001000)
	require.NoError(t, err)
	b := unsafewx.MustAlloc(256)
	defer b.Close()
	for i := 0; i < 100; i++ {
		require.NoError(t, b.WriteByte(0xCC))
	}
	start := b.Cursor()
	r, err := blockenc.Encode(64, blockenc.Block{Sink: b, Insts: insts, IP: b.Addr()}, blockenc.ReturnNewInstructionOffsets)
	require.NoError(t, err)
	require.Equal(t, int(r.Len()), b.Len()-int(start))
	for _, off := range r.NewInstructionOffsets {
		require.True(t, off.OK)
	}
	require.NoError(t, b.Exec())
	f := unsafewx.Func[func() int](b, start)
	require.Equal(t, 15, f())
}
