package x86

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestDecodeBranches(t *testing.T) {
	cases := []struct {
		name   string
		mode   int
		ip     uint64
		src    []byte
		kind   Kind
		cond   Cond
		target uint64
		rel    int
		opSize int
		addr   int
		pfx    []byte
	}{
		{"jmp self", 64, 0x1000, []byte{0xEB, 0xFE}, KindJmp, 0, 0x1000, 1, 64, 64, nil},
		{"call near", 64, 0x8000, []byte{0xE8, 0xFB, 0x0F, 0x00, 0x00}, KindCall, 0, 0x9000, 4, 64, 64, nil},
		{"je near", 64, 0x8000, []byte{0x0F, 0x84, 0xFA, 0x0F, 0x00, 0x00}, KindJcc, CondE, 0x9000, 4, 64, 64, nil},
		{"jg short", 32, 0x1000, []byte{0x7F, 0x80}, KindJcc, CondG, 0xF82, 1, 32, 32, nil},
		{"hinted je", 64, 0x1000, []byte{0x3E, 0x74, 0x10}, KindJcc, CondE, 0x1013, 1, 64, 64, []byte{0x3E}},
		{"loop", 32, 0x1000, []byte{0xE2, 0xFE}, KindLoop, 0, 0x1000, 1, 32, 32, nil},
		{"loopne", 16, 0x100, []byte{0xE0, 0x10}, KindLoopne, 0, 0x112, 1, 16, 16, nil},
		{"jecxz in 64-bit mode", 64, 0x1000, []byte{0x67, 0xE3, 0x10}, KindJcxz, 0, 0x1013, 1, 64, 32, nil},
		{"jmp wraps at 16 bits", 16, 0xFFF0, []byte{0xE9, 0x20, 0x00}, KindJmp, 0, 0x13, 2, 16, 16, nil},
		{"xbegin rel32", 64, 0x8000, []byte{0xC7, 0xF8, 0x00, 0x00, 0x00, 0x00}, KindXbegin, 0, 0x8006, 4, 64, 64, nil},
		{"xbegin rel16", 64, 0x8000, []byte{0x66, 0xC7, 0xF8, 0x00, 0x00}, KindXbegin, 0, 0x8005, 2, 64, 64, nil},
		{"xbegin rel16 above 64k", 64, 0x12340000, []byte{0x66, 0xC7, 0xF8, 0x10, 0x00}, KindXbegin, 0, 0x12340015, 2, 64, 64, nil},
		{"xbegin rel16 in 32-bit mode", 32, 0x12340000, []byte{0x66, 0xC7, 0xF8, 0x10, 0x00}, KindXbegin, 0, 0x15, 2, 16, 32, nil},
		{"jmp with ignored 66", 64, 0x401000, []byte{0x66, 0xE9, 0x00, 0x00, 0x00, 0x00}, KindJmp, 0, 0x401006, 4, 64, 64, []byte{0x66}},
		{"jmp with ignored rex.w", 64, 0x401000, []byte{0x48, 0xE9, 0x00, 0x00, 0x00, 0x00}, KindJmp, 0, 0x401006, 4, 64, 64, []byte{0x48}},
		{"jmp rel16 in 32-bit mode", 32, 0x1000, []byte{0x66, 0xE9, 0x10, 0x00}, KindJmp, 0, 0x1014, 2, 16, 32, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			inst, err := Decode(c.src, c.mode, c.ip)
			require.NoError(t, err)
			require.Equal(t, c.kind, inst.Kind)
			require.True(t, inst.Kind.IsBranch())
			require.Equal(t, c.cond, inst.Cond)
			require.Equal(t, c.target, inst.Target)
			require.Equal(t, c.rel, inst.Rel)
			require.Equal(t, c.opSize, inst.OpSize)
			require.Equal(t, c.addr, inst.AddrSize)
			require.Equal(t, c.pfx, inst.Prefixes)
			require.Equal(t, c.src, inst.Bytes)
			co := inst.Offsets
			require.Equal(t, c.rel, co.ImmediateSize)
			require.Equal(t, len(c.src)-c.rel, co.ImmediateOffset)
			require.False(t, co.HasDisplacement())
		})
	}
}

func TestDecodeOperands(t *testing.T) {
	cases := []struct {
		name   string
		mode   int
		src    []byte
		kind   Kind
		target uint64
		co     ConstantOffsets
	}{
		{"nop", 64, []byte{0x90}, KindPlain, 0, ConstantOffsets{}},
		{"rip-relative load", 64, []byte{0x8B, 0x05, 0x03, 0x00, 0x00, 0x00}, KindRIPRel, 0x1009, ConstantOffsets{DisplacementOffset: 2, DisplacementSize: 4}},
		{"eip-relative load", 64, []byte{0x67, 0x8B, 0x05, 0xFF, 0xFF, 0xFF, 0xFF}, KindRIPRel, 0x1006, ConstantOffsets{DisplacementOffset: 3, DisplacementSize: 4}},
		{"indirect jmp through rip", 64, []byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00}, KindRIPRel, 0x1006, ConstantOffsets{DisplacementOffset: 2, DisplacementSize: 4}},
		{"rip-relative with immediate", 64, []byte{0xC7, 0x05, 0x10, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}, KindRIPRel, 0x101A, ConstantOffsets{DisplacementOffset: 2, DisplacementSize: 4, ImmediateOffset: 6, ImmediateSize: 4}},
		{"store through sib", 64, []byte{0x48, 0xC7, 0x44, 0x24, 0x08, 0x01, 0x00, 0x00, 0x00}, KindPlain, 0, ConstantOffsets{DisplacementOffset: 4, DisplacementSize: 1, ImmediateOffset: 5, ImmediateSize: 4}},
		{"movabs", 64, []byte{0x48, 0xB8, 1, 2, 3, 4, 5, 6, 7, 8}, KindPlain, 0, ConstantOffsets{ImmediateOffset: 2, ImmediateSize: 8}},
		{"enter", 32, []byte{0xC8, 0x10, 0x00, 0x01}, KindPlain, 0, ConstantOffsets{ImmediateOffset: 1, ImmediateSize: 2, ImmediateOffset2: 3, ImmediateSize2: 1}},
		{"test imm", 32, []byte{0xF7, 0xC0, 0x01, 0x00, 0x00, 0x00}, KindPlain, 0, ConstantOffsets{ImmediateOffset: 2, ImmediateSize: 4}},
		{"not", 32, []byte{0xF7, 0xD0}, KindPlain, 0, ConstantOffsets{}},
		{"16-bit bp displacement", 16, []byte{0x8B, 0x46, 0x08}, KindPlain, 0, ConstantOffsets{DisplacementOffset: 2, DisplacementSize: 1}},
		{"16-bit absolute", 16, []byte{0x8B, 0x06, 0x34, 0x12}, KindPlain, 0, ConstantOffsets{DisplacementOffset: 2, DisplacementSize: 2}},
		{"16-bit operand override", 32, []byte{0x66, 0x05, 0x34, 0x12}, KindPlain, 0, ConstantOffsets{ImmediateOffset: 2, ImmediateSize: 2}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			inst, err := Decode(c.src, c.mode, 0x1000)
			require.NoError(t, err)
			require.Equal(t, c.kind, inst.Kind)
			require.Equal(t, c.target, inst.Target)
			require.Equal(t, c.co, inst.Offsets)
			require.Equal(t, len(c.src), inst.Len())
			require.Equal(t, uint64(0x1000+len(c.src)), inst.NextIP())
		})
	}
}

func TestLocate(t *testing.T) {
	cases := []struct {
		name string
		mode int
		src  []byte
		ok   bool
		co   ConstantOffsets
	}{
		{"vzeroupper", 64, []byte{0xC5, 0xF8, 0x77}, true, ConstantOffsets{}},
		{"vex rip-relative", 64, []byte{0xC5, 0xF9, 0x6F, 0x05, 0x00, 0x00, 0x00, 0x00}, true, ConstantOffsets{DisplacementOffset: 4, DisplacementSize: 4}},
		{"vex three byte with imm", 64, []byte{0xC4, 0xE3, 0x79, 0x0F, 0xC1, 0x08}, true, ConstantOffsets{ImmediateOffset: 5, ImmediateSize: 1}},
		{"evex", 64, []byte{0x62, 0xF1, 0x7C, 0x48, 0x28, 0xC1}, false, ConstantOffsets{}},
		{"truncated escape", 64, []byte{0x0F}, false, ConstantOffsets{}},
		{"truncated immediate", 32, []byte{0xB8, 0x01, 0x02}, false, ConstantOffsets{}},
		{"prefixes only", 32, []byte{0x66, 0xF3}, false, ConstantOffsets{}},
		{"moffs", 64, []byte{0xA1, 1, 2, 3, 4, 5, 6, 7, 8}, true, ConstantOffsets{DisplacementOffset: 1, DisplacementSize: 8}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			l, ok := locate(c.src, c.mode)
			require.Equal(t, c.ok, ok)
			if ok {
				require.Equal(t, len(c.src), l.length)
				require.Equal(t, c.co, l.offsets)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil, 64, 0x1000)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.Equal(t, uint64(0x1000), de.IP)

	// PUSH ES does not exist in 64-bit mode.
	insts, err := DecodeAll([]byte{0x90, 0x90, 0x06}, 64, 0x2000)
	require.ErrorAs(t, err, &de)
	require.Equal(t, uint64(0x2002), de.IP)
	require.Len(t, insts, 2)

	// An operand-size prefix with nothing after it.
	_, err = FromX86asm(x86asm.Inst{Len: 1}, []byte{0x66}, 0x3000)
	require.ErrorIs(t, err, x86asm.ErrUnrecognized)
}

func TestDecodeAll(t *testing.T) {
	src := []byte{
		0x55,       // push rbp
		0x74, 0x02, // je +2
		0xEB, 0xFB, // jmp 0x1000
		0xC3,
	}
	insts, err := DecodeAll(src, 64, 0x1000)
	require.NoError(t, err)
	require.Len(t, insts, 4)
	ips := []uint64{0x1000, 0x1001, 0x1003, 0x1005}
	for i, inst := range insts {
		require.Equal(t, ips[i], inst.IP)
	}
	require.Equal(t, uint64(0x1005), insts[1].Target)
	require.Equal(t, uint64(0x1000), insts[2].Target)
}
