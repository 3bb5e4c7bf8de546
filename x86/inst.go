// Package x86 describes decoded x86 instructions in the terms a block encoder
// needs: the original bytes, the address they came from, and for
// address-dependent instructions, the absolute address they refer to.
//
// Instructions are usually obtained from Decode or DecodeAll, which use
// golang.org/x/arch/x86/x86asm. Callers with their own decoder may fill in an
// Inst directly.
package x86

import (
	"fmt"
	"strings"
)

// Kind classifies an instruction by how it depends on its own address.
type Kind uint8

const (
	// KindPlain is an instruction that does not depend on its address. Its
	// bytes are copied unchanged.
	KindPlain Kind = iota
	// KindData is a declare-data pseudo instruction: raw bytes emitted as-is.
	KindData
	// KindRIPRel is an instruction with a RIP- or EIP-relative memory
	// operand. Target is the absolute address of the operand.
	KindRIPRel
	// KindJmp is a relative unconditional jump.
	KindJmp
	// KindCall is a relative call.
	KindCall
	// KindJcc is a relative conditional jump; Cond selects the condition.
	KindJcc
	// KindLoop is LOOP.
	KindLoop
	// KindLoope is LOOPE.
	KindLoope
	// KindLoopne is LOOPNE.
	KindLoopne
	// KindJcxz is JCXZ, JECXZ, or JRCXZ, selected by AddrSize.
	KindJcxz
	// KindXbegin is XBEGIN.
	KindXbegin
	// KindJmpMem is JMP QWORD PTR [RIP+disp32] through a slot at Target. It
	// is only produced by the block encoder.
	KindJmpMem
	// KindCallMem is CALL QWORD PTR [RIP+disp32] through a slot at Target. It
	// is only produced by the block encoder.
	KindCallMem
)

var kindNames = [...]string{
	KindPlain:   "plain",
	KindData:    "data",
	KindRIPRel:  "riprel",
	KindJmp:     "jmp",
	KindCall:    "call",
	KindJcc:     "jcc",
	KindLoop:    "loop",
	KindLoope:   "loope",
	KindLoopne:  "loopne",
	KindJcxz:    "jcxz",
	KindXbegin:  "xbegin",
	KindJmpMem:  "jmpmem",
	KindCallMem: "callmem",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsBranch returns whether the kind has a relative branch displacement.
func (k Kind) IsBranch() bool {
	switch k {
	case KindJmp, KindCall, KindJcc, KindLoop, KindLoope, KindLoopne, KindJcxz, KindXbegin:
		return true
	}
	return false
}

// Cond is a condition code in the encoding order of Jcc opcodes.
type Cond uint8

// Condition codes.
const (
	CondO Cond = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

var condNames = [16]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

func (c Cond) String() string {
	return condNames[c&15]
}

// Negate returns the opposite condition.
func (c Cond) Negate() Cond {
	return c ^ 1
}

// ConstantOffsets locates the displacement and immediate fields of an
// encoded instruction. Offsets are relative to the first byte of the
// instruction. A size of zero means the field is absent.
type ConstantOffsets struct {
	DisplacementOffset int
	DisplacementSize   int
	ImmediateOffset    int
	ImmediateSize      int
	ImmediateOffset2   int
	ImmediateSize2     int
}

// HasDisplacement returns whether the instruction has a displacement field.
func (c ConstantOffsets) HasDisplacement() bool { return c.DisplacementSize != 0 }

// HasImmediate returns whether the instruction has an immediate field.
func (c ConstantOffsets) HasImmediate() bool { return c.ImmediateSize != 0 }

// HasImmediate2 returns whether the instruction has a second immediate field,
// as ENTER and far pointer operands do.
func (c ConstantOffsets) HasImmediate2() bool { return c.ImmediateSize2 != 0 }

// An Inst is one decoded instruction.
type Inst struct {
	// IP is the address the instruction was decoded at.
	IP uint64
	// Bytes is the original encoding. For branches, only the prefixes are
	// reused; the opcode and displacement are re-encoded.
	Bytes []byte
	// Kind classifies the instruction.
	Kind Kind
	// Cond is the condition of a KindJcc.
	Cond Cond
	// Target is the absolute branch target of a branch, the absolute operand
	// address of a KindRIPRel, or the address of the memory slot holding the
	// destination of KindJmpMem and KindCallMem.
	Target uint64
	// OpSize is the operand size in bits of a branch, which determines how
	// the instruction pointer wraps. Zero means the mode default. It is always
	// 64 in 64-bit mode; XBEGIN there selects its displacement width by Rel.
	OpSize int
	// AddrSize is the address size in bits. For the loop family and JCXZ it
	// selects the counter register. Zero means the mode default.
	AddrSize int
	// Rel is the width in bytes of the branch displacement: 1, 2, or 4.
	Rel int
	// Prefixes holds the prefixes of a branch that do not select its form,
	// such as branch hints and BND, and in 64-bit mode ignored operand size
	// overrides and REX. A trailing REX byte is kept next to the opcode.
	Prefixes []byte
	// Offsets locates the displacement and immediates within Bytes.
	Offsets ConstantOffsets
}

// Len returns the original length of the instruction.
func (i Inst) Len() int {
	return len(i.Bytes)
}

// NextIP returns the address following the original instruction.
func (i Inst) NextIP() uint64 {
	return i.IP + uint64(len(i.Bytes))
}

// Data creates a declare-data pseudo instruction holding b at ip. Panics if b
// is empty or longer than 16 bytes.
func Data(ip uint64, b []byte) Inst {
	if len(b) == 0 || len(b) > 16 {
		panic(fmt.Errorf("x86: declare-data length %d out of range", len(b)))
	}
	return Inst{IP: ip, Bytes: append([]byte(nil), b...), Kind: KindData}
}

func (i Inst) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%#x: ", i.IP)
	switch i.Kind {
	case KindJcc:
		fmt.Fprintf(&b, "j%v", i.Cond)
	default:
		b.WriteString(i.Kind.String())
	}
	switch {
	case i.Kind.IsBranch(), i.Kind == KindJmpMem, i.Kind == KindCallMem:
		fmt.Fprintf(&b, " %#x", i.Target)
	case i.Kind == KindRIPRel:
		fmt.Fprintf(&b, " [%#x]", i.Target)
	}
	fmt.Fprintf(&b, " % x", i.Bytes)
	return b.String()
}
