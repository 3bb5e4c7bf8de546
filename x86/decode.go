package x86

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrLayout is wrapped by a DecodeError when an address-dependent instruction
// decodes but its displacement field cannot be located.
var ErrLayout = errors.New("unrecognized instruction layout")

// DecodeError is the type of error returned for bytes that do not decode to
// a usable instruction.
type DecodeError struct {
	IP  uint64
	Err error
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("x86: cannot decode instruction at %#x: %v", err.IP, err.Err)
}

func (err *DecodeError) Unwrap() error {
	return err.Err
}

// Decode decodes the instruction at the start of src, which is located at
// address ip, in the given processor mode: 16, 32, or 64.
func Decode(src []byte, mode int, ip uint64) (Inst, error) {
	xi, err := x86asm.Decode(src, mode)
	if err != nil {
		return Inst{}, &DecodeError{IP: ip, Err: err}
	}
	return FromX86asm(xi, src, ip)
}

// DecodeAll decodes every instruction in src, the first of which is located
// at ip.
func DecodeAll(src []byte, mode int, ip uint64) ([]Inst, error) {
	var r []Inst
	for len(src) > 0 {
		inst, err := Decode(src, mode, ip)
		if err != nil {
			return r, err
		}
		r = append(r, inst)
		src = src[inst.Len():]
		ip += uint64(inst.Len())
	}
	return r, nil
}

// FromX86asm converts an instruction decoded by x86asm from src at address
// ip. src must begin with the instruction's encoding.
func FromX86asm(xi x86asm.Inst, src []byte, ip uint64) (Inst, error) {
	if xi.Op == 0 || xi.Len == 0 || xi.Len > len(src) {
		return Inst{}, &DecodeError{IP: ip, Err: x86asm.ErrUnrecognized}
	}
	mode := xi.Mode
	inst := Inst{
		IP:       ip,
		Bytes:    append([]byte(nil), src[:xi.Len]...),
		AddrSize: xi.AddrSize,
	}
	l, ok := locate(inst.Bytes, mode)
	ok = ok && l.length == xi.Len
	if ok {
		inst.Offsets = l.offsets
	}

	if k, c, br := branchKind(xi.Op); br {
		if rel, isRel := xi.Args[0].(x86asm.Rel); isRel && xi.PCRel != 0 {
			inst.Kind, inst.Cond = k, c
			inst.Rel = xi.PCRel
			inst.OpSize = xi.DataSize
			if mode == 64 {
				// Nothing wraps at 16 bits in 64-bit mode, not even XBEGIN
				// with a 16-bit displacement.
				inst.OpSize = 64
			}
			inst.Target = Wrap(inst.NextIP()+uint64(int64(rel)), inst.OpSize)
			inst.Prefixes = branchPrefixes(l, k, mode)
			inst.Offsets = ConstantOffsets{ImmediateOffset: xi.PCRelOff, ImmediateSize: xi.PCRel}
			return inst, nil
		}
	}

	for _, a := range xi.Args {
		m, isMem := a.(x86asm.Mem)
		if !isMem || (m.Base != x86asm.RIP && m.Base != x86asm.EIP) {
			continue
		}
		if !ok || inst.Offsets.DisplacementSize != 4 {
			return Inst{}, &DecodeError{IP: ip, Err: ErrLayout}
		}
		inst.Kind = KindRIPRel
		inst.Target = inst.NextIP() + uint64(m.Disp)
		if m.Base == x86asm.EIP {
			inst.Target = uint64(uint32(inst.Target))
		}
		break
	}
	return inst, nil
}

// branchPrefixes returns the prefixes of a branch that its encoder does not
// derive from OpSize and AddrSize, in their original order. In 64-bit mode
// these include operand size overrides and REX, which near branches ignore.
func branchPrefixes(l layout, k Kind, mode int) []byte {
	var p []byte
	for _, c := range l.prefix {
		switch {
		case c == 0x66 && (mode != 64 || k == KindXbegin):
		case c == 0x67 && (k == KindLoop || k == KindLoope || k == KindLoopne || k == KindJcxz):
		default:
			p = append(p, c)
		}
	}
	if l.rex != 0 {
		p = append(p, l.rex)
	}
	return p
}

// Wrap truncates an instruction pointer to the given operand size in bits.
// Sizes other than 16 and 32 leave ip unchanged.
func Wrap(ip uint64, size int) uint64 {
	switch size {
	case 16:
		return ip & 0xFFFF
	case 32:
		return ip & 0xFFFFFFFF
	}
	return ip
}

func branchKind(op x86asm.Op) (Kind, Cond, bool) {
	switch op {
	case x86asm.JMP:
		return KindJmp, 0, true
	case x86asm.CALL:
		return KindCall, 0, true
	case x86asm.LOOP:
		return KindLoop, 0, true
	case x86asm.LOOPE:
		return KindLoope, 0, true
	case x86asm.LOOPNE:
		return KindLoopne, 0, true
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return KindJcxz, 0, true
	case x86asm.XBEGIN:
		return KindXbegin, 0, true
	}
	if c, ok := jccConds[op]; ok {
		return KindJcc, c, true
	}
	return KindPlain, 0, false
}

var jccConds = map[x86asm.Op]Cond{
	x86asm.JO:  CondO,
	x86asm.JNO: CondNO,
	x86asm.JB:  CondB,
	x86asm.JAE: CondAE,
	x86asm.JE:  CondE,
	x86asm.JNE: CondNE,
	x86asm.JBE: CondBE,
	x86asm.JA:  CondA,
	x86asm.JS:  CondS,
	x86asm.JNS: CondNS,
	x86asm.JP:  CondP,
	x86asm.JNP: CondNP,
	x86asm.JL:  CondL,
	x86asm.JGE: CondGE,
	x86asm.JLE: CondLE,
	x86asm.JG:  CondG,
}
