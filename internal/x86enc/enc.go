package x86enc

import (
	"encoding/binary"

	"github.com/zephyrtronium/blockenc/x86"
)

// An Encoder encodes single instructions in one processor mode.
type Encoder struct {
	// Mode is the processor mode in bits: 16, 32, or 64.
	Mode int
}

// Append appends the encoding of inst located at ip to dst. It returns the
// extended slice and the positions of the displacement and immediates within
// the appended bytes. On error, dst is returned unextended.
func (e Encoder) Append(dst []byte, inst x86.Inst, ip uint64) ([]byte, x86.ConstantOffsets, error) {
	switch inst.Kind {
	case x86.KindPlain:
		return append(dst, inst.Bytes...), inst.Offsets, nil
	case x86.KindData:
		return append(dst, inst.Bytes...), x86.ConstantOffsets{}, nil
	case x86.KindRIPRel:
		return e.ripRel(dst, inst, ip)
	}
	h, err := e.head(inst)
	if err != nil {
		return dst, x86.ConstantOffsets{}, err
	}
	start := len(dst)
	pfx := inst.Prefixes
	var rex []byte
	if e.Mode == 64 && len(pfx) != 0 && pfx[len(pfx)-1]&0xF0 == 0x40 {
		// REX must immediately precede the opcode.
		pfx, rex = pfx[:len(pfx)-1], pfx[len(pfx)-1:]
	}
	dst = append(dst, pfx...)
	dst = append(dst, h.op[:h.np]...)
	dst = append(dst, rex...)
	dst = append(dst, h.op[h.np:h.n]...)
	field := len(dst) - start
	next := ip + uint64(field+h.rel)
	var d int64
	var ok bool
	if h.mem {
		// The field addresses the slot at inst.Target.
		d, ok = Reach(inst.Target, next, 64, h.rel)
	} else {
		d, ok = Reach(inst.Target, next, e.opSize(inst), h.rel)
	}
	if !ok {
		return dst[:start], x86.ConstantOffsets{}, e.err(inst, ErrOutOfRange)
	}
	switch h.rel {
	case 1:
		dst = append(dst, byte(d))
	case 2:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(d))
	case 4:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(d))
	}
	if h.mem {
		return dst, x86.ConstantOffsets{DisplacementOffset: field, DisplacementSize: 4}, nil
	}
	return dst, x86.ConstantOffsets{ImmediateOffset: field, ImmediateSize: h.rel}, nil
}

// Len returns the number of bytes Append writes for inst.
func (e Encoder) Len(inst x86.Inst) (int, error) {
	switch inst.Kind {
	case x86.KindPlain, x86.KindData, x86.KindRIPRel:
		return len(inst.Bytes), nil
	}
	h, err := e.head(inst)
	if err != nil {
		return 0, err
	}
	return len(inst.Prefixes) + h.n + h.rel, nil
}

// Reach computes the displacement from next to target for an instruction
// pointer of opSize bits and reports whether it fits in a field of rel bytes.
// For 16- and 32-bit operand sizes the instruction pointer wraps, so any
// target inside the address space is reachable with a field of that width.
func Reach(target, next uint64, opSize, rel int) (int64, bool) {
	var d int64
	switch opSize {
	case 16:
		if target>>16 != 0 {
			return 0, false
		}
		d = int64(int16(uint16(target - next)))
	case 32:
		if target>>32 != 0 {
			return 0, false
		}
		d = int64(int32(uint32(target - next)))
	default:
		d = int64(target - next)
	}
	switch rel {
	case 1:
		return d, d == int64(int8(d))
	case 2:
		return d, d == int64(int16(d))
	case 4:
		return d, d == int64(int32(d))
	}
	return d, false
}

// head is the part of a branch between its pass-through prefixes and its
// displacement field.
type head struct {
	op [4]byte
	n  int
	// np is the number of prefix bytes at the start of op.
	np  int
	rel int
	mem bool
}

func (h *head) add(b ...byte) {
	h.n += copy(h.op[h.n:], b)
}

func (h *head) prefix(b byte) {
	h.add(b)
	h.np++
}

func (e Encoder) head(inst x86.Inst) (h head, err error) {
	switch e.Mode {
	case 16, 32, 64:
	default:
		return h, e.err(inst, ErrInvalidForm)
	}
	opSize := e.opSize(inst)
	near := 4
	if opSize == 16 {
		near = 2
	}
	if inst.Kind.IsBranch() && (e.Mode == 16) != (opSize == 16) {
		h.prefix(0x66)
	}
	switch inst.Kind {
	case x86.KindJmp:
		if inst.Rel == 1 {
			h.add(0xEB)
			h.rel = 1
		} else {
			h.add(0xE9)
			h.rel = near
		}
	case x86.KindCall:
		h.add(0xE8)
		h.rel = near
	case x86.KindJcc:
		if inst.Rel == 1 {
			h.add(0x70 | byte(inst.Cond&15))
			h.rel = 1
		} else {
			h.add(0x0F, 0x80|byte(inst.Cond&15))
			h.rel = near
		}
	case x86.KindLoopne, x86.KindLoope, x86.KindLoop, x86.KindJcxz:
		if inst.Rel != 1 {
			return h, e.err(inst, ErrInvalidForm)
		}
		as := e.addrSize(inst)
		switch {
		case as == 64 && e.Mode != 64, as == 16 && e.Mode == 64:
			return h, e.err(inst, ErrInvalidForm)
		case as != e.Mode:
			h.prefix(0x67)
		}
		h.add(loopOps[inst.Kind])
		h.rel = 1
	case x86.KindXbegin:
		h.rel = near
		if e.Mode == 64 && inst.Rel == 2 {
			// The target does not wrap; 66 only narrows the displacement.
			h.prefix(0x66)
			h.rel = 2
		}
		h.add(0xC7, 0xF8)
	case x86.KindJmpMem, x86.KindCallMem:
		if e.Mode != 64 {
			return h, e.err(inst, ErrInvalidForm)
		}
		if inst.Kind == x86.KindJmpMem {
			h.add(0xFF, 0x25)
		} else {
			h.add(0xFF, 0x15)
		}
		h.rel = 4
		h.mem = true
	default:
		return h, e.err(inst, ErrInvalidForm)
	}
	return h, nil
}

var loopOps = map[x86.Kind]byte{
	x86.KindLoopne: 0xE0,
	x86.KindLoope:  0xE1,
	x86.KindLoop:   0xE2,
	x86.KindJcxz:   0xE3,
}

// opSize returns the width of the instruction pointer a branch produces.
func (e Encoder) opSize(inst x86.Inst) int {
	if e.Mode == 64 {
		return 64
	}
	if inst.OpSize == 16 || inst.OpSize == 32 {
		return inst.OpSize
	}
	return e.Mode
}

func (e Encoder) addrSize(inst x86.Inst) int {
	if inst.AddrSize != 0 {
		return inst.AddrSize
	}
	return e.Mode
}

func (e Encoder) ripRel(dst []byte, inst x86.Inst, ip uint64) ([]byte, x86.ConstantOffsets, error) {
	co := inst.Offsets
	if e.Mode != 64 {
		return dst, x86.ConstantOffsets{}, e.err(inst, ErrInvalidForm)
	}
	if co.DisplacementSize != 4 || co.DisplacementOffset+4 > len(inst.Bytes) {
		return dst, x86.ConstantOffsets{}, e.err(inst, ErrInvalidForm)
	}
	next := ip + uint64(len(inst.Bytes))
	var d int64
	if e.addrSize(inst) == 32 {
		if inst.Target>>32 != 0 {
			return dst, x86.ConstantOffsets{}, e.err(inst, ErrOutOfRange)
		}
		d = int64(int32(uint32(inst.Target) - uint32(next)))
	} else {
		d = int64(inst.Target - next)
		if d != int64(int32(d)) {
			return dst, x86.ConstantOffsets{}, e.err(inst, ErrOutOfRange)
		}
	}
	start := len(dst)
	dst = append(dst, inst.Bytes...)
	binary.LittleEndian.PutUint32(dst[start+co.DisplacementOffset:], uint32(d))
	return dst, co, nil
}

func (e Encoder) err(inst x86.Inst, err error) error {
	return &InvalidInsnError{Insn: inst, Mode: e.Mode, Err: err}
}
