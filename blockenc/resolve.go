package blockenc

import (
	"golang.org/x/xerrors"

	"github.com/zephyrtronium/blockenc/internal/x86enc"
	"github.com/zephyrtronium/blockenc/x86"
)

// form is the encoding chosen for a branch.
type form uint8

const (
	// formOrig is the decoded encoding, used with DontFixBranches.
	formOrig form = iota
	// formShort is an 8-bit displacement, or XBEGIN with a 16-bit one.
	formShort
	// formNear is a 16- or 32-bit displacement, or for the loop family a
	// trampoline to a near jump.
	formNear
	// formLong goes through a pointer slot.
	formLong
)

var formNames = [...]string{"orig", "short", "near", "long"}

func (f form) String() string {
	return formNames[f]
}

// rec is the layout state common to every instruction.
type rec struct {
	inst x86.Inst
	// ip is the assumed new address.
	ip uint64
	// sz is the assumed encoded length.
	sz uint32
	// slot is the address of the pointer slot when the form needs one.
	slot uint64
}

func (r *rec) base() *rec { return r }

// instr is the layout record of one input instruction. The implementations
// are plainInstr and branchInstr.
type instr interface {
	base() *rec
	// init chooses the starting form.
	init(l *layout) error
	// resolve re-examines the form at the current address and widens it if
	// it no longer reaches. It reports whether the length changed.
	resolve(l *layout) (bool, error)
	// needsSlot reports whether the current form uses a pointer slot.
	needsSlot() bool
	// check reports an error if the current form does not encode at the
	// current address.
	check(l *layout) error
	// encode appends the final bytes. ok is false when the bytes are not a
	// single instruction corresponding to the original.
	encode(l *layout, dst []byte) (b []byte, co x86.ConstantOffsets, ok bool, err error)
}

func newInstr(l *layout, inst x86.Inst) (instr, error) {
	var in instr
	switch inst.Kind {
	case x86.KindPlain, x86.KindData, x86.KindRIPRel:
		in = &plainInstr{rec: rec{inst: inst}}
	case x86.KindJmp, x86.KindCall, x86.KindJcc, x86.KindLoop, x86.KindLoope,
		x86.KindLoopne, x86.KindJcxz, x86.KindXbegin:
		in = &branchInstr{rec: rec{inst: inst}}
	default:
		return nil, xerrors.Errorf("%w: %v", ErrKind, inst.Kind)
	}
	if err := in.init(l); err != nil {
		return nil, err
	}
	return in, nil
}

// plainInstr is an instruction whose length does not depend on its address.
type plainInstr struct {
	rec
}

func (p *plainInstr) init(l *layout) error {
	n, err := l.enc.Len(p.inst)
	if err != nil {
		return err
	}
	if n == 0 {
		return xerrors.Errorf("%w: empty instruction", ErrKind)
	}
	p.sz = uint32(n)
	return nil
}

func (p *plainInstr) resolve(l *layout) (bool, error) { return false, nil }

// check verifies that a RIP-relative operand still reaches its target.
func (p *plainInstr) check(l *layout) error {
	if p.inst.Kind != x86.KindRIPRel {
		return nil
	}
	in := p.inst
	in.Target = l.target(in.Target)
	_, _, err := l.enc.Append(l.scratch[:0], in, p.ip)
	return err
}

func (p *plainInstr) needsSlot() bool { return false }

func (p *plainInstr) encode(l *layout, dst []byte) ([]byte, x86.ConstantOffsets, bool, error) {
	in := p.inst
	if in.Kind == x86.KindRIPRel {
		in.Target = l.target(in.Target)
	}
	dst, co, err := l.enc.Append(dst, in, p.ip)
	return dst, co, true, err
}

// branchInstr is a relative branch. Its form only grows during layout.
type branchInstr struct {
	rec
	form  form
	sizes [4]uint32
}

func (b *branchInstr) init(l *layout) error {
	if !l.fix {
		b.form = formOrig
	} else {
		b.form = formShort
		if b.inst.Kind == x86.KindCall {
			b.form = formNear
		}
	}
	// Sizes only depend on the forms, not on addresses.
	for f := b.form; ; {
		n, err := l.progLen(b.program(l, f, 0))
		if err != nil {
			return err
		}
		b.sizes[f] = n
		var ok bool
		if f, ok = b.wider(l, f); !ok {
			break
		}
	}
	b.sz = b.sizes[b.form]
	return nil
}

// wider returns the form to try after f.
func (b *branchInstr) wider(l *layout, f form) (form, bool) {
	switch f {
	case formShort:
		return formNear, true
	case formNear:
		if l.bitness == 64 && b.inst.Kind != x86.KindXbegin {
			return formLong, true
		}
	}
	return f, false
}

func (b *branchInstr) resolve(l *layout) (bool, error) {
	if b.form == formOrig {
		return false, nil
	}
	target := l.target(b.inst.Target)
	old := b.sz
	for b.form != formLong {
		ok, err := l.fits(b.program(l, b.form, target), b.ip)
		if err != nil {
			return false, err
		}
		if ok {
			break
		}
		f, ok := b.wider(l, b.form)
		if !ok {
			return false, xerrors.Errorf("%w: %#x from %#x", ErrUnreachable, target, b.ip)
		}
		b.form = f
		b.sz = b.sizes[f]
	}
	return b.sz != old, nil
}

func (b *branchInstr) needsSlot() bool { return b.form == formLong }

func (b *branchInstr) check(l *layout) error {
	p := b.program(l, b.form, l.target(b.inst.Target))
	_, err := x86enc.Prog{Insn: p, Mode: l.bitness, IP: b.ip}.Append(l.scratch[:0])
	return err
}

func (b *branchInstr) encode(l *layout, dst []byte) ([]byte, x86.ConstantOffsets, bool, error) {
	p := b.program(l, b.form, l.target(b.inst.Target))
	if len(p) == 1 && b.form != formLong {
		dst, co, err := l.enc.Append(dst, p[0], b.ip)
		return dst, co, true, err
	}
	dst, err := x86enc.Prog{Insn: p, Mode: l.bitness, IP: b.ip}.Append(dst)
	return dst, x86.ConstantOffsets{}, false, err
}

// program returns the instructions encoding form f of the branch located at
// b.ip and going to target.
func (b *branchInstr) program(l *layout, f form, target uint64) []x86.Inst {
	in := b.inst
	in.Target = target
	switch f {
	case formShort:
		in.Rel = 1
		if in.Kind == x86.KindXbegin {
			in.Rel = 2
			if l.bitness != 64 {
				in.OpSize = 16
			}
		}
	case formNear:
		switch in.Kind {
		case x86.KindLoop, x86.KindLoope, x86.KindLoopne, x86.KindJcxz:
			return b.trampoline(l, x86.Inst{Kind: x86.KindJmp, Rel: l.nearRel(0), Target: target})
		case x86.KindXbegin:
			in.OpSize = l.bitness
			if l.bitness == 16 {
				in.OpSize = 32
			}
			in.Rel = 4
		default:
			in.Rel = l.nearRel(in.OpSize)
		}
	case formLong:
		slot := x86.Inst{Kind: x86.KindJmpMem, Target: b.slot}
		switch in.Kind {
		case x86.KindJmp:
			return []x86.Inst{slot}
		case x86.KindCall:
			slot.Kind = x86.KindCallMem
			return []x86.Inst{slot}
		case x86.KindJcc:
			// Skip the 6-byte indirect jump when the condition is false.
			skip := x86.Inst{Kind: x86.KindJcc, Cond: in.Cond.Negate(), Rel: 1, Target: b.ip + 2 + 6}
			return []x86.Inst{skip, slot}
		default:
			return b.trampoline(l, slot)
		}
	}
	return []x86.Inst{in}
}

// trampoline returns the sequence
//
//	br tmp
//	jmp short skip
//	tmp: far
//	skip:
//
// for a loop-family branch.
func (b *branchInstr) trampoline(l *layout, far x86.Inst) []x86.Inst {
	br := b.inst
	br.Rel, br.OpSize, br.Prefixes = 1, 0, nil
	n, _ := l.enc.Len(br)
	m, _ := l.enc.Len(far)
	tmp := b.ip + uint64(n) + 2
	br.Target = tmp
	jmp := x86.Inst{Kind: x86.KindJmp, Rel: 1, Target: tmp + uint64(m)}
	return []x86.Inst{br, jmp, far}
}
