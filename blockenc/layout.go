package blockenc

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/zephyrtronium/blockenc/internal/x86enc"
	"github.com/zephyrtronium/blockenc/x86"
)

// errNoFixedPoint means layout kept changing past its pass limit. Growth is
// monotonic, so this indicates a bug.
var errNoFixedPoint = errors.New("layout did not converge")

// layout holds the per-block state of the layout engine.
type layout struct {
	enc     x86enc.Encoder
	bitness int
	fix     bool
	base    uint64
	instrs  []instr
	// byIP maps original addresses to indices in instrs.
	byIP map[uint64]int
	// slots holds the indices of instructions that use pointer slots, in
	// order.
	slots  []int
	slotIP uint64
	// scratch is reused when checking whether a form fits.
	scratch []byte
	log     *zap.Logger
}

func newLayout(bitness int, base uint64, insts []x86.Inst, fix bool, log *zap.Logger) (*layout, error) {
	l := &layout{
		enc:     x86enc.Encoder{Mode: bitness},
		bitness: bitness,
		fix:     fix,
		base:    base,
		instrs:  make([]instr, 0, len(insts)),
		byIP:    make(map[uint64]int, len(insts)),
		scratch: make([]byte, 0, 32),
		log:     log,
	}
	for i, inst := range insts {
		if _, ok := l.byIP[inst.IP]; ok {
			if inst.IP != 0 {
				return nil, &EncodeError{Index: i, Inst: inst, Err: xerrors.Errorf("%w: %#x", ErrDuplicateIP, inst.IP)}
			}
		} else {
			l.byIP[inst.IP] = i
		}
		in, err := newInstr(l, inst)
		if err != nil {
			return nil, &EncodeError{Index: i, Inst: inst, Err: err}
		}
		l.instrs = append(l.instrs, in)
	}
	return l, nil
}

// target maps an original address to its new address. Addresses of
// instructions in the block follow those instructions; others are absolute.
func (l *layout) target(addr uint64) uint64 {
	if i, ok := l.byIP[addr]; ok {
		return l.instrs[i].base().ip
	}
	return addr
}

// place assigns addresses from the current sizes. Pointer slots follow the
// code at the next multiple of 8.
func (l *layout) place() {
	ip := l.base
	l.slots = l.slots[:0]
	for i, in := range l.instrs {
		r := in.base()
		r.ip = ip
		ip += uint64(r.sz)
		if in.needsSlot() {
			l.slots = append(l.slots, i)
		}
	}
	l.slotIP = ip
	if len(l.slots) != 0 {
		l.slotIP = (ip + 7) &^ 7
	}
	for k, i := range l.slots {
		l.instrs[i].base().slot = l.slotIP + 8*uint64(k)
	}
}

// end returns the address after the last pointer slot.
func (l *layout) end() uint64 {
	return l.slotIP + 8*uint64(len(l.slots))
}

// run resizes branches until a pass over the block changes nothing, then
// checks that every instruction encodes at its final address. Nothing is
// written to the sink before run succeeds.
func (l *layout) run() error {
	l.place()
	if !l.fix {
		return l.check()
	}
	// Each branch widens at most twice.
	widenable := 0
	for _, in := range l.instrs {
		if _, ok := in.(*branchInstr); ok {
			widenable++
		}
	}
	for pass := 0; pass < 3*widenable+2; pass++ {
		changed := 0
		for i, in := range l.instrs {
			grew, err := in.resolve(l)
			if err != nil {
				return l.fail(i, err)
			}
			if grew {
				changed++
			}
		}
		l.place()
		l.log.Debug("layout pass",
			zap.Int("pass", pass),
			zap.Int("changed", changed),
			zap.Uint64("size", l.end()-l.base),
			zap.Int("slots", len(l.slots)),
		)
		if changed == 0 {
			return l.check()
		}
	}
	return l.fail(len(l.instrs)-1, errNoFixedPoint)
}

func (l *layout) check() error {
	for i, in := range l.instrs {
		if err := in.check(l); err != nil {
			return l.fail(i, err)
		}
	}
	return nil
}

// fits reports whether p encodes at ip. Displacements out of range are not an
// error; other encoding failures are.
func (l *layout) fits(p []x86.Inst, ip uint64) (bool, error) {
	_, err := x86enc.Prog{Insn: p, Mode: l.bitness, IP: ip}.Append(l.scratch[:0])
	switch {
	case err == nil:
		return true, nil
	case xerrors.Is(err, x86enc.ErrOutOfRange):
		return false, nil
	}
	return false, err
}

// progLen returns the encoded length of p.
func (l *layout) progLen(p []x86.Inst) (uint32, error) {
	var n int
	for _, in := range p {
		k, err := l.enc.Len(in)
		if err != nil {
			return 0, err
		}
		n += k
	}
	return uint32(n), nil
}

// nearRel returns the displacement width of a near branch with the given
// operand size.
func (l *layout) nearRel(opSize int) int {
	if l.bitness != 64 && (opSize == 16 || opSize == 0 && l.bitness == 16) {
		return 2
	}
	return 4
}

func (l *layout) fail(i int, err error) error {
	return &EncodeError{Index: i, Inst: l.instrs[i].base().inst, Err: err}
}
