package blockenc

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/zephyrtronium/blockenc/x86"
)

// emit writes the laid out block to w and builds the requested outputs.
func (l *layout) emit(w io.ByteWriter, opts Options) (Result, error) {
	r := Result{
		IP:                    l.base,
		EndIP:                 l.base,
		NewInstructionOffsets: []InstOffset{},
		ConstantOffsets:       []x86.ConstantOffsets{},
	}
	wantOffsets := opts&ReturnNewInstructionOffsets != 0
	wantConsts := opts&ReturnConstantOffsets != 0
	if wantOffsets {
		r.NewInstructionOffsets = make([]InstOffset, 0, len(l.instrs))
	}
	if wantConsts {
		r.ConstantOffsets = make([]x86.ConstantOffsets, 0, len(l.instrs))
	}

	buf := make([]byte, 0, 32)
	for i, in := range l.instrs {
		rc := in.base()
		var co x86.ConstantOffsets
		var ok bool
		var err error
		buf, co, ok, err = in.encode(l, buf[:0])
		if err != nil {
			return r, l.fail(i, err)
		}
		if uint32(len(buf)) != rc.sz {
			return r, l.fail(i, xerrors.Errorf("encoded %d bytes, laid out %d", len(buf), rc.sz))
		}
		if err := writeAll(w, buf); err != nil {
			return r, l.fail(i, err)
		}
		r.EndIP = rc.ip + uint64(rc.sz)
		if wantOffsets {
			r.NewInstructionOffsets = append(r.NewInstructionOffsets, InstOffset{Offset: uint32(rc.ip - l.base), OK: ok})
		}
		if wantConsts {
			if !ok {
				co = x86.ConstantOffsets{}
			}
			r.ConstantOffsets = append(r.ConstantOffsets, co)
		}
	}

	if opts&ReturnRelocInfos != 0 {
		r.RelocInfos = make([]RelocInfo, 0, len(l.slots))
	}
	if len(l.slots) == 0 {
		return r, nil
	}
	for r.EndIP < l.slotIP {
		if err := w.WriteByte(0xCC); err != nil {
			return r, xerrors.Errorf("blockenc: writing padding: %w", err)
		}
		r.EndIP++
	}
	for _, i := range l.slots {
		rc := l.instrs[i].base()
		buf = binary.LittleEndian.AppendUint64(buf[:0], l.target(rc.inst.Target))
		if err := writeAll(w, buf); err != nil {
			return r, l.fail(i, err)
		}
		if r.RelocInfos != nil {
			r.RelocInfos = append(r.RelocInfos, RelocInfo{Kind: RelocOffset64, Address: rc.slot})
		}
		r.EndIP += 8
	}
	return r, nil
}

func writeAll(w io.ByteWriter, b []byte) error {
	for _, c := range b {
		if err := w.WriteByte(c); err != nil {
			return xerrors.Errorf("writing output: %w", err)
		}
	}
	return nil
}
