// Package x86enc provides instruction encoding for x86 assembly.
//
// x86enc encodes instructions described by package x86 at a given address.
// Instructions that do not depend on their address are copied; branches are
// re-encoded from their kind, target, and displacement width; RIP-relative
// memory operands are re-pointed at their absolute target.
//
package x86enc

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/xerrors"

	"github.com/zephyrtronium/blockenc/x86"
)

// A Prog is a list of x86 instructions to assemble consecutively.
type Prog struct {
	// Insn is the list of instructions.
	Insn []x86.Inst
	// Mode is the processor mode in bits: 16, 32, or 64.
	Mode int
	// IP is the address of the first instruction.
	IP uint64
}

// Append assembles the program and appends it to dst.
func (p Prog) Append(dst []byte) ([]byte, error) {
	e := Encoder{Mode: p.Mode}
	ip := p.IP
	for k, insn := range p.Insn {
		n := len(dst)
		var err error
		dst, _, err = e.Append(dst, insn, ip)
		if err != nil {
			return dst[:n], xerrors.Errorf("error encoding %v (insn %d): %w", insn, k, err)
		}
		ip += uint64(len(dst) - n)
	}
	return dst, nil
}

// WriteTo assembles the program into the given writer.
func (p Prog) WriteTo(w io.Writer) (n int64, err error) {
	e := Encoder{Mode: p.Mode}
	b := make([]byte, 0, 16)
	ip := p.IP
	for k, insn := range p.Insn {
		b, _, err = e.Append(b[:0], insn, ip)
		if err != nil {
			return n, xerrors.Errorf("error encoding %v (insn %d): %w", insn, k, err)
		}
		wn, err := w.Write(b)
		n += int64(wn)
		if err != nil {
			return n, err
		}
		ip += uint64(len(b))
	}
	return n, nil
}

// Len calculates the length in bytes of the encoded form of the Prog. More
// precisely, Len finds the number of bytes that p.WriteTo will attempt to
// write; it stops if it encounters an erroneous instruction.
func (p Prog) Len() (n int) {
	e := Encoder{Mode: p.Mode}
	for _, insn := range p.Insn {
		wn, err := e.Len(insn)
		if err != nil {
			break
		}
		n += wn
	}
	return n
}

// Verify verifies that all instructions in the Prog are valid and encodeable
// at their addresses.
func (p Prog) Verify() error {
	_, err := p.Append(make([]byte, 0, 16*len(p.Insn)))
	return err
}

// ErrOutOfRange is wrapped by an InvalidInsnError when a displacement does
// not fit its field at the requested address.
var ErrOutOfRange = errors.New("displacement out of range")

// ErrInvalidForm is wrapped by an InvalidInsnError when an instruction has no
// encoding in the processor mode.
var ErrInvalidForm = errors.New("form not encodable in mode")

// InvalidInsnError is the type of error returned for an invalid instruction.
type InvalidInsnError struct {
	Insn x86.Inst
	Mode int
	Err  error
}

func (err *InvalidInsnError) Error() string {
	return fmt.Sprintf("invalid instruction in %d-bit mode: %v: %v", err.Mode, err.Insn, err.Err)
}

func (err *InvalidInsnError) Unwrap() error {
	return err.Err
}
