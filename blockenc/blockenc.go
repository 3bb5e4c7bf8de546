// Package blockenc re-encodes blocks of x86 instructions at new addresses.
//
// A block is a sequence of decoded instructions that were located at some
// address, together with the address the caller wants them placed at and a
// sink for the bytes. Instructions that do not depend on their address are
// copied. Branches, calls, and RIP-relative operands are re-encoded so they
// keep referring to the same absolute addresses. Branches whose target
// belongs to the same block follow that instruction to its new address.
//
// Branches are resized as needed. Each starts in its smallest form and is
// widened until every branch reaches its target: short (8-bit displacement),
// then near (16- or 32-bit displacement), then in 64-bit mode an indirect
// jump or call through an 8-byte pointer slot appended after the code. Loop
// instructions and JCXZ have no near form and are rewritten into a short
// trampoline that jumps to a near or indirect jump.
package blockenc

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/zephyrtronium/blockenc/x86"
)

// Options controls the work done by an Encoder.
type Options uint32

const (
	// DontFixBranches keeps every instruction in its original form. Branch
	// displacements are only re-pointed, and encoding fails if one no longer
	// fits.
	DontFixBranches Options = 1 << iota
	// ReturnRelocInfos fills Result.RelocInfos.
	ReturnRelocInfos
	// ReturnNewInstructionOffsets fills Result.NewInstructionOffsets.
	ReturnNewInstructionOffsets
	// ReturnConstantOffsets fills Result.ConstantOffsets.
	ReturnConstantOffsets
)

// A Block is a sequence of instructions to encode at a new address.
type Block struct {
	// Sink receives the encoded bytes in increasing address order.
	Sink io.ByteWriter
	// Insts are the instructions to encode, with their original addresses.
	Insts []x86.Inst
	// IP is the address of the first encoded byte.
	IP uint64
}

// RelocKind is the kind of a relocation.
type RelocKind uint8

const (
	// RelocOffset64 is a 64-bit absolute address.
	RelocOffset64 RelocKind = iota
)

func (k RelocKind) String() string {
	switch k {
	case RelocOffset64:
		return "offset64"
	}
	return fmt.Sprintf("RelocKind(%d)", uint8(k))
}

// RelocInfo identifies an absolute address embedded in encoded output.
type RelocInfo struct {
	Kind    RelocKind
	Address uint64
}

// InstOffset is the offset of an instruction from the start of its block.
// OK is false when the instruction was replaced by a sequence that has no
// single counterpart of the original.
type InstOffset struct {
	Offset uint32
	OK     bool
}

// A Result describes one encoded block.
type Result struct {
	// IP is the address of the block.
	IP uint64
	// EndIP is the address after the last byte written, including pointer
	// slots.
	EndIP uint64
	// RelocInfos lists the pointer slots in no particular order. It is nil
	// unless ReturnRelocInfos is set.
	RelocInfos []RelocInfo
	// NewInstructionOffsets has one entry per input instruction if
	// ReturnNewInstructionOffsets is set and is empty otherwise.
	NewInstructionOffsets []InstOffset
	// ConstantOffsets has one entry per input instruction if
	// ReturnConstantOffsets is set and is empty otherwise. Entries for
	// instructions without a valid offset are zero.
	ConstantOffsets []x86.ConstantOffsets
	// Err is the error encoding the block, if any.
	Err error
}

// Len returns the number of bytes written for the block.
func (r Result) Len() uint64 {
	return r.EndIP - r.IP
}

// ErrBitness is returned for a processor mode other than 16, 32, or 64.
var ErrBitness = errors.New("blockenc: bitness must be 16, 32, or 64")

// ErrNilBlocks is returned by EncodeBlocks for a nil block list.
var ErrNilBlocks = errors.New("blockenc: nil block list")

// ErrZeroBlock is returned for a block without a sink.
var ErrZeroBlock = errors.New("blockenc: block has no sink")

// ErrUnreachable is wrapped by an EncodeError when a branch cannot reach its
// target in any form.
var ErrUnreachable = errors.New("branch target unreachable")

// ErrDuplicateIP is wrapped by an EncodeError when two instructions in a
// block have the same non-zero original address.
var ErrDuplicateIP = errors.New("multiple instructions with the same address")

// ErrKind is wrapped by an EncodeError for an instruction kind that cannot
// appear in input blocks.
var ErrKind = errors.New("unsupported instruction kind")

// EncodeError is the type of error for a block that cannot be encoded.
type EncodeError struct {
	// Block is the index of the block.
	Block int
	// Index is the index of the instruction within the block.
	Index int
	// Inst is the instruction that failed.
	Inst x86.Inst
	Err  error
}

func (err *EncodeError) Error() string {
	return fmt.Sprintf("blockenc: block %d: instruction %d (%v): %v", err.Block, err.Index, err.Inst, err.Err)
}

func (err *EncodeError) Unwrap() error {
	return err.Err
}

// An Encoder encodes blocks. The zero value is not usable; Bitness must be
// set.
type Encoder struct {
	// Bitness is the processor mode: 16, 32, or 64.
	Bitness int
	// Options selects optional behavior and outputs.
	Options Options
	// Log receives debug information about layout. If nil, nothing is logged.
	Log *zap.Logger
}

// Encode encodes one block. Precondition violations return an error and no
// result. Otherwise the returned error is also recorded in the result.
func (e *Encoder) Encode(b Block) (Result, error) {
	if err := e.check(); err != nil {
		return Result{}, err
	}
	if b.Sink == nil {
		return Result{}, ErrZeroBlock
	}
	r := e.encode(0, b)
	return r, r.Err
}

// EncodeBlocks encodes independent blocks. It returns one result per block;
// failures of individual blocks are reported in their results and do not
// stop the others. Use Errors to collect them. The returned error is non-nil
// only for precondition violations, in which case no block is encoded.
func (e *Encoder) EncodeBlocks(blocks []Block) ([]Result, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if blocks == nil {
		return nil, ErrNilBlocks
	}
	for i, b := range blocks {
		if b.Sink == nil {
			return nil, xerrors.Errorf("block %d: %w", i, ErrZeroBlock)
		}
	}
	r := make([]Result, len(blocks))
	for i, b := range blocks {
		r[i] = e.encode(i, b)
	}
	return r, nil
}

// Encode encodes one block with a new Encoder.
func Encode(bitness int, b Block, opts Options) (Result, error) {
	e := Encoder{Bitness: bitness, Options: opts}
	return e.Encode(b)
}

// EncodeBlocks encodes independent blocks with a new Encoder.
func EncodeBlocks(bitness int, blocks []Block, opts Options) ([]Result, error) {
	e := Encoder{Bitness: bitness, Options: opts}
	return e.EncodeBlocks(blocks)
}

// Errors combines the errors of all failed results.
func Errors(results []Result) error {
	var err error
	for _, r := range results {
		err = multierr.Append(err, r.Err)
	}
	return err
}

func (e *Encoder) check() error {
	switch e.Bitness {
	case 16, 32, 64:
		return nil
	}
	return xerrors.Errorf("%w: got %d", ErrBitness, e.Bitness)
}

func (e *Encoder) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *Encoder) encode(k int, b Block) Result {
	log := e.logger().With(zap.Int("block", k), zap.Uint64("ip", b.IP))
	r, err := e.encodeBlock(b, log)
	if err != nil {
		var ee *EncodeError
		if xerrors.As(err, &ee) {
			ee.Block = k
		}
		log.Debug("block failed", zap.Error(err))
		r.Err = err
	}
	return r
}

func (e *Encoder) encodeBlock(b Block, log *zap.Logger) (Result, error) {
	l, err := newLayout(e.Bitness, b.IP, b.Insts, e.Options&DontFixBranches == 0, log)
	if err != nil {
		return Result{IP: b.IP, EndIP: b.IP}, err
	}
	if err := l.run(); err != nil {
		return Result{IP: b.IP, EndIP: b.IP}, err
	}
	return l.emit(b.Sink, e.Options)
}
