package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/xerrors"

	"github.com/zephyrtronium/blockenc/blockenc"
	"github.com/zephyrtronium/blockenc/internal/unsafewx"
	"github.com/zephyrtronium/blockenc/x86"
)

var (
	headStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	offsetStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB"))
	noneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	constStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#98FB98"))
	relocStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

// printer writes styled text when color is enabled.
type printer struct {
	w     io.Writer
	color bool
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func run(cfg config, w io.Writer) error {
	code, err := parseHex(cfg.hexInput)
	if err != nil {
		return err
	}
	insts, err := x86.DecodeAll(code, cfg.mode, cfg.ip)
	if err != nil {
		return err
	}

	opts := blockenc.ReturnRelocInfos | blockenc.ReturnNewInstructionOffsets | blockenc.ReturnConstantOffsets
	if cfg.dontFix {
		opts |= blockenc.DontFixBranches
	}
	enc := blockenc.Encoder{Bitness: cfg.mode, Options: opts, Log: cfg.log}

	var out []byte
	var r blockenc.Result
	if cfg.wx {
		out, r, err = encodeWX(&enc, insts)
	} else {
		var buf bytes.Buffer
		r, err = enc.Encode(blockenc.Block{Sink: &buf, Insts: insts, IP: cfg.newIP})
		out = buf.Bytes()
	}
	if err != nil {
		return err
	}

	p := &printer{w: w, color: cfg.color}
	p.printf("%s\n", p.style(headStyle, fmt.Sprintf("%d-bit, %#x -> %#x, %d bytes -> %d bytes", cfg.mode, cfg.ip, r.IP, len(code), r.Len())))
	for i, inst := range insts {
		off := r.NewInstructionOffsets[i]
		col := p.style(noneStyle, "--------")
		if off.OK {
			col = p.style(offsetStyle, fmt.Sprintf("%08x", off.Offset))
		}
		p.printf("%s  %-18s  %s\n", col, p.style(constStyle, constants(r.ConstantOffsets[i])), syntax(inst, cfg.mode))
	}
	p.printf("%s\n", p.style(headStyle, "code"))
	for k := 0; k < len(out); k += 16 {
		end := min(k+16, len(out))
		p.printf("%s  % X\n", p.style(offsetStyle, fmt.Sprintf("%016x", r.IP+uint64(k))), out[k:end])
	}
	if len(r.RelocInfos) != 0 {
		p.printf("%s\n", p.style(headStyle, "relocations"))
		for _, rel := range r.RelocInfos {
			p.printf("%s %v\n", p.style(relocStyle, fmt.Sprintf("%016x", rel.Address)), rel.Kind)
		}
	}
	return nil
}

// encodeWX encodes insts into executable memory at the memory's own address.
// The block is never executed.
func encodeWX(enc *blockenc.Encoder, insts []x86.Inst) ([]byte, blockenc.Result, error) {
	var n int
	for _, inst := range insts {
		// Widest rewrite plus its slot.
		n += max(inst.Len(), 8) + 8 + 8
	}
	b, err := unsafewx.Alloc(n + 8)
	if err != nil {
		return nil, blockenc.Result{}, err
	}
	defer b.Close()
	r, err := enc.Encode(blockenc.Block{Sink: b, Insts: insts, IP: b.Addr()})
	if err != nil {
		return nil, r, err
	}
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		return nil, r, xerrors.Errorf("copying encoded block: %w", err)
	}
	return buf.Bytes(), r, nil
}

// constants describes the displacement and immediate fields of an encoded
// instruction.
func constants(co x86.ConstantOffsets) string {
	var s []string
	if co.HasDisplacement() {
		s = append(s, fmt.Sprintf("d%d:%d", co.DisplacementOffset, co.DisplacementSize))
	}
	if co.HasImmediate() {
		s = append(s, fmt.Sprintf("i%d:%d", co.ImmediateOffset, co.ImmediateSize))
	}
	if co.HasImmediate2() {
		s = append(s, fmt.Sprintf("i%d:%d", co.ImmediateOffset2, co.ImmediateSize2))
	}
	return strings.Join(s, " ")
}

// syntax formats the original instruction in Intel syntax.
func syntax(inst x86.Inst, mode int) string {
	xi, err := x86asm.Decode(inst.Bytes, mode)
	if err != nil {
		return fmt.Sprintf("(bad) % x", inst.Bytes)
	}
	return fmt.Sprintf("%#x: %s", inst.IP, x86asm.IntelSyntax(xi, inst.IP, nil))
}
