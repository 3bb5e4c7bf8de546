package blockenc

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
	"gopkg.in/yaml.v3"

	"github.com/zephyrtronium/blockenc/x86"
)

// vector is a byte-level test case from testdata.
type vector struct {
	Name    string   `yaml:"name"`
	Bitness int      `yaml:"bitness"`
	IP      uint64   `yaml:"ip"`
	NewIP   uint64   `yaml:"new_ip"`
	Options []string `yaml:"options"`
	Input   string   `yaml:"input"`
	Output  string   `yaml:"output"`
	Offsets []int64  `yaml:"offsets"`
	Relocs  []uint64 `yaml:"relocs"`

	file string
}

func loadVectors(t *testing.T) []vector {
	t.Helper()
	files, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	var all []vector
	for _, file := range files {
		b, err := os.ReadFile(file)
		require.NoError(t, err)
		var vs []vector
		require.NoError(t, yaml.Unmarshal(b, &vs), file)
		for i := range vs {
			vs[i].file = strings.TrimSuffix(filepath.Base(file), ".yaml")
		}
		all = append(all, vs...)
	}
	return all
}

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	require.NoError(t, err)
	return b
}

// TestVectors encodes each block in testdata and checks the bytes, offsets,
// and relocations, then decodes the output to check it against the input.
func TestVectors(t *testing.T) {
	for _, v := range loadVectors(t) {
		v := v
		t.Run(v.file+"/"+v.Name, func(t *testing.T) {
			insts, err := x86.DecodeAll(unhex(t, v.Input), v.Bitness, v.IP)
			require.NoError(t, err)
			require.Len(t, v.Offsets, len(insts))
			opts := ReturnRelocInfos | ReturnNewInstructionOffsets | ReturnConstantOffsets
			for _, o := range v.Options {
				switch o {
				case "dont_fix_branches":
					opts |= DontFixBranches
				default:
					t.Fatalf("unknown option %q", o)
				}
			}

			var buf bytes.Buffer
			r, err := Encode(v.Bitness, Block{Sink: &buf, Insts: insts, IP: v.NewIP}, opts)
			require.NoError(t, err)
			want := unhex(t, v.Output)
			require.Equal(t, fmt.Sprintf("% X", want), fmt.Sprintf("% X", buf.Bytes()))
			require.Equal(t, v.NewIP, r.IP)
			require.Equal(t, v.NewIP+uint64(len(want)), r.EndIP)

			require.Len(t, r.NewInstructionOffsets, len(insts))
			for i, off := range r.NewInstructionOffsets {
				if v.Offsets[i] < 0 {
					require.False(t, off.OK, "instruction %d", i)
					continue
				}
				require.True(t, off.OK, "instruction %d", i)
				require.Equal(t, uint32(v.Offsets[i]), off.Offset, "instruction %d", i)
			}

			require.NotNil(t, r.RelocInfos)
			got := make([]uint64, 0, len(r.RelocInfos))
			for _, rel := range r.RelocInfos {
				require.Equal(t, RelocOffset64, rel.Kind)
				got = append(got, rel.Address)
			}
			require.ElementsMatch(t, v.Relocs, got)

			checkRoundTrip(t, v.Bitness, insts, buf.Bytes(), r)
		})
	}
}

// checkRoundTrip decodes every instruction that kept an offset and compares
// it with the original.
func checkRoundTrip(t *testing.T, bitness int, insts []x86.Inst, out []byte, r Result) {
	t.Helper()
	require.Len(t, r.ConstantOffsets, len(insts))
	newIP := make(map[uint64]uint64, len(insts))
	for i, off := range r.NewInstructionOffsets {
		if off.OK {
			newIP[insts[i].IP] = r.IP + uint64(off.Offset)
		}
	}
	for i, off := range r.NewInstructionOffsets {
		if !off.OK {
			require.Equal(t, x86.ConstantOffsets{}, r.ConstantOffsets[i], "instruction %d", i)
			continue
		}
		src := out[off.Offset:]
		want, err := x86asm.Decode(insts[i].Bytes, bitness)
		require.NoError(t, err)
		have, err := x86asm.Decode(src, bitness)
		require.NoError(t, err)
		require.Equal(t, want.Op, have.Op, "instruction %d", i)

		inst, err := x86.Decode(src, bitness, r.IP+uint64(off.Offset))
		require.NoError(t, err)
		require.Equal(t, inst.Offsets, r.ConstantOffsets[i], "instruction %d", i)
		if insts[i].Kind.IsBranch() || insts[i].Kind == x86.KindRIPRel {
			target := insts[i].Target
			if ip, ok := newIP[target]; ok {
				target = ip
			}
			require.Equal(t, target, inst.Target, "instruction %d", i)
		}
	}
}
