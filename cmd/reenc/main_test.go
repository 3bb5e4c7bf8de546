package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseHex(t *testing.T) {
	b, err := parseHex("eb 10\n0x90 C3")
	require.NoError(t, err)
	require.Equal(t, []byte{0xEB, 0x10, 0x90, 0xC3}, b)

	_, err = parseHex("e")
	require.Error(t, err)
	_, err = parseHex("  \n")
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	cfg := config{
		mode:     64,
		ip:       0x8000,
		newIP:    0x8000000000000000,
		log:      zap.NewNop(),
		hexInput: "90 E9 FA 0F 00 00 74 F8 C3",
	}
	var buf bytes.Buffer
	require.NoError(t, run(cfg, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, "64-bit, 0x8000 -> 0x8000000000000000, 9 bytes -> 24 bytes", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "00000000  "), lines[1])
	require.True(t, strings.HasPrefix(lines[2], "--------  "), lines[2])
	require.True(t, strings.HasPrefix(lines[3], "00000007  i1:1"), lines[3])
	require.Contains(t, strings.ToLower(lines[3]), "0x8006: je")
	require.Equal(t, "code", lines[5])
	require.Equal(t, "8000000000000000  90 FF 25 09 00 00 00 74 F7 C3 CC CC CC CC CC CC", lines[6])
	require.Equal(t, "8000000000000010  00 90 00 00 00 00 00 00", lines[7])
	require.Equal(t, "relocations", lines[8])
	require.Equal(t, "8000000000000010 offset64", lines[9])
}

func TestRunFailure(t *testing.T) {
	cfg := config{
		mode:     16,
		ip:       0x100,
		newIP:    0x8000,
		dontFix:  true,
		log:      zap.NewNop(),
		hexInput: "EB 10",
	}
	var buf bytes.Buffer
	require.Error(t, run(cfg, &buf))
	require.Zero(t, buf.Len())
}
