// Command reenc re-encodes x86 machine code at a new address.
//
// Usage:
//
//	reenc [flags] HEX...
//
// The code is given as hex bytes in the arguments, or on standard input if
// there are none. reenc decodes it at -ip, encodes it at -new-ip, and prints
// a listing of the original instructions with their new offsets and the
// positions of their displacements and immediates, followed by the new bytes
// and any relocations. Instructions that were rewritten into sequences show
// dashes instead of an offset.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"
	"golang.org/x/xerrors"
)

type config struct {
	mode     int
	ip       uint64
	newIP    uint64
	dontFix  bool
	wx       bool
	color    bool
	log      *zap.Logger
	hexInput string
}

func main() {
	var (
		mode    = flag.Int("mode", 64, "processor mode: 16, 32, or 64")
		ip      = flag.String("ip", "0", "original address of the code")
		newIP   = flag.String("new-ip", "0", "address to encode the code at")
		dontFix = flag.Bool("dont-fix-branches", false, "keep branch forms instead of resizing them")
		wx      = flag.Bool("wx", false, "encode into executable memory at its real address instead of -new-ip")
		verbose = flag.Bool("v", false, "log layout passes")
		color   = flag.String("color", "auto", "colorize output: auto, always, or never")
	)
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "Usage: reenc [flags] HEX...")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config{mode: *mode, dontFix: *dontFix, wx: *wx, log: zap.NewNop()}
	var err error
	if cfg.ip, err = strconv.ParseUint(*ip, 0, 64); err != nil {
		fatal(xerrors.Errorf("bad -ip: %w", err))
	}
	if cfg.newIP, err = strconv.ParseUint(*newIP, 0, 64); err != nil {
		fatal(xerrors.Errorf("bad -new-ip: %w", err))
	}
	switch *color {
	case "auto":
		cfg.color = term.IsTerminal(int(os.Stdout.Fd()))
	case "always":
		cfg.color = true
	case "never":
	default:
		fatal(xerrors.Errorf("bad -color %q", *color))
	}
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fatal(err)
		}
		defer l.Sync()
		cfg.log = l
	}
	if flag.NArg() > 0 {
		cfg.hexInput = strings.Join(flag.Args(), " ")
	} else {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatal(err)
		}
		cfg.hexInput = string(b)
	}

	if err := run(cfg, os.Stdout); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "reenc: %v\n", err)
	os.Exit(1)
}

// parseHex decodes hex bytes separated by any whitespace. Bytes may carry a
// 0x prefix.
func parseHex(s string) ([]byte, error) {
	var b strings.Builder
	for _, f := range strings.Fields(s) {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		b.WriteString(f)
	}
	p, err := hex.DecodeString(b.String())
	if err != nil {
		return nil, xerrors.Errorf("bad hex input: %w", err)
	}
	if len(p) == 0 {
		return nil, xerrors.New("no code given")
	}
	return p, nil
}
