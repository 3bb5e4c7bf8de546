package x86

// layout is the structure of one encoded instruction as seen by the field
// locator.
type layout struct {
	prefix  []byte // every prefix before REX, in order
	opsize  bool   // 66 present
	adsize  bool   // 67 present
	rex     byte
	offsets ConstantOffsets
	length  int
}

// Opcode maps.
const (
	mapOne = iota
	map0F
	map0F38
	map0F3A
)

// locate walks the prefixes, opcode, ModRM, SIB, displacement, and immediates
// of the instruction at the start of b. It reports false if the instruction
// is truncated or uses an encoding the locator does not know.
func locate(b []byte, mode int) (l layout, ok bool) {
	pos := 0
prefixes:
	for pos < len(b) {
		switch c := b[pos]; c {
		case 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65, 0xF0, 0xF2, 0xF3:
		case 0x66:
			l.opsize = true
		case 0x67:
			l.adsize = true
		default:
			break prefixes
		}
		pos++
	}
	l.prefix = b[:pos]
	if mode == 64 && pos < len(b) && b[pos]&0xF0 == 0x40 {
		l.rex = b[pos]
		pos++
	}
	if pos >= len(b) {
		return l, false
	}

	osz := 4
	if (mode == 16) != l.opsize {
		osz = 2
	}
	asz := mode
	switch {
	case mode == 16 && l.adsize:
		asz = 32
	case mode == 32 && l.adsize:
		asz = 16
	case mode == 64 && l.adsize:
		asz = 32
	}
	// Near relative branches always take 32 bits in 64-bit mode.
	relz := osz
	if mode == 64 {
		relz = 4
	}

	m := mapOne
	op := b[pos]
	pos++
	vex := false
	switch {
	case op == 0x0F:
		if pos >= len(b) {
			return l, false
		}
		m = map0F
		op = b[pos]
		pos++
		switch op {
		case 0x38:
			m = map0F38
		case 0x3A:
			m = map0F3A
		}
		if m != map0F {
			if pos >= len(b) {
				return l, false
			}
			op = b[pos]
			pos++
		}
	case op == 0xC5 && pos < len(b) && (mode == 64 || b[pos]&0xC0 == 0xC0):
		vex = true
		m = map0F
		pos++
		if pos >= len(b) {
			return l, false
		}
		op = b[pos]
		pos++
	case op == 0xC4 && pos < len(b) && (mode == 64 || b[pos]&0xC0 == 0xC0):
		vex = true
		if pos+2 >= len(b) {
			return l, false
		}
		switch b[pos] & 0x1F {
		case 1:
			m = map0F
		case 2:
			m = map0F38
		case 3:
			m = map0F3A
		default:
			return l, false
		}
		pos += 2
		op = b[pos]
		pos++
	case op == 0x62 && mode == 64, op == 0x8F && pos < len(b) && b[pos]&0x38 != 0:
		// EVEX and XOP.
		return l, false
	}

	var modrm, imm, imm2, disp int
	switch m {
	case mapOne:
		modrm, imm, imm2, disp = oneByte(op, osz, asz, relz, mode, l.rex)
	case map0F:
		modrm, imm = twoByte(op, relz)
		if vex && op == 0x77 {
			modrm = 0
		}
	case map0F38:
		modrm = 1
	case map0F3A:
		modrm, imm = 1, 1
	}
	if modrm != 0 {
		if pos >= len(b) {
			return l, false
		}
		rm := b[pos]
		pos++
		if m == mapOne && (op == 0xF6 || op == 0xF7) {
			// TEST takes an immediate; the other group 3 members do not.
			if rm&0x38 > 0x08 {
				imm = 0
			}
		}
		mod, r := rm>>6, rm&7
		if mod != 3 {
			if asz == 16 {
				switch {
				case mod == 0 && r == 6, mod == 2:
					disp = 2
				case mod == 1:
					disp = 1
				}
			} else {
				if r == 4 {
					if pos >= len(b) {
						return l, false
					}
					if mod == 0 && b[pos]&7 == 5 {
						disp = 4
					}
					pos++
				}
				switch {
				case mod == 0 && r == 5, mod == 2:
					disp = 4
				case mod == 1:
					disp = 1
				}
			}
		}
	}
	if m == map0F && op == 0x0F {
		// 3DNow! puts its opcode byte where an immediate would be.
		imm = 1
	}
	if disp != 0 {
		l.offsets.DisplacementOffset = pos
		l.offsets.DisplacementSize = disp
		pos += disp
	}
	if imm != 0 {
		l.offsets.ImmediateOffset = pos
		l.offsets.ImmediateSize = imm
		pos += imm
	}
	if imm2 != 0 {
		l.offsets.ImmediateOffset2 = pos
		l.offsets.ImmediateSize2 = imm2
		pos += imm2
	}
	if pos > len(b) {
		return l, false
	}
	l.length = pos
	return l, true
}

// oneByte describes an opcode of the one-byte map: whether it has a ModRM
// byte, and the sizes of its immediates and of a ModRM-less displacement.
func oneByte(op byte, osz, asz, relz, mode int, rex byte) (modrm, imm, imm2, disp int) {
	switch {
	case op < 0x40:
		switch op & 7 {
		case 0, 1, 2, 3:
			modrm = 1
		case 4:
			imm = 1
		case 5:
			imm = osz
		}
	case op == 0x62 || op == 0x63:
		modrm = 1
	case op == 0x68:
		imm = osz
	case op == 0x69:
		modrm, imm = 1, osz
	case op == 0x6A:
		imm = 1
	case op == 0x6B:
		modrm, imm = 1, 1
	case op >= 0x70 && op <= 0x7F:
		imm = 1
	case op == 0x80 || op == 0x82 || op == 0x83:
		modrm, imm = 1, 1
	case op == 0x81:
		modrm, imm = 1, osz
	case op >= 0x84 && op <= 0x8F:
		modrm = 1
	case op == 0x9A || op == 0xEA:
		imm, imm2 = osz, 2
	case op >= 0xA0 && op <= 0xA3:
		disp = asz / 8
	case op == 0xA8:
		imm = 1
	case op == 0xA9:
		imm = osz
	case op >= 0xB0 && op <= 0xB7:
		imm = 1
	case op >= 0xB8 && op <= 0xBF:
		imm = osz
		if mode == 64 && rex&0x08 != 0 {
			imm = 8
		}
	case op == 0xC0 || op == 0xC1:
		modrm, imm = 1, 1
	case op == 0xC2 || op == 0xCA:
		imm = 2
	case op == 0xC4 || op == 0xC5:
		modrm = 1
	case op == 0xC6:
		modrm, imm = 1, 1
	case op == 0xC7:
		modrm, imm = 1, osz
	case op == 0xC8:
		imm, imm2 = 2, 1
	case op == 0xCD || op == 0xD4 || op == 0xD5:
		imm = 1
	case op >= 0xD0 && op <= 0xD3, op >= 0xD8 && op <= 0xDF:
		modrm = 1
	case op >= 0xE0 && op <= 0xE7:
		imm = 1
	case op == 0xE8 || op == 0xE9:
		imm = relz
	case op == 0xEB:
		imm = 1
	case op == 0xF6:
		modrm, imm = 1, 1
	case op == 0xF7:
		modrm, imm = 1, osz
	case op == 0xFE || op == 0xFF:
		modrm = 1
	}
	return modrm, imm, imm2, disp
}

// twoByte describes an opcode of the 0F map.
func twoByte(op byte, relz int) (modrm, imm int) {
	switch {
	case op >= 0x80 && op <= 0x8F:
		return 0, relz
	case op >= 0xC8 && op <= 0xCF:
		return 0, 0
	}
	switch op {
	case 0x05, 0x06, 0x07, 0x08, 0x09, 0x0B, 0x0E, 0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x37,
		0x77, 0xA0, 0xA1, 0xA2, 0xA8, 0xA9, 0xAA:
		return 0, 0
	case 0x70, 0x71, 0x72, 0x73, 0xA4, 0xAC, 0xBA, 0xC2, 0xC4, 0xC5, 0xC6:
		return 1, 1
	}
	return 1, 0
}
