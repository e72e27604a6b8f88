// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

// The spill/restore sequences are an ABI between this emitter and the
// runtime's classifier of unknown cache PCs: the exact bytes for each
// (register, slot, addressing) combination must be recognizable later.
// Encode and Decode below therefore implement one grammar; there is one
// canonical encoding per parameter combination and the recognizer accepts
// exactly that.
//
// Canonical forms (opcode is a3/a1 for the accumulator, 89/8b otherwise):
//
//	64-bit TLS, XAX:    67 65 48 a3/a1 disp32
//	64-bit TLS, other:  65 48 89/8b modrm(0,reg,4) 25 disp32
//	32-bit TLS addr16:  67 64 a3/a1 disp16              (XAX)
//	                    67 64 89/8b modrm(0,reg,6) disp16
//	32-bit TLS addr32:  64 a3/a1 disp32                 (XAX)
//	                    64 89/8b modrm(0,reg,5) disp32
//	32-bit mcontext:    a3/a1 disp32                    (XAX)
//	                    89/8b modrm(0,reg,5) disp32

// SpillStorage selects where a spill sequence saves to or restores from.
type SpillStorage uint8

const (
	// StorageTLS addresses a thread-local scratch slot through a segment
	// override.
	StorageTLS SpillStorage = iota
	// StorageMcontext addresses an mcontext field at an absolute
	// address (32-bit only).
	StorageMcontext
)

// Spill describes one save or restore of a general-purpose register.
type Spill struct {
	Reg     Reg
	Restore bool
	Storage SpillStorage
	Mode    Mode
	// Addr16 forces the address-size prefix and a 16-bit displacement
	// (32-bit TLS only); required where a stub must stay within a
	// fixed size budget and where the recognizer expects the short
	// form.
	Addr16 bool
	// Offs is the TLS slot offset, or the absolute mcontext field
	// address for StorageMcontext.
	Offs uint32
}

// Size returns the encoded length, a pure function of the parameters.  The
// stub builders lay out stubs against these sizes.
func (s Spill) Size() int {
	switch {
	case s.Mode == Mode64:
		if s.Reg == RegXAX {
			return 8 // addr32 + seg + rex.w + a3 + disp32
		}
		return 9 // seg + rex.w + op + modrm + sib + disp32
	case s.Storage == StorageMcontext:
		if s.Reg == RegXAX {
			return 5
		}
		return 6
	case s.Addr16:
		if s.Reg == RegXAX {
			return 5 // addr16 + seg + a3 + disp16
		}
		return 6
	default:
		if s.Reg == RegXAX {
			return 6
		}
		return 7
	}
}

func (s Spill) opcode() byte {
	if s.Reg == RegXAX {
		if s.Restore {
			return opMovMemToXAX
		}
		return opMovXAXToMem
	}
	if s.Restore {
		return opMovMemToReg
	}
	return opMovRegToMem
}

// AppendTo appends the canonical encoding of s to b.
func (s Spill) AppendTo(b []byte) []byte {
	op := s.opcode()
	switch {
	case s.Mode == Mode64:
		// All 64-bit spills use TLS; there is no absolute-mcontext
		// form on x64.
		if s.Reg == RegXAX {
			// Shorter to use the moffs opcode with an addr32
			// prefix than the modrm form with a sib byte.
			b = append(b, prefixAddr, SegPrefix(Mode64), rexW, op)
		} else {
			b = append(b, SegPrefix(Mode64), rexW, op,
				modrm(0, byte(s.Reg), 4), sibDisp32)
		}
		return appendU32(b, s.Offs)
	case s.Storage == StorageMcontext:
		if s.Reg == RegXAX {
			b = append(b, op)
		} else {
			b = append(b, op, modrm(0, byte(s.Reg), 5))
		}
		return appendU32(b, s.Offs)
	case s.Addr16:
		if s.Reg == RegXAX {
			b = append(b, prefixAddr, SegPrefix(Mode32), op)
		} else {
			b = append(b, prefixAddr, SegPrefix(Mode32), op,
				modrm(0, byte(s.Reg), 6))
		}
		return appendU16(b, uint16(s.Offs))
	default:
		if s.Reg == RegXAX {
			b = append(b, SegPrefix(Mode32), op)
		} else {
			b = append(b, SegPrefix(Mode32), op, modrm(0, byte(s.Reg), 5))
		}
		return appendU32(b, s.Offs)
	}
}

// DecodeTLSSpill recognizes a canonical TLS spill or restore at the start
// of b.  It returns the decoded parameters and consumed length.  Sequences
// the emitter would not produce are rejected.
func DecodeTLSSpill(b []byte) (Spill, int, bool) {
	var s Spill
	i := 0
	next := func() (byte, bool) {
		if i >= len(b) {
			return 0, false
		}
		c := b[i]
		i++
		return c, true
	}

	c, ok := next()
	if !ok {
		return s, 0, false
	}
	if c == prefixAddr {
		s.Addr16 = true
		if c, ok = next(); !ok {
			return s, 0, false
		}
	}
	switch c {
	case prefixGS:
		s.Mode = Mode64
	case prefixFS:
		s.Mode = Mode32
	default:
		return s, 0, false
	}
	if c, ok = next(); !ok {
		return s, 0, false
	}
	if s.Mode == Mode64 {
		// The 64-bit canonical form has the addr32 prefix only for
		// the accumulator, and always rex.w.
		if c != rexW {
			return s, 0, false
		}
		if c, ok = next(); !ok {
			return s, 0, false
		}
	}
	switch c {
	case opMovMemToXAX:
		s.Reg, s.Restore = RegXAX, true
	case opMovXAXToMem:
		s.Reg, s.Restore = RegXAX, false
	case opMovMemToReg, opMovRegToMem:
		s.Restore = c == opMovMemToReg
		m, ok := next()
		if !ok {
			return s, 0, false
		}
		wantRM := byte(5)
		if s.Mode == Mode64 {
			wantRM = 4
		} else if s.Addr16 {
			wantRM = 6
		}
		if m>>6 != 0 || m&7 != wantRM {
			return s, 0, false
		}
		s.Reg = Reg(m >> 3 & 7)
		if s.Reg == RegXAX {
			// The emitter always uses the moffs opcode for XAX.
			return s, 0, false
		}
		if s.Mode == Mode64 {
			sib, ok := next()
			if !ok || sib != sibDisp32 {
				return s, 0, false
			}
		}
	default:
		return s, 0, false
	}
	if s.Mode == Mode64 {
		if (s.Reg == RegXAX) != s.Addr16 {
			return s, 0, false
		}
		s.Addr16 = false
	}
	if s.Mode == Mode32 && s.Addr16 {
		if i+2 > len(b) {
			return s, 0, false
		}
		s.Offs = uint32(b[i]) | uint32(b[i+1])<<8
		i += 2
	} else {
		if i+4 > len(b) {
			return s, 0, false
		}
		s.Offs = uint32(b[i]) | uint32(b[i+1])<<8 | uint32(b[i+2])<<16 | uint32(b[i+3])<<24
		i += 4
	}
	return s, i, true
}

// IsRawTLSSpill reports whether the bytes at the start of b are the
// canonical spill of reg to TLS offset offs.
func IsRawTLSSpill(b []byte, reg Reg, offs uint32) bool {
	s, _, ok := DecodeTLSSpill(b)
	return ok && !s.Restore && s.Reg == reg && s.Offs == offs
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU64(b []byte, v uint64) []byte {
	return append(appendU32(b, uint32(v)), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
