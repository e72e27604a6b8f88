// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ibl

import (
	"github.com/go-interpreter/fraglink/emit"
)

// asm wraps a block with the handful of mode-aware encodings the lookup
// routines are written in.  Mode32 drops the rex.w prefix and uses the
// FS-relative forms; register numbering is identical.
type asm struct {
	b    *emit.Block
	mode emit.Mode
}

// Condition codes for jcc.
const (
	ccE  = 0x4
	ccNE = 0x5
)

func (a asm) rex() {
	if a.mode == emit.Mode64 {
		a.b.Byte(emit.RexW)
	}
}

// tlsModRM emits the modrm (and sib on 64-bit) selecting a segment-relative
// disp32, for an instruction whose reg field is regField.
func (a asm) tlsModRM(regField byte, offs uint32) {
	if a.mode == emit.Mode64 {
		a.b.Byte(regField<<3|0x04, 0x25) // mod=0 rm=4, sib=disp32
	} else {
		a.b.Byte(regField<<3 | 0x05) // mod=0 rm=5: disp32
	}
	a.b.U32(offs)
}

// memModRM emits a modrm with a base register and the narrowest
// displacement.  The bases in use here (xcx, xdi) never need a sib byte.
func (a asm) memModRM(regField byte, base emit.Reg, disp int) {
	switch {
	case disp == 0 && base != emit.RegXBP:
		a.b.Byte(0<<6 | regField<<3 | byte(base))
	case disp >= -128 && disp <= 127:
		a.b.Byte(1<<6|regField<<3|byte(base), byte(int8(disp)))
	default:
		a.b.Byte(2<<6 | regField<<3 | byte(base))
		a.b.U32(uint32(int32(disp)))
	}
}

func (a asm) spill(reg emit.Reg, offs uint32) {
	a.b.Spill(emit.Spill{Reg: reg, Mode: a.mode, Offs: offs})
}

func (a asm) restore(reg emit.Reg, offs uint32) {
	a.b.Spill(emit.Spill{Reg: reg, Restore: true, Mode: a.mode, Offs: offs})
}

// saveFlags spills XAX, then captures the arithmetic flags: lahf for the
// low five, seto %al for OF.
func (a asm) saveFlags(prefixXAXSlot uint32) {
	a.spill(emit.RegXAX, prefixXAXSlot)
	a.b.Byte(0x9f)             // lahf
	a.b.Byte(0x0f, 0x90, 0xc0) // seto %al
}

// restoreFlags reconstructs OF (add $0x7f,%al overflows exactly when seto
// stored 1), restores the low five flags, then reloads XAX.
func (a asm) restoreFlags(prefixXAXSlot uint32) {
	a.b.Byte(0x04, 0x7f) // add $0x7f,%al
	a.b.Byte(0x9e)       // sahf
	a.restore(emit.RegXAX, prefixXAXSlot)
}

// movRegReg emits mov src -> dst.
func (a asm) movRegReg(dst, src emit.Reg) {
	a.rex()
	a.b.Byte(0x8b, 3<<6|byte(dst)<<3|byte(src))
}

// movRegFromR8 emits mov r8+srcHigh -> dst (the x86-to-x64 restores).
func (a asm) movRegFromR8(dst emit.Reg, srcHigh byte) {
	a.b.Byte(0x49, 0x8b, 3<<6|byte(dst)<<3|srcHigh)
}

// movImmPtr materializes a pointer-sized immediate.
func (a asm) movImmPtr(reg emit.Reg, v uint64) {
	if a.mode == emit.Mode64 {
		a.b.Byte(emit.RexW, 0xb8+byte(reg)).U64(v)
	} else {
		a.b.Byte(0xb8 + byte(reg)).U32(uint32(v))
	}
}

// andRegTLS emits and gs:offs, reg -> reg.
func (a asm) andRegTLS(reg emit.Reg, offs uint32) {
	a.b.Byte(emit.SegPrefix(a.mode))
	a.rex()
	a.b.Byte(0x23)
	a.tlsModRM(byte(reg), offs)
}

// addRegTLS emits add gs:offs, reg -> reg.
func (a asm) addRegTLS(reg emit.Reg, offs uint32) {
	a.b.Byte(emit.SegPrefix(a.mode))
	a.rex()
	a.b.Byte(0x03)
	a.tlsModRM(byte(reg), offs)
}

// addRegReg emits add src, dst -> dst.
func (a asm) addRegReg(dst, src emit.Reg) {
	a.rex()
	a.b.Byte(0x01, 3<<6|byte(src)<<3|byte(dst))
}

// addRegImm8 emits add $imm8, reg.
func (a asm) addRegImm8(reg emit.Reg, imm int8) {
	a.rex()
	a.b.Byte(0x83, 3<<6|0<<3|byte(reg), byte(imm))
}

// shrRegImm8 emits shr $imm8, reg.
func (a asm) shrRegImm8(reg emit.Reg, imm uint8) {
	a.rex()
	a.b.Byte(0xc1, 3<<6|5<<3|byte(reg), imm)
}

// cmpRegMem emits cmp disp(base), reg.
func (a asm) cmpRegMem(reg, base emit.Reg, disp int) {
	a.rex()
	a.b.Byte(0x3b)
	a.memModRM(byte(reg), base, disp)
}

// cmpMemImm8 emits cmp $imm8, disp(base) at pointer width.
func (a asm) cmpMemImm8(base emit.Reg, disp int, imm int8) {
	a.rex()
	a.b.Byte(0x83)
	a.memModRM(7, base, disp)
	a.b.Byte(byte(imm))
}

// cmpMem32Imm8 emits a 32-bit-wide cmp $imm8, disp(base); used for the
// upper-tag rejection when 32-bit code probes the 64-bit table.
func (a asm) cmpMem32Imm8(base emit.Reg, disp int, imm int8) {
	a.b.Byte(0x83)
	a.memModRM(7, base, disp)
	a.b.Byte(byte(imm))
}

// loadRegMem emits mov disp(base), reg.
func (a asm) loadRegMem(reg, base emit.Reg, disp int) {
	a.rex()
	a.b.Byte(0x8b)
	a.memModRM(byte(reg), base, disp)
}

// storeRegMem emits mov reg, disp(base).
func (a asm) storeRegMem(reg, base emit.Reg, disp int) {
	a.rex()
	a.b.Byte(0x89)
	a.memModRM(byte(reg), base, disp)
}

// jmpMem emits jmp *disp(base).
func (a asm) jmpMem(base emit.Reg, disp int) {
	a.b.Byte(0xff)
	a.memModRM(4, base, disp)
}

// storeImm32TLS emits a 32-bit immediate store to a TLS slot.
func (a asm) storeImm32TLS(offs uint32, imm uint32) {
	a.b.Byte(emit.SegPrefix(a.mode), 0xc7)
	a.tlsModRM(0, offs)
	a.b.U32(imm)
}

// movCl1 emits mov $1, %cl: the unlink marker the race-detecting path
// tests.
func (a asm) movCl1() {
	a.b.Byte(0xb1, 0x01)
}

// movzxXCXFromCl widens %cl into the full register.
func (a asm) movzxXCXFromCl() {
	a.rex()
	a.b.Byte(0x0f, 0xb6, 0xc9)
}
