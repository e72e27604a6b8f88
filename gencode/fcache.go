// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gencode

import (
	"github.com/pkg/errors"
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/go-interpreter/fraglink/cache"
	"github.com/go-interpreter/fraglink/emit"
)

// The context switch routines are built from obj.Prog lists and assembled
// at emission time, the way the native backend builds its code.  TLS-slot
// accesses have no obj representation (the segment-override absolute forms
// are ours alone), so the routines are assembled in segments with the
// canonical spill bytes spliced between them.  No branch crosses a splice.
//
// Register convention inside both routines: XDI holds the dcontext (loaded
// from its TLS slot; the application XDI is parked in the dcontext-base
// spill slot), so every mcontext access is a plain base+disp operand.

type codeSeq struct {
	parts [][]byte
}

func (s *codeSeq) raw(b []byte) {
	s.parts = append(s.parts, b)
}

func (s *codeSeq) tlsSpill(reg emit.Reg, offs uint32) {
	sp := emit.Spill{Reg: reg, Mode: emit.Mode64, Offs: offs}
	s.raw(sp.AppendTo(nil))
}

func (s *codeSeq) tlsRestore(reg emit.Reg, offs uint32) {
	sp := emit.Spill{Reg: reg, Restore: true, Mode: emit.Mode64, Offs: offs}
	s.raw(sp.AppendTo(nil))
}

func (s *codeSeq) asm(build func(*asm.Builder)) error {
	b, err := asm.NewBuilder("amd64", 64)
	if err != nil {
		return errors.Wrap(err, "gencode: new builder")
	}
	build(b)
	s.parts = append(s.parts, b.Assemble())
	return nil
}

func (s *codeSeq) bytes() []byte {
	var out []byte
	for _, p := range s.parts {
		out = append(out, p...)
	}
	return out
}

func dcMem(offs int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: x86.REG_DI, Offset: offs}
}

func regMem(reg int16, offs int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: reg, Offset: offs}
}

func regOp(r int16) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: r}
}

func constOp(v int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_CONST, Offset: v}
}

func ins(b *asm.Builder, as obj.As, from, to obj.Addr) *obj.Prog {
	p := b.NewProg()
	p.As = as
	p.From = from
	p.To = to
	b.AddInstruction(p)
	return p
}

// saveMc emits mov reg -> mcontext field.
func saveMc(b *asm.Builder, offs int64, reg int16) {
	ins(b, x86.AMOVQ, regOp(reg), dcMem(offs))
}

// restoreMc emits mov mcontext field -> reg.
func restoreMc(b *asm.Builder, offs int64, reg int16) {
	ins(b, x86.AMOVQ, dcMem(offs), regOp(reg))
}

var mcGPRs = []struct {
	offs int64
	reg  int16
}{
	{McXDX, x86.REG_DX},
	{McXSI, x86.REG_SI},
	{McXBP, x86.REG_BP},
	{McXSP, x86.REG_SP},
	{McR8, x86.REG_R8},
	{McR9, x86.REG_R9},
	{McR10, x86.REG_R10},
	{McR11, x86.REG_R11},
	{McR12, x86.REG_R12},
	{McR13, x86.REG_R13},
	{McR14, x86.REG_R14},
	{McR15, x86.REG_R15},
}

// simd emits the extended-register transfer with the AVX-512 run-time
// dispatch.  The whole branchy sequence stays inside one assembled
// segment.
func (g *Gencode) simd(b *asm.Builder, save bool) {
	cfg := &g.Config
	if cfg.SIMD == SIMDNone || !cfg.PreserveXMMCallerSaved {
		return
	}
	moveXMM := func(i int) {
		mem := dcMem(McSIMDBase + int64(i)*McSIMDSlotSize)
		reg := regOp(x86.REG_X0 + int16(i))
		if save {
			ins(b, x86.AMOVUPS, reg, mem)
		} else {
			ins(b, x86.AMOVUPS, mem, reg)
		}
	}
	if cfg.SIMD == SIMDSSE || cfg.AVX512InUseAddr == 0 {
		for i := 0; i < numSSESaved; i++ {
			moveXMM(i)
		}
		return
	}

	// movq $flag, r11 ; cmpb (r11), $0 ; jnz wide ; <xmm copies> ;
	// jmp done ; wide: <zmm+opmask copies> ; done:
	wide := b.NewProg()
	wide.As = obj.ANOP
	done := b.NewProg()
	done.As = obj.ANOP

	ins(b, x86.AMOVQ, constOp(int64(cfg.AVX512InUseAddr)), regOp(x86.REG_R11))
	ins(b, x86.ACMPB, regMem(x86.REG_R11, 0), constOp(0))
	jnz := b.NewProg()
	jnz.As = x86.AJNE
	jnz.To.Type = obj.TYPE_BRANCH
	jnz.Pcond = wide
	b.AddInstruction(jnz)

	for i := 0; i < numSSESaved; i++ {
		moveXMM(i)
	}
	jmp := b.NewProg()
	jmp.As = obj.AJMP
	jmp.To.Type = obj.TYPE_BRANCH
	jmp.Pcond = done
	b.AddInstruction(jmp)

	b.AddInstruction(wide)
	for i := 0; i < McNumSIMDSlots; i++ {
		mem := dcMem(McSIMDBase + int64(i)*McSIMDSlotSize)
		reg := regOp(x86.REG_Z0 + int16(i))
		if save {
			ins(b, x86.AVMOVDQU64, reg, mem)
		} else {
			ins(b, x86.AVMOVDQU64, mem, reg)
		}
	}
	for i := 0; i < McNumOpmasks; i++ {
		mem := dcMem(McOpmaskBase + int64(i)*McOpmaskSlotSize)
		reg := regOp(x86.REG_K0 + int16(i))
		if save {
			ins(b, x86.AKMOVQ, reg, mem)
		} else {
			ins(b, x86.AKMOVQ, mem, reg)
		}
	}
	b.AddInstruction(done)
}

func callHook(b *asm.Builder, hook uintptr) {
	if hook == 0 {
		return
	}
	// Scratch state the dispatcher cares about is already in the
	// mcontext at every hook site; only the hook's own ABI registers
	// matter and the runtime stack is current.
	ins(b, x86.AMOVQ, constOp(int64(hook)), regOp(x86.REG_R11))
	p := b.NewProg()
	p.As = obj.ACALL
	p.To = regOp(x86.REG_R11)
	b.AddInstruction(p)
}

func pushConst(b *asm.Builder, v int64) {
	p := b.NewProg()
	p.As = x86.APUSHQ
	p.From = constOp(v)
	b.AddInstruction(p)
}

func pushReg(b *asm.Builder, r int16) {
	p := b.NewProg()
	p.As = x86.APUSHQ
	p.From = regOp(r)
	b.AddInstruction(p)
}

func popReg(b *asm.Builder, r int16) {
	p := b.NewProg()
	p.As = x86.APOPQ
	p.To = regOp(r)
	b.AddInstruction(p)
}

func flagIns(b *asm.Builder, as obj.As) {
	p := b.NewProg()
	p.As = as
	b.AddInstruction(p)
}

// EmitFcacheEnter emits the cache entry routine: restore flags, SIMD and
// GPR state from the mcontext and jump to the cache entry the dispatcher
// stored in next_entry.  The application XDI is restored last; the final
// jump is an indirect jump through the mcontext, which stays valid after
// the dcontext register is gone because the dcontext sits in low memory
// at a fixed per-thread address.
func (g *Gencode) EmitFcacheEnter(dcontext uintptr) (cache.PC, error) {
	var s codeSeq
	// xdi <- dcontext
	s.tlsRestore(emit.RegXDI, DcontextSlot(emit.Mode64))
	err := s.asm(func(b *asm.Builder) {
		callHook(b, g.Config.EnterHook)
		// Flags first: the restore clobbers XAX and needs a stack,
		// and both are rebuilt below.
		restoreMc(b, McXFlags, x86.REG_AX)
		pushReg(b, x86.REG_AX)
		flagIns(b, x86.APOPFQ)

		g.simd(b, false)

		restoreMc(b, McXAX, x86.REG_AX)
		restoreMc(b, McXBX, x86.REG_BX)
		restoreMc(b, McXCX, x86.REG_CX)
		for _, gp := range mcGPRs {
			restoreMc(b, gp.offs, gp.reg)
		}
		// XDI last: it held the dcontext.
		restoreMc(b, McXDI, x86.REG_DI)
	})
	if err != nil {
		return 0, err
	}
	// jmp [dcontext+next_entry]: ff 24 25 disp32
	jmp := []byte{0xff, 0x24, 0x25}
	addr := uint32(dcontext) + McNextEntry
	jmp = append(jmp, byte(addr), byte(addr>>8), byte(addr>>16), byte(addr>>24))
	s.raw(jmp)
	return g.placeRoutine(s.bytes(), "fcache enter")
}

// emitFcacheReturn emits the cache exit routine.  Fine-grain entry
// convention: XAX holds the linkstub of the exiting edge, the application
// XAX sits in the direct-stub TLS slot, and the application XCX is intact
// or parked per the exit protocol that got here.
//
// When coarseLinkstub is nonzero the routine is the coarse-grain variant:
// the direct-stub TLS slot holds the exit's target tag instead of the
// application XAX (which is still live in the register), and the baked-in
// sourceless linkstub identifies the exit.
func (g *Gencode) emitFcacheReturn(dispatch, coarseLinkstub uintptr) (cache.PC, error) {
	var s codeSeq
	// Park app xdi, take the dcontext.
	s.tlsSpill(emit.RegXDI, DcontextBaseSpill(emit.Mode64))
	s.tlsRestore(emit.RegXDI, DcontextSlot(emit.Mode64))
	err := s.asm(func(b *asm.Builder) {
		saveMc(b, McXBX, x86.REG_BX)
	})
	if err != nil {
		return 0, err
	}
	// xbx is free now: pull the TLS-parked state through it.
	s.tlsRestore(emit.RegXBX, DirectStubSpill(emit.Mode64))
	if coarseLinkstub != 0 {
		err = s.asm(func(b *asm.Builder) {
			saveMc(b, McXAX, x86.REG_AX)
			saveMc(b, McNextTag, x86.REG_BX)
			ins(b, x86.AMOVQ, constOp(int64(coarseLinkstub)), regOp(x86.REG_AX))
			saveMc(b, McCoarseExitSrc, x86.REG_CX)
		})
		if err != nil {
			return 0, err
		}
		s.tlsRestore(emit.RegXCX, MangleXCXSpill(emit.Mode64))
		err = s.asm(func(b *asm.Builder) {
			saveMc(b, McXCX, x86.REG_CX)
		})
	} else {
		err = s.asm(func(b *asm.Builder) {
			// App XAX came through TLS; the register itself holds
			// the linkstub, which the dispatcher reads.
			saveMc(b, McXAX, x86.REG_BX)
			saveMc(b, McXCX, x86.REG_CX)
		})
	}
	if err != nil {
		return 0, err
	}
	// App xdi from its parking slot, via xbx.
	s.tlsRestore(emit.RegXBX, DcontextBaseSpill(emit.Mode64))
	err = s.asm(func(b *asm.Builder) {
		saveMc(b, McXDI, x86.REG_BX)
		for _, gp := range mcGPRs {
			saveMc(b, gp.offs, gp.reg)
		}

		// Save flags, then clear them so application state (a std,
		// say) cannot leak into the runtime.
		flagIns(b, x86.APUSHFQ)
		popReg(b, x86.REG_BX)
		saveMc(b, McXFlags, x86.REG_BX)
		pushConst(b, 0)
		flagIns(b, x86.APOPFQ)

		g.simd(b, true)

		callHook(b, g.Config.ExitHook)

		ins(b, x86.AMOVQ, constOp(int64(dispatch)), regOp(x86.REG_R11))
		jmp := b.NewProg()
		jmp.As = obj.AJMP
		jmp.To = regOp(x86.REG_R11)
		b.AddInstruction(jmp)
	})
	if err != nil {
		return 0, err
	}
	what := "fcache return"
	if coarseLinkstub != 0 {
		what = "fcache return coarse"
	}
	return g.placeRoutine(s.bytes(), what)
}

// EmitContextSwitch emits fcache enter, fcache return and the coarse
// return variant for the thread owning dcontext, recording their entry
// points in g.
func (g *Gencode) EmitContextSwitch(dcontext, dispatch uintptr) error {
	enter, err := g.EmitFcacheEnter(dcontext)
	if err != nil {
		return err
	}
	ret, err := g.emitFcacheReturn(dispatch, 0)
	if err != nil {
		return err
	}
	coarse, err := g.emitFcacheReturn(dispatch, g.CoarseDirectLinkstub)
	if err != nil {
		return err
	}
	g.FcacheEnter, g.FcacheReturn, g.FcacheReturnCoarse = enter, ret, coarse
	return nil
}

func (g *Gencode) placeRoutine(code []byte, what string) (cache.PC, error) {
	pc, err := g.Region.Alloc(len(code), cache.LineSize)
	if err != nil {
		return 0, errors.Wrapf(err, "gencode: placing %s", what)
	}
	w, err := g.Region.Writable(pc, len(code))
	if err != nil {
		return 0, errors.Wrapf(err, "gencode: placing %s", what)
	}
	copy(w, code)
	return pc, nil
}
