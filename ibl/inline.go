// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ibl

import (
	"github.com/pkg/errors"

	"github.com/go-interpreter/fraglink/cache"
	"github.com/go-interpreter/fraglink/emit"
	"github.com/go-interpreter/fraglink/gencode"
)

// EmitInlineStub emits the inline IBL stub template for code and records
// it, with its patch-point offsets, in the descriptor.  The shared routine
// must already be emitted: the template's miss path falls off into it.
//
// The template's hit path follows the shared head, except that it parks
// the application's XBX in IndirectStubSpill where the shared head parks
// the linkstub in ExitLinkstubSpill.  The per-exit values -- the linkstub immediate and the ending jump
// displacements -- are placeholders here; the exit stub builder patches
// them through the recorded offsets after copying the template, and those
// offsets are frozen for the life of the runtime (every emitted stub
// depends on them).
//
// With atomic inlined linking the unlink path duplicates the miss tail,
// so link and unlink are each a single atomic patch of the exit branch.
// Without it there is a single toggled ending jump, and the unlink path
// marks CL with 1 so the shared routine's race-detecting unlinked entry
// can tell an intentional unlink from a stale in-flight probe.
//
// Stub layout (64-bit, non-atomic):
//
//	save flags ; park xbx ; hash ; probe ; jne miss
//	restore xbx ; jmp *start_pc(probe)        # hit
//	unlink: park xcx ; mov $1, %cl            # fall into miss
//	miss:  store &linkstub (two halves) ; jmp <toggled>
func EmitInlineStub(g *gencode.Gencode, code *gencode.IBLCode) error {
	cfg := &g.Config
	if !cfg.InlineIBLHead || !cfg.IndirectStubs {
		return errors.New("ibl: inline stubs disabled by configuration")
	}
	if code.Source == gencode.SourceCoarse {
		return errors.New("ibl: coarse sources do not inline the head")
	}
	if code.X86ToX64 {
		return errors.New("ibl: x86-to-x64 gencode does not inline the head")
	}
	if code.LinkedEntry == 0 || code.UnlinkedEntry == 0 {
		return errors.New("ibl: shared routine must be emitted before the template")
	}
	mode := code.Mode

	// The template image lives in gencode space like any routine; the
	// recorded bytes are what stubs copy.
	const templateBudget = 160
	base, err := g.Region.Alloc(templateBudget, cache.LineSize)
	if err != nil {
		return errors.Wrap(err, "ibl: allocating template")
	}
	b := emit.NewBlock(base)
	a := asm{b: b, mode: mode}

	lsSlot := gencode.ExitLinkstubSpill(mode)
	xbxSlot := gencode.IndirectStubSpill(mode)

	// Head: the shared routine's, except that XBX (here the app's)
	// parks in IndirectStubSpill.
	a.saveFlags(gencode.PrefixXAXSpill(mode))
	a.spill(emit.RegXBX, xbxSlot)
	a.movRegReg(emit.RegXBX, emit.RegXCX)
	a.andRegTLS(emit.RegXCX, gencode.MaskSlot(mode, code.Branch))
	log := entrySizeLog(emit.Mode64) // host table geometry
	offs := cfg.IBLHashOffset[code.Branch]
	if offs <= log {
		for i := uint8(0); i < log-offs; i++ {
			a.addRegReg(emit.RegXCX, emit.RegXCX)
		}
	} else {
		a.shrRegImm8(emit.RegXCX, offs-log)
	}
	a.addRegTLS(emit.RegXCX, gencode.TableSlot(mode, code.Branch))
	a.cmpRegMem(emit.RegXBX, emit.RegXCX, TagOffs)
	missFix := b.Jcc8(ccNE)
	var missFix2 emit.Fixup
	if mode == emit.Mode32 {
		a.cmpMem32Imm8(emit.RegXCX, TagOffs+4, 0)
		missFix2 = b.Jcc8(ccNE)
	}
	a.restore(emit.RegXBX, xbxSlot)
	a.jmpMem(emit.RegXCX, StartPCOffs(emit.Mode64))

	// storeLinkstub parks a placeholder linkstub pointer in TLS and
	// returns the offset of the first patched immediate.  On 64-bit the
	// pointer is stored as two 32-bit halves; both stores execute on the
	// exiting thread, so no cross-thread ordering applies.
	storeLinkstub := func() int {
		first := b.Len() + storeImmOffs(mode)
		a.storeImm32TLS(lsSlot, 0)
		if mode == emit.Mode64 {
			a.storeImm32TLS(lsSlot+4, 0)
		}
		return first
	}

	unlinkOffs := b.Len()
	if cfg.AtomicInlinedLinking {
		// Unlink tail: a full duplicate of the miss tail, so the exit
		// branch is the only patch site.
		a.spill(emit.RegXBX, xbxSlot)
		code.InlineLinkstubSecondOffs = storeLinkstub()
		code.InlineUnlinkedJmpOffs = b.Len() + 1
		b.JmpRel32(code.UnlinkedEntry)

		b.Bind(missFix)
		if mode == emit.Mode32 {
			b.Bind(missFix2)
		}
		code.InlineLinkstubFirstOffs = storeLinkstub()
		code.InlineLinkedJmpOffs = b.Len() + 1
		b.JmpRel32(code.LinkedEntry)
	} else {
		// Unlink path: park the target, mark CL, fall into the miss.
		a.spill(emit.RegXCX, xbxSlot)
		a.movCl1()
		b.Bind(missFix)
		if mode == emit.Mode32 {
			b.Bind(missFix2)
		}
		code.InlineLinkstubFirstOffs = storeLinkstub()
		code.InlineLinkstubSecondOffs = 0
		// One ending jump, toggled between the linked probe
		// continuation and the race-detecting unlinked entry.
		code.InlineLinkedJmpOffs = b.Len() + 1
		code.InlineUnlinkedJmpOffs = code.InlineLinkedJmpOffs
		b.JmpRel32(code.UnlinkedEntry)
	}
	code.InlineUnlinkOffs = unlinkOffs

	if b.Err() != nil {
		return errors.Wrap(b.Err(), "ibl: emitting template")
	}
	if b.Len() > templateBudget {
		return errors.Errorf("ibl: template length %d exceeds budget %d", b.Len(), templateBudget)
	}
	if err := b.CopyOut(g.Region); err != nil {
		return err
	}
	code.Template = append([]byte(nil), b.Bytes()...)
	return nil
}

// storeImmOffs is the offset of the imm32 field inside a storeImm32TLS
// instruction.
func storeImmOffs(mode emit.Mode) int {
	if mode == emit.Mode64 {
		return 8 // seg c7 modrm sib disp32
	}
	return 7 // seg c7 modrm disp32
}
