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

// routineBudget bounds the shared routine's emitted size.
const routineBudget = 384

// EmitRoutine emits the shared indirect-branch-lookup routine described by
// code into the gencode region and fills in the descriptor's entry points.
// The fcache return routine must already be emitted.
//
// Entry invariants:
//
//	linked entry (full head): XBX = &linkstub (or source tag for coarse
//	sources), XCX = application branch target.
//	linked entry (inlined heads): the per-stub probe missed; XBX = target
//	tag, XCX = probe address, flags saved.
//	trace-cmp entry: as the full head, but flags already saved.
//	unlinked entry: XBX = &linkstub, XCX = target, flags untouched.
//	target-delete entry: reached through a dying table entry's start pc;
//	XCX = probe address.
func EmitRoutine(g *gencode.Gencode, code *gencode.IBLCode) error {
	if g.FcacheReturn == 0 {
		return errors.New("ibl: fcache return not emitted yet")
	}
	base, err := g.Region.Alloc(routineBudget, cache.LineSize)
	if err != nil {
		return errors.Wrap(err, "ibl: allocating routine")
	}

	cfg := &g.Config
	mode := code.Mode
	coarse := code.Source == gencode.SourceCoarse
	x86ToX64 := code.X86ToX64 && mode == emit.Mode64
	// Inlining has not been taught the register-scratch protocol, so
	// x86-to-x64 fragments keep separate stubs and the full head.
	inlineHead := cfg.InlineIBLHead && cfg.IndirectStubs && !coarse && !x86ToX64
	traceCmp := mode == emit.Mode64 && code.Source == gencode.SourceTrace &&
		!inlineHead && !x86ToX64

	b := emit.NewBlock(base)
	a := asm{b: b, mode: mode}

	maskSlot := gencode.MaskSlot(mode, code.Branch)
	tableSlot := gencode.TableSlot(mode, code.Branch)
	lsSlot := gencode.ExitLinkstubSpill(mode)
	xbxSlot := gencode.IndirectStubSpill(mode)
	xaxSlot := gencode.PrefixXAXSpill(mode)

	// Head: save flags, park the linkstub, hash the tag into a probe
	// address.
	headEntry := b.Len()
	if x86ToX64 {
		// rax lives in r8 instead of TLS while flags are saved.
		a.b.Byte(0x49, 0x89, 0xc0) // mov %rax -> %r8
		a.b.Byte(0x9f)             // lahf
		a.b.Byte(0x0f, 0x90, 0xc0) // seto %al
	} else {
		a.saveFlags(xaxSlot)
	}
	traceCmpEntry := b.Len()
	if x86ToX64 {
		a.b.Byte(0x49, 0x89, 0xda) // mov %rbx -> %r10
	} else {
		a.spill(emit.RegXBX, lsSlot)
	}
	a.movRegReg(emit.RegXBX, emit.RegXCX) // tag copy: xbx = tag, xcx = hash
	a.andRegTLS(emit.RegXCX, maskSlot)
	// The hashtable geometry is the host's: 16-byte entries with the
	// start pc in the second word, shared by 32-bit gencode too.
	log := entrySizeLog(emit.Mode64)
	offs := cfg.IBLHashOffset[code.Branch]
	if offs <= log {
		for i := uint8(0); i < log-offs; i++ {
			a.addRegReg(emit.RegXCX, emit.RegXCX)
		}
	} else {
		a.shrRegImm8(emit.RegXCX, offs-log)
	}
	a.addRegTLS(emit.RegXCX, tableSlot)

	compareTag := b.Len()
	a.cmpRegMem(emit.RegXBX, emit.RegXCX, TagOffs)
	missFix1 := b.Jcc8(ccNE)
	var missFix2 emit.Fixup
	upperCheck := mode == emit.Mode32
	if upperCheck {
		// 32-bit code probes the process-wide 64-bit table; reject
		// entries whose upper tag half is set before declaring a
		// match.
		a.cmpMem32Imm8(emit.RegXCX, TagOffs+4, 0)
		missFix2 = b.Jcc8(ccNE)
	}
	// Hit: put app XBX back and jump through the entry's start pc to the
	// target's IBT prefix, which restores flags, XAX and XCX.  The exit
	// stub spilled app XBX to TLS in every variant; r10 only ever holds
	// the parked linkstub.
	a.restore(emit.RegXBX, xbxSlot)
	a.jmpMem(emit.RegXCX, StartPCOffs(emit.Mode64))

	// Probe chase.  For inlined heads this is the routine's linked entry:
	// the stub's probe already mismatched at XCX.
	nextFragment := b.Len()
	b.Bind(missFix1)
	if upperCheck {
		b.Bind(missFix2)
	}
	a.cmpMemImm8(emit.RegXCX, TagOffs, 0)
	var sentinelFix emit.Fixup
	var notFoundFix emit.Fixup
	if cfg.IBLSentinelCheck {
		sentinelFix = b.Jcc8(ccE)
	} else {
		notFoundFix = b.Jcc8(ccE)
	}
	a.addRegImm8(emit.RegXCX, int8(EntrySize(emit.Mode64)))
	a.cmpRegMem(emit.RegXBX, emit.RegXCX, TagOffs)
	b.Jcc8Back(ccNE, nextFragment)
	b.JmpShortBack(compareTag) // re-compare in the head and fall into the hit

	var notFoundFix2 emit.Fixup
	if cfg.IBLSentinelCheck {
		// Sentinel: wrap once to the table base; an empty slot is a
		// true miss.
		b.Bind(sentinelFix)
		a.cmpMemImm8(emit.RegXCX, StartPCOffs(emit.Mode64), SentinelStartPC)
		notFoundFix2 = b.Jcc8(ccNE)
		a.restore(emit.RegXCX, tableSlot)
		b.JmpShortBack(compareTag)
	}

	// Target-delete entry: a dying table entry's start pc points here.
	// Park the tombstone linkstub where the miss path expects one, pull
	// the dying entry's tag back into XBX, and fall into the miss path.
	targetDelete := b.Len()
	switch {
	case x86ToX64:
		a.movImmPtr(emit.RegXBX, uint64(g.IBLDeletedLinkstub))
		a.b.Byte(0x49, 0x89, 0xda) // mov %rbx -> %r10
	case mode == emit.Mode64:
		a.movImmPtr(emit.RegXBX, uint64(g.IBLDeletedLinkstub))
		a.spill(emit.RegXBX, lsSlot)
	default:
		a.storeImm32TLS(lsSlot, uint32(g.IBLDeletedLinkstub))
	}
	a.loadRegMem(emit.RegXBX, emit.RegXCX, TagOffs)

	// Miss path.
	fragmentNotFound := b.Len()
	if cfg.IBLSentinelCheck {
		b.Bind(notFoundFix2)
	} else {
		b.Bind(notFoundFix)
	}
	a.movRegReg(emit.RegXCX, emit.RegXBX) // target tag back into xcx

	var unlinked int
	restoreParkedLinkstub := func() {
		if x86ToX64 {
			a.movRegFromR8(emit.RegXBX, 2) // mov %r10 -> %rbx
		} else {
			a.restore(emit.RegXBX, lsSlot)
		}
	}
	restoreFlagsXAX := func() {
		if x86ToX64 {
			a.b.Byte(0x04, 0x7f) // add $0x7f,%al
			a.b.Byte(0x9e)       // sahf
			a.movRegFromR8(emit.RegXAX, 0)
		} else {
			a.restoreFlags(xaxSlot)
		}
	}
	if inlineHead {
		// The unlinked entry must sit after the flags restore (its
		// callers never saved flags) but before the linkstub reload
		// (inline stubs park the linkstub in TLS on every path).
		restoreFlagsXAX()
		unlinked = b.Len()
		restoreParkedLinkstub()
	} else {
		restoreParkedLinkstub()
		if traceCmp {
			code.TraceCmpUnlinked = base + cache.PC(b.Len())
		}
		restoreFlagsXAX()
		unlinked = b.Len()
	}

	// Exit sequence: save what the dispatcher needs and leave through
	// fcache return with the linkstub in XAX.
	a.spill(emit.RegXDI, gencode.DcontextBaseSpill(mode))
	a.restore(emit.RegXDI, gencode.DcontextSlot(mode))
	a.storeRegMem(emit.RegXAX, emit.RegXDI, gencode.McXAX)
	a.storeRegMem(emit.RegXCX, emit.RegXDI, gencode.McNextTag)
	if coarse {
		a.storeRegMem(emit.RegXBX, emit.RegXDI, gencode.McCoarseExitSrc)
		a.movImmPtr(emit.RegXAX, uint64(g.SourcelessLinkstub[code.Branch]))
	} else {
		a.movRegReg(emit.RegXAX, emit.RegXBX)
	}
	a.restore(emit.RegXBX, xbxSlot)
	// Juggle the app XAX into the direct-stub slot: fcache return speaks
	// the direct-exit convention.
	a.loadRegMem(emit.RegXCX, emit.RegXDI, gencode.McXAX)
	a.spill(emit.RegXCX, gencode.DirectStubSpill(mode))
	if x86ToX64 {
		a.movRegFromR8(emit.RegXCX, 1) // mov %r9 -> %rcx
	} else {
		a.restore(emit.RegXCX, gencode.MangleXCXSpill(mode))
	}
	a.restore(emit.RegXDI, gencode.DcontextBaseSpill(mode))
	b.JmpRel32(g.FcacheReturn)

	// Race-detecting unlinked entry for non-atomic inline stubs: both
	// the stub's miss and its unlink path arrive here while the stub is
	// unlinked.  CL == 1 only on the intentional unlink; any other value
	// is a stale in-flight probe, which takes the plain miss path.
	if inlineHead && !cfg.AtomicInlinedLinking {
		raceUnlinked := b.Len()
		a.movzxXCXFromCl()
		b.LoopBack(fragmentNotFound)
		a.restore(emit.RegXCX, xbxSlot) // app target, parked by the stub
		a.spill(emit.RegXBX, xbxSlot)   // park app xbx for the exit path
		b.JmpShortBack(unlinked)        // rejoin at the linkstub reload
		unlinked = raceUnlinked
	}

	if b.Err() != nil {
		return errors.Wrap(b.Err(), "ibl: emitting routine")
	}
	if b.Len() > routineBudget {
		return errors.Errorf("ibl: routine length %d exceeds budget %d", b.Len(), routineBudget)
	}
	if err := b.CopyOut(g.Region); err != nil {
		return err
	}

	code.HeadInlined = inlineHead
	code.RoutineBase = base
	code.RoutineLen = b.Len()
	if inlineHead {
		code.LinkedEntry = base + cache.PC(nextFragment)
	} else {
		code.LinkedEntry = base + cache.PC(headEntry)
	}
	code.UnlinkedEntry = base + cache.PC(unlinked)
	code.TargetDeleteEntry = base + cache.PC(targetDelete)
	if traceCmp {
		code.TraceCmpEntry = base + cache.PC(traceCmpEntry)
	} else {
		code.TraceCmpEntry, code.TraceCmpUnlinked = 0, 0
	}
	return nil
}

// EmitCoarsePrefix emits the per-branch-type coarse IBL prefix: the
// indirection coarse stubs jump through, so the runtime can retarget every
// coarse unit at once without touching frozen stubs.
func EmitCoarsePrefix(g *gencode.Gencode, code *gencode.IBLCode) (cache.PC, error) {
	pc, err := g.Region.Alloc(emit.JmpLongLen, 0)
	if err != nil {
		return 0, errors.Wrap(err, "ibl: allocating coarse prefix")
	}
	if _, err := emit.InsertRelativeJump(g.Region, pc, code.LinkedEntry, false); err != nil {
		return 0, err
	}
	g.SetCoarsePrefix(code.Branch, code.Variant(), pc)
	return pc, nil
}
