// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stub builds the per-exit machinery of a fragment: the exit
// stubs its branches leave through, the entry prefix that undoes the exit
// protocol, the padding that keeps patch sites inside one cache line, and
// the link/unlink operations that retarget live exits.
//
// Exit stub shapes:
//
//	direct:    spill xax ; mov $&linkstub, %xax ; jmp <exit target>
//	indirect:  spill xbx ; mov $&linkstub, %xbx ; jmp <ibl entry>
//	inline:    a patched copy of the inline IBL template
//	entrance:  store target tag to TLS ; jmp <coarse fcache return>
//
// Indirect stubs carry the linkstub in XBX because the IBL saves flags
// into XAX with lahf; direct stubs use XAX, which keeps them a spill
// shorter.
package stub

import (
	"github.com/pkg/errors"

	"github.com/go-interpreter/fraglink/cache"
	"github.com/go-interpreter/fraglink/emit"
	"github.com/go-interpreter/fraglink/fragment"
	"github.com/go-interpreter/fraglink/gencode"
)

// InvalidFragmentStateError reports a fragment handed to a builder in the
// wrong build phase.
type InvalidFragmentStateError struct {
	F      *fragment.Fragment
	Reason string
}

func (e InvalidFragmentStateError) Error() string {
	return "stub: " + e.F.String() + ": " + e.Reason
}

func fragMode(f fragment.Flags) emit.Mode {
	return gencode.FragMode(f)
}

// ptrImmSize is the width of the linkstub immediate a fine-grain stub
// materializes.
func ptrImmSize(mode emit.Mode) int {
	if mode == emit.Mode64 {
		return 1 + 1 + 8 // rex.w b8+r imm64
	}
	return 1 + 4
}

// ExitStubSize returns the stub size for an exit with lflags leaving a
// fragment with fflags.  Sizes are fixed templates per shape; inline
// stubs take their size from the emitted template.
func ExitStubSize(g *gencode.Gencode, lflags fragment.LinkFlags, bt fragment.BranchType, fflags fragment.Flags) int {
	mode := fragMode(fflags)
	coarse := fflags&fragment.CoarseGrain != 0
	if lflags&fragment.LinkIndirect == 0 {
		if coarse {
			// Entrance stub: tag stores plus the ending jump.
			if mode == emit.Mode64 {
				return 2*12 + emit.JmpLongLen
			}
			return 10 + emit.JmpLongLen
		}
		xax := emit.Spill{Reg: emit.RegXAX, Mode: mode, Addr16: mode == emit.Mode32,
			Offs: gencode.DirectStubSpill(mode)}
		return xax.Size() + ptrImmSize(mode) + emit.JmpLongLen
	}
	code := g.IBLRoutineFor(bt, fflags)
	if code.HeadInlined && !coarse {
		return code.InlineStubLen()
	}
	xbx := emit.Spill{Reg: emit.RegXBX, Mode: mode, Addr16: mode == emit.Mode32,
		Offs: gencode.IndirectStubSpill(mode)}
	return xbx.Size() + ptrImmSize(mode) + emit.JmpLongLen
}

// EmitExitStub writes the exit stub for (f, l) at stubPC and returns the
// number of bytes emitted.  Fine-grain indirect stubs are created
// unlinked; coarse indirect stubs are created linked and coarse entrance
// stubs unlinked.  The exit branch of inline
// stubs is retargeted at the stub's unlink entry, so those fragments also
// start unlinked.
func EmitExitStub(g *gencode.Gencode, f *fragment.Fragment, l *fragment.Linkstub, stubPC cache.PC) (int, error) {
	mode := fragMode(f.Flags)
	coarse := f.Flags&fragment.CoarseGrain != 0

	var exitTarget cache.PC
	switch {
	case l.Direct() && coarse:
		exitTarget = g.FcacheReturnCoarse
	case l.Direct():
		exitTarget = g.FcacheReturn
	case coarse:
		exitTarget = g.CoarsePrefix(l.Branch, gencode.VariantOf(f.Flags))
	default:
		code := g.IBLRoutineFor(l.Branch, f.Flags)
		if code.HeadInlined {
			return emitInlineStub(g, f, l, stubPC, code)
		}
		exitTarget = code.UnlinkedEntry
	}
	if exitTarget == 0 {
		return 0, errors.Errorf("stub: no exit target emitted for %s exit of %s", l.Branch, f)
	}

	b := emit.NewBlock(stubPC)
	switch {
	case l.Indirect():
		// Spill XBX, materialize the linkstub (the source tag for
		// coarse fragments, which have no linkstubs), and enter the
		// lookup.  The addr16 form is required so the stub matches
		// the classifier's canonical spill byte for byte.
		b.Spill(emit.Spill{Reg: emit.RegXBX, Mode: mode, Addr16: mode == emit.Mode32,
			Offs: gencode.IndirectStubSpill(mode)})
		val := uint64(l.Addr)
		if coarse {
			val = uint64(f.Tag)
		}
		movImmPtr(b, mode, emit.RegXBX, val)
	case coarse:
		// Entrance stub: executed even when linked, so the target tag
		// travels through memory instead of a register.  The exact
		// bytes are assumed by EntranceStubTargetTag.
		emitEntranceStores(b, mode, uint64(l.TargetTag))
	default:
		b.Spill(emit.Spill{Reg: emit.RegXAX, Mode: mode, Addr16: mode == emit.Mode32,
			Offs: gencode.DirectStubSpill(mode)})
		movImmPtr(b, mode, emit.RegXAX, uint64(l.Addr))
	}
	b.JmpRel32(exitTarget)
	if b.Err() != nil {
		return 0, errors.Wrapf(b.Err(), "stub: emitting exit stub for %s", f)
	}
	if err := b.CopyOut(g.Region); err != nil {
		return 0, err
	}
	l.StubPC = stubPC
	if l.Indirect() && coarse {
		l.SetLinked(true)
	} else {
		l.SetLinked(false)
	}
	if want := ExitStubSize(g, l.Flags, l.Branch, f.Flags); b.Len() != want {
		return 0, errors.Errorf("stub: emitted %d bytes, size function says %d", b.Len(), want)
	}
	return b.Len(), nil
}

// emitInlineStub copies the inline IBL template and patches in the
// per-exit values.  The stub is created in the unlinked state: the exit
// branch is pointed at the stub's unlink entry.
func emitInlineStub(g *gencode.Gencode, f *fragment.Fragment, l *fragment.Linkstub, stubPC cache.PC, code *gencode.IBLCode) (int, error) {
	tmpl := code.Template
	if len(tmpl) == 0 {
		return 0, errors.New("stub: inline template not emitted")
	}
	w, err := g.Region.Writable(stubPC, len(tmpl))
	if err != nil {
		return 0, err
	}
	copy(w, tmpl)

	patchLinkstub := func(offs int) {
		lo := uint32(uint64(l.Addr))
		copy(w[offs:], []byte{byte(lo), byte(lo >> 8), byte(lo >> 16), byte(lo >> 24)})
		if code.Mode == emit.Mode64 {
			hi := uint32(uint64(l.Addr) >> 32)
			copy(w[offs+12:], []byte{byte(hi), byte(hi >> 8), byte(hi >> 16), byte(hi >> 24)})
		}
	}
	patchJmp := func(offs int, target cache.PC) error {
		_, err := emit.InsertRelativeTarget(g.Region, stubPC+cache.PC(offs), target, false)
		return err
	}

	patchLinkstub(code.InlineLinkstubFirstOffs)
	if g.Config.AtomicInlinedLinking {
		patchLinkstub(code.InlineLinkstubSecondOffs)
		if err := patchJmp(code.InlineLinkedJmpOffs, code.LinkedEntry); err != nil {
			return 0, err
		}
		if err := patchJmp(code.InlineUnlinkedJmpOffs, code.UnlinkedEntry); err != nil {
			return 0, err
		}
	} else {
		// One toggled ending jump; unlinked to begin with.
		if err := patchJmp(code.InlineLinkedJmpOffs, code.UnlinkedEntry); err != nil {
			return 0, err
		}
	}

	// The exit branch starts at the unlink entry.
	if err := emit.PatchBranch(g.Region, l.CTIPC, stubPC+cache.PC(code.InlineUnlinkOffs), false); err != nil {
		return 0, err
	}
	l.StubPC = stubPC
	l.SetLinked(false)
	return len(tmpl), nil
}

func movImmPtr(b *emit.Block, mode emit.Mode, reg emit.Reg, v uint64) {
	if mode == emit.Mode64 {
		b.Byte(emit.RexW, 0xb8+byte(reg)).U64(v)
	} else {
		b.Byte(0xb8 + byte(reg)).U32(uint32(v))
	}
}

// emitEntranceStores writes the target tag into the direct-stub TLS slot:
// two dword stores on 64-bit (there is no 8-byte immediate store), one
// addr16 dword store on 32-bit.  A thread racing past a half-written pair
// still exits safely: the stub is only reachable unlinked, through the
// coarse fcache return, until the ending jump is published.
func emitEntranceStores(b *emit.Block, mode emit.Mode, tag uint64) {
	slot := gencode.DirectStubSpill(mode)
	if mode == emit.Mode64 {
		b.Byte(emit.SegPrefix(mode), 0xc7, 0x04, 0x25).U32(slot).U32(uint32(tag))
		b.Byte(emit.SegPrefix(mode), 0xc7, 0x04, 0x25).U32(slot + 4).U32(uint32(tag >> 32))
		return
	}
	// addr16 keeps the stub within the 15-byte budget.
	b.Byte(0x67, emit.SegPrefix(mode), 0xc7, 0x06).U16(uint16(slot)).U32(uint32(tag))
}

// EntranceStubJmp returns the address of the ending jump of the entrance
// stub at stubPC.  The 64-bit form is recognized by its leading segment
// prefix; the 32-bit form starts with the address-size prefix.
func EntranceStubJmp(g *gencode.Gencode, stubPC cache.PC) (cache.PC, error) {
	head, err := g.Region.Bytes(stubPC, 1)
	if err != nil {
		return 0, err
	}
	if head[0] == emit.SegPrefix(emit.Mode64) {
		return stubPC + 2*12, nil
	}
	return stubPC + 10, nil
}

// EntranceStubTargetTag reads back the target tag an entrance stub
// stores.  It is the inverse of emitEntranceStores.
func EntranceStubTargetTag(g *gencode.Gencode, stubPC cache.PC) (fragment.Tag, error) {
	head, err := g.Region.Bytes(stubPC, 1)
	if err != nil {
		return 0, err
	}
	if head[0] == emit.SegPrefix(emit.Mode64) {
		raw, err := g.Region.Bytes(stubPC, 24)
		if err != nil {
			return 0, err
		}
		lo := leU32(raw[8:])
		hi := leU32(raw[20:])
		return fragment.Tag(uint64(hi)<<32 | uint64(lo)), nil
	}
	raw, err := g.Region.Bytes(stubPC, 10)
	if err != nil {
		return 0, err
	}
	return fragment.Tag(leU32(raw[6:])), nil
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
