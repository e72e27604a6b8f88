// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stub

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-interpreter/fraglink/cache"
	"github.com/go-interpreter/fraglink/emit"
	"github.com/go-interpreter/fraglink/fragment"
	"github.com/go-interpreter/fraglink/gencode"
	"github.com/go-interpreter/fraglink/ibl"
)

// newEnv builds a gencode environment with the full routine family
// emitted.
func newEnv(t *testing.T, cfg gencode.Config) *gencode.Gencode {
	t.Helper()
	r, err := cache.NewRegion(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	g := gencode.New(cfg, r)
	g.IBLDeletedLinkstub = 0x4500_0000
	g.CoarseDirectLinkstub = 0x4500_0100
	for bt := fragment.BranchType(0); bt < fragment.NumBranchTypes; bt++ {
		g.SourcelessLinkstub[bt] = 0x4500_0200 + 0x10*uintptr(bt)
	}
	require.NoError(t, g.EmitContextSwitch(0x4000_0000, 0x4200_0000))

	for _, src := range []gencode.IBLSource{gencode.SourceBB, gencode.SourceTrace, gencode.SourceCoarse} {
		for bt := fragment.BranchType(0); bt < fragment.NumBranchTypes; bt++ {
			for _, v := range []gencode.IBLVariant{gencode.Variant64, gencode.Variant32} {
				code := g.IBLRoutine(src, bt, v)
				require.NoError(t, ibl.EmitRoutine(g, code))
				if src == gencode.SourceCoarse {
					_, err := ibl.EmitCoarsePrefix(g, code)
					require.NoError(t, err)
				} else if cfg.InlineIBLHead {
					require.NoError(t, ibl.EmitInlineStub(g, code))
				}
			}
		}
	}
	return g
}

// newFragment allocates fragment space and lays down a long exit branch
// at its start so stubs have something to patch.
func newFragment(t *testing.T, g *gencode.Gencode, flags fragment.Flags, tag fragment.Tag) (*fragment.Fragment, *fragment.Linkstub) {
	t.Helper()
	pc, err := g.Region.Alloc(128, cache.LineSize)
	require.NoError(t, err)
	f := &fragment.Fragment{Tag: tag, StartPC: pc, Size: 128, Flags: flags}
	l := &fragment.Linkstub{
		CTIPC: pc + 8, // patch site fully inside the first line
		Addr:  0x4600_1000,
	}
	f.Exits = append(f.Exits, l)
	w, err := g.Region.Writable(l.CTIPC, emit.JmpLongLen)
	require.NoError(t, err)
	copy(w, []byte{0xe9, 0, 0, 0, 0})
	return f, l
}

func decodeAll(t *testing.T, raw []byte, bits int) []x86asm.Inst {
	t.Helper()
	var out []x86asm.Inst
	for len(raw) > 0 {
		inst, err := x86asm.Decode(raw, bits)
		require.NoError(t, err, "decoding % x", raw)
		out = append(out, inst)
		raw = raw[inst.Len:]
	}
	return out
}

func TestDirectStubShape(t *testing.T) {
	g := newEnv(t, gencode.DefaultConfig())
	f, l := newFragment(t, g, 0, 0x401000)

	stubPC, err := g.Region.Alloc(64, cache.LineSize)
	require.NoError(t, err)
	n, err := EmitExitStub(g, f, l, stubPC)
	require.NoError(t, err)
	require.Equal(t, 23, n) // spill(8) + mov imm64(10) + jmp(5)

	raw, err := g.Region.Bytes(stubPC, n)
	require.NoError(t, err)

	// Leading spill must be the canonical, classifier-visible form.
	s, sn, ok := emit.DecodeTLSSpill(raw)
	require.True(t, ok)
	require.Equal(t, emit.Spill{Reg: emit.RegXAX, Mode: emit.Mode64,
		Offs: gencode.DirectStubSpill(emit.Mode64)}, s)

	// mov $&linkstub, %rax
	inst, err := x86asm.Decode(raw[sn:], 64)
	require.NoError(t, err)
	require.Equal(t, x86asm.MOV, inst.Op)
	imm, isImm := inst.Args[1].(x86asm.Imm)
	require.True(t, isImm)
	require.Equal(t, int64(l.Addr), int64(imm))

	// Trailing jmp sits at exactly N-5 and reaches fcache return.
	tgt, isJmp := emit.IsJmpRel32(raw[n-emit.JmpLongLen:], stubPC+cache.PC(n-emit.JmpLongLen))
	require.True(t, isJmp)
	require.Equal(t, g.FcacheReturn, tgt)
}

func TestDirectStub32Shape(t *testing.T) {
	g := newEnv(t, gencode.DefaultConfig())
	f, l := newFragment(t, g, fragment.Is32Bit, 0x401000)

	stubPC, err := g.Region.Alloc(64, cache.LineSize)
	require.NoError(t, err)
	n, err := EmitExitStub(g, f, l, stubPC)
	require.NoError(t, err)
	require.Equal(t, 15, n) // addr16 spill(5) + mov imm32(5) + jmp(5)

	raw, err := g.Region.Bytes(stubPC, n)
	require.NoError(t, err)
	s, _, ok := emit.DecodeTLSSpill(raw)
	require.True(t, ok)
	require.True(t, s.Addr16, "stub spill must use the canonical addr16 form")
}

// S1: direct fine-grain link and unlink.
func TestDirectLinkUnlink(t *testing.T) {
	g := newEnv(t, gencode.DefaultConfig())
	f, l := newFragment(t, g, 0, 0x401000)
	target, _ := newFragment(t, g, fragment.Shared, 0x402000)
	require.NoError(t, EmitFragmentPrefix(g, target))

	stubPC, err := g.Region.Alloc(64, cache.LineSize)
	require.NoError(t, err)
	_, err = EmitExitStub(g, f, l, stubPC)
	require.NoError(t, err)

	// Freshly built: point the exit branch at its stub.
	require.NoError(t, UnlinkDirectExit(g, f, l))
	tgt, err := emit.DecodeCTITarget(g.Region, l.CTIPC)
	require.NoError(t, err)
	require.Equal(t, stubPC, tgt)

	// Link to the target fragment.
	require.NoError(t, LinkDirectExit(g, f, l, target.NormalEntryPC(), true))
	tgt, err = emit.DecodeCTITarget(g.Region, l.CTIPC)
	require.NoError(t, err)
	require.Equal(t, target.NormalEntryPC(), tgt)
	require.True(t, l.Linked())

	// Linking is idempotent.
	require.NoError(t, LinkDirectExit(g, f, l, target.NormalEntryPC(), true))
	tgt2, err := emit.DecodeCTITarget(g.Region, l.CTIPC)
	require.NoError(t, err)
	require.Equal(t, tgt, tgt2)

	// Unlink goes back to the stub, which leads to fcache return.
	require.NoError(t, UnlinkDirectExit(g, f, l))
	tgt, err = emit.DecodeCTITarget(g.Region, l.CTIPC)
	require.NoError(t, err)
	require.Equal(t, stubPC, tgt)
	require.False(t, l.Linked())
}

// S6: coarse entrance stub on x64.
func TestEntranceStub(t *testing.T) {
	g := newEnv(t, gencode.DefaultConfig())
	const tag = fragment.Tag(0x7fff_1234_5678)
	f, l := newFragment(t, g, fragment.CoarseGrain, 0x401000)
	l.TargetTag = tag

	stubPC, err := g.Region.Alloc(64, cache.LineSize)
	require.NoError(t, err)
	n, err := EmitExitStub(g, f, l, stubPC)
	require.NoError(t, err)
	require.Equal(t, 29, n)

	raw, err := g.Region.Bytes(stubPC, n)
	require.NoError(t, err)
	insts := decodeAll(t, raw, 64)
	require.Len(t, insts, 3)

	// Two dword stores: low half then high half into adjacent slots.
	for i, want := range []struct {
		disp int64
		imm  int64
	}{
		{int64(gencode.DirectStubSpill(emit.Mode64)), 0x1234_5678},
		{int64(gencode.DirectStubSpill(emit.Mode64)) + 4, 0x7fff},
	} {
		inst := insts[i]
		require.Equal(t, x86asm.MOV, inst.Op)
		mem, isMem := inst.Args[0].(x86asm.Mem)
		require.True(t, isMem)
		require.Equal(t, x86asm.GS, mem.Segment)
		require.Equal(t, want.disp, mem.Disp)
		imm, isImm := inst.Args[1].(x86asm.Imm)
		require.True(t, isImm)
		require.Equal(t, want.imm, int64(imm))
	}

	// The ending jmp is locatable by size subtraction and reaches the
	// coarse fcache return.
	jmpPC, err := EntranceStubJmp(g, stubPC)
	require.NoError(t, err)
	require.Equal(t, stubPC+cache.PC(n-emit.JmpLongLen), jmpPC)
	tgt, err := emit.DecodeCTITarget(g.Region, jmpPC)
	require.NoError(t, err)
	require.Equal(t, g.FcacheReturnCoarse, tgt)

	got, err := EntranceStubTargetTag(g, stubPC)
	require.NoError(t, err)
	require.Equal(t, tag, got)
}

func TestEntranceStub32(t *testing.T) {
	g := newEnv(t, gencode.DefaultConfig())
	const tag = fragment.Tag(0x0804_8000)
	f, l := newFragment(t, g, fragment.CoarseGrain|fragment.Is32Bit, 0x401000)
	l.TargetTag = tag

	stubPC, err := g.Region.Alloc(64, cache.LineSize)
	require.NoError(t, err)
	n, err := EmitExitStub(g, f, l, stubPC)
	require.NoError(t, err)
	require.Equal(t, 15, n)

	jmpPC, err := EntranceStubJmp(g, stubPC)
	require.NoError(t, err)
	require.Equal(t, stubPC+cache.PC(10), jmpPC)

	got, err := EntranceStubTargetTag(g, stubPC)
	require.NoError(t, err)
	require.Equal(t, tag, got)
}

func TestIndirectStubNonInline(t *testing.T) {
	cfg := gencode.DefaultConfig()
	cfg.InlineIBLHead = false
	g := newEnv(t, cfg)
	f, l := newFragment(t, g, 0, 0x401000)
	l.Flags |= fragment.LinkIndirect | fragment.LinkHasStub
	l.Branch = fragment.BranchReturn

	stubPC, err := g.Region.Alloc(64, cache.LineSize)
	require.NoError(t, err)
	n, err := EmitExitStub(g, f, l, stubPC)
	require.NoError(t, err)
	require.Equal(t, 24, n) // spill(9) + mov imm64(10) + jmp(5)

	code := g.IBLRoutine(gencode.SourceBB, fragment.BranchReturn, gencode.Variant64)
	raw, err := g.Region.Bytes(stubPC, n)
	require.NoError(t, err)

	s, _, ok := emit.DecodeTLSSpill(raw)
	require.True(t, ok)
	require.Equal(t, emit.RegXBX, s.Reg)
	require.Equal(t, gencode.IndirectStubSpill(emit.Mode64), s.Offs)

	// Created unlinked.
	tgt, isJmp := emit.IsJmpRel32(raw[n-5:], stubPC+cache.PC(n-5))
	require.True(t, isJmp)
	require.Equal(t, code.UnlinkedEntry, tgt)
	require.False(t, l.Linked())

	// Link moves the ending jmp to the linked entry; the exit branch
	// always targets the stub start for separate stubs.
	require.NoError(t, LinkIndirectExit(g, f, l, true))
	tgt, err = emit.DecodeCTITarget(g.Region, stubPC+cache.PC(n-emit.JmpLongLen))
	require.NoError(t, err)
	require.Equal(t, code.LinkedEntry, tgt)
	require.True(t, l.Linked())

	// And unlink goes back.
	require.NoError(t, UnlinkIndirectExit(g, f, l))
	tgt, err = emit.DecodeCTITarget(g.Region, stubPC+cache.PC(n-emit.JmpLongLen))
	require.NoError(t, err)
	require.Equal(t, code.UnlinkedEntry, tgt)
}

func TestInlineStubAtomic(t *testing.T) {
	g := newEnv(t, gencode.DefaultConfig())
	f, l := newFragment(t, g, 0, 0x401000)
	l.Flags |= fragment.LinkIndirect | fragment.LinkHasStub
	l.Branch = fragment.BranchIndCall
	l.Addr = 0x7f12_3456_789a

	code := g.IBLRoutine(gencode.SourceBB, fragment.BranchIndCall, gencode.Variant64)
	stubPC, err := g.Region.Alloc(192, cache.LineSize)
	require.NoError(t, err)
	n, err := EmitExitStub(g, f, l, stubPC)
	require.NoError(t, err)
	require.Equal(t, code.InlineStubLen(), n)

	raw, err := g.Region.Bytes(stubPC, n)
	require.NoError(t, err)

	// Both linkstub stores carry the split pointer.
	for _, offs := range []int{code.InlineLinkstubFirstOffs, code.InlineLinkstubSecondOffs} {
		lo := leU32(raw[offs:])
		hi := leU32(raw[offs+12:])
		require.Equal(t, uint64(l.Addr), uint64(hi)<<32|uint64(lo))
	}

	// Ending jumps: linked continuation and unlinked entry.
	tgt, err := emit.PCRelativeTarget(g.Region, stubPC+cache.PC(code.InlineLinkedJmpOffs))
	require.NoError(t, err)
	require.Equal(t, code.LinkedEntry, tgt)
	tgt, err = emit.PCRelativeTarget(g.Region, stubPC+cache.PC(code.InlineUnlinkedJmpOffs))
	require.NoError(t, err)
	require.Equal(t, code.UnlinkedEntry, tgt)

	// Created unlinked: the exit branch targets the unlink entry.
	tgt, err = emit.DecodeCTITarget(g.Region, l.CTIPC)
	require.NoError(t, err)
	require.Equal(t, stubPC+cache.PC(code.InlineUnlinkOffs), tgt)

	// Link is the single branch patch.
	require.NoError(t, LinkIndirectExit(g, f, l, true))
	tgt, err = emit.DecodeCTITarget(g.Region, l.CTIPC)
	require.NoError(t, err)
	require.Equal(t, stubPC, tgt)

	// Idempotent.
	require.NoError(t, LinkIndirectExit(g, f, l, true))

	require.NoError(t, UnlinkIndirectExit(g, f, l))
	tgt, err = emit.DecodeCTITarget(g.Region, l.CTIPC)
	require.NoError(t, err)
	require.Equal(t, stubPC+cache.PC(code.InlineUnlinkOffs), tgt)

	pc, err := IndirectStubPC(g, f, l)
	require.NoError(t, err)
	require.Equal(t, stubPC, pc)
}

// S4 groundwork: without atomic inlined linking, the unlink path must
// mark CL so the shared routine can tell a race from an unlink, and the
// single toggled jump flips between the two entries.
func TestInlineStubNonAtomic(t *testing.T) {
	cfg := gencode.DefaultConfig()
	cfg.AtomicInlinedLinking = false
	g := newEnv(t, cfg)
	f, l := newFragment(t, g, 0, 0x401000)
	l.Flags |= fragment.LinkIndirect | fragment.LinkHasStub
	l.Branch = fragment.BranchIndJmp

	code := g.IBLRoutine(gencode.SourceBB, fragment.BranchIndJmp, gencode.Variant64)
	stubPC, err := g.Region.Alloc(192, cache.LineSize)
	require.NoError(t, err)
	n, err := EmitExitStub(g, f, l, stubPC)
	require.NoError(t, err)

	raw, err := g.Region.Bytes(stubPC, n)
	require.NoError(t, err)

	// The unlink path parks XCX and sets CL = 1.
	s, sn, ok := emit.DecodeTLSSpill(raw[code.InlineUnlinkOffs:])
	require.True(t, ok)
	require.Equal(t, emit.RegXCX, s.Reg)
	require.False(t, s.Restore)
	require.Equal(t, []byte{0xb1, 0x01}, raw[code.InlineUnlinkOffs+sn:code.InlineUnlinkOffs+sn+2])

	// Single toggled jump, unlinked initially.
	require.Equal(t, code.InlineLinkedJmpOffs, code.InlineUnlinkedJmpOffs)
	tgt, err := emit.PCRelativeTarget(g.Region, stubPC+cache.PC(code.InlineLinkedJmpOffs))
	require.NoError(t, err)
	require.Equal(t, code.UnlinkedEntry, tgt)

	require.NoError(t, LinkIndirectExit(g, f, l, true))
	tgt, err = emit.PCRelativeTarget(g.Region, stubPC+cache.PC(code.InlineLinkedJmpOffs))
	require.NoError(t, err)
	require.Equal(t, code.LinkedEntry, tgt)

	require.NoError(t, UnlinkIndirectExit(g, f, l))
	tgt, err = emit.PCRelativeTarget(g.Region, stubPC+cache.PC(code.InlineLinkedJmpOffs))
	require.NoError(t, err)
	require.Equal(t, code.UnlinkedEntry, tgt)
}

// A 32-bit fragment's indirect exit must get the 32-bit inline template
// under the default configuration: FS-relative spills, no rex prefixes,
// 4-byte TLS slots, and the 32-bit routine's entries.
func TestInlineStub32(t *testing.T) {
	g := newEnv(t, gencode.DefaultConfig())
	f, l := newFragment(t, g, fragment.Is32Bit, 0x401000)
	l.Flags |= fragment.LinkIndirect | fragment.LinkHasStub
	l.Branch = fragment.BranchIndCall
	l.Addr = 0x4600_2000

	code := g.IBLRoutineFor(fragment.BranchIndCall, f.Flags)
	require.Equal(t, emit.Mode32, code.Mode)
	require.True(t, code.HeadInlined)

	stubPC, err := g.Region.Alloc(192, cache.LineSize)
	require.NoError(t, err)
	n, err := EmitExitStub(g, f, l, stubPC)
	require.NoError(t, err)
	require.Equal(t, code.InlineStubLen(), n)

	raw, err := g.Region.Bytes(stubPC, n)
	require.NoError(t, err)

	// The template head opens with the 32-bit flags save: an FS-relative
	// spill of XAX to the 32-bit prefix slot, then lahf.
	s, sn, ok := emit.DecodeTLSSpill(raw)
	require.True(t, ok)
	require.Equal(t, emit.Mode32, s.Mode)
	require.Equal(t, emit.RegXAX, s.Reg)
	require.Equal(t, gencode.PrefixXAXSpill(emit.Mode32), s.Offs)
	require.Equal(t, byte(0x9f), raw[sn])

	// Single 32-bit linkstub store.
	require.Equal(t, uint32(l.Addr), leU32(raw[code.InlineLinkstubFirstOffs:]))

	// Created unlinked, wired to the 32-bit routine's entries.
	tgt, err := emit.DecodeCTITarget(g.Region, l.CTIPC)
	require.NoError(t, err)
	require.Equal(t, stubPC+cache.PC(code.InlineUnlinkOffs), tgt)
	tgt, err = emit.PCRelativeTarget(g.Region, stubPC+cache.PC(code.InlineLinkedJmpOffs))
	require.NoError(t, err)
	require.Equal(t, code.LinkedEntry, tgt)
	tgt, err = emit.PCRelativeTarget(g.Region, stubPC+cache.PC(code.InlineUnlinkedJmpOffs))
	require.NoError(t, err)
	require.Equal(t, code.UnlinkedEntry, tgt)

	// Link and unlink round-trip through the 32-bit descriptor.
	require.NoError(t, LinkIndirectExit(g, f, l, true))
	tgt, err = emit.DecodeCTITarget(g.Region, l.CTIPC)
	require.NoError(t, err)
	require.Equal(t, stubPC, tgt)
	require.NoError(t, UnlinkIndirectExit(g, f, l))
	tgt, err = emit.DecodeCTITarget(g.Region, l.CTIPC)
	require.NoError(t, err)
	require.Equal(t, stubPC+cache.PC(code.InlineUnlinkOffs), tgt)
}

// x86-to-x64 fragments keep separate stubs: head inlining does not speak
// the register-scratch protocol, so their exits get the 64-bit-encoded
// spill/imm/jmp shape against the x86-to-x64 routine.
func TestIndirectStubX86ToX64(t *testing.T) {
	g := newEnv(t, gencode.DefaultConfig())
	f, l := newFragment(t, g, fragment.Is32Bit|fragment.X86ToX64, 0x401000)
	l.Flags |= fragment.LinkIndirect | fragment.LinkHasStub
	l.Branch = fragment.BranchReturn

	code := g.IBLRoutineFor(fragment.BranchReturn, f.Flags)
	require.True(t, code.X86ToX64)
	require.NoError(t, ibl.EmitRoutine(g, code))
	require.False(t, code.HeadInlined)

	stubPC, err := g.Region.Alloc(64, cache.LineSize)
	require.NoError(t, err)
	n, err := EmitExitStub(g, f, l, stubPC)
	require.NoError(t, err)
	require.Equal(t, 24, n) // 64-bit encoding: spill(9) + mov imm64(10) + jmp(5)

	raw, err := g.Region.Bytes(stubPC, n)
	require.NoError(t, err)
	s, _, ok := emit.DecodeTLSSpill(raw)
	require.True(t, ok)
	require.Equal(t, emit.Mode64, s.Mode)
	require.Equal(t, emit.RegXBX, s.Reg)

	tgt, isJmp := emit.IsJmpRel32(raw[n-emit.JmpLongLen:], stubPC+cache.PC(n-emit.JmpLongLen))
	require.True(t, isJmp)
	require.Equal(t, code.UnlinkedEntry, tgt)
}

func TestCoarseIndirectStub(t *testing.T) {
	g := newEnv(t, gencode.DefaultConfig())
	f, l := newFragment(t, g, fragment.CoarseGrain, 0x404040)
	l.Flags |= fragment.LinkIndirect | fragment.LinkHasStub
	l.Branch = fragment.BranchReturn

	stubPC, err := g.Region.Alloc(64, cache.LineSize)
	require.NoError(t, err)
	n, err := EmitExitStub(g, f, l, stubPC)
	require.NoError(t, err)

	raw, err := g.Region.Bytes(stubPC, n)
	require.NoError(t, err)

	// Coarse fragments have no linkstubs: the immediate is the source
	// tag, and the stub is born linked through the coarse prefix.
	inst, err := x86asm.Decode(raw[9:], 64) // past the xbx spill
	require.NoError(t, err)
	require.Equal(t, x86asm.MOV, inst.Op)
	imm, isImm := inst.Args[1].(x86asm.Imm)
	require.True(t, isImm)
	require.Equal(t, int64(f.Tag), int64(imm))

	tgt, isJmp := emit.IsJmpRel32(raw[n-5:], stubPC+cache.PC(n-5))
	require.True(t, isJmp)
	require.Equal(t, g.CoarsePrefix(fragment.BranchReturn, gencode.Variant64), tgt)
	require.True(t, l.Linked())
}
