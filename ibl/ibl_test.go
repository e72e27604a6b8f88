// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ibl

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-interpreter/fraglink/cache"
	"github.com/go-interpreter/fraglink/emit"
	"github.com/go-interpreter/fraglink/fragment"
	"github.com/go-interpreter/fraglink/gencode"
)

func newGencode(t *testing.T, cfg gencode.Config) *gencode.Gencode {
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
	return g
}

func emitted(t *testing.T, g *gencode.Gencode, code *gencode.IBLCode) []byte {
	t.Helper()
	raw, err := g.Region.Bytes(code.RoutineBase, code.RoutineLen)
	require.NoError(t, err)
	return raw
}

// The full (non-inlined) head must be, instruction for instruction, the
// protocol the exit stubs assume: save flags, park the linkstub, hash,
// probe, and on a hit restore XBX and jump through the table entry.
func TestSharedRoutineHeadShape(t *testing.T) {
	cfg := gencode.DefaultConfig()
	cfg.InlineIBLHead = false
	g := newGencode(t, cfg)
	code := g.IBLRoutine(gencode.SourceBB, fragment.BranchReturn, gencode.Variant64)
	require.NoError(t, EmitRoutine(g, code))
	require.False(t, code.HeadInlined)
	require.NotZero(t, code.LinkedEntry)

	raw := emitted(t, g, code)

	// Spill of XAX to the prefix slot.
	s, n, ok := emit.DecodeTLSSpill(raw)
	require.True(t, ok)
	require.Equal(t, emit.RegXAX, s.Reg)
	require.False(t, s.Restore)
	require.Equal(t, gencode.PrefixXAXSpill(emit.Mode64), s.Offs)
	raw = raw[n:]

	// lahf ; seto %al
	require.Equal(t, byte(0x9f), raw[0])
	require.Equal(t, []byte{0x0f, 0x90, 0xc0}, raw[1:4])
	raw = raw[4:]

	// Park the linkstub.
	s, n, ok = emit.DecodeTLSSpill(raw)
	require.True(t, ok)
	require.Equal(t, emit.RegXBX, s.Reg)
	require.Equal(t, gencode.ExitLinkstubSpill(emit.Mode64), s.Offs)
	raw = raw[n:]

	// mov %rcx -> %rbx ; and gs:mask, %rcx ; 4 x add ; add gs:table.
	wantOps := []x86asm.Op{x86asm.MOV, x86asm.AND,
		x86asm.ADD, x86asm.ADD, x86asm.ADD, x86asm.ADD, x86asm.ADD,
		x86asm.CMP, x86asm.JNE}
	for _, want := range wantOps {
		inst, err := x86asm.Decode(raw, 64)
		require.NoError(t, err, "% x", raw[:8])
		require.Equal(t, want, inst.Op)
		raw = raw[inst.Len:]
	}

	// Hit: restore XBX, then jump through the entry's start pc.
	s, n, ok = emit.DecodeTLSSpill(raw)
	require.True(t, ok)
	require.True(t, s.Restore)
	require.Equal(t, emit.RegXBX, s.Reg)
	require.Equal(t, gencode.IndirectStubSpill(emit.Mode64), s.Offs)
	raw = raw[n:]

	inst, err := x86asm.Decode(raw, 64)
	require.NoError(t, err)
	require.Equal(t, x86asm.JMP, inst.Op)
	mem, isMem := inst.Args[0].(x86asm.Mem)
	require.True(t, isMem)
	require.Equal(t, x86asm.RCX, mem.Base)
	require.Equal(t, int64(StartPCOffs(emit.Mode64)), mem.Disp)
}

// Every byte of the routine must decode: a thread racing through any
// entry never executes arbitrary bytes.
func TestSharedRoutineFullyDecodes(t *testing.T) {
	for _, tc := range []struct {
		name string
		mut  func(*gencode.Config)
		src  gencode.IBLSource
	}{
		{"bb inline atomic", func(*gencode.Config) {}, gencode.SourceBB},
		{"bb inline nonatomic", func(c *gencode.Config) { c.AtomicInlinedLinking = false }, gencode.SourceBB},
		{"bb separate stubs", func(c *gencode.Config) { c.InlineIBLHead = false }, gencode.SourceBB},
		{"trace", func(c *gencode.Config) { c.InlineIBLHead = false }, gencode.SourceTrace},
		{"coarse", func(*gencode.Config) {}, gencode.SourceCoarse},
		{"no sentinel", func(c *gencode.Config) { c.IBLSentinelCheck = false }, gencode.SourceBB},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := gencode.DefaultConfig()
			tc.mut(&cfg)
			g := newGencode(t, cfg)
			code := g.IBLRoutine(tc.src, fragment.BranchIndCall, gencode.Variant64)
			require.NoError(t, EmitRoutine(g, code))

			raw := emitted(t, g, code)
			for len(raw) > 0 {
				inst, err := x86asm.Decode(raw, 64)
				require.NoError(t, err, "undecodable tail: % x", raw[:min(8, len(raw))])
				raw = raw[inst.Len:]
			}

			// Entry points are inside the routine and distinct.
			require.NotZero(t, code.UnlinkedEntry)
			require.NotZero(t, code.TargetDeleteEntry)
			require.NotEqual(t, code.LinkedEntry, code.UnlinkedEntry)
		})
	}
}

// S3 structure: the miss path must restore the tag into XCX, reload the
// linkstub, restore flags, and leave through fcache return.
func TestMissPathEndsAtFcacheReturn(t *testing.T) {
	cfg := gencode.DefaultConfig()
	cfg.InlineIBLHead = false
	g := newGencode(t, cfg)
	code := g.IBLRoutine(gencode.SourceBB, fragment.BranchReturn, gencode.Variant64)
	require.NoError(t, EmitRoutine(g, code))

	// The routine's last fine-grain transfer before any race tail is
	// the jmp to fcache return; find it by scanning the emitted bytes.
	raw := emitted(t, g, code)
	found := false
	for i := 0; i+emit.JmpLongLen <= len(raw); i++ {
		if tgt, ok := emit.IsJmpRel32(raw[i:], code.RoutineBase+cache.PC(i)); ok && tgt == g.FcacheReturn {
			found = true
			break
		}
	}
	require.True(t, found, "no jmp to fcache return in routine")
}

// The unlinked entry of a non-atomic inline routine is the race filter:
// movzx %cl ; loop.  Anything but CL == 1 funnels into the miss path.
func TestNonAtomicUnlinkedEntry(t *testing.T) {
	cfg := gencode.DefaultConfig()
	cfg.AtomicInlinedLinking = false
	g := newGencode(t, cfg)
	code := g.IBLRoutine(gencode.SourceBB, fragment.BranchIndJmp, gencode.Variant64)
	require.NoError(t, EmitRoutine(g, code))

	raw, err := g.Region.Bytes(code.UnlinkedEntry, 8)
	require.NoError(t, err)
	// movzx %cl -> %rcx: 48 0f b6 c9 ; loop rel8: e2 xx
	require.Equal(t, []byte{0x48, 0x0f, 0xb6, 0xc9, 0xe2}, raw[:5])
}

// Template offsets are frozen: two emissions under the same
// configuration must agree, and every patch offset must be in range.
func TestInlineTemplateOffsetsStable(t *testing.T) {
	for _, atomic := range []bool{true, false} {
		cfg := gencode.DefaultConfig()
		cfg.AtomicInlinedLinking = atomic
		g := newGencode(t, cfg)

		c1 := g.IBLRoutine(gencode.SourceBB, fragment.BranchReturn, gencode.Variant64)
		require.NoError(t, EmitRoutine(g, c1))
		require.NoError(t, EmitInlineStub(g, c1))

		c2 := g.IBLRoutine(gencode.SourceBB, fragment.BranchIndJmp, gencode.Variant64)
		require.NoError(t, EmitRoutine(g, c2))
		require.NoError(t, EmitInlineStub(g, c2))

		require.Equal(t, len(c1.Template), len(c2.Template))
		require.Equal(t, c1.InlineLinkstubFirstOffs, c2.InlineLinkstubFirstOffs)
		require.Equal(t, c1.InlineLinkstubSecondOffs, c2.InlineLinkstubSecondOffs)
		require.Equal(t, c1.InlineLinkedJmpOffs, c2.InlineLinkedJmpOffs)
		require.Equal(t, c1.InlineUnlinkedJmpOffs, c2.InlineUnlinkedJmpOffs)
		require.Equal(t, c1.InlineUnlinkOffs, c2.InlineUnlinkOffs)

		for _, offs := range []int{
			c1.InlineLinkstubFirstOffs,
			c1.InlineLinkedJmpOffs,
			c1.InlineUnlinkOffs,
		} {
			require.Greater(t, offs, 0)
			require.Less(t, offs, len(c1.Template))
		}

		// The template's hit path decodes cleanly up to the unlink
		// entry.
		raw := c1.Template[:c1.InlineUnlinkOffs]
		for len(raw) > 0 {
			inst, err := x86asm.Decode(raw, 64)
			require.NoError(t, err)
			raw = raw[inst.Len:]
		}
	}
}

// 32-bit routines -- reached through fragment flags, the way stub emission
// finds them -- must reject 64-bit tags by their upper half.
func TestMode32UpperTagCheck(t *testing.T) {
	cfg := gencode.DefaultConfig()
	cfg.InlineIBLHead = false
	g := newGencode(t, cfg)
	code := g.IBLRoutineFor(fragment.BranchReturn, fragment.Is32Bit)
	require.Equal(t, emit.Mode32, code.Mode)
	require.NoError(t, EmitRoutine(g, code))

	raw := emitted(t, g, code)
	// The upper-half compare is cmp $0, 4(%ecx) in 32-bit width:
	// 83 79 04 00.
	found := false
	for i := 0; i+4 <= len(raw); i++ {
		if raw[i] == 0x83 && raw[i+1] == 0x79 && raw[i+2] == 0x04 && raw[i+3] == 0x00 {
			found = true
			break
		}
	}
	require.True(t, found, "no upper-tag rejection in 32-bit routine")
}

// The x86-to-x64 variant keeps scratch state in r8-r10, never inlines its
// head, and still pulls the app XBX from TLS on a hit (r10 only ever
// holds the parked linkstub).
func TestX86ToX64Routine(t *testing.T) {
	g := newGencode(t, gencode.DefaultConfig())
	code := g.IBLRoutineFor(fragment.BranchReturn, fragment.Is32Bit|fragment.X86ToX64)
	require.True(t, code.X86ToX64)
	require.Equal(t, emit.Mode64, code.Mode)
	require.NoError(t, EmitRoutine(g, code))
	require.False(t, code.HeadInlined)

	raw := emitted(t, g, code)
	// Head: mov %rax -> %r8 ; lahf ; seto %al ; mov %rbx -> %r10.
	want := []byte{0x49, 0x89, 0xc0, 0x9f, 0x0f, 0x90, 0xc0, 0x49, 0x89, 0xda}
	require.Equal(t, want, raw[:len(want)])

	found := false
	for i := 0; i < len(raw); i++ {
		if s, _, ok := emit.DecodeTLSSpill(raw[i:]); ok && s.Restore &&
			s.Reg == emit.RegXBX && s.Offs == gencode.IndirectStubSpill(emit.Mode64) {
			found = true
			break
		}
	}
	require.True(t, found, "no TLS restore of app xbx in the hit path")

	// No inline template exists for this variant.
	require.Error(t, EmitInlineStub(g, code))
}

func TestCoarsePrefix(t *testing.T) {
	g := newGencode(t, gencode.DefaultConfig())
	code := g.IBLRoutine(gencode.SourceCoarse, fragment.BranchReturn, gencode.Variant64)
	require.NoError(t, EmitRoutine(g, code))
	pc, err := EmitCoarsePrefix(g, code)
	require.NoError(t, err)
	require.Equal(t, pc, g.CoarsePrefix(fragment.BranchReturn, gencode.Variant64))

	tgt, err := emit.DecodeCTITarget(g.Region, pc)
	require.NoError(t, err)
	require.Equal(t, code.LinkedEntry, tgt)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
