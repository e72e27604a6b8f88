// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gencode

import (
	"fmt"

	"github.com/go-interpreter/fraglink/cache"
	"github.com/go-interpreter/fraglink/emit"
	"github.com/go-interpreter/fraglink/fragment"
)

// IBLSource classifies the fragment type an IBL routine serves: lookups
// leaving basic blocks, traces, or coarse-grain units.
type IBLSource uint8

const (
	SourceBB IBLSource = iota
	SourceTrace
	SourceCoarse

	NumIBLSources
)

func (s IBLSource) String() string {
	switch s {
	case SourceBB:
		return "bb"
	case SourceTrace:
		return "trace"
	case SourceCoarse:
		return "coarse"
	}
	return fmt.Sprintf("IBLSource(%d)", uint8(s))
}

// IBLCode describes one emitted indirect-branch-lookup routine and, when
// heads are inlined, the per-exit stub template cut from it.  One
// descriptor exists per (branch type, source type, gencode variant); they
// are created at runtime init and live until runtime exit.  The entry
// pointers never change after emission; only the hashtable mask and base
// (read from TLS at run time) vary.
type IBLCode struct {
	Branch fragment.BranchType
	Source IBLSource
	Mode   emit.Mode

	// X86ToX64 marks a routine serving 32-bit fragments translated to
	// 64-bit encodings; scratch state lives in r8-r10 instead of TLS.
	X86ToX64 bool

	// HeadInlined records whether LinkedEntry is a probe continuation
	// (stubs carry their own head) or a full lookup head.
	HeadInlined bool

	// LinkedEntry is where linked exits enter; UnlinkedEntry is where
	// unlinked exits (and, without atomic inlined linking, inline-stub
	// misses) enter.  TargetDeleteEntry is the address hashtable
	// deletion writes into a dying entry's start_pc.
	LinkedEntry       cache.PC
	UnlinkedEntry     cache.PC
	TargetDeleteEntry cache.PC

	// TraceCmpEntry/TraceCmpUnlinked are the post-flags-save entries
	// used by 64-bit trace head comparisons.
	TraceCmpEntry    cache.PC
	TraceCmpUnlinked cache.PC

	// RoutineBase and RoutineLen delimit the emitted shared routine.
	RoutineBase cache.PC
	RoutineLen  int

	// Template is the inline stub image the exit stub builder copies;
	// the offsets below are patch points within a copy.  They are
	// frozen when the template is emitted: changing them would
	// invalidate every existing stub.
	Template                 []byte
	InlineLinkstubFirstOffs  int
	InlineLinkstubSecondOffs int
	InlineLinkedJmpOffs      int
	InlineUnlinkedJmpOffs    int
	InlineUnlinkOffs         int
}

// InlineStubLen returns the size of one inline exit stub.
func (c *IBLCode) InlineStubLen() int { return len(c.Template) }

// Variant returns the gencode variant the descriptor was keyed under.
func (c *IBLCode) Variant() IBLVariant {
	switch {
	case c.X86ToX64:
		return VariantX86ToX64
	case c.Mode == emit.Mode32:
		return Variant32
	default:
		return Variant64
	}
}

// Gencode owns the process-wide generated code: the context switch
// routines and the IBL routine family.  It is created once at runtime
// init; after Emit completes it is immutable apart from the documented
// patch points.
type Gencode struct {
	Config Config
	Region *cache.Region

	// FcacheEnter and FcacheReturn are the context switch routines.
	// FcacheReturnCoarse is a separate, complete copy of the return
	// routine for coarse-grain exits: it bakes in the sourceless
	// linkstub and records the target tag from the direct-stub slot.
	FcacheEnter        cache.PC
	FcacheReturn       cache.PC
	FcacheReturnCoarse cache.PC

	// coarsePrefix fronts the coarse IBL entries, per branch type and
	// gencode variant.
	coarsePrefix [fragment.NumBranchTypes][NumIBLVariants]cache.PC

	ibl [NumIBLSources][fragment.NumBranchTypes][NumIBLVariants]*IBLCode

	// IBLDeletedLinkstub is the sentinel descriptor address stored for
	// exits whose linkstub was consumed by an inlined head when the
	// target was deleted mid-lookup.  SourcelessLinkstub identifies
	// coarse-grain exits per branch type.
	IBLDeletedLinkstub uintptr
	SourcelessLinkstub [fragment.NumBranchTypes]uintptr

	// CoarseDirectLinkstub identifies coarse-grain direct exits, which
	// carry no linkstub of their own.
	CoarseDirectLinkstub uintptr
}

// New creates the gencode holder for a region.  Routine emission happens
// separately so the ibl package can fill descriptors in.
func New(cfg Config, region *cache.Region) *Gencode {
	return &Gencode{Config: cfg, Region: region}
}

// IBLVariant distinguishes the gencode flavors a routine family is
// emitted in: plain 64-bit, plain 32-bit, and 32-bit fragments translated
// to 64-bit encodings with register scratch state.
type IBLVariant uint8

const (
	Variant64 IBLVariant = iota
	Variant32
	VariantX86ToX64

	NumIBLVariants
)

// VariantOf derives the gencode variant from a fragment's flags.
func VariantOf(fflags fragment.Flags) IBLVariant {
	switch {
	case fflags&fragment.X86ToX64 != 0:
		return VariantX86ToX64
	case fflags&fragment.Is32Bit != 0:
		return Variant32
	default:
		return Variant64
	}
}

// FragMode returns the ISA mode fragments with these flags are emitted
// in.  x86-to-x64 fragments translate 32-bit application code into 64-bit
// encodings.
func FragMode(fflags fragment.Flags) emit.Mode {
	if fflags&fragment.Is32Bit != 0 && fflags&fragment.X86ToX64 == 0 {
		return emit.Mode32
	}
	return emit.Mode64
}

// IBLRoutine returns the descriptor for (source, branch, variant),
// allocating an empty one on first use.
func (g *Gencode) IBLRoutine(src IBLSource, bt fragment.BranchType, v IBLVariant) *IBLCode {
	if g.ibl[src][bt][v] == nil {
		mode := emit.Mode64
		if v == Variant32 {
			mode = emit.Mode32
		}
		g.ibl[src][bt][v] = &IBLCode{
			Branch:   bt,
			Source:   src,
			Mode:     mode,
			X86ToX64: v == VariantX86ToX64,
		}
	}
	return g.ibl[src][bt][v]
}

// IBLRoutineFor picks the descriptor serving an exit of a fragment with
// the given flags.
func (g *Gencode) IBLRoutineFor(bt fragment.BranchType, fflags fragment.Flags) *IBLCode {
	src := SourceBB
	switch {
	case fflags&fragment.CoarseGrain != 0:
		src = SourceCoarse
	case fflags&fragment.IsTrace != 0:
		src = SourceTrace
	}
	return g.IBLRoutine(src, bt, VariantOf(fflags))
}

// CoarsePrefix returns the coarse IBL prefix for (branch, variant); zero
// if not emitted.
func (g *Gencode) CoarsePrefix(bt fragment.BranchType, v IBLVariant) cache.PC {
	return g.coarsePrefix[bt][v]
}

// SetCoarsePrefix records an emitted coarse IBL prefix.
func (g *Gencode) SetCoarsePrefix(bt fragment.BranchType, v IBLVariant, pc cache.PC) {
	g.coarsePrefix[bt][v] = pc
}

// LinkedEntry maps an IBL entry point (linked or unlinked) to the linked
// entry of the same routine.
func (g *Gencode) LinkedEntry(pc cache.PC) (cache.PC, bool) {
	for _, c := range g.allRoutines() {
		switch pc {
		case c.LinkedEntry, c.UnlinkedEntry:
			return c.LinkedEntry, true
		case c.TraceCmpEntry, c.TraceCmpUnlinked:
			return c.TraceCmpEntry, true
		}
	}
	return 0, false
}

// UnlinkedEntry maps an IBL entry point to the unlinked entry of the same
// routine.
func (g *Gencode) UnlinkedEntry(pc cache.PC) (cache.PC, bool) {
	for _, c := range g.allRoutines() {
		switch pc {
		case c.LinkedEntry, c.UnlinkedEntry:
			return c.UnlinkedEntry, true
		case c.TraceCmpEntry, c.TraceCmpUnlinked:
			return c.TraceCmpUnlinked, true
		}
	}
	return 0, false
}

func (g *Gencode) allRoutines() []*IBLCode {
	var out []*IBLCode
	for src := IBLSource(0); src < NumIBLSources; src++ {
		for bt := fragment.BranchType(0); bt < fragment.NumBranchTypes; bt++ {
			for v := IBLVariant(0); v < NumIBLVariants; v++ {
				if c := g.ibl[src][bt][v]; c != nil {
					out = append(out, c)
				}
			}
		}
	}
	return out
}
