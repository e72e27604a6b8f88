// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fragment defines the data model shared by the exit-stub,
// linking and indirect-branch-lookup machinery: fragments of translated
// application code, the per-exit linkstub descriptors attached to them,
// and the minimal instruction list the layout passes walk.
package fragment

import (
	"fmt"

	"github.com/go-interpreter/fraglink/cache"
)

// Tag is the application PC a fragment translates.
type Tag uint64

// Flags describe properties of a fragment that the emitters care about.
type Flags uint32

const (
	// IsTrace marks a trace fragment as opposed to a basic block.
	IsTrace Flags = 1 << iota
	// Is32Bit marks a 32-bit fragment running under a 64-bit runtime.
	Is32Bit
	// CoarseGrain marks a fragment packaged without per-exit linkstubs.
	CoarseGrain
	// Shared marks a fragment visible to all threads.
	Shared
	// WritesEflags6 means the fragment writes all six arithmetic flags
	// before reading them, so no flag restoration is needed on entry.
	WritesEflags6
	// WritesEflagsOF means the fragment writes OF before reading it, so
	// only the low five flags need restoration.
	WritesEflagsOF
	// PadJmps requests cache-line padding of patchable exit branches.
	PadJmps
	// PadJmpsShiftStart allows the padding pass to shift the fragment
	// start instead of inserting a nop, once per fragment.
	PadJmpsShiftStart
	// X86ToX64 marks a 32-bit fragment translated with the 64-bit
	// register remapping (scratch state lives in r8/r9 instead of TLS).
	X86ToX64
)

// Fragment is a unit of translated code in the cache.  The fragment store
// owns the byte range [StartPC, StartPC+Size) for the fragment's lifetime;
// this package and its siblings only ever mutate it through the branch
// patcher.
type Fragment struct {
	Tag     Tag
	StartPC cache.PC
	Size    uint32
	Flags   Flags

	// PrefixSize is the distance from StartPC to the normal entry, set
	// once by the prefix builder.
	PrefixSize uint8

	Exits []*Linkstub
}

// EntryPC returns the IBT entry: the start of the prefix.
func (f *Fragment) EntryPC() cache.PC { return f.StartPC }

// NormalEntryPC returns the entry point past the prefix, used by direct
// links from fragments that left no scratch state behind.
func (f *Fragment) NormalEntryPC() cache.PC {
	return f.StartPC + cache.PC(f.PrefixSize)
}

func (f *Fragment) String() string {
	return fmt.Sprintf("F{tag=%#x pc=%#x size=%d}", uint64(f.Tag), f.StartPC, f.Size)
}

// BranchType classifies an indirect exit by the application control
// transfer it translates.
type BranchType uint8

const (
	BranchReturn BranchType = iota
	BranchIndCall
	BranchIndJmp

	// NumBranchTypes sizes per-branch-type arrays (TLS slots, IBL
	// routine descriptors).
	NumBranchTypes
)

func (b BranchType) String() string {
	switch b {
	case BranchReturn:
		return "return"
	case BranchIndCall:
		return "indcall"
	case BranchIndJmp:
		return "indjmp"
	}
	return fmt.Sprintf("BranchType(%d)", uint8(b))
}

// LinkFlags describe a single exit.
type LinkFlags uint16

const (
	// LinkIndirect marks an indirect exit; absent means direct.
	LinkIndirect LinkFlags = 1 << iota
	// LinkHasStub means a separate exit stub was emitted for this exit.
	LinkHasStub
	// LinkLinked tracks whether the exit currently targets another
	// fragment rather than a runtime entry.
	LinkLinked
)

// Linkstub describes one exit of a fragment.  It is created when the
// fragment is built and destroyed with it.
type Linkstub struct {
	Flags  LinkFlags
	Branch BranchType

	// TargetTag is the application PC this exit transfers to (for
	// indirect exits, the tag used to pick the IBL routine).
	TargetTag Tag

	// CTIPC is the exit branch inside the fragment body; StubPC is the
	// exit stub servicing it.
	CTIPC  cache.PC
	StubPC cache.PC

	// Addr is the stable address identifying this exit to the
	// dispatcher.  It is what the stub materializes into XAX (direct)
	// or XBX (indirect) before leaving the cache.
	Addr uintptr
}

// Direct reports whether l is a direct exit.
func (l *Linkstub) Direct() bool { return l.Flags&LinkIndirect == 0 }

// Indirect reports whether l is an indirect exit.
func (l *Linkstub) Indirect() bool { return l.Flags&LinkIndirect != 0 }

// Linked reports whether the exit currently targets another fragment.
func (l *Linkstub) Linked() bool { return l.Flags&LinkLinked != 0 }

// SetLinked records the exit's link state.
func (l *Linkstub) SetLinked(v bool) {
	if v {
		l.Flags |= LinkLinked
	} else {
		l.Flags &^= LinkLinked
	}
}
