// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gencode

import (
	"github.com/go-interpreter/fraglink/emit"
	"github.com/go-interpreter/fraglink/fragment"
)

// Thread-local scratch layout.  Emitted code addresses these slots through
// a segment override (GS for 64-bit code, FS for 32-bit); the runtime
// reader mirrors this layout when it classifies an unknown PC's spill
// state.  Slots are pointer-sized for the mode.
//
// The slot protocol:
//
//	DirectStubSpill    app XAX, spilled by direct exit stubs; the coarse
//	                   entrance stub stores its target tag here instead
//	                   (two 32-bit halves on x64)
//	IndirectStubSpill  app XBX, spilled by indirect stubs and the inline
//	                   IBL head
//	MangleXCXSpill     app XCX, saved by the mangled indirect branch
//	ExitLinkstubSpill  linkstub pointer parked while the IBL runs
//	PrefixXAXSpill     flags/XAX spill restored by the fragment prefix
//	DcontextBaseSpill  app XDI parked while XDI holds the dcontext
//	DcontextSlot       the thread's dcontext pointer
//	MaskSlot(bt)       per-branch-type hashtable mask
//	TableSlot(bt)      per-branch-type hashtable base
const (
	slotDirectStub = iota
	slotIndirectStub
	slotMangleXCX
	slotExitLinkstub
	slotPrefixXAX
	slotDcontextBase
	slotDcontext
	slotMaskBase                                                // NumBranchTypes slots
	slotTableBase = slotMaskBase + int(fragment.NumBranchTypes) // NumBranchTypes slots
	numTLSSlots   = slotTableBase + int(fragment.NumBranchTypes)
)

func slotSize(mode emit.Mode) uint32 {
	if mode == emit.Mode64 {
		return 8
	}
	return 4
}

func slotOffset(mode emit.Mode, slot int) uint32 {
	return uint32(slot) * slotSize(mode)
}

// TLSBlockSize returns the number of scratch bytes each thread reserves.
func TLSBlockSize(mode emit.Mode) uint32 {
	return slotOffset(mode, numTLSSlots)
}

// DirectStubSpill returns the TLS offset of the direct-stub XAX slot.
func DirectStubSpill(mode emit.Mode) uint32 { return slotOffset(mode, slotDirectStub) }

// IndirectStubSpill returns the TLS offset of the indirect-stub XBX slot.
func IndirectStubSpill(mode emit.Mode) uint32 { return slotOffset(mode, slotIndirectStub) }

// MangleXCXSpill returns the TLS offset of the mangled-branch XCX slot.
func MangleXCXSpill(mode emit.Mode) uint32 { return slotOffset(mode, slotMangleXCX) }

// ExitLinkstubSpill returns the TLS offset of the IBL linkstub slot.
func ExitLinkstubSpill(mode emit.Mode) uint32 { return slotOffset(mode, slotExitLinkstub) }

// PrefixXAXSpill returns the TLS offset of the prefix XAX/flags slot.
func PrefixXAXSpill(mode emit.Mode) uint32 { return slotOffset(mode, slotPrefixXAX) }

// DcontextBaseSpill returns the TLS offset of the parked-XDI slot.
func DcontextBaseSpill(mode emit.Mode) uint32 { return slotOffset(mode, slotDcontextBase) }

// DcontextSlot returns the TLS offset of the thread's dcontext pointer.
func DcontextSlot(mode emit.Mode) uint32 { return slotOffset(mode, slotDcontext) }

// MaskSlot returns the TLS offset of the hash mask for bt.
func MaskSlot(mode emit.Mode, bt fragment.BranchType) uint32 {
	return slotOffset(mode, slotMaskBase+int(bt))
}

// TableSlot returns the TLS offset of the table base for bt.
func TableSlot(mode emit.Mode, bt fragment.BranchType) uint32 {
	return slotOffset(mode, slotTableBase+int(bt))
}
