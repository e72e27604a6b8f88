// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stub

import (
	"github.com/go-interpreter/fraglink/cache"
	"github.com/go-interpreter/fraglink/emit"
	"github.com/go-interpreter/fraglink/fragment"
	"github.com/go-interpreter/fraglink/gencode"
)

// PatchableCTIAlignOffs returns 0 when the final four bytes of the
// patchable branch at pc lie inside one cache line, else the forward
// shift that would align them.
func PatchableCTIAlignOffs(inst *fragment.Instr, pc cache.PC) int {
	dispStart := pc + cache.PC(inst.Len) - emit.CTIPatchSize
	if !cache.StraddlesLine(dispStart, emit.CTIPatchSize) {
		return 0
	}
	// Shift forward to the next line so the displacement starts there.
	next := (dispStart + cache.LineSize) &^ (cache.LineSize - 1)
	return int(next - dispStart)
}

// NopPadIlist walks a fragment's instruction list and keeps every
// patchable exit branch displacement inside one cache line, either by
// shifting the fragment start (at most once, when the branch is still
// within one line of the first patchable offset and the fragment allows
// it) or by splicing a nop of the exact needed length in front of the
// branch and marking it padded.
//
// When emitting, instruction offsets are assigned as a side effect.
// Returns the number of bytes the caller should shift the fragment's
// start pc by.
func NopPadIlist(cfg *gencode.Config, f *fragment.Fragment, ilist *fragment.Ilist, emitting bool) int {
	offset := 0
	firstPatch := -1
	startShift := 0
	startPC := f.StartPC + cache.PC(PrefixSize(cfg, f.Flags))

	for inst := ilist.First(); inst != nil; inst = inst.Next() {
		if inst.ExitCTI && inst.Patchable {
			nopLen := PatchableCTIAlignOffs(inst, startPC+cache.PC(offset))
			if firstPatch < 0 {
				firstPatch = offset
			}
			if nopLen > 0 {
				logger.Printf("pad: F%x cti at +%d needs %d", uint64(f.Tag), offset, nopLen)
				if f.Flags&fragment.PadJmpsShiftStart != 0 && startShift == 0 &&
					offset+inst.Len-firstPatch < cache.LineSize {
					// Shifting the start moves every branch
					// checked so far by the same amount; they
					// stay inside their line because they all
					// sit within one line of the first
					// patchable offset.
					startShift = nopLen
					startPC += cache.PC(nopLen)
				} else {
					nop := &fragment.Instr{
						Len: nopLen,
						Raw: emit.NopBytes(nopLen),
					}
					inst.Padded = true
					ilist.InsertBefore(inst, nop)
					if emitting {
						nop.Offset = offset
					}
					offset += nopLen
				}
			}
		}
		if emitting {
			inst.Offset = offset
		}
		offset += inst.Len
	}
	return startShift
}
