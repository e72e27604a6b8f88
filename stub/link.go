// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stub

import (
	"github.com/pkg/errors"

	"github.com/go-interpreter/fraglink/cache"
	"github.com/go-interpreter/fraglink/emit"
	"github.com/go-interpreter/fraglink/fragment"
	"github.com/go-interpreter/fraglink/gencode"
)

// LinkDirectExit retargets a direct exit branch at the target fragment's
// entry.  Linking twice is a no-op with the same target.
func LinkDirectExit(g *gencode.Gencode, f *fragment.Fragment, l *fragment.Linkstub, target cache.PC, hotPatch bool) error {
	if !l.Direct() {
		return errors.Errorf("stub: %s exit of %s is not direct", l.Branch, f)
	}
	if err := emit.PatchBranch(g.Region, l.CTIPC, target, hotPatch); err != nil {
		return err
	}
	l.SetLinked(true)
	return nil
}

// UnlinkDirectExit points a direct exit branch back at its stub, which
// leads to fcache return.
func UnlinkDirectExit(g *gencode.Gencode, f *fragment.Fragment, l *fragment.Linkstub) error {
	if !l.Direct() {
		return errors.Errorf("stub: %s exit of %s is not direct", l.Branch, f)
	}
	if err := emit.PatchBranch(g.Region, l.CTIPC, l.StubPC, true); err != nil {
		return err
	}
	l.SetLinked(false)
	return nil
}

// endingJmpDispPC returns the displacement of the stub's trailing jump.
func endingJmpDispPC(g *gencode.Gencode, f *fragment.Fragment, l *fragment.Linkstub) cache.PC {
	size := ExitStubSize(g, l.Flags, l.Branch, f.Flags)
	return l.StubPC + cache.PC(size) - emit.CTIPatchSize
}

// LinkIndirectExit publishes a linked indirect exit.  The stub's ending
// jump moves to the linked lookup entry first; for inline stubs the exit
// branch is then pointed at the stub head, which is the single atomic
// publish under atomic inlined linking.
func LinkIndirectExit(g *gencode.Gencode, f *fragment.Fragment, l *fragment.Linkstub, hotPatch bool) error {
	if !l.Indirect() {
		return errors.Errorf("stub: %s exit of %s is not indirect", l.Branch, f)
	}
	if f.Flags&fragment.CoarseGrain != 0 {
		return errors.Errorf("stub: coarse exits of %s relink per unit, not per exit", f)
	}
	if l.Linked() {
		return nil
	}
	code := g.IBLRoutineFor(l.Branch, f.Flags)
	if !code.HeadInlined || !g.Config.AtomicInlinedLinking {
		dispPC := endingJmpDispPC(g, f, l)
		cur, err := emit.PCRelativeTarget(g.Region, dispPC)
		if err != nil {
			return err
		}
		linked, ok := g.LinkedEntry(cur)
		if !ok {
			return errors.Errorf("stub: ending jmp of %s exit targets unknown entry %#x", l.Branch, cur)
		}
		if _, err := emit.InsertRelativeTarget(g.Region, dispPC, linked, hotPatch); err != nil {
			return err
		}
	}
	if code.HeadInlined {
		if err := emit.PatchBranch(g.Region, l.CTIPC, l.StubPC, hotPatch); err != nil {
			return err
		}
	}
	l.SetLinked(true)
	return nil
}

// UnlinkIndirectExit redirects an indirect exit to the unlinked lookup
// entry, race-safely: the ending jump moves first, so a thread racing
// through the stub observes either the fully linked path or one that
// reaches the unlinked entry, where the non-atomic encoding in CL
// disambiguates an in-flight probe from an intentional unlink.
func UnlinkIndirectExit(g *gencode.Gencode, f *fragment.Fragment, l *fragment.Linkstub) error {
	if !l.Indirect() {
		return errors.Errorf("stub: %s exit of %s is not indirect", l.Branch, f)
	}
	if f.Flags&fragment.CoarseGrain != 0 {
		return errors.Errorf("stub: coarse exits of %s relink per unit, not per exit", f)
	}
	if !l.Linked() {
		return nil
	}
	code := g.IBLRoutineFor(l.Branch, f.Flags)
	if !code.HeadInlined || !g.Config.AtomicInlinedLinking {
		dispPC := endingJmpDispPC(g, f, l)
		cur, err := emit.PCRelativeTarget(g.Region, dispPC)
		if err != nil {
			return err
		}
		unlinked, ok := g.UnlinkedEntry(cur)
		if !ok {
			return errors.Errorf("stub: ending jmp of %s exit targets unknown entry %#x", l.Branch, cur)
		}
		if _, err := emit.InsertRelativeTarget(g.Region, dispPC, unlinked, true); err != nil {
			return err
		}
	}
	if code.HeadInlined {
		// Second write: send the exit branch to the unlink entry
		// inside the stub.
		target := l.StubPC + cache.PC(code.InlineUnlinkOffs)
		if err := emit.PatchBranch(g.Region, l.CTIPC, target, true); err != nil {
			return err
		}
	}
	l.SetLinked(false)
	return nil
}

// IndirectStubPC recovers the stub servicing an indirect exit from its
// exit branch, the way the runtime does when it only holds the branch pc.
func IndirectStubPC(g *gencode.Gencode, f *fragment.Fragment, l *fragment.Linkstub) (cache.PC, error) {
	if l.Flags&fragment.LinkHasStub == 0 {
		return 0, errors.Errorf("stub: %s exit of %s has no stub", l.Branch, f)
	}
	tgt, err := emit.DecodeCTITarget(g.Region, l.CTIPC)
	if err != nil {
		return 0, err
	}
	if !l.Linked() {
		code := g.IBLRoutineFor(l.Branch, f.Flags)
		if code.HeadInlined {
			// The unlink target is inside the stub, not its start.
			tgt -= cache.PC(code.InlineUnlinkOffs)
		}
	}
	return tgt, nil
}
