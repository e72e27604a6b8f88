// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

import (
	"math"

	"github.com/go-interpreter/fraglink/cache"
)

// InsertRelativeTarget computes the 4-byte pc-relative displacement from
// the end of the displacement to target and stores it at pc through the
// writable alias.  With hotPatch set, the caller asserts another thread may
// be executing [pc, pc+4): the store is a single atomic 4-byte write and
// the site must not straddle a cache line.  Returns the pc just past the
// displacement.
func InsertRelativeTarget(r *cache.Region, pc, target cache.PC, hotPatch bool) (cache.PC, error) {
	disp := int64(target) - int64(pc) - 4
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return 0, DispOutOfRangeError{PC: pc, Target: target}
	}
	if err := r.Store4(pc, uint32(int32(disp)), hotPatch); err != nil {
		return 0, err
	}
	return pc + 4, nil
}

// InsertRelativeJump writes a jmp rel32 at pc.  The displacement is only
// checked against cache line straddling when hotPatch is set; layout-time
// padding is responsible for keeping patchable sites inside one line.
func InsertRelativeJump(r *cache.Region, pc, target cache.PC, hotPatch bool) (cache.PC, error) {
	w, err := r.Writable(pc, 1)
	if err != nil {
		return 0, err
	}
	w[0] = opJmpRel32
	pc++
	return InsertRelativeTarget(r, pc, target, hotPatch)
}

// PCRelativeTarget reads the rel32 at pc and resolves it to an absolute
// target.
func PCRelativeTarget(r *cache.Region, pc cache.PC) (cache.PC, error) {
	b, err := r.Bytes(pc, 4)
	if err != nil {
		return 0, err
	}
	disp := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	return pc + 4 + cache.PC(disp), nil
}
