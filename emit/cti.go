// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

import (
	"github.com/go-interpreter/fraglink/cache"
)

// maxCTILen bounds how many bytes ExitCTIDispPC examines: hint prefix +
// address prefix + the 9-byte short-branch rewrite.
const maxCTILen = 11

// ExitCTIDispPC locates the 4-byte displacement of the exit branch at
// branch.  It understands every long form this module emits: jmp/call
// rel32, jcc rel32 with an optional branch-hint prefix, and the 9-byte
// jecxz/loop* rewrite with an optional address-size prefix.
func ExitCTIDispPC(r *cache.Region, branch cache.PC) (cache.PC, error) {
	b, err := r.Bytes(branch, maxCTILen)
	if err != nil {
		return 0, err
	}
	length := 0
	op := b[0]
	if op == prefixHintTaken || op == prefixHintNotTaken {
		// Branch hints are only valid on jcc; mangling strips them
		// from other CTIs.
		length++
		op = b[length]
		if op != opJcc2Byte {
			return 0, PatchTargetError{PC: branch, Opcode: op}
		}
	}
	if op == prefixAddr { // used with jecxz/loop*
		length++
		op = b[length]
	}
	switch {
	case op >= opLoopStart && op <= opLoopEnd:
		// Mangled jecxz/loop*: the target is in the last 4 bytes of
		// the 9-byte rewrite.
		length += CTIShortRewriteLen
	case op == opJcc2Byte:
		if b2 := b[length+1]; b2 < jccByte2Start || b2 > jccByte2End {
			return 0, PatchTargetError{PC: branch, Opcode: b2}
		}
		length += CbrLongLen
	case op == opJmpRel32 || op == opCallRel32:
		length += JmpLongLen
	default:
		return 0, PatchTargetError{PC: branch, Opcode: op}
	}
	return branch + cache.PC(length) - CTIPatchSize, nil
}

// PatchBranch atomically retargets the branch at branch to target.  The
// branch is left in one of its two valid states at every instant.
func PatchBranch(r *cache.Region, branch, target cache.PC, hotPatch bool) error {
	dispPC, err := ExitCTIDispPC(r, branch)
	if err != nil {
		return err
	}
	_, err = InsertRelativeTarget(r, dispPC, target, hotPatch)
	return err
}

// DecodeCTITarget resolves the current absolute target of the branch at
// branch.
func DecodeCTITarget(r *cache.Region, branch cache.PC) (cache.PC, error) {
	dispPC, err := ExitCTIDispPC(r, branch)
	if err != nil {
		return 0, err
	}
	return PCRelativeTarget(r, dispPC)
}

// ExitCTIReachesTarget reports whether an exit branch can reach a target.
// The reachability model assumes the cache is self-reachable on x86.
func ExitCTIReachesTarget(cache.PC, cache.PC) bool {
	return true
}

// CbrFallthroughExitCTI returns the fall-through exit branch following the
// long conditional branch at prev, accounting for an optional branch-hint
// prefix.
func CbrFallthroughExitCTI(r *cache.Region, prev cache.PC) (cache.PC, error) {
	b, err := r.Bytes(prev, 1)
	if err != nil {
		return 0, err
	}
	if b[0] == prefixHintTaken || b[0] == prefixHintNotTaken {
		prev++
	}
	return prev + CbrLongLen, nil
}

// IsJmpRel32 reports whether code begins with a jmp rel32, and if so
// resolves the target as if the jump were located at loc.
func IsJmpRel32(code []byte, loc cache.PC) (cache.PC, bool) {
	if len(code) < JmpLongLen || code[0] != opJmpRel32 {
		return 0, false
	}
	disp := int32(uint32(code[1]) | uint32(code[2])<<8 | uint32(code[3])<<16 | uint32(code[4])<<24)
	return loc + JmpLongLen + cache.PC(disp), true
}

// IsJmpRel8 is the short-jump companion of IsJmpRel32.
func IsJmpRel8(code []byte, loc cache.PC) (cache.PC, bool) {
	if len(code) < JmpShortLen || code[0] != opJmpShort {
		return 0, false
	}
	return loc + JmpShortLen + cache.PC(int8(code[1])), true
}
