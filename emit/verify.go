// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-interpreter/fraglink/cache"
)

// VerifyPatchableCTI decodes the instruction at branch with a real x86
// decoder and checks that it is a relative branch whose immediate this
// package knows how to patch.  It is a debugging aid for callers handed a
// branch pc from outside; the patcher itself trusts its own wire formats.
func VerifyPatchableCTI(r *cache.Region, branch cache.PC, mode Mode) error {
	raw, err := r.Bytes(branch, maxCTILen)
	if err != nil {
		return err
	}
	bits := 64
	if mode == Mode32 {
		bits = 32
	}
	inst, err := x86asm.Decode(raw, bits)
	if err != nil {
		return PatchTargetError{PC: branch, Opcode: raw[0]}
	}
	switch inst.Op {
	case x86asm.JMP, x86asm.CALL,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
	default:
		return PatchTargetError{PC: branch, Opcode: raw[0]}
	}
	if _, ok := inst.Args[0].(x86asm.Rel); !ok {
		return PatchTargetError{PC: branch, Opcode: raw[0]}
	}
	return nil
}
