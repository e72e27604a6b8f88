// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

import (
	"errors"
	"fmt"

	"github.com/go-interpreter/fraglink/cache"
)

// ErrEncodingImpossible is returned when a requested instruction has no
// legal encoding in the current mode.
var ErrEncodingImpossible = errors.New("emit: no legal encoding in this mode")

// DispOutOfRangeError reports a relative displacement that does not fit in
// 32 bits.  Callers that might produce such reach must use indirection.
type DispOutOfRangeError struct {
	PC     cache.PC
	Target cache.PC
}

func (e DispOutOfRangeError) Error() string {
	return fmt.Sprintf("emit: displacement %#x -> %#x exceeds 32 bits", e.PC, e.Target)
}

// PatchTargetError reports a branch the patcher could not decode.
type PatchTargetError struct {
	PC     cache.PC
	Opcode byte
}

func (e PatchTargetError) Error() string {
	return fmt.Sprintf("emit: unrecognized CTI opcode %#02x at %#x", e.Opcode, e.PC)
}
