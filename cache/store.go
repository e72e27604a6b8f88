// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// LineStraddleError reports a 4-byte patch site that crosses a cache line,
// which would make the patching store non-atomic with respect to a thread
// executing it.
type LineStraddleError struct {
	PC PC
}

func (e LineStraddleError) Error() string {
	return fmt.Sprintf("cache: 4-byte patch site at %#x straddles a cache line", e.PC)
}

// StraddlesLine reports whether [pc, pc+n) crosses a cache line boundary.
func StraddlesLine(pc PC, n int) bool {
	return pc/LineSize != (pc+PC(n)-1)/LineSize
}

// Store4 writes a 4-byte little-endian value at pc through the writable
// alias.  With hotPatch set the caller asserts another thread may be
// executing [pc, pc+4) concurrently: the site must not straddle a cache
// line and the write is performed as a single store, so the executing
// thread observes either the old or the new value, never a mix.
func (r *Region) Store4(pc PC, v uint32, hotPatch bool) error {
	w, err := r.Writable(pc, 4)
	if err != nil {
		return err
	}
	if hotPatch {
		if StraddlesLine(pc, 4) {
			return LineStraddleError{PC: pc}
		}
		atomic.StoreUint32((*uint32)(unsafe.Pointer(&w[0])), v)
		return nil
	}
	binary.LittleEndian.PutUint32(w, v)
	return nil
}

func uintptrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
