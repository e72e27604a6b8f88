// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gencode

// Dcontext/mcontext field offsets as seen by emitted code.  The machine
// context sits at the start of the dcontext, so a single offset table
// serves both.  The SIMD area is laid out in 64-byte slots so a zmm save
// lands in the same slot as the xmm save of the same register.
const (
	McXAX = 0x00
	McXBX = 0x08
	McXCX = 0x10
	McXDX = 0x18
	McXSI = 0x20
	McXDI = 0x28
	McXBP = 0x30
	McXSP = 0x38
	McR8  = 0x40
	McR9  = 0x48
	McR10 = 0x50
	McR11 = 0x58
	McR12 = 0x60
	McR13 = 0x68
	McR14 = 0x70
	McR15 = 0x78

	McXFlags = 0x80

	// McNextTag is where the IBL miss path deposits the application
	// target for the dispatcher; McNextEntry is where the dispatcher
	// deposits the cache entry point for fcache enter.
	McNextTag   = 0x88
	McNextEntry = 0x90

	// McCoarseExitSrc receives the source fragment tag on coarse-grain
	// indirect exits, which carry no linkstub.
	McCoarseExitSrc = 0x98

	McSIMDBase     = 0xc0 // 64-byte aligned zmm/xmm slots
	McSIMDSlotSize = 64
	McNumSIMDSlots = 16

	McOpmaskBase     = McSIMDBase + McNumSIMDSlots*McSIMDSlotSize
	McOpmaskSlotSize = 8
	McNumOpmasks     = 8

	// McontextSize is the total byte size emitted code may address.
	McontextSize = McOpmaskBase + McNumOpmasks*McOpmaskSlotSize
)

// numSSESaved is how many xmm registers the SSE regime preserves on a
// 64-bit host (xmm0-5, the caller-saved set the kernel may clobber).
const numSSESaved = 6
