// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gencode owns the runtime's generated-code state: the immutable
// configuration threaded through emission, the thread-local-scratch and
// mcontext layouts the emitted sequences address, the per-branch-type IBL
// descriptors, and the fcache enter/return context-switch routines.
package gencode

// SIMDMode selects the extended-register save/restore regime, decided once
// at emit time.
type SIMDMode uint8

const (
	// SIMDSSE saves the caller-saved xmm registers with movups.
	SIMDSSE SIMDMode = iota
	// SIMDAVX512 additionally dispatches at run time to a zmm+opmask
	// save when the process has touched AVX-512 state.
	SIMDAVX512
	// SIMDNone skips extended registers entirely.
	SIMDNone
)

// Config is the immutable emission configuration.  A Gencode instance and
// everything emitted through it observe a single Config for their whole
// lifetime.
type Config struct {
	// IndirectStubs, together with InlineIBLHead, enables the inline IBL
	// head.  Indirect exits get a separate exit stub whether or not it
	// is set; no mode points exit branches straight at the IBL routines.
	IndirectStubs bool

	// InlineIBLHead embeds a copy of the hashtable probe in each
	// indirect exit stub.
	InlineIBLHead bool

	// AtomicInlinedLinking duplicates the inline stub's miss tail so
	// linking is a single atomic branch patch.  When false, linking
	// and unlinking race detectably through the low byte of XCX.
	AtomicInlinedLinking bool

	// BBPrefixes emits an XCX-restore prefix on fragments that are not
	// indirect branch targets.
	BBPrefixes bool

	// TraceSingleRestorePrefix / BBSingleRestorePrefix drop the
	// flags+XAX restore from the respective prefixes, leaving only the
	// XCX restore.
	TraceSingleRestorePrefix bool
	BBSingleRestorePrefix    bool

	// SIMD selects the extended-register regime for fcache
	// enter/return; PreserveXMMCallerSaved gates any xmm handling at
	// all.
	SIMD                   SIMDMode
	PreserveXMMCallerSaved bool

	// X86ToX64IBLOpt is not read by the emitters.  The r8-r10 scratch
	// protocol is selected per fragment by the fragment.X86ToX64 flag.
	X86ToX64IBLOpt bool

	// IBLSentinelCheck emits the sentinel wrap-around test in the IBL
	// probe loop.  Without it the miss path is taken directly when a
	// zero tag is found.
	IBLSentinelCheck bool

	// IBLHashOffset drops low tag bits from the hash per branch type
	// (returns cluster on aligned call sites).  The probe folds the
	// offset into its entry-size scaling.
	IBLHashOffset [3]uint8

	// EnterHook / ExitHook, when nonzero, are called by fcache enter
	// and return with scratch registers preserved.
	EnterHook uintptr
	ExitHook  uintptr

	// AVX512InUseAddr is the byte flag the SIMDAVX512 dispatch tests.
	AVX512InUseAddr uintptr
}

// DefaultConfig mirrors the shipping defaults: separate indirect stubs
// with inlined heads, atomic linking, sentinel checks, SSE preservation.
func DefaultConfig() Config {
	return Config{
		IndirectStubs:          true,
		InlineIBLHead:          true,
		AtomicInlinedLinking:   true,
		BBPrefixes:             false,
		SIMD:                   SIMDSSE,
		PreserveXMMCallerSaved: true,
		IBLSentinelCheck:       true,
	}
}
