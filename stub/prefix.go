// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stub

import (
	"github.com/pkg/errors"

	"github.com/go-interpreter/fraglink/emit"
	"github.com/go-interpreter/fraglink/fragment"
	"github.com/go-interpreter/fraglink/gencode"
)

// Fragment prefixes.  Indirect-branch-target fragments restore the flags
// and scratch registers the IBL protocol consumed, so a hit lands with
// application state as if the lookup never ran:
//
//	add  $0x7f, %al      # overflow exactly when seto stored 1
//	sahf                 # low five flags from %ah
//	<restore xax>        # from the prefix spill slot (r8 for x86-to-x64)
//	<restore xcx>        # from the mangle spill slot (r9 for x86-to-x64)
//
// Other fragments restore only XCX, and only when configured to carry a
// prefix at all.

// UseIBTPrefix reports whether fragments with these flags are entered
// through the full indirect-branch-target prefix.
func UseIBTPrefix(cfg *gencode.Config, flags fragment.Flags) bool {
	if flags&fragment.CoarseGrain != 0 {
		// Coarse fragments are always possible IB targets.
		return true
	}
	return flags&fragment.Shared != 0 || flags&fragment.IsTrace != 0 || cfg.InlineIBLHead
}

func singleRestore(cfg *gencode.Config, flags fragment.Flags) bool {
	if flags&fragment.IsTrace != 0 {
		return cfg.TraceSingleRestorePrefix
	}
	return cfg.BBSingleRestorePrefix
}

func restoreRegSize(mode emit.Mode, flags fragment.Flags, reg emit.Reg, slot uint32) int {
	if flags&fragment.X86ToX64 != 0 {
		return 3 // mov %r8/%r9 -> reg
	}
	return emit.Spill{Reg: reg, Restore: true, Mode: mode, Offs: slot}.Size()
}

// IBTPrefixSize returns the prefix size of an indirect-branch-target
// fragment with the given flags.
func IBTPrefixSize(cfg *gencode.Config, flags fragment.Flags) int {
	mode := fragMode(flags)
	size := restoreRegSize(mode, flags, emit.RegXCX, gencode.MangleXCXSpill(mode))
	if singleRestore(cfg, flags) {
		return size
	}
	size += restoreRegSize(mode, flags, emit.RegXAX, gencode.PrefixXAXSpill(mode))
	if flags&fragment.WritesEflags6 != 0 {
		return size
	}
	size++ // sahf
	if flags&fragment.WritesEflagsOF == 0 {
		size += 2 // add $0x7f,%al
	}
	return size
}

// PrefixSize returns the prefix size for any fragment.
func PrefixSize(cfg *gencode.Config, flags fragment.Flags) int {
	if UseIBTPrefix(cfg, flags) {
		return IBTPrefixSize(cfg, flags)
	}
	if cfg.BBPrefixes {
		mode := fragMode(flags)
		return restoreRegSize(mode, flags, emit.RegXCX, gencode.MangleXCXSpill(mode))
	}
	return 0
}

// EmitFragmentPrefix writes the prefix at f.StartPC and records its size
// in f.PrefixSize.  The fragment must not have a prefix yet.
func EmitFragmentPrefix(g *gencode.Gencode, f *fragment.Fragment) error {
	if f.PrefixSize != 0 {
		return InvalidFragmentStateError{F: f, Reason: "prefix already emitted"}
	}
	cfg := &g.Config
	mode := fragMode(f.Flags)
	b := emit.NewBlock(f.StartPC)
	a := prefixAsm{b: b, mode: mode, x86ToX64: f.Flags&fragment.X86ToX64 != 0}

	if UseIBTPrefix(cfg, f.Flags) {
		if !singleRestore(cfg, f.Flags) {
			if f.Flags&fragment.WritesEflags6 == 0 {
				if f.Flags&fragment.WritesEflagsOF == 0 {
					b.Byte(0x04, 0x7f) // add $0x7f,%al
				}
				b.Byte(0x9e) // sahf
			}
			a.restore(emit.RegXAX, gencode.PrefixXAXSpill(mode), 0)
		}
		a.restore(emit.RegXCX, gencode.MangleXCXSpill(mode), 1)
	} else if cfg.BBPrefixes {
		a.restore(emit.RegXCX, gencode.MangleXCXSpill(mode), 1)
	}

	if b.Err() != nil {
		return errors.Wrapf(b.Err(), "stub: prefix for %s", f)
	}
	if want := PrefixSize(cfg, f.Flags); b.Len() != want {
		return errors.Errorf("stub: prefix came out %d bytes, size function says %d", b.Len(), want)
	}
	if b.Len() == 0 {
		return nil
	}
	if err := b.CopyOut(g.Region); err != nil {
		return err
	}
	f.PrefixSize = uint8(b.Len())
	return nil
}

type prefixAsm struct {
	b        *emit.Block
	mode     emit.Mode
	x86ToX64 bool
}

// restore reloads reg from its slot, or from r8+rHigh in x86-to-x64 mode.
func (a prefixAsm) restore(reg emit.Reg, slot uint32, rHigh byte) {
	if a.x86ToX64 {
		a.b.Byte(0x49, 0x8b, 3<<6|byte(reg)<<3|rHigh)
		return
	}
	a.b.Spill(emit.Spill{Reg: reg, Restore: true, Mode: a.mode, Offs: slot})
}
