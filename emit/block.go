// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

import (
	"github.com/pkg/errors"

	"github.com/go-interpreter/fraglink/cache"
)

// Block accumulates an emitted code sequence destined for a known cache
// address, so pc-relative references to targets outside the block can be
// resolved while emitting.  Forward branches inside the block are emitted
// with placeholder displacements and bound later.
type Block struct {
	base cache.PC
	buf  []byte
	err  error
}

// NewBlock starts a block that will be copied to base.
func NewBlock(base cache.PC) *Block {
	return &Block{base: base}
}

// Base returns the cache address the block is destined for.
func (b *Block) Base() cache.PC { return b.base }

// Len returns the number of bytes emitted so far.
func (b *Block) Len() int { return len(b.buf) }

// PC returns the cache address of the next byte to be emitted.
func (b *Block) PC() cache.PC { return b.base + cache.PC(len(b.buf)) }

// Err returns the first error recorded while emitting.
func (b *Block) Err() error { return b.err }

func (b *Block) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Byte appends raw bytes.
func (b *Block) Byte(v ...byte) *Block {
	b.buf = append(b.buf, v...)
	return b
}

// U16 appends a little-endian 16-bit value.
func (b *Block) U16(v uint16) *Block {
	b.buf = appendU16(b.buf, v)
	return b
}

// U32 appends a little-endian 32-bit value.
func (b *Block) U32(v uint32) *Block {
	b.buf = appendU32(b.buf, v)
	return b
}

// U64 appends a little-endian 64-bit value.
func (b *Block) U64(v uint64) *Block {
	b.buf = appendU64(b.buf, v)
	return b
}

// Spill appends the canonical spill/restore sequence for s.
func (b *Block) Spill(s Spill) *Block {
	b.buf = s.AppendTo(b.buf)
	return b
}

// Rel32 appends a 4-byte displacement reaching target from the current
// position (the displacement base is the end of the 4 bytes).
func (b *Block) Rel32(target cache.PC) *Block {
	disp := int64(target) - int64(b.PC()) - 4
	if disp < -1<<31 || disp >= 1<<31 {
		b.setErr(DispOutOfRangeError{PC: b.PC(), Target: target})
		disp = 0
	}
	return b.U32(uint32(int32(disp)))
}

// JmpRel32 appends jmp rel32 to an address outside the block.
func (b *Block) JmpRel32(target cache.PC) *Block {
	return b.Byte(opJmpRel32).Rel32(target)
}

// Fixup records a branch displacement to be bound to a later position.
type Fixup struct {
	at   int // displacement offset in buf
	wide bool
}

// Jcc8 appends a short conditional branch (0x70|cc) with an unbound
// 8-bit displacement.
func (b *Block) Jcc8(cc byte) Fixup {
	b.Byte(0x70|cc, 0)
	return Fixup{at: len(b.buf) - 1}
}

// JmpShort appends an unbound short jump.
func (b *Block) JmpShort() Fixup {
	b.Byte(opJmpShort, 0)
	return Fixup{at: len(b.buf) - 1}
}

// Jcc32 appends a long conditional branch with an unbound 32-bit
// displacement.
func (b *Block) Jcc32(cc byte) Fixup {
	b.Byte(opJcc2Byte, 0x80|cc, 0, 0, 0, 0)
	return Fixup{at: len(b.buf) - 4, wide: true}
}

// Bind resolves f to branch to the current position.
func (b *Block) Bind(f Fixup) {
	if f.wide {
		disp := len(b.buf) - (f.at + 4)
		b.buf[f.at] = byte(disp)
		b.buf[f.at+1] = byte(disp >> 8)
		b.buf[f.at+2] = byte(disp >> 16)
		b.buf[f.at+3] = byte(disp >> 24)
		return
	}
	disp := len(b.buf) - (f.at + 1)
	if disp < -128 || disp > 127 {
		b.setErr(errors.Errorf("emit: short branch at +%d cannot reach +%d", f.at, len(b.buf)))
		return
	}
	b.buf[f.at] = byte(int8(disp))
}

// Jcc8Back appends a short conditional branch to an earlier offset in the
// block.
func (b *Block) Jcc8Back(cc byte, offset int) *Block {
	disp := offset - (len(b.buf) + 2)
	if disp < -128 || disp > 127 {
		b.setErr(errors.Errorf("emit: short branch cannot reach back to +%d", offset))
		disp = 0
	}
	return b.Byte(0x70|cc, byte(int8(disp)))
}

// JmpShortBack appends a short jump to an earlier offset in the block.
func (b *Block) JmpShortBack(offset int) *Block {
	disp := offset - (len(b.buf) + 2)
	if disp < -128 || disp > 127 {
		b.setErr(errors.Errorf("emit: short jump cannot reach back to +%d", offset))
		disp = 0
	}
	return b.Byte(opJmpShort, byte(int8(disp)))
}

// LoopBack appends loop rel8 to an earlier offset (decrements xCX, jumps
// while nonzero).
func (b *Block) LoopBack(offset int) *Block {
	disp := offset - (len(b.buf) + 2)
	if disp < -128 || disp > 127 {
		b.setErr(errors.Errorf("emit: loop cannot reach back to +%d", offset))
		disp = 0
	}
	return b.Byte(0xe2, byte(int8(disp)))
}

// Bytes returns the emitted sequence.
func (b *Block) Bytes() []byte { return b.buf }

// CopyOut writes the block's bytes to its destination through the region's
// writable alias.
func (b *Block) CopyOut(r *cache.Region) error {
	if b.err != nil {
		return b.err
	}
	w, err := r.Writable(b.base, len(b.buf))
	if err != nil {
		return errors.Wrap(err, "emit: copying block out")
	}
	copy(w, b.buf)
	return nil
}
