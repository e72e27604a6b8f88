// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fragment

// Instr is one entry of the layout instruction list.  The decoder IR proper
// is a collaborator outside this module; the layout passes only need
// lengths, exit-branch classification and the ability to splice in padding.
type Instr struct {
	prev, next *Instr

	// Len is the encoded length in bytes.
	Len int

	// Raw holds the encoded bytes for instructions this module created
	// itself (nop padding); nil for application instructions, whose
	// encoding is the IR's business.
	Raw []byte

	// ExitCTI marks the instruction as an exit control transfer.
	ExitCTI bool

	// Patchable marks an exit CTI whose displacement may be retargeted
	// while threads execute it, so its final four bytes must sit inside
	// one cache line.  Short-form jecxz/loop* rewrites are never
	// patchable.
	Patchable bool

	// Padded records that the padding pass placed a nop directly before
	// this CTI.
	Padded bool

	// Offset is the byte offset of the instruction from the fragment's
	// normal entry, filled in when emitting.
	Offset int
}

// Next returns the following instruction, or nil at the end of the list.
func (i *Instr) Next() *Instr { return i.next }

// Ilist is a doubly linked instruction list for one fragment body.
type Ilist struct {
	head, tail *Instr
}

// First returns the first instruction, or nil if the list is empty.
func (l *Ilist) First() *Instr { return l.head }

// Append adds an instruction at the end of the list.
func (l *Ilist) Append(n *Instr) {
	n.prev = l.tail
	n.next = nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
}

// InsertBefore splices n in front of at.
func (l *Ilist) InsertBefore(at, n *Instr) {
	n.next = at
	n.prev = at.prev
	if at.prev != nil {
		at.prev.next = n
	} else {
		l.head = n
	}
	at.prev = n
}

// ByteLen sums the encoded lengths of all instructions.
func (l *Ilist) ByteLen() int {
	total := 0
	for i := l.head; i != nil; i = i.next {
		total += i.Len
	}
	return total
}
