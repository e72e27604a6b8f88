// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ibl emits the indirect-branch-lookup gencode: the shared lookup
// routine for each branch type and fragment source, and the inline probe
// template the exit stub builder copies into indirect exit stubs.
package ibl

import (
	"github.com/go-interpreter/fraglink/emit"
)

// Hashtable entry layout: a tag word followed by a start-pc word.  The
// emitted probes always read the host (Mode64) layout, 16-byte entries
// with the start pc at +8, in 32-bit gencode too; the Mode32 results of
// StartPCOffs and EntrySize describe a narrow layout the probes do not use.
const (
	TagOffs = 0
)

// StartPCOffs returns the byte offset of the start-pc word.
func StartPCOffs(mode emit.Mode) int {
	if mode == emit.Mode64 {
		return 8
	}
	return 4
}

// EntrySize returns the byte size of one hashtable entry.
func EntrySize(mode emit.Mode) int {
	if mode == emit.Mode64 {
		return 16
	}
	return 8
}

func entrySizeLog(mode emit.Mode) uint8 {
	if mode == emit.Mode64 {
		return 4
	}
	return 3
}

// Distinguished start-pc values.  A slot with a zero tag is either empty
// (a true miss) or the table-end sentinel; the probe tells them apart by
// the start-pc word.  A dying entry keeps its tag but has its start pc
// redirected to the routine's target-delete entry, so an in-flight hit
// lands there instead of in freed code.
const (
	// SentinelStartPC terminates every probe sequence; detecting it
	// wraps the probe to the table base exactly once per pass.
	SentinelStartPC = 1
	// EmptyStartPC marks a never-used slot.
	EmptyStartPC = 0
)
