// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emit

// Multi-byte nop forms, indexed by length.  These are the sequences the
// Intel optimization manual recommends; the 10- and 11-byte AMD forms are
// left out for compatibility.
var nopForms = [...][]byte{
	1: {0x90},
	2: {0x66, 0x90},
	3: {0x0f, 0x1f, 0x00},
	4: {0x0f, 0x1f, 0x40, 0x00},
	5: {0x0f, 0x1f, 0x44, 0x00, 0x00},
	6: {0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
	7: {0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
	8: {0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	9: {0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// MaxNopLen is the longest single nop instruction FillWithNops will use.
const MaxNopLen = 9

// NopBytes returns the canonical nop instruction of exactly n bytes,
// 1 <= n <= MaxNopLen.
func NopBytes(n int) []byte {
	if n < 1 || n > MaxNopLen {
		return nil
	}
	out := make([]byte, n)
	copy(out, nopForms[n])
	return out
}

// FillWithNops fills buf with nop instructions, preferring a single
// multi-byte form and falling back to 0x90 fill for longer runs.
func FillWithNops(buf []byte) {
	if n := len(buf); n >= 1 && n <= MaxNopLen {
		copy(buf, nopForms[n])
		return
	}
	for i := range buf {
		buf[i] = 0x90
	}
}
