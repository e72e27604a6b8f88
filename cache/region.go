// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cache manages code cache memory.  A Region is a single mapping
// of cache pages presented through two views of the same physical bytes:
// a read-execute view that emitted code runs from, and a read-write alias
// that the emitters and the branch patcher store through.  Nothing ever
// writes through the executable view.
package cache

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PC is an address inside the code cache.  PCs always refer to the
// executable view; WritableAddr translates to the alias.
type PC uintptr

// LineSize is the cache line granularity that patchable displacements must
// not straddle.
const LineSize = 64

const allocAlignment = 16

// Region is a contiguous run of cache pages.  Allocation is append-only;
// individual carve-outs are never returned.  Retirement of fragments is the
// fragment store's concern and happens at a granularity above the Region.
type Region struct {
	f        *os.File
	exec     mmap.MMap
	writable mmap.MMap
	size     int
	consumed int
}

// NewRegion maps size bytes of cache memory twice: once read-exec and once
// read-write.  The two mappings share pages, so a store through the
// writable view is immediately visible to a thread executing from the
// executable view.
func NewRegion(size int) (*Region, error) {
	fd, err := unix.MemfdCreate("fraglink-cache", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "cache: memfd_create")
	}
	f := os.NewFile(uintptr(fd), "fraglink-cache")
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "cache: truncate backing file")
	}
	exec, err := mmap.MapRegion(f, size, mmap.RDONLY|mmap.EXEC, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "cache: map exec view")
	}
	writable, err := mmap.MapRegion(f, size, mmap.RDWR, 0, 0)
	if err != nil {
		exec.Unmap()
		f.Close()
		return nil, errors.Wrap(err, "cache: map writable view")
	}
	return &Region{f: f, exec: exec, writable: writable, size: size}, nil
}

// Close unmaps both views.  Any PC into the region is dangling afterwards.
func (r *Region) Close() error {
	err1 := r.exec.Unmap()
	err2 := r.writable.Unmap()
	err3 := r.f.Close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

// ExecBase returns the executable view's base address.
func (r *Region) ExecBase() PC {
	return PC(uintptrOf(r.exec))
}

// Alloc carves n bytes out of the region, aligned to align (or the default
// allocation alignment if align is zero), and returns the executable PC of
// the carve-out.
func (r *Region) Alloc(n, align int) (PC, error) {
	if align == 0 {
		align = allocAlignment
	}
	off := (r.consumed + align - 1) &^ (align - 1)
	if off+n > r.size {
		return 0, errors.Errorf("cache: region full: need %d bytes, %d remain", n, r.size-off)
	}
	r.consumed = off + n
	return r.ExecBase() + PC(off), nil
}

// Contains reports whether pc falls inside the region's executable view.
func (r *Region) Contains(pc PC) bool {
	base := r.ExecBase()
	return pc >= base && pc < base+PC(r.size)
}

func (r *Region) offset(pc PC, n int) (int, error) {
	base := r.ExecBase()
	if pc < base || pc+PC(n) > base+PC(r.size) {
		return 0, errors.Errorf("cache: pc %#x+%d outside region [%#x,%#x)", pc, n, base, base+PC(r.size))
	}
	return int(pc - base), nil
}

// Writable returns the read-write alias of [pc, pc+n).
func (r *Region) Writable(pc PC, n int) ([]byte, error) {
	off, err := r.offset(pc, n)
	if err != nil {
		return nil, err
	}
	return r.writable[off : off+n], nil
}

// Bytes returns the executable view of [pc, pc+n) for reading.
func (r *Region) Bytes(pc PC, n int) ([]byte, error) {
	off, err := r.offset(pc, n)
	if err != nil {
		return nil, err
	}
	return r.exec[off : off+n], nil
}
