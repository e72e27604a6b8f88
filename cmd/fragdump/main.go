// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command fragdump emits the generated-code family (context switches,
// IBL routines, inline stub templates) under a chosen configuration and
// disassembles it, so the wire formats can be inspected without running
// anything.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-interpreter/fraglink/cache"
	"github.com/go-interpreter/fraglink/fragment"
	"github.com/go-interpreter/fraglink/gencode"
	"github.com/go-interpreter/fraglink/ibl"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: fragdump [options]

ex:
 $> fragdump -inline=false -routines

options:
`,
		)
		flag.PrintDefaults()
		os.Exit(1)
	}
}

var (
	flagInline   = flag.Bool("inline", true, "inline the IBL head into stubs")
	flagAtomic   = flag.Bool("atomic", true, "atomic inlined linking")
	flagSentinel = flag.Bool("sentinel", true, "emit the sentinel wrap check")
	flagRoutines = flag.Bool("routines", true, "dump the shared IBL routines")
	flagTemplate = flag.Bool("template", true, "dump the inline stub template")
	flagSwitch   = flag.Bool("cxtsw", false, "dump fcache enter/return")
)

func main() {
	log.SetPrefix("fragdump: ")
	log.SetFlags(0)

	flag.Parse()

	region, err := cache.NewRegion(1 << 20)
	if err != nil {
		log.Fatal(err)
	}
	defer region.Close()

	cfg := gencode.DefaultConfig()
	cfg.InlineIBLHead = *flagInline
	cfg.AtomicInlinedLinking = *flagAtomic
	cfg.IBLSentinelCheck = *flagSentinel

	g := gencode.New(cfg, region)
	g.IBLDeletedLinkstub = 0x4500_0000
	g.CoarseDirectLinkstub = 0x4500_0100
	for bt := fragment.BranchType(0); bt < fragment.NumBranchTypes; bt++ {
		g.SourcelessLinkstub[bt] = 0x4500_0200 + 0x10*uintptr(bt)
	}
	if err := g.EmitContextSwitch(0x4000_0000, 0x4200_0000); err != nil {
		log.Fatal(err)
	}

	if *flagSwitch {
		dumpRange(region, "fcache enter", g.FcacheEnter, g.FcacheReturn)
		dumpRange(region, "fcache return", g.FcacheReturn, g.FcacheReturnCoarse)
	}

	for bt := fragment.BranchType(0); bt < fragment.NumBranchTypes; bt++ {
		code := g.IBLRoutine(gencode.SourceBB, bt, gencode.Variant64)
		if err := ibl.EmitRoutine(g, code); err != nil {
			log.Fatal(err)
		}
		if *flagRoutines {
			fmt.Printf("\n-- ibl %s (bb) --\n", bt)
			fmt.Printf("   linked=%#x unlinked=%#x target-delete=%#x\n",
				code.LinkedEntry, code.UnlinkedEntry, code.TargetDeleteEntry)
			dumpRange(region, "routine", code.RoutineBase,
				code.RoutineBase+cache.PC(code.RoutineLen))
		}
		if cfg.InlineIBLHead && *flagTemplate {
			if err := ibl.EmitInlineStub(g, code); err != nil {
				log.Fatal(err)
			}
			fmt.Printf("\n-- inline stub template %s --\n", bt)
			fmt.Printf("   len=%d linkstub=%d/%d linked-jmp=%d unlinked-jmp=%d unlink=%d\n",
				code.InlineStubLen(),
				code.InlineLinkstubFirstOffs, code.InlineLinkstubSecondOffs,
				code.InlineLinkedJmpOffs, code.InlineUnlinkedJmpOffs,
				code.InlineUnlinkOffs)
			dumpBytes(code.Template, 0)
		}
	}
}

func dumpRange(region *cache.Region, what string, start, end cache.PC) {
	if end <= start {
		return
	}
	raw, err := region.Bytes(start, int(end-start))
	if err != nil {
		log.Fatalf("%s: %v", what, err)
	}
	dumpBytes(raw, uint64(start))
}

func dumpBytes(raw []byte, base uint64) {
	for off := 0; off < len(raw); {
		inst, err := x86asm.Decode(raw[off:], 64)
		if err != nil {
			fmt.Printf("%8x: %02x ?\n", base+uint64(off), raw[off])
			off++
			continue
		}
		syntax := x86asm.GNUSyntax(inst, base+uint64(off), nil)
		fmt.Printf("%8x: %-24x %s\n", base+uint64(off), raw[off:off+inst.Len], syntax)
		off += inst.Len
	}
}
