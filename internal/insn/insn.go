// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package insn adapts golang.org/x/arch/x86/x86asm to answer the one
// question the differencing core needs of an instruction decoder: given a
// section's bytes and the offset of a PC-relative-32 relocation within
// them, what is the offset of the next instruction?
//
// This mirrors how objbrowse/asmview.go wires the same decoder for
// disassembly display; here it is wired for a single narrow computation
// instead.
package insn

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the longest possible x86 instruction encoding.
const maxInstLen = 15

// NextInstructionOffset returns the offset, within data, of the first byte
// after the instruction that encodes a PC-relative 32-bit operand at
// offset. data must be the bytes of the section the relocation
// applies to, in its base (un-patched) form.
//
// It works backward from offset, trying each candidate instruction start,
// decoding in 64-bit mode, and accepting the first decode whose PC-relative
// field lands exactly on [offset, offset+4).
func NextInstructionOffset(data []byte, offset int) (int, error) {
	if offset < 0 || offset > len(data) {
		return 0, fmt.Errorf("insn: relocation offset %d out of range for %d-byte section", offset, len(data))
	}
	lo := offset - maxInstLen
	if lo < 0 {
		lo = 0
	}
	for start := offset; start >= lo; start-- {
		inst, err := x86asm.Decode(data[start:], 64)
		if err != nil {
			continue
		}
		if inst.PCRel != 4 {
			continue
		}
		relStart := start + inst.PCRelOff
		if relStart != offset {
			continue
		}
		if start+inst.Len <= len(data) {
			return start + inst.Len, nil
		}
	}
	return 0, fmt.Errorf("insn: no instruction decodes with a PC-relative field at offset %d", offset)
}
