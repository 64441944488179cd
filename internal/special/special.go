// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package special compacts the architecture's exception/bug/alternative-
// instruction metadata sections down to the fixed- or variable-size groups
// that still apply to included functions, rebasing their relocations to
// match.
package special

import (
	"debug/elf"
	"sort"

	"github.com/xsplice/xsplice-diff/internal/diagutil"
	"github.com/xsplice/xsplice-diff/internal/model"
)

type groupSpec struct {
	name string
	size uint64
}

// fixedGroups lists the special sections whose groups are a constant
// architecture-defined size.
var fixedGroups = []groupSpec{
	{".bug_frames.0", 8},
	{".bug_frames.1", 8},
	{".bug_frames.2", 8},
	{".bug_frames.3", 16},
	{".ex_table", 8},
	{".altinstructions", 12},
}

const (
	fixupSectionName          = ".fixup"
	exTableSectionName        = ".ex_table"
	altReplacementSectionName = ".altinstr_replacement"
)

// Run performs the full Special-Section Rewriter pass. It must run after
// the Inclusion Engine (internal/include), since a group's keep decision
// depends on whether its STT_FUNC target's section is already included.
func Run(patched *model.Object) error {
	for _, g := range fixedGroups {
		if err := processFixedSection(patched, g.name, g.size); err != nil {
			return err
		}
	}
	if err := processFixupSection(patched); err != nil {
		return err
	}
	includeAltInstrReplacement(patched)
	return nil
}

func processFixedSection(obj *model.Object, name string, groupSize uint64) error {
	sec := findSection(obj, name)
	if sec == nil {
		return nil
	}
	var bounds []uint64
	for off := uint64(0); off < uint64(len(sec.Data)); off += groupSize {
		bounds = append(bounds, off)
	}
	return compact(sec, bounds)
}

// processFixupSection implements .fixup's variable group boundaries: the
// ordered set of offsets into .fixup referenced by .rela.ex_table.
func processFixupSection(obj *model.Object) error {
	fixupSec := findSection(obj, fixupSectionName)
	if fixupSec == nil {
		return nil
	}
	exTableSec := findSection(obj, exTableSectionName)

	var raw []uint64
	if exTableSec != nil && exTableSec.Rela != nil {
		for _, r := range exTableSec.Rela.Relocs {
			if r.Target != nil && r.Target.Section == fixupSec {
				raw = append(raw, uint64(int64(r.Target.Value)+r.Addend))
			}
		}
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i] < raw[j] })
	bounds := dedupeSorted(raw)
	if len(bounds) == 0 || bounds[0] != 0 {
		bounds = append([]uint64{0}, bounds...)
	}
	return compact(fixupSec, bounds)
}

func dedupeSorted(s []uint64) []uint64 {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// compact implements the per-group algorithm shared by every special
// section: a group survives iff one of its relocations targets an STT_FUNC
// symbol whose section is included, in which case its bytes are copied into a fresh buffer
// and its relocations rebased to match.
func compact(sec *model.Section, bounds []uint64) error {
	rela := sec.Rela
	var relocs []*model.Relocation
	if rela != nil {
		relocs = rela.Relocs
	}

	paddedSize := roundUp(sec.Size, orOne(sec.Align))

	var out []byte
	var newRelocs []*model.Relocation
	srcTotal := uint64(0)

	for i, start := range bounds {
		end := paddedSize
		if i+1 < len(bounds) {
			end = bounds[i+1]
		}
		if start != srcTotal {
			return diagutil.Bug("special-section rewriter: gap or overlap in %s groups at offset %d (expected %d)", sec.Name, start, srcTotal)
		}
		srcTotal = end

		groupRelocs := relocsInRange(relocs, start, end)
		keep := false
		for _, r := range groupRelocs {
			if r.Target != nil && r.Target.Type == elf.STT_FUNC && r.Target.Section != nil && r.Target.Section.Include {
				keep = true
				break
			}
		}
		if !keep {
			continue
		}

		destOffset := uint64(len(out))
		copyEnd := end
		if copyEnd > uint64(len(sec.Data)) {
			copyEnd = uint64(len(sec.Data))
		}
		if start < copyEnd {
			out = append(out, sec.Data[start:copyEnd]...)
		}
		for _, r := range groupRelocs {
			newRelocs = append(newRelocs, &model.Relocation{
				Offset:        r.Offset - start + destOffset,
				Type:          r.Type,
				Addend:        r.Addend,
				Target:        r.Target,
				InlinedString: r.InlinedString,
			})
			if r.Target != nil {
				r.Target.Include = true
			}
		}
	}

	if srcTotal != paddedSize {
		return diagutil.Bug("special-section rewriter: %s groups cover %d bytes, want %d", sec.Name, srcTotal, paddedSize)
	}

	if len(newRelocs) == 0 {
		sec.Include = false
		sec.Status = model.StatusSame
		if rela != nil {
			rela.Include = false
			rela.Status = model.StatusSame
		}
		return nil
	}

	sec.Data = out
	sec.Size = uint64(len(out))
	sec.Include = true
	sec.Status = model.StatusChanged
	if rela != nil {
		rela.Relocs = newRelocs
		rela.Include = true
		rela.Status = model.StatusChanged
	}
	return nil
}

func relocsInRange(relocs []*model.Relocation, start, end uint64) []*model.Relocation {
	var out []*model.Relocation
	for _, r := range relocs {
		if r.Offset >= start && r.Offset < end {
			out = append(out, r)
		}
	}
	return out
}

// includeAltInstrReplacement always keeps .altinstr_replacement whole,
// unlike the group-compacted sections above.
func includeAltInstrReplacement(obj *model.Object) {
	sec := findSection(obj, altReplacementSectionName)
	if sec == nil {
		return
	}
	sec.Include = true
	if sec.SectionSymbol != nil {
		sec.SectionSymbol.Include = true
	}
	for _, sym := range obj.Symbols {
		if sym.Section == sec {
			sym.Include = true
		}
	}
	if sec.Rela != nil {
		sec.Rela.Include = true
		for _, r := range sec.Rela.Relocs {
			if r.Target != nil {
				r.Target.Include = true
			}
		}
	}
}

func roundUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	if rem := n % align; rem != 0 {
		return n + (align - rem)
	}
	return n
}

func orOne(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	return n
}

func findSection(obj *model.Object, name string) *model.Section {
	for _, s := range obj.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}
