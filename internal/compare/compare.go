// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compare classifies every correlated section and symbol of a base
// and patched model.Object (already correlated by internal/correlate) as
// SAME or CHANGED, and applies the authored ignore directives that can
// override that classification.
package compare

import (
	"bytes"
	"debug/elf"
	"fmt"
	"log/slog"

	"github.com/xsplice/xsplice-diff/internal/diagutil"
	"github.com/xsplice/xsplice-diff/internal/model"
)

const (
	ignoreFunctionsSection = ".xsplice.ignore.functions"
	ignoreSectionsSection  = ".xsplice.ignore.sections"
)

// Run performs the full comparison pass, including the ignore directives,
// in an order that lets each directive see the state it needs:
// section-ignore directives are applied before section comparison
// (so the symbol comparator's ignore escape hatch is available), and
// function-ignore directives are applied after symbol comparison (so the
// "warn if no change detected" check has something to compare against).
func Run(log *slog.Logger, base, patched *model.Object) error {
	if err := applyIgnoreSectionDirectives(patched); err != nil {
		return err
	}
	if err := CompareSections(patched); err != nil {
		return err
	}
	if err := CompareSymbols(patched); err != nil {
		return err
	}
	if err := applyIgnoreFunctionDirectives(log, patched); err != nil {
		return err
	}
	return nil
}

// CompareSections classifies every section of patched (NEW if
// uncorrelated, else SAME/CHANGED against its twin). A section (or its
// twin) marked Ignore by an ignore directive always compares SAME.
func CompareSections(patched *model.Object) error {
	for _, p := range patched.Sections {
		b := p.Twin
		if b == nil {
			p.Status = model.StatusNew
			continue
		}
		if p.Type != b.Type || p.Flags != b.Flags || p.Addr != b.Addr || p.Align != b.Align || p.EntSize != b.EntSize {
			return diagutil.Bug("section %q: header disagrees with base twin %q (type/flags/addr/align/entsize)", p.Name, b.Name)
		}
		if p.Ignore || b.Ignore {
			p.Status, b.Status = model.StatusSame, model.StatusSame
			continue
		}
		status := model.StatusSame
		switch {
		case p.Size != b.Size:
			status = model.StatusChanged
		case p.IsRela():
			if !relaListsEqual(p.Relocs, b.Relocs) {
				status = model.StatusChanged
			}
		case p.Type == elf.SHT_NOBITS:
			// No data to compare; equal size already established above.
		default:
			if !bytes.Equal(p.Data, b.Data) {
				status = model.StatusChanged
			}
		}
		p.Status, b.Status = status, status
	}
	return nil
}

// CompareSymbols classifies every symbol of patched (NEW if uncorrelated,
// else SAME/CHANGED derived from its owning section). CompareSections must
// have already run.
func CompareSymbols(patched *model.Object) error {
	for _, p := range patched.Symbols {
		if model.IsConstantLabel(p.Name) {
			p.Status = model.StatusSame
			if p.Twin != nil {
				p.Twin.Status = model.StatusSame
			}
			continue
		}

		b := p.Twin
		if b == nil {
			p.Status = model.StatusNew
			continue
		}
		if p.Type != b.Type || p.Bind != b.Bind || p.Other != b.Other {
			return diagutil.BugElem("symbol "+p.Name, "", "st_info/st_other disagrees with base twin")
		}
		if (p.Section != nil) != (b.Section != nil) {
			return diagutil.BugElem("symbol "+p.Name, "", "exactly one of patched/base has an owning section")
		}
		if p.Type == elf.STT_OBJECT && p.Size != b.Size {
			return diagutil.Bug("symbol %q: STT_OBJECT size disagrees with base twin (patched=%d, base=%d)", p.Name, p.Size, b.Size)
		}

		if p.Section == nil {
			// SHN_UNDEF/SHN_ABS/SHN_COMMON: unconditionally SAME.
			p.Status, b.Status = model.StatusSame, model.StatusSame
			continue
		}
		if p.Section.Twin != b.Section {
			if p.Section.Ignore {
				p.Status, b.Status = model.StatusChanged, model.StatusChanged
				continue
			}
			return diagutil.Bug("symbol %q: owning sections %q/%q are not themselves correlated", p.Name, p.Section.Name, b.Section.Name)
		}
		p.Status, b.Status = p.Section.Status, b.Section.Status
	}
	return nil
}

// relaListsEqual walks both relocation lists (already offset-ordered by
// internal/elfio) in lockstep, comparing type, offset, addend (or inlined
// string content), and target identity for each pair.
func relaListsEqual(patched, base []*model.Relocation) bool {
	if len(patched) != len(base) {
		return false
	}
	for i := range patched {
		if !relocEqual(patched[i], base[i]) {
			return false
		}
	}
	return true
}

func relocEqual(patched, base *model.Relocation) bool {
	if patched.Type != base.Type || patched.Offset != base.Offset {
		return false
	}
	if patched.InlinedString != nil {
		if base.InlinedString == nil || *patched.InlinedString != *base.InlinedString {
			return false
		}
	} else if patched.Addend != base.Addend {
		return false
	}
	return targetsEqual(patched.Target, base.Target)
}

func targetsEqual(patched, base *model.Symbol) bool {
	if patched == nil || base == nil {
		return patched == base
	}
	if model.IsConstantLabel(patched.Name) && model.IsConstantLabel(base.Name) {
		return true
	}
	if model.IsSpecialStatic(patched) || model.IsSpecialStatic(base) {
		return model.MangledEqual(patched.Name, base.Name)
	}
	return patched.Name == base.Name
}

// applyIgnoreSectionDirectives reads the optional .xsplice.ignore.sections
// authoring section: each of its relocations points (target symbol +
// addend) at a NUL-terminated section name living in a string section.
// The named section, and its twin, are marked Ignore before section
// comparison runs; the string section carrying the literal name is marked
// CHANGED and kept, since authoring the directive necessarily perturbs it.
func applyIgnoreSectionDirectives(patched *model.Object) error {
	dir := findSection(patched, ignoreSectionsSection)
	if dir == nil || dir.Rela == nil {
		return nil
	}
	for _, r := range dir.Rela.Relocs {
		name, err := stringAt(r.Target, r.Addend)
		if err != nil {
			return diagutil.Bug("%s: %v", ignoreSectionsSection, err)
		}
		sec := findSection(patched, name)
		if sec == nil {
			return diagutil.Bug("%s: no section named %q", ignoreSectionsSection, name)
		}
		sec.Ignore = true
		if sec.Twin != nil {
			sec.Twin.Ignore = true
		}
		if r.Target != nil && r.Target.Section != nil {
			r.Target.Section.Status = model.StatusChanged
			r.Target.Section.Include = true
		}
	}
	return nil
}

// applyIgnoreFunctionDirectives reads the optional
// .xsplice.ignore.functions authoring section: each relocation targets a
// function symbol to force SAME, warning if the function was not already
// going to change (the directive would then be a no-op).
func applyIgnoreFunctionDirectives(log *slog.Logger, patched *model.Object) error {
	dir := findSection(patched, ignoreFunctionsSection)
	if dir == nil || dir.Rela == nil {
		return nil
	}
	for _, r := range dir.Rela.Relocs {
		fn := r.Target
		if fn == nil {
			continue
		}
		if fn.Status != model.StatusChanged {
			log.Warn("ignore.functions directive has no effect; function was already unchanged", "function", fn.Name)
		}
		fn.Status = model.StatusSame
		if fn.Twin != nil {
			fn.Twin.Status = model.StatusSame
		}
		if fn.Section != nil {
			fn.Section.Status = model.StatusSame
			if fn.Section.Twin != nil {
				fn.Section.Twin.Status = model.StatusSame
			}
		}
	}
	return nil
}

func findSection(obj *model.Object, name string) *model.Section {
	for _, s := range obj.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func stringAt(target *model.Symbol, addend int64) (string, error) {
	if target == nil || target.Section == nil {
		return "", fmt.Errorf("relocation does not target a section-relative string")
	}
	data := target.Section.Data
	off := int64(target.Value) + addend
	if off < 0 || off > int64(len(data)) {
		return "", fmt.Errorf("string offset %d out of range in section %q", off, target.Section.Name)
	}
	end := off
	for end < int64(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[off:end]), nil
}
