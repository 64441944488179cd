// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package correlate

import (
	"bytes"
	"debug/elf"
	"log/slog"
	"strings"

	"github.com/xsplice/xsplice-diff/internal/diagutil"
	"github.com/xsplice/xsplice-diff/internal/model"
)

// Run performs the full correlation pass, in order: section-symbol
// canonicalization of each input, mangled-function renaming, section
// correlation, symbol correlation, and static-local correlation.
//
// base and patched must have already passed Preflight.
func Run(log *slog.Logger, base, patched *model.Object) error {
	if err := CanonicalizeSectionSymbols(base); err != nil {
		return err
	}
	if err := CanonicalizeSectionSymbols(patched); err != nil {
		return err
	}
	if err := RenameMangledClones(base, patched); err != nil {
		return err
	}
	CorrelateSections(base, patched)
	CorrelateSymbols(base, patched)
	if err := CorrelateStaticLocals(log, base, patched); err != nil {
		return err
	}
	return nil
}

// RenameMangledClones renames patched functions carrying a
// .isra./.constprop./.part. clone marker to their base counterpart's name
// before any other correlation happens, so later exact-name correlation
// picks them up.
func RenameMangledClones(base, patched *model.Object) error {
	for _, sym := range patched.Symbols {
		if sym.Type != elf.STT_FUNC || !model.IsMangledClone(sym.Name) {
			continue
		}
		stem, _ := model.CloneStem(sym.Name)

		var match *model.Symbol
		for _, cand := range base.Symbols {
			if cand.Type != elf.STT_FUNC {
				continue
			}
			if !model.MangledEqual(stem, cand.Name) {
				continue
			}
			if match != nil && match != cand {
				return diagutil.Bug("ambiguous mangled-clone rename: patched function %q matches both base %q and %q", sym.Name, match.Name, cand.Name)
			}
			match = cand
		}
		if match == nil {
			continue // no base counterpart; leave the clone name, it'll show up as NEW
		}

		oldName, newName := sym.Name, match.Name
		sym.Name = newName
		if sym.Section != nil && sym.Section.BundledSymbol == sym {
			renameBundledSection(sym.Section, newName)
			if rodata := findSection(patched, ".rodata."+oldName); rodata != nil {
				renameBundledSection(rodata, newName)
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

// renameBundledSection renames a per-function/per-data section (and its
// relocation section, if any) to reflect sym's new name, preserving the
// section's "." + kind + "." prefix.
func renameBundledSection(sec *model.Section, newSymName string) {
	kind, _, ok := model.BundledKindForSectionName(sec.Name)
	if !ok {
		return
	}
	sec.Name = "." + kind + "." + newSymName
	if sec.Rela != nil {
		sec.Rela.Name = ".rela." + kind + "." + newSymName
	}
}

// CorrelateSections pairs same-named sections across base and patched,
// excluding special statics and requiring byte-identical contents for
// SHT_GROUP sections.
func CorrelateSections(base, patched *model.Object) {
	byName := make(map[string]*model.Section, len(base.Sections))
	for _, s := range base.Sections {
		byName[s.Name] = s
	}
	for _, p := range patched.Sections {
		b, ok := byName[p.Name]
		if !ok || b.Twin != nil {
			continue
		}
		if sectionIsSpecialStatic(p) || sectionIsSpecialStatic(b) {
			continue
		}
		if p.Type == elf.SHT_GROUP {
			if b.Type != elf.SHT_GROUP || !bytes.Equal(p.Data, b.Data) {
				continue
			}
		}
		p.Twin = b
		b.Twin = p
	}
}

func sectionIsSpecialStatic(s *model.Section) bool {
	target := s
	if s.IsRela() && s.Base != nil {
		target = s.Base
	}
	if target.Name == model.VerboseSectionName {
		return true
	}
	if target.BundledSymbol != nil && model.IsSpecialStatic(target.BundledSymbol) {
		return true
	}
	if target.SectionSymbol != nil && model.IsSpecialStatic(target.SectionSymbol) {
		return true
	}
	return false
}

// CorrelateSymbols pairs same-named, same-type symbols, excluding the null
// symbol, special statics, constant labels, and symbols whose sections
// disagree on group membership. STT_SECTION symbols, which are usually
// unnamed, are paired through their sections' twins instead of by name.
func CorrelateSymbols(base, patched *model.Object) {
	type key struct {
		name string
		typ  elf.SymType
	}
	byKey := make(map[key]*model.Symbol, len(base.Symbols))
	for _, s := range base.Symbols {
		if s == base.Symbols[0] || s.Type == elf.STT_SECTION || model.IsSpecialStatic(s) || model.IsConstantLabel(s.Name) {
			continue
		}
		byKey[key{s.Name, s.Type}] = s
	}
	for _, p := range patched.Symbols {
		if p == patched.Symbols[0] || model.IsSpecialStatic(p) || model.IsConstantLabel(p.Name) {
			continue
		}
		if p.Twin != nil {
			continue
		}
		if p.Type == elf.STT_SECTION {
			if p.Section != nil && p.Section.Twin != nil {
				if b := p.Section.Twin.SectionSymbol; b != nil && b.Twin == nil && groupedOf(p) == groupedOf(b) {
					p.Twin, b.Twin = b, p
				}
			}
			continue
		}
		b, ok := byKey[key{p.Name, p.Type}]
		if !ok || b.Twin != nil {
			continue
		}
		if groupedOf(p) != groupedOf(b) {
			continue
		}
		p.Twin = b
		b.Twin = p
	}
}

func groupedOf(s *model.Symbol) bool {
	return s.Section != nil && s.Section.Grouped
}

// CorrelateStaticLocals correlates compiler-renamed static locals, like
// "counter.7" in patched against "counter.9" in base, by following the
// first relocation that references each side and matching the mangled
// names of what it targets.
//
// The search for the relocation section referencing a static local stops
// at the first match rather than verifying global uniqueness across every
// section; this is a deliberate, behavior-preserving choice (see
// DESIGN.md), not an oversight.
func CorrelateStaticLocals(log *slog.Logger, base, patched *model.Object) error {
	for _, sym := range patched.Symbols {
		if sym.Type != elf.STT_OBJECT || sym.Bind != elf.STB_LOCAL {
			continue
		}
		if !strings.Contains(sym.Name, ".") || model.IsSpecialStatic(sym) {
			continue
		}
		if sym.Twin != nil {
			continue
		}

		r := firstReferencingRelaSection(patched, sym)
		if r == nil {
			log.Warn("static local has no referencing relocation; leaving as NEW", "symbol", sym.Name)
			continue
		}

		patchedCand, err := uniqueMangledUntwinnedTarget(r, sym.Name)
		if err != nil {
			return err
		}
		if patchedCand == nil {
			continue
		}

		if r.Twin == nil {
			log.Warn("static local's function has no base counterpart; leaving as NEW", "symbol", sym.Name, "section", r.Name)
			continue
		}
		baseCand, err := uniqueMangledUntwinnedTarget(r.Twin, sym.Name)
		if err != nil {
			return err
		}
		if baseCand == nil {
			log.Warn("no base counterpart found for static local; leaving as NEW", "symbol", sym.Name)
			continue
		}

		patchedBundled := patchedCand.Section != nil && patchedCand.Section.BundledSymbol == patchedCand
		baseBundled := baseCand.Section != nil && baseCand.Section.BundledSymbol == baseCand
		if patchedBundled != baseBundled {
			return diagutil.Bug("static local %q: bundle mismatch between patched and base counterpart %q", patchedCand.Name, baseCand.Name)
		}

		patchedCand.Name = baseCand.Name
		patchedCand.Twin = baseCand
		baseCand.Twin = patchedCand
		patchedCand.Status = model.StatusSame
		baseCand.Status = model.StatusSame
		if patchedBundled {
			patchedCand.Section.Twin = baseCand.Section
			baseCand.Section.Twin = patchedCand.Section
		}
	}
	return nil
}

func firstReferencingRelaSection(obj *model.Object, sym *model.Symbol) *model.Section {
	for _, sec := range obj.Sections {
		if !sec.IsRela() {
			continue
		}
		for _, r := range sec.Relocs {
			if r.Target == sym {
				return sec
			}
		}
	}
	return nil
}

// uniqueMangledUntwinnedTarget searches sec's relocations for the unique
// untwinned target symbol whose name is mangled-equal to name.
func uniqueMangledUntwinnedTarget(sec *model.Section, name string) (*model.Symbol, error) {
	var found *model.Symbol
	for _, r := range sec.Relocs {
		t := r.Target
		if t == nil || t.Twin != nil {
			continue
		}
		if !model.MangledEqual(t.Name, name) {
			continue
		}
		if found != nil && found != t {
			return nil, diagutil.Bug("ambiguous static-local correlation in %s: both %q and %q match %q", sec.Name, found.Name, t.Name, name)
		}
		found = t
	}
	return found, nil
}
