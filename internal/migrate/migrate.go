// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package migrate extracts every included section and symbol of a
// correlated, compared, included, rewritten model.Object into a fresh
// output model.Object with link-compliant symbol ordering and freshly
// assigned section/symbol indices.
package migrate

import (
	"debug/elf"

	"github.com/xsplice/xsplice-diff/internal/model"
)

// Run builds the output object from patched, preserving patched.Machine.
// sh_link/sh_info are not precomputed here: internal/elfio.Write derives
// them directly from each relocation section's Base and the final Index
// values this pass assigns.
func Run(patched *model.Object) *model.Object {
	out := model.NewObject(patched.Machine)

	extracted := extractSymbols(patched) // [0] is always the null symbol, already in out.Symbols

	for _, s := range extractSections(patched) {
		out.AddSection(s)
	}
	for _, s := range reorderSymbols(extracted[1:]) {
		out.AddSymbol(s)
	}

	assignSectionIndices(out)
	assignSymbolIndices(out)
	breakDanglingBackReferences(out)

	return out
}

func extractSections(obj *model.Object) []*model.Section {
	var out []*model.Section
	for _, s := range obj.Sections {
		if s.Include {
			out = append(out, s)
		}
	}
	return out
}

func extractSymbols(obj *model.Object) []*model.Symbol {
	var out []*model.Symbol
	for _, s := range obj.Symbols {
		if s.Include {
			out = append(out, s)
		}
	}
	return out
}

// reorderSymbols buckets every non-null symbol in link-compliant order:
// STT_FILE, STB_LOCAL STT_FUNC, remaining locals, then globals. Original
// relative order is preserved within each bucket.
func reorderSymbols(symbols []*model.Symbol) []*model.Symbol {
	var files, localFuncs, otherLocals, globals []*model.Symbol
	for _, s := range symbols {
		switch {
		case s.Type == elf.STT_FILE:
			files = append(files, s)
		case s.Bind == elf.STB_LOCAL && s.Type == elf.STT_FUNC:
			localFuncs = append(localFuncs, s)
		case s.Bind == elf.STB_LOCAL:
			otherLocals = append(otherLocals, s)
		default:
			globals = append(globals, s)
		}
	}
	out := make([]*model.Symbol, 0, len(symbols))
	out = append(out, files...)
	out = append(out, localFuncs...)
	out = append(out, otherLocals...)
	out = append(out, globals...)
	return out
}

func assignSectionIndices(out *model.Object) {
	for i, s := range out.Sections {
		s.Index = i + 1
	}
}

func assignSymbolIndices(out *model.Object) {
	for i, s := range out.Symbols {
		s.Index = i
	}
}

// breakDanglingBackReferences clears any back-reference from an included
// symbol to a non-included section, and from an included non-rela
// section's section-symbol field to a non-included section-symbol.
func breakDanglingBackReferences(out *model.Object) {
	included := make(map[*model.Section]bool, len(out.Sections))
	for _, s := range out.Sections {
		included[s] = true
	}
	for _, sym := range out.Symbols {
		if sym.Section != nil && !included[sym.Section] {
			sym.Section = nil
		}
	}
	for _, sec := range out.Sections {
		if sec.IsRela() {
			continue
		}
		if sec.SectionSymbol != nil && !sec.SectionSymbol.Include {
			sec.SectionSymbol = nil
		}
	}
}

