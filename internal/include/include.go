// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package include marks which elements of a patched model.Object, whose
// sections and symbols already carry SAME/CHANGED/NEW status
// (internal/compare), belong in the output patch object, and verifies the
// result is patchable.
package include

import (
	"debug/elf"
	"strings"

	"github.com/xsplice/xsplice-diff/internal/diagutil"
	"github.com/xsplice/xsplice-diff/internal/model"
)

const (
	hookLoadSection   = ".xsplice.hooks.load"
	hookUnloadSection = ".xsplice.hooks.unload"
)

// Run performs the full Inclusion Engine pass.
func Run(patched *model.Object) error {
	includeStandardElements(patched)
	includeChangedFunctionClosure(patched)
	includeNewGlobals(patched)
	includeDebugSections(patched)
	if err := includeHookSections(patched); err != nil {
		return err
	}
	return verifyPatchability(patched)
}

func includeStandardElements(obj *model.Object) {
	for _, s := range obj.Sections {
		if s.Name == ".shstrtab" || s.Name == ".strtab" || s.Name == ".symtab" || strings.HasPrefix(s.Name, ".rodata.str1.") {
			s.Include = true
		}
	}
	for _, s := range obj.Symbols {
		if s == obj.Symbols[0] || s.Type == elf.STT_FILE {
			s.Include = true
		}
	}
}

func includeChangedFunctionClosure(obj *model.Object) {
	var worklist []*model.Symbol
	for _, s := range obj.Symbols {
		if s.Type == elf.STT_FUNC && s.Status == model.StatusChanged {
			worklist = append(worklist, s)
		}
	}
	expand(obj, worklist)
}

func includeNewGlobals(obj *model.Object) {
	var worklist []*model.Symbol
	for _, s := range obj.Symbols {
		if s.Bind == elf.STB_GLOBAL && s.Twin == nil && s.Section != nil {
			worklist = append(worklist, s)
		}
	}
	expand(obj, worklist)
}

// expand is the transitive closure from a set of changed symbols: for each
// popped symbol s, mark it included; if its section is not yet included and
// s is itself a section symbol or has a non-SAME status, include the
// section, its section-symbol and its relocation section, and push every
// relocation target found there.
func expand(obj *model.Object, worklist []*model.Symbol) {
	for len(worklist) > 0 {
		n := len(worklist) - 1
		s := worklist[n]
		worklist = worklist[:n]

		s.Include = true
		if s.Section == nil || s.Section.Include {
			continue
		}
		if s.Type != elf.STT_SECTION && s.Status == model.StatusSame {
			continue
		}

		sec := s.Section
		sec.Include = true
		if sec.SectionSymbol != nil {
			sec.SectionSymbol.Include = true
		}
		if sec.Rela != nil {
			sec.Rela.Include = true
			for _, r := range sec.Rela.Relocs {
				if r.Target != nil {
					worklist = append(worklist, r.Target)
				}
			}
		}
	}
}

func includeDebugSections(obj *model.Object) {
	for _, s := range obj.Sections {
		if strings.HasPrefix(s.Name, ".debug_") {
			s.Include = true
		}
	}
	for _, s := range obj.Sections {
		if !s.IsRela() || s.Base == nil || !strings.HasPrefix(s.Base.Name, ".debug_") {
			continue
		}
		kept := s.Relocs[:0]
		for _, r := range s.Relocs {
			if r.Target != nil && r.Target.Section != nil && !r.Target.Section.Include {
				continue
			}
			kept = append(kept, r)
		}
		s.Relocs = kept
	}
}

// includeHookSections includes the xsplice load/unload hook anchors
// outright; each hook
// relocation's pointer-object target is pulled in via the usual closure,
// then the pointer object itself is stripped (its indirection existed only
// to let C initialize a function pointer at compile time) and the hook
// relocation is redirected to address the pointer object's storage
// section directly, by section-symbol.
func includeHookSections(obj *model.Object) error {
	for _, name := range []string{hookLoadSection, hookUnloadSection} {
		hookSec := findSection(obj, name)
		if hookSec == nil {
			continue
		}
		hookSec.Include = true
		if hookSec.SectionSymbol != nil {
			hookSec.SectionSymbol.Include = true
		}
		if hookSec.Rela == nil {
			continue
		}
		hookSec.Rela.Include = true
		for _, r := range hookSec.Rela.Relocs {
			target := r.Target
			if target == nil || target.Section == nil {
				continue
			}
			expand(obj, []*model.Symbol{target})

			target.Include = false
			target.Section.BundledSymbol = nil
			r.Target = target.Section.SectionSymbol
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

// verifyPatchability runs the fatal patchability checks: every changed
// section must have been included, no non-SAME section may participate in a
// section group, no new SHT_GROUP section is allowed, and no data/bss
// section (other than the designated unlikely-data exception) may be
// included unless it is wholly new.
func verifyPatchability(obj *model.Object) error {
	var diags []diagutil.Diag
	for _, s := range obj.Sections {
		if s.Status == model.StatusChanged && !s.Include {
			diags = append(diags, diagutil.Diag{Element: "section " + s.Name, Detail: "changed but not included"})
		}
		if s.Status != model.StatusSame && s.Grouped {
			diags = append(diags, diagutil.Diag{Element: "section " + s.Name, Detail: "non-SAME section participates in a section group"})
		}
		if s.Status == model.StatusNew && s.Type == elf.SHT_GROUP {
			diags = append(diags, diagutil.Diag{Element: "section " + s.Name, Detail: "new SHT_GROUP section"})
		}
		if s.Include && s.Status != model.StatusNew && s.Name != ".data.unlikely" &&
			(strings.HasPrefix(s.Name, ".data") || strings.HasPrefix(s.Name, ".bss")) {
			diags = append(diags, diagutil.Diag{Element: "section " + s.Name, Detail: "data/bss section cannot be patched in place"})
		}
	}
	if len(diags) > 0 {
		return diagutil.Unsupported(diags...)
	}
	return nil
}
