// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package correlate

import (
	"debug/elf"
	"strings"

	"github.com/xsplice/xsplice-diff/internal/diagutil"
	"github.com/xsplice/xsplice-diff/internal/insn"
	"github.com/xsplice/xsplice-diff/internal/model"
)

// CanonicalizeSectionSymbols rewrites relocations that target an
// STT_SECTION symbol to target the actual function/object symbol they
// refer to. It is applied independently to each input object before
// correlation.
func CanonicalizeSectionSymbols(obj *model.Object) error {
	for _, sec := range obj.Sections {
		if !sec.IsRela() || sec.Base == nil {
			continue
		}
		if strings.HasPrefix(sec.Base.Name, ".debug_") {
			continue
		}
		for _, r := range sec.Relocs {
			if r.Target == nil || r.Target.Type != elf.STT_SECTION {
				continue
			}
			if err := canonicalizeOne(obj, sec.Base, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func canonicalizeOne(obj *model.Object, base *model.Section, r *model.Relocation) error {
	targetSection := r.Target.Section
	if targetSection == nil {
		return diagutil.Bug("relocation in %s targets section symbol %q with no owning section", base.Name, r.Target.Name)
	}

	if targetSection.BundledSymbol != nil {
		r.Target = targetSection.BundledSymbol
		return nil
	}

	var adjust int64
	switch r.Type {
	case elf.R_X86_64_PC32:
		next, err := insn.NextInstructionOffset(base.Data, int(r.Offset))
		if err != nil {
			return diagutil.Bug("computing PC-relative adjust in %s at offset %d: %v", base.Name, r.Offset, err)
		}
		adjust = int64(next) - int64(r.Offset)
	case elf.R_X86_64_64, elf.R_X86_64_32S:
		adjust = 0
	default:
		// Relocation types outside the supported set pass through
		// untouched for canonicalization purposes.
		return nil
	}

	effective := r.Addend + adjust

	var match *model.Symbol
	for _, sym := range obj.Symbols {
		if sym.Section != targetSection || sym == r.Target {
			continue
		}
		if effective >= int64(sym.Value) && effective < int64(sym.Value+sym.Size) {
			if match != nil {
				return diagutil.Bug("ambiguous section-symbol canonicalization in %s: both %q and %q contain offset %d", base.Name, match.Name, sym.Name, effective)
			}
			match = sym
		}
	}
	if match == nil {
		// No symbol covers this offset (e.g. the section has no
		// meaningful sub-symbols, such as padding). Leave the
		// relocation targeting the section symbol.
		return nil
	}

	r.Addend -= int64(match.Value)
	r.Target = match
	return nil
}
