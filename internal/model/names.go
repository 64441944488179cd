// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"debug/elf"
	"strings"
)

// mangledSuffixes are the GCC/ICF clone suffixes that can appear on a
// patched function name that corresponds to an unsuffixed (or
// differently-numbered) base function name.
var mangledSuffixes = []string{".isra.", ".constprop.", ".part."}

// IsMangledClone reports whether name contains one of the compiler clone
// markers (.isra., .constprop., .part.) that MangledEqual treats specially.
func IsMangledClone(name string) bool {
	for _, suf := range mangledSuffixes {
		if strings.Contains(name, suf) {
			return true
		}
	}
	return false
}

// MangledEqual reports whether two names are equal outside any ".<digits>"
// run, where such runs may differ between the two names. A run is a "."
// followed by one or more digits.
//
// This is a distinct equivalence relation from byte-for-byte equality used
// elsewhere (e.g. in the comparator) and is only used for correlation.
func MangledEqual(a, b string) bool {
	for {
		pa, ra, oka := nextDigitRun(a)
		pb, rb, okb := nextDigitRun(b)
		if oka != okb {
			return false
		}
		if !oka {
			return a == b
		}
		if pa != pb {
			return false
		}
		a, b = ra, rb
	}
}

// nextDigitRun splits s at the first ".<digits>" run, returning the prefix
// before the run, the remainder after it, and whether a run was found. If
// no run is found, prefix is meaningless and found is false.
func nextDigitRun(s string) (prefix, rest string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '.' {
			continue
		}
		j := i + 1
		for j < len(s) && isDigit(s[j]) {
			j++
		}
		if j == i+1 {
			// "." not followed by any digit: not a run.
			continue
		}
		return s[:i], s[j:], true
	}
	return s, "", false
}

func isDigit(b byte) bool {
	return '0' <= b && b <= '9'
}

// SpecialStaticPrefixes are the name prefixes of compiler-generated local
// symbols that must never be correlated across builds: the compiler
// regenerates them freely, so matching them by name would pair unrelated
// generated statics. It is exported as a var, not a const, so a caller can
// extend it without touching this package.
var SpecialStaticPrefixes = []string{
	"__key.",
	"__warned.",
	"descriptor.",
	"__func__.",
	"_rs.",
}

// VerboseSectionName is the special section whose contents and bundled
// symbols are always special statics, regardless of name.
const VerboseSectionName = "__verbose"

// IsSpecialStaticName reports whether name matches one of the special
// static prefixes.
func IsSpecialStaticName(name string) bool {
	for _, p := range SpecialStaticPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// IsSpecialStatic reports whether sym is a special static: a local object
// symbol whose name matches one of SpecialStaticPrefixes, or any symbol
// bundled into the __verbose section.
func IsSpecialStatic(sym *Symbol) bool {
	if sym.Section != nil && sym.Section.Name == VerboseSectionName {
		return true
	}
	if sym.Type != elf.STT_OBJECT || sym.Bind != elf.STB_LOCAL {
		return false
	}
	return IsSpecialStaticName(sym.Name)
}

// IsConstantLabel reports whether name has the form ".LC<digits>", the
// read-only-data constant-label convention.
func IsConstantLabel(name string) bool {
	const pfx = ".LC"
	if !strings.HasPrefix(name, pfx) {
		return false
	}
	rest := name[len(pfx):]
	if rest == "" {
		return false
	}
	for i := 0; i < len(rest); i++ {
		if !isDigit(rest[i]) {
			return false
		}
	}
	return true
}

// bundledSectionName returns the name of the section a symbol named sym
// would be bundled under for kind (one of "text", "data", "rodata", "bss"),
// i.e. "."+kind+"."+sym.
func bundledSectionName(kind, sym string) string {
	return "." + kind + "." + sym
}

// CloneStem returns the portion of name before its first ".isra.",
// ".constprop." or ".part." marker, and reports whether one was found. The
// marker and everything after it (the compiler-assigned clone id) is
// considered unrelated to the base function's name; correlation compares
// the stem, not the full mangled name.
func CloneStem(name string) (stem string, ok bool) {
	for _, suf := range mangledSuffixes {
		if i := strings.Index(name, suf); i >= 0 {
			return name[:i], true
		}
	}
	return name, false
}

// BundledKindForSectionName returns the per-function/per-data section
// prefix implied by a section name, e.g. ".text.foo" -> ("text", "foo").
// ok is false if name does not follow the convention.
func BundledKindForSectionName(name string) (kind, symName string, ok bool) {
	for _, kind := range []string{"text", "data", "rodata", "bss"} {
		pfx := "." + kind + "."
		if strings.HasPrefix(name, pfx) {
			return kind, name[len(pfx):], true
		}
	}
	return "", "", false
}
