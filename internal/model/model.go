// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package model is the in-memory object model the differencing engine
// operates on: sections, symbols, relocations and strings, along with the
// cross-references (twin, base/rela, section-symbol, bundled-symbol) that
// the correlator, comparator, inclusion engine and migrator thread through
// a pipeline of passes.
//
// Two Objects are loaded (base, patched), correlated against each other via
// Twin references, and the base Object is discarded after comparison. The
// patched Object is then walked to mark elements Include, and finally
// migrated into a fresh output Object that is serialized.
package model

import "debug/elf"

// Status classifies a correlated element relative to its twin.
type Status int

const (
	StatusUnknown Status = iota
	StatusSame
	StatusChanged
	StatusNew
)

func (s Status) String() string {
	switch s {
	case StatusSame:
		return "SAME"
	case StatusChanged:
		return "CHANGED"
	case StatusNew:
		return "NEW"
	default:
		return "UNKNOWN"
	}
}

// Object owns the ordered lists of sections, symbols and strings that make
// up one ELF relocatable object (or, for the output object, the patch
// module under construction).
type Object struct {
	Sections []*Section
	Symbols  []*Symbol
	Strings  []*StringEntry

	// Machine is the ELF e_machine of this object. The engine only
	// supports elf.EM_X86_64.
	Machine elf.Machine
}

// NewObject returns an empty Object. Symbols[0] is always the reserved
// null symbol, matching ELF's ".symtab entry 0 is STN_UNDEF" convention.
func NewObject(machine elf.Machine) *Object {
	o := &Object{Machine: machine}
	null := &Symbol{Name: "", Type: elf.STT_NOTYPE, Bind: elf.STB_LOCAL, Include: true, Status: StatusSame}
	o.Symbols = append(o.Symbols, null)
	return o
}

// AddSection appends s to o and returns it.
func (o *Object) AddSection(s *Section) *Section {
	o.Sections = append(o.Sections, s)
	return s
}

// AddSymbol appends s to o and returns it.
func (o *Object) AddSymbol(s *Symbol) *Symbol {
	o.Symbols = append(o.Symbols, s)
	return s
}

// Section is a contiguous region of object-file bytes together with its
// cross-references to a relocation/base section, a naming symbol, and a
// twin in the other object.
type Section struct {
	Name    string
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Addr    uint64
	Size    uint64 // logical size; may exceed len(Data) for SHT_NOBITS
	Align   uint64
	EntSize uint64

	// Data holds the section's bytes, or nil for SHT_NOBITS.
	Data []byte

	// Base is set on a relocation section, pointing at the section its
	// relocations apply to. Rela is the inverse: set on a base section
	// that has a relocation section applying to it.
	Base *Section
	Rela *Section

	// SectionSymbol is the STT_SECTION symbol naming this section, if
	// any.
	SectionSymbol *Symbol

	// BundledSymbol is the unique STT_FUNC/STT_OBJECT symbol when this
	// section contains exactly one function/object (per the
	// .text.<name>/.data.<name>/.rodata.<name>/.bss.<name> convention).
	BundledSymbol *Symbol

	// Relocs holds this section's owned relocations. Only non-empty
	// when this is itself a relocation section (Base != nil).
	Relocs []*Relocation

	Grouped bool // participates in an SHT_GROUP section
	Ignore  bool // forced SAME by an .xsplice.ignore.sections directive
	Include bool
	Status  Status

	Twin *Section

	// Index is the 1-based section index assigned during migration
	// (§4.7). Zero until assigned.
	Index int
}

// IsRela reports whether s is a relocation section.
func (s *Section) IsRela() bool {
	return s.Type == elf.SHT_RELA || s.Type == elf.SHT_REL
}

// Symbol is a named entity owned by (at most) one section.
type Symbol struct {
	Name  string
	Type  elf.SymType
	Bind  elf.SymBind
	Other byte
	Size  uint64

	// Value is st_value. For most symbols in a relocatable object this
	// is an intra-section offset; for SHN_ABS symbols it is the
	// absolute value itself.
	Value uint64

	// Section is the owning section, or nil for SHN_UNDEF/SHN_ABS/
	// SHN_COMMON symbols.
	Section *Section

	// Abs records that this symbol's raw section index was SHN_ABS, so
	// migration preserves that encoding instead of rewriting it from
	// Section.
	Abs bool

	Include bool
	Status  Status

	Twin *Symbol

	// Index is the symtab index assigned during migration (§4.7). Zero
	// (the null symbol) until reassigned, except for the null symbol
	// itself which always keeps index 0.
	Index int
}

// Relocation is one entry of a relocation section.
type Relocation struct {
	Offset uint64
	Type   elf.R_X86_64
	Addend int64

	// Target is the symbol this relocation refers to.
	Target *Symbol

	// InlinedString is set when Target's section is a mergeable string
	// pool (e.g. .rodata.str1.1) and Addend names an offset into it; it
	// is the NUL-terminated string content at that offset, used for
	// relocation equality in the comparator (§4.2) instead of raw addend
	// comparison; the targets are still compared.
	InlinedString *string
}

// StringEntry is one entry of the patch module's own string pool
// (.xsplice.strings), populated only by the patch-table emitter.
type StringEntry struct {
	Value  string
	Offset uint64
}
