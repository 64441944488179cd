// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symtab is the symbol-address lookup table consumed from the
// running target image. It is grounded on objbrowse's internal/symtab.Table
// (address-keyed symbol lookup with "best match" heuristics), generalized
// here from a single address-keyed lookup into the two name-keyed
// operations the patch-table emitter needs: LookupGlobal and LookupLocal.
package symtab

import (
	"debug/elf"
	"fmt"
	"sort"
)

// entry is one resolved symbol: its address and size in the running image.
type entry struct {
	addr, size uint64
}

// Table facilitates name-based symbol lookup against a running image's
// symbol table, disambiguating local symbols by the source file they came
// from.
type Table struct {
	globals map[string]entry

	// locals maps a file hint (the name of the STT_FILE symbol
	// immediately preceding a run of local symbols, per ELF symbol
	// table convention) to that file's local symbols.
	locals map[string]map[string]entry
}

// Load builds a Table from the ELF file at path.
func Load(path string) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symtab: opening %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("symtab: reading symbols from %s: %w", path, err)
	}

	t := &Table{
		globals: make(map[string]entry),
		locals:  make(map[string]map[string]entry),
	}

	// ELF convention: local symbols belonging to a compilation unit are
	// grouped together in the symbol table, with an STT_FILE symbol
	// naming the unit placed before them.
	curFile := ""
	for _, s := range syms {
		typ := elf.ST_TYPE(s.Info)
		bind := elf.ST_BIND(s.Info)

		if typ == elf.STT_FILE {
			curFile = s.Name
			continue
		}
		if s.Section == elf.SHN_UNDEF {
			continue
		}

		switch bind {
		case elf.STB_GLOBAL, elf.STB_WEAK:
			if prev, ok := t.globals[s.Name]; !ok || (bind == elf.STB_GLOBAL && prev.addr == 0) {
				t.globals[s.Name] = entry{s.Value, s.Size}
			}
		case elf.STB_LOCAL:
			if curFile == "" {
				continue
			}
			m := t.locals[curFile]
			if m == nil {
				m = make(map[string]entry)
				t.locals[curFile] = m
			}
			m[s.Name] = entry{s.Value, s.Size}
		}
	}

	return t, nil
}

// LookupGlobal resolves a global or weak symbol by name.
func (t *Table) LookupGlobal(name string) (addr, size uint64, ok bool) {
	e, ok := t.globals[name]
	return e.addr, e.size, ok
}

// LookupLocal resolves a local symbol by name, disambiguated by the file
// hint naming the compilation unit it belongs to.
func (t *Table) LookupLocal(name, fileHint string) (addr, size uint64, ok bool) {
	m, ok := t.locals[fileHint]
	if !ok {
		return 0, 0, false
	}
	e, ok := m[name]
	return e.addr, e.size, ok
}

// FileHints returns the set of file hints known to the table, sorted. It
// exists mainly for diagnostics (e.g. reporting lookup failures).
func (t *Table) FileHints() []string {
	out := make([]string, 0, len(t.locals))
	for k := range t.locals {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
