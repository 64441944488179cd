// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package patchtab builds the .xsplice.funcs record table (and its
// companion .xsplice.strings pool) the target runtime's live-patching
// loader consumes, resolving every changed function against the running
// image's symbol table (internal/symtab).
package patchtab

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/xsplice/xsplice-diff/internal/diagutil"
	"github.com/xsplice/xsplice-diff/internal/model"
	"github.com/xsplice/xsplice-diff/internal/symtab"
)

const (
	FuncsSectionName     = ".xsplice.funcs"
	FuncsRelaSectionName = ".rela.xsplice.funcs"
	StringsSectionName   = ".xsplice.strings"

	// PatchFuncSize is sizeof(xsplice_patch_func) on x86-64. Every field
	// already falls on a natural boundary at this layout
	// (old_addr, new_addr, old_size, new_size, name), so the
	// architecture needs no trailing pad to keep the struct's size a
	// multiple of its largest member's alignment.
	PatchFuncSize = 32

	offOldAddr = 0
	offNewAddr = 8
	offOldSize = 16
	offNewSize = 20
	offName    = 24

	// minPatchSiteSize is PATCH_INSN_SIZE on x86-64: the smallest
	// function body the loader can safely overwrite with a trampoline
	// jump (a 5-byte relative JMP).
	minPatchSiteSize = 5
)

// Run performs the full Patch-Table Emitter pass. It must run after the
// Inclusion Engine (so Include reflects the final decision for every
// symbol) but is independent of the Special-Section Rewriter.
func Run(patched *model.Object, lookup *symtab.Table, resolve bool) error {
	fileHint, err := firstFileHint(patched)
	if err != nil {
		return diagutil.Bug("%v", err)
	}

	funcsSec := &model.Section{Name: FuncsSectionName, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Align: 8, EntSize: PatchFuncSize, Include: true, Status: model.StatusNew}
	patched.AddSection(funcsSec)
	funcsRela := &model.Section{Name: FuncsRelaSectionName, Type: elf.SHT_RELA, Base: funcsSec, Include: true, Status: model.StatusNew}
	funcsSec.Rela = funcsRela
	patched.AddSection(funcsRela)

	stringsSec := &model.Section{Name: StringsSectionName, Type: elf.SHT_PROGBITS, Align: 1, Include: true, Status: model.StatusNew}
	patched.AddSection(stringsSec)
	stringsSym := &model.Symbol{Name: StringsSectionName, Type: elf.STT_SECTION, Section: stringsSec, Include: true, Status: model.StatusNew}
	patched.AddSymbol(stringsSym)
	stringsSec.SectionSymbol = stringsSym

	pool := newStringPool()
	var buf bytes.Buffer
	var diags []diagutil.Diag

	for _, fn := range collectChangedFuncs(patched) {
		var addr, size uint64
		var ok bool
		mangled := fn.Name
		if fn.Bind == elf.STB_LOCAL {
			addr, size, ok = lookup.LookupLocal(fn.Name, fileHint)
			mangled = fileHint + "#" + fn.Name
		} else {
			addr, size, ok = lookup.LookupGlobal(fn.Name)
		}
		if !ok {
			diags = append(diags, diagutil.Diag{Element: "function " + fn.Name, Detail: "not found in running-image symbol table"})
			continue
		}
		if size < minPatchSiteSize {
			diags = append(diags, diagutil.Diag{Element: "function " + fn.Name, Detail: fmt.Sprintf("old_size %d is below the minimum patch site size %d", size, minPatchSiteSize)})
			continue
		}

		nameOff := pool.add(patched, mangled)
		entryOff := uint64(buf.Len())

		var oldAddr uint64
		if resolve {
			oldAddr = addr
		}
		writeEntry(&buf, oldAddr, uint32(size), uint32(fn.Size))

		funcsRela.Relocs = append(funcsRela.Relocs,
			&model.Relocation{Offset: entryOff + offNewAddr, Type: elf.R_X86_64_64, Target: fn},
			&model.Relocation{Offset: entryOff + offName, Type: elf.R_X86_64_64, Target: stringsSym, Addend: int64(nameOff)},
		)
	}

	if len(diags) > 0 {
		return diagutil.Unsupported(diags...)
	}

	funcsSec.Data = buf.Bytes()
	funcsSec.Size = uint64(len(funcsSec.Data))
	stringsSec.Data = pool.bytes()
	stringsSec.Size = uint64(len(stringsSec.Data))

	renameIncludedLocals(patched, fileHint)
	return nil
}

func collectChangedFuncs(obj *model.Object) []*model.Symbol {
	var out []*model.Symbol
	for _, s := range obj.Symbols {
		if s.Type == elf.STT_FUNC && s.Status == model.StatusChanged {
			out = append(out, s)
		}
	}
	return out
}

func firstFileHint(obj *model.Object) (string, error) {
	for _, s := range obj.Symbols {
		if s.Type == elf.STT_FILE {
			return s.Name, nil
		}
	}
	return "", fmt.Errorf("patchtab: no STT_FILE symbol present to derive a local-symbol file hint")
}

// renameIncludedLocals renames every included local function or data
// symbol to <file-hint>#<name>, not just the ones emitted into the patch
// table, so the output object's local symbols never collide with another
// patch module's.
func renameIncludedLocals(obj *model.Object, fileHint string) {
	for _, s := range obj.Symbols {
		if !s.Include || s.Bind != elf.STB_LOCAL {
			continue
		}
		if s.Type != elf.STT_FUNC && s.Type != elf.STT_OBJECT {
			continue
		}
		if strings.Contains(s.Name, "#") {
			continue // already mangled
		}
		s.Name = fileHint + "#" + s.Name
	}
}

func writeEntry(buf *bytes.Buffer, oldAddr uint64, oldSize, newSize uint32) {
	var b [PatchFuncSize]byte
	binary.LittleEndian.PutUint64(b[offOldAddr:], oldAddr)
	// new_addr and name are left zero; each is filled in by a relocation
	// the caller appends to .rela.xsplice.funcs.
	binary.LittleEndian.PutUint32(b[offOldSize:], oldSize)
	binary.LittleEndian.PutUint32(b[offNewSize:], newSize)
	buf.Write(b[:])
}

// stringPool accumulates .xsplice.strings' NUL-terminated entries,
// deduplicating identical names, and mirrors them into model.Object.Strings
// for callers that want the mangled-name list independent of the raw
// section bytes.
type stringPool struct {
	buf    bytes.Buffer
	offset map[string]uint64
}

func newStringPool() *stringPool {
	return &stringPool{offset: make(map[string]uint64)}
}

func (p *stringPool) add(obj *model.Object, s string) uint64 {
	if off, ok := p.offset[s]; ok {
		return off
	}
	off := uint64(p.buf.Len())
	obj.Strings = append(obj.Strings, &model.StringEntry{Value: s, Offset: off})
	p.buf.WriteString(s)
	p.buf.WriteByte(0)
	p.offset[s] = off
	return off
}

func (p *stringPool) bytes() []byte { return p.buf.Bytes() }
