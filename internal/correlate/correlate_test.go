// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package correlate

import (
	"debug/elf"
	"io"
	"log/slog"
	"testing"

	"github.com/xsplice/xsplice-diff/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFuncSym(obj *model.Object, name string, sec *model.Section) *model.Symbol {
	s := &model.Symbol{Name: name, Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Section: sec, Size: uint64(len(sec.Data))}
	obj.AddSymbol(s)
	sec.BundledSymbol = s
	return s
}

func newTextSection(obj *model.Object, name string, data []byte) *model.Section {
	sec := &model.Section{Name: name, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Data: data}
	obj.AddSection(sec)
	return sec
}

func TestRenameMangledClones(t *testing.T) {
	base := model.NewObject(elf.EM_X86_64)
	baseSec := newTextSection(base, ".text.sysctl_print_dir", []byte{0x90, 0x90})
	newFuncSym(base, "sysctl_print_dir", baseSec)

	patched := model.NewObject(elf.EM_X86_64)
	patchedSec := newTextSection(patched, ".text.sysctl_print_dir.isra.2", []byte{0x90, 0x90})
	cloneSym := newFuncSym(patched, "sysctl_print_dir.isra.2", patchedSec)

	if err := RenameMangledClones(base, patched); err != nil {
		t.Fatalf("RenameMangledClones: %v", err)
	}
	if cloneSym.Name != "sysctl_print_dir" {
		t.Errorf("symbol name = %q, want %q", cloneSym.Name, "sysctl_print_dir")
	}
	if patchedSec.Name != ".text.sysctl_print_dir" {
		t.Errorf("section name = %q, want %q", patchedSec.Name, ".text.sysctl_print_dir")
	}
}

func TestRenameMangledClones_Ambiguous(t *testing.T) {
	// Two base functions whose names differ only in a trailing digit run
	// ("bar.3" vs "bar.9") are both mangled-equal to the clone's stem
	// "bar.7", so the patched symbol cannot be renamed unambiguously.
	base := model.NewObject(elf.EM_X86_64)
	sec1 := newTextSection(base, ".text.bar.3", nil)
	newFuncSym(base, "bar.3", sec1)
	sec2 := newTextSection(base, ".text.bar.9", nil)
	newFuncSym(base, "bar.9", sec2)

	patched := model.NewObject(elf.EM_X86_64)
	pSec := newTextSection(patched, ".text.bar.7.isra.2", nil)
	newFuncSym(patched, "bar.7.isra.2", pSec)

	err := RenameMangledClones(base, patched)
	if err == nil {
		t.Fatalf("RenameMangledClones: want ambiguity error, got nil")
	}
}

func TestCorrelateSections(t *testing.T) {
	base := model.NewObject(elf.EM_X86_64)
	baseData := newTextSection(base, ".text.foo", []byte{1, 2, 3})

	patched := model.NewObject(elf.EM_X86_64)
	patchedData := newTextSection(patched, ".text.foo", []byte{1, 2, 3, 4})

	CorrelateSections(base, patched)
	if patchedData.Twin != baseData || baseData.Twin != patchedData {
		t.Fatalf("expected .text.foo sections to correlate as twins")
	}
}

func TestCorrelateSections_GroupRequiresIdenticalBytes(t *testing.T) {
	base := model.NewObject(elf.EM_X86_64)
	baseGroup := &model.Section{Name: ".group", Type: elf.SHT_GROUP, Data: []byte{1, 0, 0, 0}}
	base.AddSection(baseGroup)

	patched := model.NewObject(elf.EM_X86_64)
	patchedGroup := &model.Section{Name: ".group", Type: elf.SHT_GROUP, Data: []byte{1, 0, 0, 0, 5, 0, 0, 0}}
	patched.AddSection(patchedGroup)

	CorrelateSections(base, patched)
	if patchedGroup.Twin != nil {
		t.Errorf("SHT_GROUP sections with differing bytes must not correlate")
	}
}

func TestCorrelateSymbols_ExcludesConstantLabels(t *testing.T) {
	base := model.NewObject(elf.EM_X86_64)
	baseSym := &model.Symbol{Name: ".LC0", Type: elf.STT_OBJECT, Bind: elf.STB_LOCAL}
	base.AddSymbol(baseSym)

	patched := model.NewObject(elf.EM_X86_64)
	patchedSym := &model.Symbol{Name: ".LC0", Type: elf.STT_OBJECT, Bind: elf.STB_LOCAL}
	patched.AddSymbol(patchedSym)

	CorrelateSymbols(base, patched)
	if patchedSym.Twin != nil {
		t.Errorf("constant labels must never correlate")
	}
}

func TestCorrelateStaticLocals(t *testing.T) {
	base := model.NewObject(elf.EM_X86_64)
	baseFuncSec := newTextSection(base, ".text.foo", []byte{0x90})
	baseFunc := newFuncSym(base, "foo", baseFuncSec)
	baseStatic := &model.Symbol{Name: "counter.7", Type: elf.STT_OBJECT, Bind: elf.STB_LOCAL}
	base.AddSymbol(baseStatic)
	baseRela := &model.Section{Name: ".rela.text.foo", Type: elf.SHT_RELA, Base: baseFuncSec}
	base.AddSection(baseRela)
	baseFuncSec.Rela = baseRela
	baseRela.Relocs = []*model.Relocation{{Offset: 1, Type: elf.R_X86_64_PC32, Target: baseStatic}}

	patched := model.NewObject(elf.EM_X86_64)
	patchedFuncSec := newTextSection(patched, ".text.foo", []byte{0x90})
	newFuncSym(patched, "foo", patchedFuncSec)
	patchedStatic := &model.Symbol{Name: "counter.9", Type: elf.STT_OBJECT, Bind: elf.STB_LOCAL}
	patched.AddSymbol(patchedStatic)
	patchedRela := &model.Section{Name: ".rela.text.foo", Type: elf.SHT_RELA, Base: patchedFuncSec}
	patched.AddSection(patchedRela)
	patchedFuncSec.Rela = patchedRela
	patchedRela.Relocs = []*model.Relocation{{Offset: 1, Type: elf.R_X86_64_PC32, Target: patchedStatic}}

	CorrelateSections(base, patched)
	CorrelateSymbols(base, patched)
	_ = baseFunc

	if err := CorrelateStaticLocals(discardLogger(), base, patched); err != nil {
		t.Fatalf("CorrelateStaticLocals: %v", err)
	}
	if patchedStatic.Twin != baseStatic {
		t.Fatalf("counter.9 did not correlate with counter.7")
	}
	if patchedStatic.Name != "counter.7" {
		t.Errorf("patched static renamed to %q, want %q", patchedStatic.Name, "counter.7")
	}
	if patchedStatic.Status != model.StatusSame || baseStatic.Status != model.StatusSame {
		t.Errorf("expected both static locals marked SAME")
	}
}
