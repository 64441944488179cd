// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compare

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

func twinSections(name string, baseData, patchedData []byte) (base, patched *model.Section) {
	base = &model.Section{Name: name, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Data: baseData}
	patched = &model.Section{Name: name, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Data: patchedData}
	base.Twin, patched.Twin = patched, base
	return base, patched
}

func TestCompareSections_SameBytes(t *testing.T) {
	patchedObj := model.NewObject(elf.EM_X86_64)
	_, patched := twinSections(".text.foo", []byte{1, 2, 3}, []byte{1, 2, 3})
	patchedObj.AddSection(patched)

	if err := CompareSections(patchedObj); err != nil {
		t.Fatalf("CompareSections: %v", err)
	}
	if patched.Status != model.StatusSame {
		t.Errorf("status = %v, want SAME", patched.Status)
	}
}

func TestCompareSections_ChangedBytes(t *testing.T) {
	patchedObj := model.NewObject(elf.EM_X86_64)
	_, patched := twinSections(".text.foo", []byte{1, 2, 3}, []byte{1, 2, 4})
	patchedObj.AddSection(patched)

	if err := CompareSections(patchedObj); err != nil {
		t.Fatalf("CompareSections: %v", err)
	}
	if patched.Status != model.StatusChanged {
		t.Errorf("status = %v, want CHANGED", patched.Status)
	}
}

func TestCompareSections_HeaderMismatchFatal(t *testing.T) {
	patchedObj := model.NewObject(elf.EM_X86_64)
	base := &model.Section{Name: ".text.foo", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC}
	patched := &model.Section{Name: ".text.foo", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE}
	base.Twin, patched.Twin = patched, base
	patchedObj.AddSection(patched)

	if err := CompareSections(patchedObj); err == nil {
		t.Fatalf("CompareSections: want error on header mismatch, got nil")
	}
}

func TestCompareSections_Uncorrelated(t *testing.T) {
	patchedObj := model.NewObject(elf.EM_X86_64)
	patched := &model.Section{Name: ".text.newfunc", Type: elf.SHT_PROGBITS}
	patchedObj.AddSection(patched)

	if err := CompareSections(patchedObj); err != nil {
		t.Fatalf("CompareSections: %v", err)
	}
	if patched.Status != model.StatusNew {
		t.Errorf("status = %v, want NEW", patched.Status)
	}
}

func TestCompareSymbols_DerivesFromSection(t *testing.T) {
	patchedObj := model.NewObject(elf.EM_X86_64)
	baseSec, patchedSec := twinSections(".text.foo", []byte{1}, []byte{1, 2})
	patchedObj.AddSection(patchedSec)

	baseSym := &model.Symbol{Name: "foo", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Section: baseSec}
	patchedSym := &model.Symbol{Name: "foo", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Section: patchedSec}
	patchedSym.Twin, baseSym.Twin = baseSym, patchedSym
	patchedObj.AddSymbol(patchedSym)

	if err := CompareSections(patchedObj); err != nil {
		t.Fatalf("CompareSections: %v", err)
	}
	if err := CompareSymbols(patchedObj); err != nil {
		t.Fatalf("CompareSymbols: %v", err)
	}
	if patchedSym.Status != model.StatusChanged {
		t.Errorf("symbol status = %v, want CHANGED (section bytes differ)", patchedSym.Status)
	}
}

func TestCompareSymbols_ConstantLabelForcedSame(t *testing.T) {
	patchedObj := model.NewObject(elf.EM_X86_64)
	sym := &model.Symbol{Name: ".LC3", Type: elf.STT_OBJECT, Bind: elf.STB_LOCAL}
	patchedObj.AddSymbol(sym)

	if err := CompareSymbols(patchedObj); err != nil {
		t.Fatalf("CompareSymbols: %v", err)
	}
	if sym.Status != model.StatusSame {
		t.Errorf("constant label status = %v, want SAME", sym.Status)
	}
}

func TestApplyIgnoreFunctionDirectives(t *testing.T) {
	patchedObj := model.NewObject(elf.EM_X86_64)
	fnSec := &model.Section{Name: ".text.foo", Type: elf.SHT_PROGBITS, Status: model.StatusChanged}
	patchedObj.AddSection(fnSec)
	fn := &model.Symbol{Name: "foo", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Section: fnSec, Status: model.StatusChanged}
	patchedObj.AddSymbol(fn)

	dir := &model.Section{Name: ignoreFunctionsSection, Type: elf.SHT_PROGBITS}
	patchedObj.AddSection(dir)
	dirRela := &model.Section{Name: ".rela" + ignoreFunctionsSection, Type: elf.SHT_RELA, Base: dir}
	dir.Rela = dirRela
	dirRela.Relocs = []*model.Relocation{{Target: fn}}
	patchedObj.AddSection(dirRela)

	if err := applyIgnoreFunctionDirectives(discardLogger(), patchedObj); err != nil {
		t.Fatalf("applyIgnoreFunctionDirectives: %v", err)
	}
	if fn.Status != model.StatusSame || fnSec.Status != model.StatusSame {
		t.Errorf("ignored function/section not forced SAME: fn=%v sec=%v", fn.Status, fnSec.Status)
	}
}

func TestApplyIgnoreSectionDirectives(t *testing.T) {
	patchedObj := model.NewObject(elf.EM_X86_64)

	baseTarget := &model.Section{Name: ".data.counter", Type: elf.SHT_PROGBITS, Data: []byte{1, 2, 3}, Size: 3}
	target := &model.Section{Name: ".data.counter", Type: elf.SHT_PROGBITS, Data: []byte{9, 9, 9}, Size: 3}
	target.Twin, baseTarget.Twin = baseTarget, target
	patchedObj.AddSection(target)

	strSec := &model.Section{Name: ".rodata.str1.1", Type: elf.SHT_PROGBITS, Flags: elf.SHF_MERGE | elf.SHF_STRINGS, Data: append([]byte(".data.counter"), 0)}
	patchedObj.AddSection(strSec)
	strSym := &model.Symbol{Name: "", Type: elf.STT_SECTION, Section: strSec}
	patchedObj.AddSymbol(strSym)

	dir := &model.Section{Name: ignoreSectionsSection, Type: elf.SHT_PROGBITS}
	patchedObj.AddSection(dir)
	dirRela := &model.Section{Name: ".rela" + ignoreSectionsSection, Type: elf.SHT_RELA, Base: dir}
	dir.Rela = dirRela
	dirRela.Relocs = []*model.Relocation{{Target: strSym, Addend: 0}}
	patchedObj.AddSection(dirRela)

	if err := applyIgnoreSectionDirectives(patchedObj); err != nil {
		t.Fatalf("applyIgnoreSectionDirectives: %v", err)
	}
	if !target.Ignore || !baseTarget.Ignore {
		t.Errorf(".data.counter and its twin were not both marked Ignore")
	}
	if strSec.Status != model.StatusChanged || !strSec.Include {
		t.Errorf("authoring string section not marked CHANGED+Include: status=%v include=%v", strSec.Status, strSec.Include)
	}

	if err := CompareSections(patchedObj); err != nil {
		t.Fatalf("CompareSections: %v", err)
	}
	if target.Status != model.StatusSame || baseTarget.Status != model.StatusSame {
		t.Errorf("ignored section with differing bytes must still compare SAME: patched=%v base=%v", target.Status, baseTarget.Status)
	}
}
