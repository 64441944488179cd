// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package migrate

import (
	"debug/elf"
	"testing"

	"github.com/xsplice/xsplice-diff/internal/model"
)

func TestRun_BucketOrdering(t *testing.T) {
	patched := model.NewObject(elf.EM_X86_64)

	global := &model.Symbol{Name: "exported", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Include: true}
	patched.AddSymbol(global)
	localFunc := &model.Symbol{Name: "helper", Type: elf.STT_FUNC, Bind: elf.STB_LOCAL, Include: true}
	patched.AddSymbol(localFunc)
	file := &model.Symbol{Name: "foo.c", Type: elf.STT_FILE, Bind: elf.STB_LOCAL, Include: true}
	patched.AddSymbol(file)
	localObj := &model.Symbol{Name: "counter", Type: elf.STT_OBJECT, Bind: elf.STB_LOCAL, Include: true}
	patched.AddSymbol(localObj)
	excluded := &model.Symbol{Name: "dead", Type: elf.STT_FUNC, Bind: elf.STB_LOCAL, Include: false}
	patched.AddSymbol(excluded)

	out := Run(patched)

	wantOrder := []*model.Symbol{patched.Symbols[0], file, localFunc, localObj, global}
	if len(out.Symbols) != len(wantOrder) {
		t.Fatalf("out.Symbols = %d entries, want %d", len(out.Symbols), len(wantOrder))
	}
	for i, want := range wantOrder {
		if out.Symbols[i].Name != want.Name {
			t.Errorf("out.Symbols[%d].Name = %q, want %q", i, out.Symbols[i].Name, want.Name)
		}
	}
	for i, s := range out.Symbols {
		if s.Index != i {
			t.Errorf("out.Symbols[%d].Index = %d, want %d", i, s.Index, i)
		}
	}
}

func TestRun_SectionIndicesAssignedInOrder(t *testing.T) {
	patched := model.NewObject(elf.EM_X86_64)
	a := &model.Section{Name: ".text.a", Include: true}
	patched.AddSection(a)
	b := &model.Section{Name: ".text.b", Include: false}
	patched.AddSection(b)
	c := &model.Section{Name: ".text.c", Include: true}
	patched.AddSection(c)

	out := Run(patched)

	if len(out.Sections) != 2 {
		t.Fatalf("out.Sections = %d, want 2", len(out.Sections))
	}
	if out.Sections[0].Index != 1 || out.Sections[1].Index != 2 {
		t.Errorf("section indices = %d, %d; want 1, 2", out.Sections[0].Index, out.Sections[1].Index)
	}
}

func TestRun_BreaksDanglingSectionSymbolBackReference(t *testing.T) {
	patched := model.NewObject(elf.EM_X86_64)

	excludedSec := &model.Section{Name: ".text.gone", Include: false}
	patched.AddSection(excludedSec)

	keptSec := &model.Section{Name: ".text.kept", Include: true}
	patched.AddSection(keptSec)
	keptSec.SectionSymbol = &model.Symbol{Name: "", Type: elf.STT_SECTION, Section: keptSec, Include: false}
	patched.AddSymbol(keptSec.SectionSymbol)

	sym := &model.Symbol{Name: "foo", Type: elf.STT_FUNC, Section: excludedSec, Include: true}
	patched.AddSymbol(sym)

	out := Run(patched)

	for _, s := range out.Symbols {
		if s.Name == "foo" && s.Section != nil {
			t.Errorf("symbol %q should have had its dangling section reference cleared", s.Name)
		}
	}
	if keptSec.SectionSymbol != nil {
		t.Errorf("kept section's non-included section-symbol back-reference should be cleared")
	}
}
