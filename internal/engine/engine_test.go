// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"debug/elf"
	"fmt"
	"testing"

	"github.com/xsplice/xsplice-diff/internal/diagutil"
	"github.com/xsplice/xsplice-diff/internal/model"
)

func TestHasChanges_AllSame(t *testing.T) {
	obj := model.NewObject(elf.EM_X86_64)
	obj.AddSection(&model.Section{Name: ".text.foo", Status: model.StatusSame})
	obj.AddSymbol(&model.Symbol{Name: "foo", Type: elf.STT_FUNC, Status: model.StatusSame})

	if hasChanges(obj) {
		t.Errorf("hasChanges = true, want false when everything is SAME")
	}
}

func TestHasChanges_ChangedFunction(t *testing.T) {
	obj := model.NewObject(elf.EM_X86_64)
	sec := &model.Section{Name: ".text.foo", Status: model.StatusChanged}
	obj.AddSection(sec)
	obj.AddSymbol(&model.Symbol{Name: "foo", Type: elf.STT_FUNC, Status: model.StatusChanged, Section: sec})

	if !hasChanges(obj) {
		t.Errorf("hasChanges = false, want true when a function is CHANGED")
	}
}

func TestHasChanges_NewGlobal(t *testing.T) {
	obj := model.NewObject(elf.EM_X86_64)
	obj.AddSymbol(&model.Symbol{Name: "new_fn", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, Status: model.StatusNew})

	if !hasChanges(obj) {
		t.Errorf("hasChanges = false, want true when a symbol is NEW")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"no changes", diagutil.ErrNoChanges, 3},
		{"bug", diagutil.Bug("malformed input"), 1},
		{"unsupported", diagutil.UnsupportedOne("section", "", "dangling relocation"), 2},
		{"unrecognized error", fmt.Errorf("boom"), 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ExitCode(c.err); got != c.want {
				t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
			}
		})
	}
}
