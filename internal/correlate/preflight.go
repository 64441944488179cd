// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package correlate pairs sections and symbols across the base and
// patched object models, handling compiler-mangled name variants
// (.isra./.constprop./.part.) and static-local renaming, before the
// comparator classifies what changed.
package correlate

import (
	"fmt"

	"github.com/xsplice/xsplice-diff/internal/diagutil"
	"github.com/xsplice/xsplice-diff/internal/elfio"
)

// Preflight checks that base and patched are compatible inputs before any
// correlation is attempted: their object-file headers must match, and
// program headers must be absent from both.
func Preflight(base, patched elfio.Header) error {
	if base.NumProgs != 0 || patched.NumProgs != 0 {
		return diagutil.Bug("program headers present (base has %d, patched has %d); only objects without program headers are supported", base.NumProgs, patched.NumProgs)
	}
	mismatches := []string{}
	check := func(name string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			mismatches = append(mismatches, fmt.Sprintf("%s (base=%v, patched=%v)", name, a, b))
		}
	}
	check("ident class", base.Class, patched.Class)
	check("ident data", base.Data, patched.Data)
	check("ident OS/ABI", base.OSABI, patched.OSABI)
	check("ident ABI version", base.ABIVersion, patched.ABIVersion)
	check("type", base.Type, patched.Type)
	check("machine", base.Machine, patched.Machine)
	check("version", base.Version, patched.Version)
	check("entry", base.Entry, patched.Entry)
	check("flags", base.Flags, patched.Flags)
	check("program header offset", base.PHOff, patched.PHOff)
	if len(mismatches) > 0 {
		return diagutil.Bug("incompatible object file headers: %v", mismatches)
	}
	return nil
}
