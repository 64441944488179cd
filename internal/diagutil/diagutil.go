// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package diagutil provides a single error type carrying an exit code and a
// list of named-element diagnostics, distinguishing invariant violations
// (exit 1) from unsupported diffs (exit 2).
package diagutil

import (
	"fmt"
	"strings"
)

// Diag names one offending element in a diagnostic, plus, where available,
// the function that contains it.
type Diag struct {
	Element  string
	Function string // "" if not applicable
	Detail   string
}

func (d Diag) String() string {
	var b strings.Builder
	b.WriteString(d.Element)
	if d.Function != "" {
		fmt.Fprintf(&b, " (in %s)", d.Function)
	}
	if d.Detail != "" {
		fmt.Fprintf(&b, ": %s", d.Detail)
	}
	return b.String()
}

// Fatal is returned by any pass that cannot proceed. Code is the process
// exit code to use (1 for an invariant violation/bug, 2 for an
// author-actionable unsupported diff).
type Fatal struct {
	Code  int
	Diags []Diag
}

func (f *Fatal) Error() string {
	var b strings.Builder
	if len(f.Diags) == 1 {
		b.WriteString(f.Diags[0].String())
		return b.String()
	}
	fmt.Fprintf(&b, "%d offending element(s):", len(f.Diags))
	for _, d := range f.Diags {
		b.WriteString("\n  ")
		b.WriteString(d.String())
	}
	return b.String()
}

// Bug reports an invariant violation: a malformed input or internal bug.
// It always carries exit code 1.
func Bug(format string, args ...any) *Fatal {
	return &Fatal{Code: 1, Diags: []Diag{{Element: fmt.Sprintf(format, args...)}}}
}

// BugElem is like Bug but names a specific element and optional containing
// function.
func BugElem(element, function, detail string) *Fatal {
	return &Fatal{Code: 1, Diags: []Diag{{Element: element, Function: function, Detail: detail}}}
}

// Unsupported reports an author-actionable unsupported diff: exit code 2,
// listing every offending element.
func Unsupported(diags ...Diag) *Fatal {
	return &Fatal{Code: 2, Diags: diags}
}

// UnsupportedOne is Unsupported for a single element.
func UnsupportedOne(element, function, detail string) *Fatal {
	return Unsupported(Diag{Element: element, Function: function, Detail: detail})
}

// ErrNoChanges is the informational "empty diff" result: it is not an error
// in the usual sense (there is no diagnostic to print), but main treats it
// as exit code 3 with no output file written.
var ErrNoChanges = fmt.Errorf("no changes detected")
