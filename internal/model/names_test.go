// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import "testing"

func TestMangledEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"counter.7", "counter.9", true},
		{"counter.7", "counter.7", true},
		{"sysctl_print_dir", "sysctl_print_dir.isra.2", false}, // no digit run in a
		{"foo.part.1", "foo.part.2", true},
		{"foo.part.1", "bar.part.2", false},
		{"a.1.b.2", "a.3.b.4", true},
		{"a.1.b.2", "a.3.c.4", false},
		{"foo", "foo", true},
		{"foo", "bar", false},
		{"foo.", "foo.", true}, // trailing "." with no digits is not a run
	}
	for _, c := range cases {
		got := MangledEqual(c.a, c.b)
		if got != c.want {
			t.Errorf("MangledEqual(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
		// Symmetry.
		if rev := MangledEqual(c.b, c.a); rev != got {
			t.Errorf("MangledEqual(%q, %q) = %v but MangledEqual(%q, %q) = %v", c.a, c.b, got, c.b, c.a, rev)
		}
	}
}

func TestIsConstantLabel(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{".LC0", true},
		{".LC123", true},
		{".LC", false},
		{".LCfoo", false},
		{"foo", false},
		{".LC12x", false},
	}
	for _, c := range cases {
		if got := IsConstantLabel(c.name); got != c.want {
			t.Errorf("IsConstantLabel(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestIsSpecialStaticName(t *testing.T) {
	for _, name := range []string{"__key.12", "__warned.3", "descriptor.5", "__func__.1", "_rs.0"} {
		if !IsSpecialStaticName(name) {
			t.Errorf("IsSpecialStaticName(%q) = false, want true", name)
		}
	}
	if IsSpecialStaticName("counter.7") {
		t.Errorf("IsSpecialStaticName(%q) = true, want false", "counter.7")
	}
}
