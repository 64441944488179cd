// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package engine wires together every pass of the differencing pipeline:
// correlate, compare, include, rewrite specials, emit the patch table,
// migrate/reorder, and serialize. cmd/xsplice-diff is a thin flag-parsing
// shell around Run.
package engine

import (
	"errors"
	"log/slog"
	"os"

	"github.com/xsplice/xsplice-diff/internal/compare"
	"github.com/xsplice/xsplice-diff/internal/correlate"
	"github.com/xsplice/xsplice-diff/internal/diagutil"
	"github.com/xsplice/xsplice-diff/internal/elfio"
	"github.com/xsplice/xsplice-diff/internal/include"
	"github.com/xsplice/xsplice-diff/internal/migrate"
	"github.com/xsplice/xsplice-diff/internal/model"
	"github.com/xsplice/xsplice-diff/internal/patchtab"
	"github.com/xsplice/xsplice-diff/internal/special"
	"github.com/xsplice/xsplice-diff/internal/symtab"
)

// Options carries the positional arguments and flags of cmd/xsplice-diff.
type Options struct {
	BasePath         string
	PatchedPath      string
	RunningImagePath string
	OutputPath       string
	Resolve          bool
	Log              *slog.Logger
}

// Run executes the full pipeline: correlate, compare, include, rewrite
// special sections, emit the patch table, migrate/reorder, and write the
// output object. It returns diagutil.ErrNoChanges when base and patched
// carry no differences worth shipping, and a *diagutil.Fatal for any
// invariant violation or unsupported diff. No output file is written unless
// Run returns nil.
func Run(opts Options) error {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	baseFile, err := os.Open(opts.BasePath)
	if err != nil {
		return diagutil.Bug("opening %s: %v", opts.BasePath, err)
	}
	defer baseFile.Close()

	patchedFile, err := os.Open(opts.PatchedPath)
	if err != nil {
		return diagutil.Bug("opening %s: %v", opts.PatchedPath, err)
	}
	defer patchedFile.Close()

	base, baseHdr, err := elfio.Load(baseFile)
	if err != nil {
		return diagutil.Bug("reading %s: %v", opts.BasePath, err)
	}
	patched, patchedHdr, err := elfio.Load(patchedFile)
	if err != nil {
		return diagutil.Bug("reading %s: %v", opts.PatchedPath, err)
	}

	if err := correlate.Preflight(baseHdr, patchedHdr); err != nil {
		return err
	}
	if err := correlate.Run(log, base, patched); err != nil {
		return err
	}
	if err := compare.Run(log, base, patched); err != nil {
		return err
	}

	// The base model exists only to drive correlation and comparison:
	// everything downstream of this point operates on patched alone, so
	// the local reference is dropped here. Its file stays open until Run
	// returns, via the deferred Close above.
	base = nil

	if !hasChanges(patched) {
		log.Info("no changes detected", "base", opts.BasePath, "patched", opts.PatchedPath)
		return diagutil.ErrNoChanges
	}

	if err := include.Run(patched); err != nil {
		return err
	}
	if err := special.Run(patched); err != nil {
		return err
	}

	lookup, err := symtab.Load(opts.RunningImagePath)
	if err != nil {
		return diagutil.Bug("loading running-image symbol table: %v", err)
	}
	if err := patchtab.Run(patched, lookup, opts.Resolve); err != nil {
		return err
	}

	out := migrate.Run(patched)

	data, err := elfio.Write(out, patched.Machine)
	if err != nil {
		return diagutil.Bug("serializing %s: %v", opts.OutputPath, err)
	}
	if err := os.WriteFile(opts.OutputPath, data, 0o644); err != nil {
		return diagutil.Bug("writing %s: %v", opts.OutputPath, err)
	}

	log.Info("wrote patch object", "path", opts.OutputPath)
	return nil
}

// hasChanges reports whether comparison found anything to ship: any
// correlated section or symbol classified CHANGED, or any uncorrelated
// (NEW) section or symbol. A patched input byte-identical to base leaves
// every status at SAME, so Run reports no changes rather than emit a
// no-op patch object.
func hasChanges(obj *model.Object) bool {
	for _, s := range obj.Sections {
		if s.Status != model.StatusSame {
			return true
		}
	}
	for _, s := range obj.Symbols {
		if s.Status != model.StatusSame {
			return true
		}
	}
	return false
}

// ExitCode maps the error Run returns to a process exit code: 0 for nil, 3
// for diagutil.ErrNoChanges, and the *diagutil.Fatal's own Code for
// anything else (1 for a bug, 2 for an unsupported diff). An unrecognized
// error is treated as an internal bug.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, diagutil.ErrNoChanges):
		return 3
	}
	var fatal *diagutil.Fatal
	if errors.As(err, &fatal) {
		return fatal.Code
	}
	return 1
}
