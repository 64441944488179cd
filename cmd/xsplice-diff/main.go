// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command xsplice-diff computes a live-patch object from a base and a
// patched ELF relocatable object, resolved against a running image's symbol
// table.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/xsplice/xsplice-diff/internal/diagutil"
	"github.com/xsplice/xsplice-diff/internal/engine"
)

func main() {
	flagDebug := flag.Bool("debug", false, "enable verbose diagnostic logging")
	flagResolve := flag.Bool("resolve", false, "prefill old_addr from the running image's symbol table")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] original.o patched.o running-image output.o\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 4 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *flagDebug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := engine.Options{
		BasePath:         flag.Arg(0),
		PatchedPath:      flag.Arg(1),
		RunningImagePath: flag.Arg(2),
		OutputPath:       flag.Arg(3),
		Resolve:          *flagResolve,
		Log:              log,
	}

	err := engine.Run(opts)
	code := engine.ExitCode(err)
	switch {
	case code == 3:
		fmt.Fprintln(os.Stderr, "xsplice-diff: no changes detected")
	case err != nil:
		var fatal *diagutil.Fatal
		if errors.As(err, &fatal) {
			for _, d := range fatal.Diags {
				fmt.Fprintf(os.Stderr, "xsplice-diff: %s\n", d)
			}
		} else {
			fmt.Fprintf(os.Stderr, "xsplice-diff: %s\n", err)
		}
	}
	os.Exit(code)
}
