// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elfio is the object-file reader/writer the core differencing
// engine treats as an external collaborator: it knows how to turn ELF
// bytes into the mutable model.Object of internal/model, and back.
//
// The reading half is grounded on objbrowse/internal/obj/elf.go's section
// and relocation decoding (REL/RELA parsing, STT_SECTION-based section
// lookup, symbol-table concatenation), generalized from that package's
// read-only Sym/Reloc value copies into model's mutable, pointer-linked
// Section/Symbol/Relocation entities.
package elfio

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/xsplice/xsplice-diff/internal/model"
)

// Header captures the object-file-header fields the correlator's preflight
// check compares between the base and patched inputs. Flags and PHOff are
// read directly from the raw header bytes, since debug/elf.FileHeader
// doesn't expose e_flags or e_phoff; they are populated only for ELFCLASS64
// inputs; on ELFCLASS32 both are left zero, so Preflight's comparison of
// them always matches (x86-64 relocatable objects, the only inputs this
// package supports, are always ELFCLASS64).
type Header struct {
	Class      elf.Class
	Data       elf.Data
	OSABI      elf.OSABI
	ABIVersion uint8
	Type       elf.Type
	Machine    elf.Machine
	Version    elf.Version
	Entry      uint64
	Flags      uint32
	PHOff      uint64
	NumProgs   int // must be 0: program headers are required to be absent
}

// Load reads a relocatable ELF object from r into a fresh model.Object,
// along with the raw header fields the preflight check needs.
func Load(r io.ReaderAt) (*model.Object, Header, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, Header{}, fmt.Errorf("elfio: %w", err)
	}
	if ef.Type != elf.ET_REL {
		return nil, Header{}, fmt.Errorf("elfio: not a relocatable object (e_type = %s)", ef.Type)
	}
	flags, phoff, err := readRawHeaderFields(r, ef.Class, ef.ByteOrder)
	if err != nil {
		return nil, Header{}, fmt.Errorf("elfio: reading raw header: %w", err)
	}
	hdr := Header{
		Class:      ef.Class,
		Data:       ef.Data,
		OSABI:      ef.OSABI,
		ABIVersion: ef.ABIVersion,
		Type:       ef.Type,
		Machine:    ef.Machine,
		Version:    ef.Version,
		Entry:      ef.Entry,
		Flags:      flags,
		PHOff:      phoff,
		NumProgs:   len(ef.Progs),
	}

	obj := model.NewObject(ef.Machine)

	// bySection maps a raw ELF section index to the model.Section it
	// was loaded into. Index 0 (SHN_UNDEF) is always nil.
	bySection := make([]*model.Section, len(ef.Sections))

	for i, es := range ef.Sections {
		if i == 0 {
			continue
		}
		ms := &model.Section{
			Name:    es.Name,
			Type:    es.Type,
			Flags:   es.Flags,
			Addr:    es.Addr,
			Size:    es.Size,
			Align:   es.Addralign,
			EntSize: es.Entsize,
			Grouped: es.Flags&elf.SHF_GROUP != 0,
		}
		if es.Type != elf.SHT_NOBITS {
			data, err := es.Data()
			if err != nil {
				return nil, Header{}, fmt.Errorf("elfio: reading section %s: %w", es.Name, err)
			}
			ms.Data = data
		}
		bySection[i] = ms
		obj.AddSection(ms)
	}

	// Symbols. debug/elf's Symbols omits the reserved null symbol at
	// index 0 (model.NewObject already created ours), so raw symbol
	// index n corresponds to obj.Symbols[n].
	esyms, err := ef.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, Header{}, fmt.Errorf("elfio: reading symbols: %w", err)
	}

	for _, es := range esyms {
		ms := &model.Symbol{
			Name:  es.Name,
			Type:  elf.ST_TYPE(es.Info),
			Bind:  elf.ST_BIND(es.Info),
			Other: es.Other,
			Size:  es.Size,
			Value: es.Value,
		}
		switch es.Section {
		case elf.SHN_UNDEF, elf.SHN_COMMON:
			// No owning section.
		case elf.SHN_ABS:
			ms.Abs = true
		default:
			if int(es.Section) < len(bySection) {
				ms.Section = bySection[es.Section]
			}
		}
		obj.AddSymbol(ms)
	}

	// Wire section-symbol: the STT_SECTION symbol naming each section.
	for _, s := range obj.Symbols {
		if s.Type == elf.STT_SECTION && s.Section != nil {
			s.Section.SectionSymbol = s
		}
	}

	// Wire bundled-symbol: the unique STT_FUNC/STT_OBJECT symbol when a
	// section's name follows the ".text.<name>" family of conventions
	// and exactly one qualifying symbol of that name is owned by it.
	for _, s := range obj.Sections {
		_, symName, ok := model.BundledKindForSectionName(s.Name)
		if !ok {
			continue
		}
		var found *model.Symbol
		ambiguous := false
		for _, sym := range obj.Symbols {
			if sym.Section != s || sym.Name != symName {
				continue
			}
			if sym.Type != elf.STT_FUNC && sym.Type != elf.STT_OBJECT {
				continue
			}
			if found != nil {
				ambiguous = true
				break
			}
			found = sym
		}
		if found != nil && !ambiguous {
			s.BundledSymbol = found
		}
	}

	// Wire base/rela and decode relocations.
	for i, es := range ef.Sections {
		if es.Type != elf.SHT_RELA && es.Type != elf.SHT_REL {
			continue
		}
		relSec := bySection[i]
		if es.Info == 0 || int(es.Info) >= len(bySection) {
			continue
		}
		base := bySection[es.Info]
		if base == nil {
			continue
		}
		relSec.Base = base
		base.Rela = relSec

		data, err := es.Data()
		if err != nil {
			return nil, Header{}, fmt.Errorf("elfio: reading relocations %s: %w", es.Name, err)
		}
		raw, err := decodeRelas(es.Type, ef.Class, ef.ByteOrder, data)
		if err != nil {
			return nil, Header{}, fmt.Errorf("elfio: decoding relocations %s: %w", es.Name, err)
		}
		sort.Slice(raw, func(a, b int) bool { return raw[a].Off < raw[b].Off })

		relSec.Relocs = make([]*model.Relocation, 0, len(raw))
		for _, rr := range raw {
			symNum := elf.R_SYM64(rr.Info)
			var target *model.Symbol
			if int(symNum) < len(obj.Symbols) {
				target = obj.Symbols[symNum]
			}
			mr := &model.Relocation{
				Offset: rr.Off,
				Type:   elf.R_X86_64(elf.R_TYPE64(rr.Info)),
				Addend: rr.Addend,
				Target: target,
			}
			if target != nil {
				mr.InlinedString = inlinedString(target, mr.Addend)
			}
			relSec.Relocs = append(relSec.Relocs, mr)
		}
	}

	return obj, hdr, nil
}

// readRawHeaderFields reads e_flags and e_phoff straight out of the ELF
// header bytes, fields debug/elf.FileHeader doesn't expose. It only
// understands the ELFCLASS64 layout; for ELFCLASS32 it returns zeros.
func readRawHeaderFields(r io.ReaderAt, class elf.Class, order binary.ByteOrder) (flags uint32, phoff uint64, err error) {
	if class != elf.ELFCLASS64 {
		return 0, 0, nil
	}
	var b [64]byte
	if _, err := r.ReadAt(b[:], 0); err != nil {
		return 0, 0, err
	}
	phoff = order.Uint64(b[32:40])
	flags = order.Uint32(b[48:52])
	return flags, phoff, nil
}

// inlinedString returns the NUL-terminated string found at addend within
// target's section data, if target's section is a mergeable string pool
// (SHF_MERGE|SHF_STRINGS, the .rodata.str1.1 convention). It returns nil
// if target's section isn't such a pool or addend is out of range.
func inlinedString(target *model.Symbol, addend int64) *string {
	sec := target.Section
	if sec == nil || sec.Flags&(elf.SHF_MERGE|elf.SHF_STRINGS) != elf.SHF_MERGE|elf.SHF_STRINGS {
		return nil
	}
	off := int64(target.Value) + addend
	if off < 0 || off >= int64(len(sec.Data)) {
		return nil
	}
	end := off
	for end < int64(len(sec.Data)) && sec.Data[end] != 0 {
		end++
	}
	s := string(sec.Data[off:end])
	return &s
}

// rela64 is a machine/class-independent decoded relocation entry.
type rela64 struct {
	Off    uint64
	Info   uint64
	Addend int64
}

func decodeRelas(typ elf.SectionType, class elf.Class, o binary.ByteOrder, data []byte) ([]rela64, error) {
	switch {
	case typ == elf.SHT_REL && class == elf.ELFCLASS32:
		return decodeRel32(data, o), nil
	case typ == elf.SHT_REL && class == elf.ELFCLASS64:
		return decodeRel64(data, o), nil
	case typ == elf.SHT_RELA && class == elf.ELFCLASS32:
		return decodeRela32(data, o), nil
	case typ == elf.SHT_RELA && class == elf.ELFCLASS64:
		return decodeRela64(data, o), nil
	}
	return nil, fmt.Errorf("unsupported relocation section class/type")
}

func decodeRel32(data []byte, o binary.ByteOrder) []rela64 {
	var out []rela64
	for len(data) >= 8 {
		off := o.Uint32(data)
		info := o.Uint32(data[4:])
		data = data[8:]
		out = append(out, rela64{uint64(off), elf.R_INFO(elf.R_SYM32(info), elf.R_TYPE32(info)), 0})
	}
	return out
}

func decodeRel64(data []byte, o binary.ByteOrder) []rela64 {
	var out []rela64
	for len(data) >= 16 {
		off := o.Uint64(data)
		info := o.Uint64(data[8:])
		data = data[16:]
		out = append(out, rela64{off, info, 0})
	}
	return out
}

func decodeRela32(data []byte, o binary.ByteOrder) []rela64 {
	var out []rela64
	for len(data) >= 12 {
		off := o.Uint32(data)
		info := o.Uint32(data[4:])
		add := int32(o.Uint32(data[8:]))
		data = data[12:]
		out = append(out, rela64{uint64(off), elf.R_INFO(elf.R_SYM32(info), elf.R_TYPE32(info)), int64(add)})
	}
	return out
}

func decodeRela64(data []byte, o binary.ByteOrder) []rela64 {
	var out []rela64
	for len(data) >= 24 {
		off := o.Uint64(data)
		info := o.Uint64(data[8:])
		add := int64(o.Uint64(data[16:]))
		data = data[24:]
		out = append(out, rela64{off, info, add})
	}
	return out
}
